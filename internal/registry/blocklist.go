package registry

import (
	"sync"
	"time"
)

// BlockEntry records why a module version was refused.
type BlockEntry struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Reason  string    `json:"reason"`
	Variant string    `json:"variant,omitempty"`
	Digest  string    `json:"digest,omitempty"`
	Options []string  `json:"options,omitempty"`
	At      time.Time `json:"at"`
}

type blockKey struct {
	name    string
	version string
}

// Blocklist is an append-only set of module identities that failed
// admission. Entries never expire for the lifetime of the process.
type Blocklist struct {
	mu      sync.RWMutex
	entries map[blockKey]BlockEntry
	order   []blockKey
}

// NewBlocklist creates an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{entries: make(map[blockKey]BlockEntry)}
}

// Add records e. It returns false when the identity was already present;
// the first recorded reason is kept.
func (b *Blocklist) Add(e BlockEntry) bool {
	k := blockKey{e.Name, e.Version}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[k]; ok {
		return false
	}
	b.entries[k] = e
	b.order = append(b.order, k)
	return true
}

// Contains reports whether name@version is blocklisted.
func (b *Blocklist) Contains(name, version string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[blockKey{name, version}]
	return ok
}

// Get returns the entry for name@version.
func (b *Blocklist) Get(name, version string) (BlockEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[blockKey{name, version}]
	return e, ok
}

// Entries returns all entries in insertion order.
func (b *Blocklist) Entries() []BlockEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BlockEntry, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.entries[k])
	}
	return out
}

// Len returns the number of entries.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}
