// Package registry holds the set of active modules.
//
// The active set is an immutable view replaced wholesale on every write
// (copy-on-write), so readers never lock and never observe a half-installed
// module. Each installed module carries a reference count: the registry
// holds one reference while the module is in the current view and every
// Lease holds one more. The module is closed when the count reaches zero.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/module"
)

var (
	// ErrNotFound is returned by Remove for unknown names.
	ErrNotFound = errors.New("module not found")

	// ErrBlocklisted is returned by Install for blocklisted identities.
	ErrBlocklisted = errors.New("module version is blocklisted")
)

// Hooks observe registry writes.
type Hooks struct {
	OnInstall func(rec Record, replaced bool)
	OnRemove  func(rec Record)
	OnClose   func(rec Record, err error)
}

type entry struct {
	rec  Record
	refs atomic.Int64
	reg  *Registry
}

// tryRetain adds a reference unless the entry has already been released.
func (e *entry) tryRetain() bool {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *entry) release() {
	if e.refs.Add(-1) != 0 {
		return
	}
	err := e.rec.Module.Close()
	e.reg.closed(e.rec, err)
}

type view struct {
	generation uint64
	entries    map[string]*entry
	order      []string
}

// Registry is the single owner of the active module set.
type Registry struct {
	current   atomic.Pointer[view]
	writeMu   sync.Mutex
	blocklist *Blocklist
	hooks     Hooks
	log       logrus.FieldLogger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = l }
}

// WithHooks sets observation hooks.
func WithHooks(h Hooks) Option {
	return func(r *Registry) { r.hooks = h }
}

// WithBlocklist shares an existing blocklist.
func WithBlocklist(b *Blocklist) Option {
	return func(r *Registry) { r.blocklist = b }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		blocklist: NewBlocklist(),
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&view{entries: map[string]*entry{}})
	return r
}

// Blocklist returns the registry-scoped blocklist.
func (r *Registry) Blocklist() *Blocklist {
	return r.blocklist
}

// Snapshot returns an immutable view of every loaded record. It does not
// retain the modules; use Acquire when modules will be called.
func (r *Registry) Snapshot() Snapshot {
	return newSnapshot(r.current.Load())
}

// Acquire returns a lease on the current view. Modules reachable through
// the lease stay open until Release, even if they are replaced or removed
// in the meantime.
func (r *Registry) Acquire() *Lease {
	for {
		v := r.current.Load()
		held := make([]*entry, 0, len(v.order))
		ok := true
		for _, name := range v.order {
			e := v.entries[name]
			if !e.tryRetain() {
				ok = false
				break
			}
			held = append(held, e)
		}
		if ok {
			return &Lease{Snapshot: newSnapshot(v), held: held}
		}
		// a writer replaced the view and released one of its modules
		// between our load and retain; drop what we took and retry
		for _, e := range held {
			e.release()
		}
	}
}

// Install atomically adds or replaces the module registered under name.
// The replaced module is closed once no lease references it.
func (r *Registry) Install(name, version string, handle module.Module) error {
	if handle == nil {
		return fmt.Errorf("install %s@%s: nil module", name, version)
	}
	if r.blocklist.Contains(name, version) {
		return fmt.Errorf("install %s@%s: %w", name, version, ErrBlocklisted)
	}

	r.writeMu.Lock()
	old := r.current.Load()
	next := &view{
		generation: old.generation + 1,
		entries:    make(map[string]*entry, len(old.entries)+1),
		order:      make([]string, 0, len(old.order)+1),
	}
	for _, n := range old.order {
		next.entries[n] = old.entries[n]
		next.order = append(next.order, n)
	}
	replaced, had := old.entries[name]
	e := &entry{
		rec: Record{
			Name:     name,
			Version:  version,
			LoadedAt: r.now(),
			Status:   StatusLoaded,
			Module:   handle,
		},
		reg: r,
	}
	e.refs.Store(1)
	next.entries[name] = e
	if !had {
		next.order = append(next.order, name)
	}
	r.current.Store(next)
	r.writeMu.Unlock()

	r.log.WithFields(logrus.Fields{
		"module":     name,
		"version":    version,
		"generation": next.generation,
		"replaced":   had,
	}).Info("module installed")
	if r.hooks.OnInstall != nil {
		r.hooks.OnInstall(e.rec, had)
	}
	if had {
		replaced.release()
	}
	return nil
}

// Remove drops name from the active set. Requests already holding the
// module finish normally.
func (r *Registry) Remove(name string) error {
	r.writeMu.Lock()
	old := r.current.Load()
	e, ok := old.entries[name]
	if !ok {
		r.writeMu.Unlock()
		return fmt.Errorf("remove %s: %w", name, ErrNotFound)
	}
	next := &view{
		generation: old.generation + 1,
		entries:    make(map[string]*entry, len(old.entries)),
		order:      make([]string, 0, len(old.order)),
	}
	for _, n := range old.order {
		if n == name {
			continue
		}
		next.entries[n] = old.entries[n]
		next.order = append(next.order, n)
	}
	r.current.Store(next)
	r.writeMu.Unlock()

	r.log.WithFields(logrus.Fields{
		"module":     name,
		"version":    e.rec.Version,
		"generation": next.generation,
	}).Info("module removed")
	if r.hooks.OnRemove != nil {
		r.hooks.OnRemove(e.rec)
	}
	e.release()
	return nil
}

func (r *Registry) closed(rec Record, err error) {
	l := r.log.WithFields(logrus.Fields{"module": rec.Name, "version": rec.Version})
	if err != nil {
		l.WithError(err).Warn("module teardown failed")
	} else {
		l.Debug("module torn down")
	}
	if r.hooks.OnClose != nil {
		r.hooks.OnClose(rec, err)
	}
}
