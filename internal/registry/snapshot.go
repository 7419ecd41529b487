package registry

import (
	"sync"

	"github.com/R3E-Network/module_host/internal/manifest"
	"github.com/R3E-Network/module_host/internal/module"
)

// Snapshot is an immutable, consistent view of the loaded modules.
type Snapshot struct {
	generation uint64
	records    []Record
	index      map[string]int
}

func newSnapshot(v *view) Snapshot {
	s := Snapshot{
		generation: v.generation,
		records:    make([]Record, 0, len(v.order)),
		index:      make(map[string]int, len(v.order)),
	}
	for _, name := range v.order {
		s.index[name] = len(s.records)
		s.records = append(s.records, v.entries[name].rec)
	}
	return s
}

// Generation increases with every registry write.
func (s Snapshot) Generation() uint64 {
	return s.generation
}

// Len returns the number of loaded modules.
func (s Snapshot) Len() int {
	return len(s.records)
}

// Get returns the record for name.
func (s Snapshot) Get(name string) (Record, bool) {
	i, ok := s.index[name]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Records returns the loaded records in install order.
func (s Snapshot) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Names returns the loaded module names in install order.
func (s Snapshot) Names() []string {
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Name)
	}
	return out
}

// Loaded returns the name/version pairs used for manifest diffing.
func (s Snapshot) Loaded() []manifest.Loaded {
	out := make([]manifest.Loaded, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, manifest.Loaded{Name: r.Name, Version: r.Version})
	}
	return out
}

// Lease is a Snapshot whose modules are retained until Release.
type Lease struct {
	Snapshot
	held []*entry
	once sync.Once
}

// Module returns the module registered under name in this lease.
func (l *Lease) Module(name string) (module.Module, bool) {
	rec, ok := l.Get(name)
	if !ok {
		return nil, false
	}
	return rec.Module, true
}

// Release drops the lease's references. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		for _, e := range l.held {
			e.release()
		}
		l.held = nil
	})
}
