package manifest

// Diff classifies a manifest against the currently loaded module set.
type Diff struct {
	// Added are entries whose name is not loaded, in manifest order.
	Added []Entry
	// Changed are entries whose name is loaded at a different version.
	Changed []Entry
	// Removed are loaded names missing from the manifest, in loaded order.
	Removed []string
}

// Empty reports whether the diff requires no work.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Loaded is a name/version pair taken from the registry.
type Loaded struct {
	Name    string
	Version string
}

// Compare diffs m against loaded by module name.
func Compare(m *Manifest, loaded []Loaded) Diff {
	var d Diff
	current := make(map[string]string, len(loaded))
	for _, l := range loaded {
		current[l.Name] = l.Version
	}
	for _, e := range m.Entries() {
		v, ok := current[e.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, e)
		case v != e.Version:
			d.Changed = append(d.Changed, e)
		}
	}
	for _, l := range loaded {
		if _, ok := m.Get(l.Name); !ok {
			d.Removed = append(d.Removed, l.Name)
		}
	}
	return d
}
