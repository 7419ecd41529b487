package manifest

// ClientModule is the browser-facing description of an installed module.
type ClientModule struct {
	Name          string `json:"-"`
	Version       string `json:"version"`
	Browser       *Asset `json:"browser,omitempty"`
	LegacyBrowser *Asset `json:"legacyBrowser,omitempty"`
}

// ClientMap is the module map handed to browsers. It only lists modules
// that are installed on the server.
type ClientMap struct {
	Key     string                  `json:"key"`
	Modules map[string]ClientModule `json:"modules"`
}

// NewClientMap builds a ClientMap from m restricted to the installed names.
func NewClientMap(m *Manifest, installed []Loaded) *ClientMap {
	cm := &ClientMap{Key: m.Key(), Modules: make(map[string]ClientModule, len(installed))}
	for _, l := range installed {
		e, ok := m.Get(l.Name)
		if !ok || e.Version != l.Version {
			continue
		}
		mod := ClientModule{Name: e.Name, Version: e.Version}
		if a, ok := e.Asset(VariantBrowser); ok {
			a := a
			mod.Browser = &a
		}
		if a, ok := e.Asset(VariantLegacyBrowser); ok {
			a := a
			mod.LegacyBrowser = &a
		}
		cm.Modules[e.Name] = mod
	}
	return cm
}

// Get returns the client description of name.
func (c *ClientMap) Get(name string) (ClientModule, bool) {
	if c == nil {
		return ClientModule{}, false
	}
	m, ok := c.Modules[name]
	return m, ok
}
