// Package manifest models the remote module map: which modules should be
// loaded, at which version, and where each delivery variant lives.
package manifest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/tidwall/gjson"
)

// Delivery variants.
const (
	VariantNode          = "node"
	VariantBrowser       = "browser"
	VariantLegacyBrowser = "legacyBrowser"
)

// Variants lists every variant the host understands, in preference order.
var Variants = []string{VariantNode, VariantBrowser, VariantLegacyBrowser}

// Asset locates one delivery variant of a module.
type Asset struct {
	URL       string `json:"url"`
	Integrity string `json:"integrity"`
}

// Entry is the manifest description of a single module.
type Entry struct {
	Name    string
	Version string
	Assets  map[string]Asset
}

// Asset returns the asset for variant.
func (e Entry) Asset(variant string) (Asset, bool) {
	a, ok := e.Assets[variant]
	return a, ok
}

// Identity returns "name@version".
func (e Entry) Identity() string {
	return e.Name + "@" + e.Version
}

// Manifest is an immutable, ordered module map.
type Manifest struct {
	key     string
	entries []Entry
	index   map[string]int
}

// Key returns the manifest cache-busting key.
func (m *Manifest) Key() string {
	if m == nil {
		return ""
	}
	return m.key
}

// Len returns the number of modules.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns a copy of the entries in manifest order.
func (m *Manifest) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Get looks up a module by name.
func (m *Manifest) Get(name string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	i, ok := m.index[name]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Warning describes a manifest entry that was dropped while parsing.
type Warning struct {
	Module string
	Reason string
}

// Parse decodes a manifest document. Relative asset URLs are resolved
// against base when it is non-nil. Entries that cannot be admitted (no
// resolvable version) are dropped and reported as warnings.
func Parse(data []byte, base *url.URL) (*Manifest, []Warning, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, fmt.Errorf("manifest is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	modules := doc.Get("modules")
	if !modules.Exists() || !modules.IsObject() {
		return nil, nil, fmt.Errorf("manifest has no modules object")
	}

	m := &Manifest{
		key:   doc.Get("key").String(),
		index: make(map[string]int),
	}
	var warnings []Warning

	modules.ForEach(func(k, v gjson.Result) bool {
		name := k.String()
		if name == "" || !v.IsObject() {
			warnings = append(warnings, Warning{Module: name, Reason: "entry is not an object"})
			return true
		}
		entry := Entry{Name: name, Assets: make(map[string]Asset)}
		for _, variant := range Variants {
			av := v.Get(variant)
			if !av.Exists() {
				continue
			}
			asset := Asset{
				URL:       strings.TrimSpace(av.Get("url").String()),
				Integrity: strings.TrimSpace(av.Get("integrity").String()),
			}
			if base != nil && asset.URL != "" {
				if ref, err := url.Parse(asset.URL); err == nil {
					asset.URL = base.ResolveReference(ref).String()
				}
			}
			entry.Assets[variant] = asset
		}

		version := strings.TrimPrefix(strings.TrimSpace(v.Get("version").String()), "v")
		if version == "" {
			version = versionFromURL(entry.Assets[VariantNode].URL)
		}
		if version == "" {
			warnings = append(warnings, Warning{Module: name, Reason: "no version declared or derivable"})
			return true
		}
		if _, err := semver.NewVersion(version); err != nil {
			warnings = append(warnings, Warning{Module: name, Reason: fmt.Sprintf("invalid version %q: %v", version, err)})
			return true
		}
		entry.Version = version

		if _, dup := m.index[name]; dup {
			warnings = append(warnings, Warning{Module: name, Reason: "duplicate module"})
			return true
		}
		m.index[name] = len(m.entries)
		m.entries = append(m.entries, entry)
		return true
	})

	return m, warnings, nil
}

// versionFromURL returns the first path segment that is a semantic version,
// e.g. https://cdn/modules/frank/1.2.3/frank.node.js -> 1.2.3.
func versionFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(u.Path, "/") {
		seg = strings.TrimPrefix(seg, "v")
		if seg == "" || !strings.Contains(seg, ".") {
			continue
		}
		if _, err := semver.NewVersion(seg); err == nil {
			return seg
		}
	}
	return ""
}
