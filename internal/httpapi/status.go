package httpapi

import (
	"net/http"

	"github.com/R3E-Network/module_host/internal/breaker"
	"github.com/R3E-Network/module_host/internal/poller"
	"github.com/R3E-Network/module_host/internal/registry"
)

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte("OK"))
	}
}

type pollerStatus struct {
	State   string `json:"state"`
	Running bool   `json:"running"`
	Root    string `json:"rootModule"`
}

// ModuleStatus is the body of GET /_/status/modules.
type ModuleStatus struct {
	Generation  uint64                `json:"generation"`
	ManifestKey string                `json:"manifestKey"`
	Modules     []registry.Record     `json:"modules"`
	Blocklist   []registry.BlockEntry `json:"blocklist"`
	Failures    []poller.Failure      `json:"failures"`
	Poller      *pollerStatus         `json:"poller,omitempty"`
	Breaker     *breaker.Stats        `json:"breaker,omitempty"`
}

func (h *handler) moduleStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "registry unavailable"})
		return
	}
	snap := h.deps.Registry.Snapshot()
	out := ModuleStatus{
		Generation: snap.Generation(),
		Modules:    snap.Records(),
		Blocklist:  h.deps.Registry.Blocklist().Entries(),
		Failures:   []poller.Failure{},
	}
	if p := h.deps.Poller; p != nil {
		out.Poller = &pollerStatus{State: p.State().String(), Running: p.IsRunning(), Root: p.RootModule()}
		if cm := p.ClientModuleMap(); cm != nil {
			out.ManifestKey = cm.Key
		}
		if f := p.Failures(); len(f) > 0 {
			out.Failures = f
		}
	}
	if b := h.deps.Breaker; b != nil {
		stats := b.Stats()
		out.Breaker = &stats
	}
	writeJSON(w, http.StatusOK, out)
}
