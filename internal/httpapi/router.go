// Package httpapi assembles the module host's HTTP surface: operational
// status, metrics, client report endpoints and the catch-all page
// pipeline.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/breaker"
	"github.com/R3E-Network/module_host/internal/logging"
	"github.com/R3E-Network/module_host/internal/metrics"
	"github.com/R3E-Network/module_host/internal/middleware"
	"github.com/R3E-Network/module_host/internal/poller"
	"github.com/R3E-Network/module_host/internal/registry"
	"github.com/R3E-Network/module_host/internal/render"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultReportRate     = 10
	defaultReportBurst    = 20
	defaultReportMaxBytes = 16 << 10

	limiterCleanupInterval = time.Minute
)

// ReportOptions limits the client report endpoints.
type ReportOptions struct {
	RatePerSecond float64
	Burst         int
	MaxBodyBytes  int64
}

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Registry *registry.Registry
	Poller   *poller.Poller
	Breaker  *breaker.Breaker
	Pipeline *render.Pipeline
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Reports  ReportOptions

	// Context bounds background work started by the router. When nil,
	// idle report limiters are never swept.
	Context context.Context
}

type handler struct {
	deps Deps
	log  *logging.Logger
}

// NewRouter returns the complete request handler.
func NewRouter(d Deps) *mux.Router {
	if d.Logger == nil {
		d.Logger = logging.Wrap("modhost", logrus.StandardLogger())
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Reports.RatePerSecond <= 0 {
		d.Reports.RatePerSecond = defaultReportRate
	}
	if d.Reports.Burst <= 0 {
		d.Reports.Burst = defaultReportBurst
	}
	if d.Reports.MaxBodyBytes <= 0 {
		d.Reports.MaxBodyBytes = defaultReportMaxBytes
	}
	h := &handler{deps: d, log: d.Logger}

	r := mux.NewRouter()
	r.Use(
		middleware.NewTracingMiddleware(d.Logger).Handler,
		middleware.MetricsMiddleware(d.Metrics),
		middleware.Recover(d.Logger),
	)

	r.HandleFunc("/_/status", h.status).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/_/status/modules", h.moduleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)

	limiter := middleware.NewRateLimiter(d.Reports.RatePerSecond, d.Reports.Burst, d.Logger)
	if d.Context != nil {
		limiter.StartCleanup(d.Context, limiterCleanupInterval)
	}
	reports := r.PathPrefix("/_/report").Subrouter()
	reports.Use(limiter.Handler)
	reports.HandleFunc("/errors", h.reportErrors).Methods(http.MethodPost)
	reports.HandleFunc("/security/csp-violation", h.reportCSP).Methods(http.MethodPost)

	if d.Pipeline != nil {
		cors := middleware.NewCORSMiddleware(d.Pipeline.CORSOrigins)
		r.PathPrefix("/").Handler(cors.Handler(d.Pipeline))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
