// Package metrics provides Prometheus collectors for the module host.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modhost"

// Metrics holds the process collectors. Each instance owns its registry so
// tests can create as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	pollTicks       *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	moduleChanges   *prometheus.CounterVec
	loadedModules   prometheus.Gauge
	blocklistAdds   *prometheus.CounterVec
	breakerState    prometheus.Gauge
	breakerCalls    *prometheus.CounterVec
	serializerFalls *prometheus.CounterVec
	renderFallbacks *prometheus.CounterVec
	reportsReceived *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Manifest poll ticks by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tick_duration_seconds",
			Help:      "Duration of manifest poll ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		moduleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "changes_total",
			Help:      "Module installs and removals.",
		}, []string{"op"}),
		loadedModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "loaded_modules",
			Help:      "Number of modules in the current registry view.",
		}),
		blocklistAdds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "blocklist_additions_total",
			Help:      "Blocklist additions by reason.",
		}, []string{"reason"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		breakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Data-loading calls by breaker outcome.",
		}, []string{"outcome"}),
		serializerFalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serializer",
			Name:      "fallbacks_total",
			Help:      "State serialization attempts that failed, by tier.",
		}, []string{"tier"}),
		renderFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "fallbacks_total",
			Help:      "Degraded renders by kind.",
		}, []string{"kind"}),
		reportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "received_total",
			Help:      "Client reports received by type.",
		}, []string{"type"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.pollTicks,
		m.pollDuration,
		m.moduleChanges,
		m.loadedModules,
		m.blocklistAdds,
		m.breakerState,
		m.breakerCalls,
		m.serializerFalls,
		m.renderFallbacks,
		m.reportsReceived,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPollTick records a poll tick; result is "ok" or "fetch_error".
func (m *Metrics) RecordPollTick(result string, duration time.Duration) {
	m.pollTicks.WithLabelValues(result).Inc()
	m.pollDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordInstall() { m.moduleChanges.WithLabelValues("install").Inc() }
func (m *Metrics) RecordRemoval() { m.moduleChanges.WithLabelValues("remove").Inc() }

// SetLoadedModules sets the size of the registry view.
func (m *Metrics) SetLoadedModules(n int) { m.loadedModules.Set(float64(n)) }

// RecordBlocklist counts a blocklist addition.
func (m *Metrics) RecordBlocklist(reason string) {
	m.blocklistAdds.WithLabelValues(reason).Inc()
}

// SetBreakerState publishes the breaker state as its ordinal.
func (m *Metrics) SetBreakerState(state int) { m.breakerState.Set(float64(state)) }

// RecordBreakerCall counts a breaker outcome.
func (m *Metrics) RecordBreakerCall(outcome string) {
	m.breakerCalls.WithLabelValues(outcome).Inc()
}

// RecordSerializerFallback counts a failed serialization tier.
func (m *Metrics) RecordSerializerFallback(tier string) {
	m.serializerFalls.WithLabelValues(tier).Inc()
}

// RecordRenderFallback counts a degraded render.
func (m *Metrics) RecordRenderFallback(kind string) {
	m.renderFallbacks.WithLabelValues(kind).Inc()
}

// RecordReport counts a client report.
func (m *Metrics) RecordReport(kind string) {
	m.reportsReceived.WithLabelValues(kind).Inc()
}
