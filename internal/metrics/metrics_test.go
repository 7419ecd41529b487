package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func labels(metric *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range metric.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestRecordHTTPRequest(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("get", "/_/status", http.StatusOK, 20*time.Millisecond)
	m.RecordHTTPRequest("GET", "/_/status", http.StatusOK, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/_/status", "200")))

	f := family(t, m, "modhost_http_request_duration_seconds")
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, map[string]string{"method": "GET", "path": "/_/status"}, labels(f.GetMetric()[0]))
	assert.Equal(t, uint64(2), f.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestInFlight(t *testing.T) {
	m := New()
	m.IncrementInFlight()
	m.IncrementInFlight()
	m.DecrementInFlight()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpInFlight))
}

func TestModuleLifecycleMetrics(t *testing.T) {
	m := New()
	m.RecordPollTick("ok", time.Second)
	m.RecordPollTick("fetch_error", time.Second)
	m.RecordPollTick("ok", time.Second)
	m.RecordInstall()
	m.RecordInstall()
	m.RecordRemoval()
	m.SetLoadedModules(3)
	m.RecordBlocklist("integrity")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.pollTicks.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pollTicks.WithLabelValues("fetch_error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.moduleChanges.WithLabelValues("install")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.moduleChanges.WithLabelValues("remove")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.loadedModules))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.blocklistAdds.WithLabelValues("integrity")))

	f := family(t, m, "modhost_poller_tick_duration_seconds")
	assert.Equal(t, dto.MetricType_HISTOGRAM, f.GetType())
	assert.Equal(t, uint64(3), f.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestRenderPathMetrics(t *testing.T) {
	m := New()
	m.SetBreakerState(1)
	m.RecordBreakerCall("timeout")
	m.RecordSerializerFallback("full")
	m.RecordRenderFallback("data")
	m.RecordReport("csp-violation")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.breakerState))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.breakerCalls.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.serializerFalls.WithLabelValues("full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.renderFallbacks.WithLabelValues("data")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reportsReceived.WithLabelValues("csp-violation")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordBlocklist("config")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `modhost_registry_blocklist_additions_total{reason="config"} 1`))
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordInstall()
	assert.Zero(t, testutil.ToFloat64(b.moduleChanges.WithLabelValues("install")))
}
