package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/module_host/internal/logging"
)

func testLogger() (*logging.Logger, *test.Hook) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	return logging.Wrap("modhost", base), hook
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func origins(list ...string) OriginSource {
	return func(*http.Request) []string { return list }
}

func TestCORS_AllowedOrigin(t *testing.T) {
	h := NewCORSMiddleware(origins("test.example.com", "https://app.example.org")).Handler(okHandler)

	for _, origin := range []string{"https://test.example.com", "https://app.example.org"} {
		req := httptest.NewRequest(http.MethodGet, "/page", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "ok", rec.Body.String())
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	h := NewCORSMiddleware(origins("test.example.com")).Handler(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestCORS_Preflight(t *testing.T) {
	h := NewCORSMiddleware(origins("test.example.com")).Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/page", nil)
	req.Header.Set("Origin", "https://test.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "https://test.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, HEAD, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_NoOriginsDeclared(t *testing.T) {
	for _, src := range []OriginSource{nil, origins()} {
		h := NewCORSMiddleware(src).Handler(okHandler)
		req := httptest.NewRequest(http.MethodOptions, "/page", nil)
		req.Header.Set("Origin", "https://test.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		for k := range rec.Header() {
			assert.NotContains(t, k, "Access-Control")
		}
		assert.Empty(t, rec.Header().Get("Vary"))
	}
}

func TestCORS_OriginsReadPerRequest(t *testing.T) {
	var mu sync.Mutex
	current := []string{"a.example.com"}
	h := NewCORSMiddleware(func(*http.Request) []string {
		mu.Lock()
		defer mu.Unlock()
		return current
	}).Handler(okHandler)

	get := func() string {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://b.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Header().Get("Access-Control-Allow-Origin")
	}
	assert.Empty(t, get())

	mu.Lock()
	current = []string{"b.example.com"}
	mu.Unlock()
	assert.Equal(t, "https://b.example.com", get())
}

func TestRateLimiter(t *testing.T) {
	log, hook := testLogger()
	rl := NewRateLimiter(1, 2, log)
	h := rl.Handler(okHandler)

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/_/report/errors", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:3333"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1111"), "limits are per client")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "rate limit exceeded", entry.Message)
	assert.Equal(t, "10.0.0.1", entry.Data["key"])
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(time.Minute)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup(30*time.Second))
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "b")
}

type recorder struct {
	mu       sync.Mutex
	inFlight int
	calls    []string
	statuses []int
}

func (r *recorder) IncrementInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight++
}

func (r *recorder) DecrementInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
}

func (r *recorder) RecordHTTPRequest(method, path string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, method+" "+path)
	r.statuses = append(r.statuses, status)
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	rec := &recorder{}
	router := mux.NewRouter()
	router.Use(MetricsMiddleware(rec))
	router.HandleFunc("/_/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.PathPrefix("/").Handler(okHandler)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/_/status", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/some/page/123", nil))

	assert.Equal(t, []string{"GET /_/status", "GET /"}, rec.calls)
	assert.Equal(t, []int{http.StatusTeapot, http.StatusOK}, rec.statuses)
	assert.Zero(t, rec.inFlight)
}

func TestTracingMiddleware(t *testing.T) {
	log, hook := testLogger()
	var seen string
	h := NewTracingMiddleware(log).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.TraceID(r.Context())
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(logging.TraceHeader, "trace-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "trace-123", seen)
	assert.Equal(t, "trace-123", rec.Header().Get(logging.TraceHeader))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, http.StatusBadGateway, entry.Data["status"])
	assert.Equal(t, "trace-123", entry.Data["trace_id"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, rec.Header().Get(logging.TraceHeader))
	assert.Equal(t, seen, rec.Header().Get(logging.TraceHeader))
}

func TestRecover(t *testing.T) {
	log, hook := testLogger()
	h := Recover(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "boom", hook.LastEntry().Data["panic"])
}

func TestRecover_AfterWrite(t *testing.T) {
	log, _ := testLogger()
	h := Recover(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTracingMiddleware_RequestFields(t *testing.T) {
	log, hook := testLogger()
	h := NewTracingMiddleware(log).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.AddRequestFields(r.Context(), map[string]any{"userId": "some-user-id-1234"})
		w.WriteHeader(http.StatusInternalServerError)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/success", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request completed with server error", entry.Message)
	assert.Equal(t, "some-user-id-1234", entry.Data["userId"])
}
