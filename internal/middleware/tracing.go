package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/R3E-Network/module_host/internal/logging"
)

// TracingMiddleware adds trace ID to all requests and logs them.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware.
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{logger: logger}
}

// Handler returns the tracing middleware handler.
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(logging.TraceHeader)
		if traceID == "" {
			traceID = logging.NewTraceID()
		}
		ctx := logging.WithRequestFields(logging.WithTraceID(r.Context(), traceID))
		w.Header().Set(logging.TraceHeader, traceID)

		rw := wrap(w)
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))
		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

// Recover turns a handler panic into a 500. Handlers that already wrote a
// response are left alone.
func Recover(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.FromContext(r.Context()).
					WithField("panic", fmt.Sprint(rec)).
					WithField("stack", string(debug.Stack())).
					Error("handler panicked")
				if !rw.written {
					rw.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
