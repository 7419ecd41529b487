// Package logging configures logrus for the module host and carries
// request trace ids through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TraceHeader is the request and response header carrying the trace id.
const TraceHeader = "X-Trace-ID"

type (
	traceKey  struct{}
	fieldsKey struct{}
)

// requestFields collects fields added while a request is handled. Later
// log lines of the request, the request log included, carry them.
type requestFields struct {
	mu     sync.Mutex
	fields logrus.Fields
}

// Logger wraps logrus with service-level helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger writing to stderr. level is a logrus level name and
// format is "text" or "json".
func New(service, level, format string) (*Logger, error) {
	return NewWithWriter(service, level, format, os.Stderr)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(service, level, format string, out io.Writer) (*Logger, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return &Logger{Logger: base, service: service}, nil
}

// Wrap adapts an existing logrus logger, typically a test logger.
func Wrap(service string, base *logrus.Logger) *Logger {
	return &Logger{Logger: base, service: service}
}

// Service returns an entry tagged with the service name.
func (l *Logger) Service() *logrus.Entry {
	return l.WithField("service", l.service)
}

// FromContext returns an entry carrying the context's trace id and request
// fields, if any.
func (l *Logger) FromContext(ctx context.Context) *logrus.Entry {
	entry := l.Service()
	if fields := RequestFields(ctx); len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	if id := TraceID(ctx); id != "" {
		entry = entry.WithField("trace_id", id)
	}
	return entry
}

// LogRequest logs one completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.FromContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Warn("request completed with server error")
	default:
		entry.Debug("request completed")
	}
}

// NewTraceID returns a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores id in ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the trace id stored in ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// WithRequestFields prepares ctx to collect request log fields.
func WithRequestFields(ctx context.Context) context.Context {
	return context.WithValue(ctx, fieldsKey{}, &requestFields{fields: logrus.Fields{}})
}

// AddRequestFields attaches fields to the request ctx belongs to. It
// reports false when ctx was not prepared with WithRequestFields.
func AddRequestFields(ctx context.Context, fields map[string]any) bool {
	rf, ok := ctx.Value(fieldsKey{}).(*requestFields)
	if !ok {
		return false
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	for k, v := range fields {
		rf.fields[k] = v
	}
	return true
}

// RequestFields returns a copy of the fields added to ctx's request.
func RequestFields(ctx context.Context) logrus.Fields {
	rf, ok := ctx.Value(fieldsKey{}).(*requestFields)
	if !ok {
		return nil
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	out := make(logrus.Fields, len(rf.fields))
	for k, v := range rf.fields {
		out[k] = v
	}
	return out
}
