// Package module defines the capabilities a loaded module exposes to the
// host. Handles are resolved once at install time; callers go through these
// interfaces and never look code up by name.
package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by calls on a module that has been torn down.
var ErrClosed = errors.New("module closed")

// Props are the per-request inputs handed to a module.
type Props map[string]any

// Module is a loaded, verified module.
type Module interface {
	Name() string
	Version() string

	// LoadData runs the module's data-loading phase. Modules without one
	// return (nil, nil).
	LoadData(ctx context.Context, props Props) (any, error)

	// Render returns the module's markup. children is the markup of the
	// modules nested inside this one.
	Render(ctx context.Context, props Props, data any, children string) (string, error)

	// ValidateConfig checks tenant configuration against the module's
	// declared schema.
	ValidateConfig(config map[string]any) error

	// Close releases the module's resources. It is called by the registry
	// once no request holds the module any more.
	Close() error
}

// Tenant is implemented by modules that can act as the root module and own
// per-request policy.
type Tenant interface {
	Module
	Routes() []Route
	CORSOrigins() []string
	StateConfig() map[string]any
}

// RequestLogConfigurer is implemented by root modules that add fields to
// every log line of a request, the request log included. req carries the
// request's method, url, path, query, headers and cookies.
type RequestLogConfigurer interface {
	ConfigureRequestLog(ctx context.Context, req map[string]any) (map[string]any, error)
}

// FetchPolicy is implemented by root modules that bound the outbound
// requests modules make while handling a request.
type FetchPolicy interface {
	FetchTimeout() time.Duration
}

type fetchTimeoutKey struct{}

// WithFetchTimeout bounds each outbound request made under ctx.
func WithFetchTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, fetchTimeoutKey{}, d)
}

// FetchTimeout returns the bound set by WithFetchTimeout, or 0.
func FetchTimeout(ctx context.Context) time.Duration {
	d, _ := ctx.Value(fetchTimeoutKey{}).(time.Duration)
	return d
}

// Route is one entry of a root module's route table.
type Route struct {
	Path           string `json:"path"`
	Prefix         bool   `json:"prefix,omitempty"`
	ModuleName     string `json:"moduleName,omitempty"`
	Redirect       string `json:"redirect,omitempty"`
	HTTPStatus     int    `json:"httpStatus,omitempty"`
	DisableScripts bool   `json:"disableScripts,omitempty"`
}

// LoadHookError reports that a module's initialization threw or rejected
// the configuration it was given.
type LoadHookError struct {
	Name    string
	Version string
	// Options names the offending configuration options, if any.
	Options []string
	Err     error
}

func (e *LoadHookError) Error() string {
	msg := fmt.Sprintf("load hook failed for %s@%s", e.Name, e.Version)
	if len(e.Options) > 0 {
		msg += " (options: " + strings.Join(e.Options, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadHookError) Unwrap() error {
	return e.Err
}

// LoadRequest describes a verified payload to be turned into a Module.
type LoadRequest struct {
	Name    string
	Version string
	Payload []byte
	// TenantConfig is the root module's state configuration, handed to the
	// module's load hook.
	TenantConfig map[string]any
}

// Loader executes a module payload's load hook and returns its handle.
// Failures are reported as *LoadHookError.
type Loader interface {
	Load(ctx context.Context, req LoadRequest) (Module, error)
}
