// Package jsmodule runs module payloads written in JavaScript using the goja
// engine. A payload is a CommonJS-style program that fills module.exports
// with the module's metadata and capabilities (load, loadData, render).
package jsmodule

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/module"
)

const (
	// DefaultLoadTimeout bounds top-level evaluation plus the load hook.
	DefaultLoadTimeout = 5 * time.Second

	// DefaultPoolSize is the number of idle runtimes kept per module.
	DefaultPoolSize = 4

	// MaxPayloadSize caps the size of a module program.
	MaxPayloadSize = 4 << 20
)

// Config configures a Loader.
type Config struct {
	LoadTimeout time.Duration
	PoolSize    int
	Logger      logrus.FieldLogger

	// HTTPClient serves the fetch global. FetchTimeout is used when the
	// root module sets no timeout of its own.
	HTTPClient   *http.Client
	FetchTimeout time.Duration
}

// Loader turns verified payloads into module handles.
type Loader struct {
	loadTimeout time.Duration
	poolSize    int
	log         logrus.FieldLogger
	fetch       *fetcher
}

// NewLoader creates a Loader.
func NewLoader(cfg Config) *Loader {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Loader{
		loadTimeout: cfg.LoadTimeout,
		poolSize:    cfg.PoolSize,
		log:         cfg.Logger,
		fetch: &fetcher{
			client:   cfg.HTTPClient,
			timeout:  cfg.FetchTimeout,
			maxBytes: MaxFetchResponseSize,
		},
	}
}

// Load compiles the payload, evaluates it, reads its exports and runs its
// load hook. The returned module is ready to serve requests.
func (l *Loader) Load(ctx context.Context, req module.LoadRequest) (module.Module, error) {
	fail := func(err error) error {
		return &module.LoadHookError{Name: req.Name, Version: req.Version, Err: err}
	}

	if len(req.Payload) > MaxPayloadSize {
		return nil, fail(fmt.Errorf("payload exceeds maximum size of %d bytes", MaxPayloadSize))
	}

	program, err := goja.Compile(req.Name+"@"+req.Version, string(req.Payload), false)
	if err != nil {
		return nil, fail(fmt.Errorf("compile: %w", err))
	}

	m := &Module{
		name:        req.Name,
		version:     req.Version,
		program:     program,
		pool:        make(chan *runtime, l.poolSize),
		loadTimeout: l.loadTimeout,
		fetch:       l.fetch,
		hookCtx: map[string]any{
			"name":    req.Name,
			"version": req.Version,
			"config":  req.TenantConfig,
		},
		log: l.log.WithFields(logrus.Fields{
			"module":  req.Name,
			"version": req.Version,
		}),
	}

	ctx, cancel := context.WithTimeout(ctx, l.loadTimeout)
	defer cancel()

	rt, err := m.newRuntime(ctx)
	if err != nil {
		return nil, fail(err)
	}
	if err := m.readExports(rt); err != nil {
		return nil, fail(err)
	}
	// Runtimes created later for concurrent calls run the same hook with
	// the same context.
	if err := m.runLoad(ctx, rt); err != nil {
		return nil, fail(err)
	}

	m.release(rt)
	return m, nil
}
