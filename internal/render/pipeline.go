// Package render turns a request into HTML using the loaded modules.
//
// Per request the pipeline resolves the route against the root module,
// loads every resolved module's data as one unit of work through the
// circuit breaker, renders the modules innermost-first and wraps the result
// in a full document (hydrated or static) or returns it as a fragment.
// Failures degrade the response; they never escape the request.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/module_host/internal/breaker"
	"github.com/R3E-Network/module_host/internal/logging"
	"github.com/R3E-Network/module_host/internal/manifest"
	"github.com/R3E-Network/module_host/internal/module"
	"github.com/R3E-Network/module_host/internal/registry"
	"github.com/R3E-Network/module_host/internal/serializer"
)

const (
	// PartialPrefix marks requests that want the rendered fragment only.
	PartialPrefix = "/_/html-partial/"

	// DefaultAppName brands generated documents.
	DefaultAppName = "modhost"

	// DefaultMaxBodyBytes caps request bodies handed to modules.
	DefaultMaxBodyBytes = 64 << 10

	// DefaultRenderTimeout bounds one module's render call.
	DefaultRenderTimeout = 5 * time.Second

	contentTypeHTML = "text/html; charset=utf-8"
)

// Observer receives render metrics. *metrics.Metrics implements it.
type Observer interface {
	RecordBreakerCall(outcome string)
	RecordRenderFallback(kind string)
}

type nopObserver struct{}

func (nopObserver) RecordBreakerCall(string)    {}
func (nopObserver) RecordRenderFallback(string) {}

// Options configures a Pipeline.
type Options struct {
	RootModule string
	Registry   *registry.Registry
	Breaker    *breaker.Breaker
	Serializer *serializer.Serializer
	// ClientMap returns the current browser module map.
	ClientMap    func() *manifest.ClientMap
	Router       Router
	AppName      string
	MaxBodyBytes int64
	// RenderTimeout bounds each module render and the root module's
	// request log configuration.
	RenderTimeout time.Duration
	Logger        *logging.Logger
	Observer      Observer
}

// Pipeline is the catch-all page handler.
type Pipeline struct {
	root       string
	reg        *registry.Registry
	breaker    *breaker.Breaker
	serializer *serializer.Serializer
	clientMap  func() *manifest.ClientMap
	router     Router
	app        string
	maxBody    int64
	renderTTL  time.Duration
	log        *logging.Logger
	obs        Observer
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.RootModule == "" {
		return nil, errors.New("root module name required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Wrap("modhost", logrus.StandardLogger())
	}
	if opts.Breaker == nil {
		opts.Breaker = breaker.New(breaker.DefaultConfig())
	}
	if opts.Serializer == nil {
		opts.Serializer = serializer.New(serializer.WithLogger(opts.Logger))
	}
	if opts.ClientMap == nil {
		opts.ClientMap = func() *manifest.ClientMap { return nil }
	}
	if opts.Router == nil {
		opts.Router = NewTenantRouter(opts.Logger)
	}
	if opts.AppName == "" {
		opts.AppName = DefaultAppName
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = DefaultRenderTimeout
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Pipeline{
		root:       opts.RootModule,
		reg:        opts.Registry,
		breaker:    opts.Breaker,
		serializer: opts.Serializer,
		clientMap:  opts.ClientMap,
		router:     opts.Router,
		app:        opts.AppName,
		maxBody:    opts.MaxBodyBytes,
		renderTTL:  opts.RenderTimeout,
		log:        opts.Logger,
		obs:        opts.Observer,
	}, nil
}

// CORSOrigins returns the origins declared by the loaded root module.
func (p *Pipeline) CORSOrigins(*http.Request) []string {
	rec, ok := p.reg.Snapshot().Get(p.root)
	if !ok {
		return nil
	}
	if t, ok := rec.Module.(module.Tenant); ok {
		return t.CORSOrigins()
	}
	return nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func newResponse(status int) *response {
	return &response{status: status, header: http.Header{}}
}

func (r *response) write(w http.ResponseWriter) {
	for k, v := range r.header {
		w.Header()[k] = v
	}
	w.WriteHeader(r.status)
	if len(r.body) > 0 {
		_, _ = w.Write(r.body)
	}
}

// ServeHTTP renders the request. The page is built in memory, so any
// failure before the first byte is written turns into the error document.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := p.log.FromContext(r.Context()).WithField("url", r.URL.String())

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("error creating request HTML")
			p.obs.RecordRenderFallback("error_page")
			p.errorResponse().write(w)
		}
	}()

	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", "GET, HEAD, POST, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp, err := p.render(r.Context(), r, log)
	if err != nil {
		// picks up the root module's request log fields
		log := p.log.FromContext(r.Context()).WithField("url", r.URL.String())
		if r.Context().Err() != nil {
			log.WithError(err).Debug("client went away; abandoning render")
			return
		}
		log.WithError(err).Error("error creating request HTML")
		p.obs.RecordRenderFallback("error_page")
		resp = p.errorResponse()
	}
	resp.write(w)
}

func (p *Pipeline) errorResponse() *response {
	resp := newResponse(http.StatusInternalServerError)
	resp.header.Set("Content-Type", contentTypeHTML)
	resp.body = errorDocument(p.app)
	return resp
}

type resolvedModule struct {
	name   string
	props  module.Props
	handle module.Module
}

func (p *Pipeline) render(ctx context.Context, r *http.Request, log logrus.FieldLogger) (*response, error) {
	lease := p.reg.Acquire()
	defer lease.Release()

	path := r.URL.Path
	partial := strings.HasPrefix(path, PartialPrefix)
	if partial {
		path = "/" + strings.TrimPrefix(path, PartialPrefix)
	}

	rootHandle, ok := lease.Module(p.root)
	if !ok {
		log.WithField("module", p.root).Error("root module is not loaded")
		p.obs.RecordRenderFallback("root_unavailable")
		return p.page(http.StatusServiceUnavailable, Unavailable(p.root), "", partial)
	}
	tenant, ok := rootHandle.(module.Tenant)
	if !ok {
		return nil, fmt.Errorf("root module %s does not provide routes", p.root)
	}

	req := p.requestProps(r, log)
	log = p.requestLog(ctx, rootHandle, req, log)
	if fp, ok := rootHandle.(module.FetchPolicy); ok && fp.FetchTimeout() > 0 {
		ctx = module.WithFetchTimeout(ctx, fp.FetchTimeout())
	}

	res := p.router.Resolve(tenant, path)
	if res.Redirect != "" {
		resp := newResponse(http.StatusFound)
		resp.header.Set("Location", redirectLocation(res.Redirect, r))
		return resp, nil
	}
	if res.NotFound {
		return p.page(http.StatusNotFound, notFoundMarkup, "", partial)
	}

	config := tenant.StateConfig()
	mods := make([]resolvedModule, 0, len(res.Modules))
	for _, rm := range res.Modules {
		props := module.Props{"req": req, "config": config, "moduleName": rm.Name}
		for k, v := range rm.Props {
			props[k] = v
		}
		handle, _ := lease.Module(rm.Name)
		mods = append(mods, resolvedModule{name: rm.Name, props: props, handle: handle})
	}

	data := p.loadData(ctx, mods, log)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	markup := p.renderModules(ctx, mods, data, log)

	status := http.StatusOK
	if res.Status != 0 {
		status = res.Status
	}
	if partial {
		return p.page(status, markup, "", true)
	}
	if res.DisableScripts {
		return p.page(status, markup, "", false)
	}

	state := serializer.State{
		Config:  withRootName(config, p.root),
		Modules: loadedVersions(lease),
		Data:    data,
		Request: map[string]any{"url": r.URL.RequestURI(), "method": r.Method},
	}
	serialized, err := p.serializer.Serialize(state)
	if err != nil {
		return nil, err
	}

	bundle := manifest.VariantBrowser
	if isLegacyBrowser(r.UserAgent()) {
		bundle = manifest.VariantLegacyBrowser
	}
	nonce := uuid.NewString()
	names := make([]string, 0, len(mods))
	for _, m := range mods {
		if m.handle != nil {
			names = append(names, m.name)
		}
	}
	scripts, err := renderScripts(scriptParams{
		nonce:        nonce,
		bundle:       bundle,
		clientMap:    p.clientMap(),
		initialState: serialized.JSON,
		modules:      names,
		crossOrigin:  "anonymous",
	})
	if err != nil {
		return nil, err
	}

	resp, err := p.page(status, markup, scripts, false)
	if err != nil {
		return nil, err
	}
	resp.header.Set("Content-Security-Policy",
		"script-src 'nonce-"+nonce+"' 'strict-dynamic'; object-src 'none'; base-uri 'self'; report-uri /_/report/security/csp-violation")
	return resp, nil
}

func (p *Pipeline) page(status int, markup, scripts string, partial bool) (*response, error) {
	resp := newResponse(status)
	resp.header.Set("Content-Type", contentTypeHTML)
	if partial {
		resp.body = []byte(markup)
		return resp, nil
	}
	body, err := renderDocument(p.app, markup, scripts)
	if err != nil {
		return nil, err
	}
	resp.body = body
	return resp, nil
}

// loadData runs every present module's data-loading phase as a single unit
// of work through the breaker. On any outcome but success the request is
// rendered without module data.
func (p *Pipeline) loadData(ctx context.Context, mods []resolvedModule, log logrus.FieldLogger) map[string]any {
	out := make(chan map[string]any, 1)
	result := p.breaker.Fire(ctx, func(ctx context.Context) error {
		var mu sync.Mutex
		loaded := make(map[string]any, len(mods))
		g, gctx := errgroup.WithContext(ctx)
		for _, m := range mods {
			if m.handle == nil {
				continue
			}
			g.Go(func() (err error) {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("%s: loadData panicked: %v", m.name, rec)
					}
				}()
				d, err := m.handle.LoadData(gctx, m.props)
				if err != nil {
					return fmt.Errorf("%s: %w", m.name, err)
				}
				if d != nil {
					mu.Lock()
					loaded[m.name] = d
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		out <- loaded
		return nil
	})
	p.obs.RecordBreakerCall(result.Outcome.String())

	switch result.Outcome {
	case breaker.Success:
		return <-out
	case breaker.Canceled:
		return nil
	default:
		log.WithError(result.Err).WithFields(logrus.Fields{
			"outcome":     result.Outcome.String(),
			"breaker":     p.breaker.State().String(),
			"duration_ms": result.Duration.Milliseconds(),
		}).Warn("module data loading degraded; rendering without data")
		p.obs.RecordRenderFallback("data")
		return map[string]any{}
	}
}

// renderModules renders innermost-first; each module receives the markup
// of the modules after it as children.
func (p *Pipeline) renderModules(ctx context.Context, mods []resolvedModule, data map[string]any, log logrus.FieldLogger) string {
	children := ""
	for i := len(mods) - 1; i >= 0; i-- {
		m := mods[i]
		if m.handle == nil {
			log.WithField("module", m.name).Warn("module not loaded; rendering unavailable indicator")
			p.obs.RecordRenderFallback("module_unavailable")
			children = Unavailable(m.name)
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, p.renderTTL)
		out, err := m.handle.Render(rctx, m.props, data[m.name], children)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"module":  m.name,
				"version": m.handle.Version(),
			}).Error("module render failed; rendering unavailable indicator")
			p.obs.RecordRenderFallback("module_error")
			out = Unavailable(m.name)
		}
		children = out
	}
	return children
}

// requestLog asks the root module for request log fields and attaches them
// to the rest of the request, the request log included. A failure only
// costs the extra fields.
func (p *Pipeline) requestLog(ctx context.Context, root module.Module, req map[string]any, log logrus.FieldLogger) logrus.FieldLogger {
	c, ok := root.(module.RequestLogConfigurer)
	if !ok {
		return log
	}
	info := make(map[string]any, len(req))
	for k, v := range req {
		if k != "body" {
			info[k] = v
		}
	}

	cctx, cancel := context.WithTimeout(ctx, p.renderTTL)
	defer cancel()
	fields, err := c.ConfigureRequestLog(cctx, info)
	if err != nil {
		log.WithError(err).WithField("module", root.Name()).Warn("root module could not configure the request log")
		return log
	}
	if len(fields) == 0 {
		return log
	}
	logging.AddRequestFields(ctx, fields)
	return log.WithFields(logrus.Fields(fields))
}

func (p *Pipeline) requestProps(r *http.Request, log logrus.FieldLogger) map[string]any {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		lk := strings.ToLower(k)
		if lk == "cookie" || lk == "authorization" || len(v) == 0 {
			continue
		}
		headers[lk] = v[0]
	}
	cookies := map[string]string{}
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}
	query := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	protocol := "http"
	if r.TLS != nil {
		protocol = "https"
	}

	req := map[string]any{
		"method":   r.Method,
		"url":      r.URL.RequestURI(),
		"path":     r.URL.Path,
		"query":    query,
		"headers":  headers,
		"cookies":  cookies,
		"protocol": protocol,
	}
	if body := p.readBody(r, log); body != nil {
		req["body"] = body
	}
	return req
}

// readBody decodes JSON and form bodies of POST requests.
func (p *Pipeline) readBody(r *http.Request, log logrus.FieldLogger) any {
	if r.Method != http.MethodPost || r.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
	if err != nil {
		log.WithError(err).Debug("reading request body failed")
		return nil
	}
	if int64(len(raw)) > p.maxBody {
		log.WithField("limit", p.maxBody).Warn("request body too large; ignoring")
		return nil
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		var body any
		if err := json.Unmarshal(raw, &body); err != nil {
			log.WithError(err).Debug("request body is not valid JSON")
			return nil
		}
		return body
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(bytes.TrimSpace(raw)))
		if err != nil {
			return nil
		}
		form := make(map[string]string, len(vals))
		for k, v := range vals {
			form[k] = v[0]
		}
		return form
	default:
		return nil
	}
}

// redirectLocation formats same-origin targets as path and query and
// cross-origin targets as full URLs.
func redirectLocation(target string, r *http.Request) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if u.Host != "" && !strings.EqualFold(u.Host, r.Host) {
		return u.String()
	}
	loc := u.EscapedPath()
	if loc == "" {
		loc = "/"
	}
	if u.RawQuery != "" {
		loc += "?" + u.RawQuery
	}
	return loc
}

func withRootName(config map[string]any, root string) map[string]any {
	out := make(map[string]any, len(config)+1)
	for k, v := range config {
		out[k] = v
	}
	out["rootModuleName"] = root
	return out
}

func loadedVersions(lease *registry.Lease) map[string]string {
	out := make(map[string]string, lease.Len())
	for _, rec := range lease.Records() {
		out[rec.Name] = rec.Version
	}
	return out
}
