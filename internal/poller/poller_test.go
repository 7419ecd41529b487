package poller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/module_host/internal/configschema"
	"github.com/R3E-Network/module_host/internal/fetch"
	"github.com/R3E-Network/module_host/internal/integrity"
	"github.com/R3E-Network/module_host/internal/jsmodule"
	"github.com/R3E-Network/module_host/internal/manifest"
	"github.com/R3E-Network/module_host/internal/module"
	"github.com/R3E-Network/module_host/internal/registry"
)

const cdnBase = "https://cdn.example.com/"

type cdnModule struct {
	name      string
	version   string
	body      string
	integrity string
	browser   string
}

func (m cdnModule) url(variant string) string {
	return fmt.Sprintf("%s%s/%s/%s.%s.js", cdnBase, m.name, m.version, m.name, variant)
}

// fakeCDN serves an in-memory manifest and payloads.
type fakeCDN struct {
	mu          sync.Mutex
	doc         []byte
	bodies      map[string][]byte
	down        map[string]bool
	manifestErr error
	fetches     atomic.Int32
}

func newFakeCDN() *fakeCDN {
	return &fakeCDN{bodies: map[string][]byte{}, down: map[string]bool{}}
}

func (c *fakeCDN) publish(key string, mods ...cdnModule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var parts []string
	for _, m := range mods {
		sri := m.integrity
		if sri == "" {
			sri = integrity.Digest("sha384", []byte(m.body))
		}
		c.bodies[m.url(manifest.VariantNode)] = []byte(m.body)
		part := fmt.Sprintf(`%q: {"version": %q, "node": {"url": %q, "integrity": %q}`,
			m.name, m.version, m.url(manifest.VariantNode), sri)
		if m.browser != "" {
			c.bodies[m.url(manifest.VariantBrowser)] = []byte(m.browser)
			part += fmt.Sprintf(`, "browser": {"url": %q, "integrity": %q}`,
				m.url(manifest.VariantBrowser), integrity.Digest("sha256", []byte(m.browser)))
		}
		parts = append(parts, part+"}")
	}
	c.doc = []byte(fmt.Sprintf(`{"key": %q, "modules": {%s}}`, key, strings.Join(parts, ",")))
}

func (c *fakeCDN) setDown(rawURL string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[rawURL] = down
}

func (c *fakeCDN) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manifestErr != nil {
		return nil, c.manifestErr
	}
	base, _ := url.Parse(cdnBase + "module-map.json")
	m, _, err := manifest.Parse(c.doc, base)
	return m, err
}

func (c *fakeCDN) FetchPayload(ctx context.Context, rawURL, variant string) ([]byte, error) {
	c.fetches.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[rawURL] {
		return nil, &fetch.FetchError{URL: rawURL, Variant: variant, StatusCode: 503}
	}
	body, ok := c.bodies[rawURL]
	if !ok {
		return nil, &fetch.FetchError{URL: rawURL, Variant: variant, StatusCode: 404}
	}
	return body, nil
}

type stubModule struct {
	name, version string
	config        map[string]any
	schema        map[string]string
	closed        atomic.Bool
}

func (m *stubModule) Name() string                  { return m.name }
func (m *stubModule) Version() string               { return m.version }
func (m *stubModule) Routes() []module.Route        { return nil }
func (m *stubModule) CORSOrigins() []string         { return nil }
func (m *stubModule) StateConfig() map[string]any   { return m.config }
func (m *stubModule) Close() error                  { m.closed.Store(true); return nil }
func (m *stubModule) ValidateConfig(c map[string]any) error {
	return configschema.Validate(c, m.schema)
}
func (m *stubModule) LoadData(context.Context, module.Props) (any, error) { return nil, nil }
func (m *stubModule) Render(_ context.Context, _ module.Props, _ any, children string) (string, error) {
	return children, nil
}

type fakeLoader struct {
	mu      sync.Mutex
	calls   []string
	tenants map[string]map[string]any
	built   map[string]*stubModule
	failing map[string]bool
	config  map[string]map[string]any
	schema  map[string]map[string]string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		tenants: map[string]map[string]any{},
		built:   map[string]*stubModule{},
		failing: map[string]bool{},
		config:  map[string]map[string]any{},
		schema:  map[string]map[string]string{},
	}
}

func (l *fakeLoader) Load(_ context.Context, req module.LoadRequest) (module.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := req.Name + "@" + req.Version
	l.calls = append(l.calls, id)
	l.tenants[id] = req.TenantConfig
	if l.failing[id] {
		return nil, &module.LoadHookError{Name: req.Name, Version: req.Version, Err: errors.New("load hook threw")}
	}
	m := &stubModule{name: req.Name, version: req.Version, config: l.config[req.Name], schema: l.schema[req.Name]}
	l.built[id] = m
	return m, nil
}

func (l *fakeLoader) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLoader) Built(id string) *stubModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.built[id]
}

type harness struct {
	cdn    *fakeCDN
	loader *fakeLoader
	reg    *registry.Registry
	poller *Poller
	hook   *test.Hook
}

func newHarness(t *testing.T, variants ...string) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := &harness{
		cdn:    newFakeCDN(),
		loader: newFakeLoader(),
		reg:    registry.New(registry.WithLogger(logger)),
		hook:   hook,
	}
	h.loader.config["root-module"] = map[string]any{"someApiUrl": "https://api.example.com/v1"}
	p, err := New(Config{
		RootModule:       "root-module",
		Interval:         time.Hour,
		RequiredVariants: variants,
		Fetcher:          h.cdn,
		Loader:           h.loader,
		Registry:         h.reg,
		Logger:           logger,
	})
	require.NoError(t, err)
	h.poller = p
	return h
}

var (
	root  = cdnModule{name: "root-module", version: "1.0.0", body: "root v1"}
	frank = cdnModule{name: "frank", version: "1.0.0", body: "frank v1"}
	ann   = cdnModule{name: "ann", version: "2.1.0", body: "ann v2.1"}
)

func blocklistLogs(hook *test.Hook) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "module blocklisted" {
			out = append(out, e)
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{RootModule: "root-module"})
	assert.Error(t, err)
}

func TestTick_InstallsRootFirst(t *testing.T) {
	h := newHarness(t)
	frankWithBrowser := frank
	frankWithBrowser.browser = "frank browser"
	h.cdn.publish("k1", frankWithBrowser, ann, root)

	rep := h.poller.Tick(context.Background())
	require.NoError(t, rep.Err)
	assert.True(t, rep.Fetched)
	assert.Equal(t, "k1", rep.Key)
	assert.Equal(t, []string{"root-module@1.0.0", "frank@1.0.0", "ann@2.1.0"}, h.loader.Calls())
	assert.Equal(t, []string{"root-module@1.0.0", "frank@1.0.0", "ann@2.1.0"}, rep.Installed)
	assert.Len(t, rep.Added, 3)
	assert.Equal(t, Idle, h.poller.State())

	snap := h.reg.Snapshot()
	assert.Equal(t, 3, snap.Len())

	cm := h.poller.ClientModuleMap()
	assert.Equal(t, "k1", cm.Key)
	fm, ok := cm.Get("frank")
	require.True(t, ok)
	require.NotNil(t, fm.Browser)
	assert.Equal(t, frank.url(manifest.VariantBrowser), fm.Browser.URL)
}

func TestTick_TenantConfigHandedToModules(t *testing.T) {
	h := newHarness(t)
	h.cdn.publish("k1", root, frank)
	h.poller.Tick(context.Background())

	h.loader.mu.Lock()
	defer h.loader.mu.Unlock()
	assert.Nil(t, h.loader.tenants["root-module@1.0.0"])
	assert.Equal(t, "https://api.example.com/v1", h.loader.tenants["frank@1.0.0"]["someApiUrl"])
}

func TestTick_Idempotent(t *testing.T) {
	h := newHarness(t)
	bad := ann
	bad.integrity = integrity.Digest("sha384", []byte("tampered"))
	h.cdn.publish("k1", root, frank, bad)

	first := h.poller.Tick(context.Background())
	require.Len(t, first.Installed, 2)
	require.Len(t, first.Blocklisted, 1)
	gen := h.reg.Snapshot().Generation()
	blocked := h.reg.Blocklist().Len()
	calls := len(h.loader.Calls())

	second := h.poller.Tick(context.Background())
	assert.Zero(t, second.Writes())
	assert.Empty(t, second.Blocklisted)
	assert.Equal(t, []string{"ann@2.1.0"}, second.Skipped)
	assert.Equal(t, gen, h.reg.Snapshot().Generation())
	assert.Equal(t, blocked, h.reg.Blocklist().Len())
	assert.Len(t, h.loader.Calls(), calls)
}

func TestTick_IntegrityMismatchBlocklists(t *testing.T) {
	h := newHarness(t)
	bad := frank
	bad.integrity = integrity.Digest("sha384", []byte("something else"))
	h.cdn.publish("k1", root, bad)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank@1.0.0"}, rep.Blocklisted)
	assert.Equal(t, []string{"root-module@1.0.0"}, h.loader.Calls(), "mismatched payload is never loaded")

	_, ok := h.reg.Snapshot().Get("frank")
	assert.False(t, ok)

	entry, ok := h.reg.Blocklist().Get("frank", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, ReasonIntegrity, entry.Reason)
	assert.Equal(t, manifest.VariantNode, entry.Variant)
	assert.Equal(t, integrity.Digest("sha384", []byte(frank.body)), entry.Digest)

	logs := blocklistLogs(h.hook)
	require.Len(t, logs, 1)
	assert.Equal(t, logrus.ErrorLevel, logs[0].Level)
	assert.Equal(t, "frank", logs[0].Data["module"])
	assert.Equal(t, "1.0.0", logs[0].Data["version"])
	assert.Equal(t, entry.Digest, logs[0].Data["digest"])
	var ierr *IntegrityError
	require.True(t, errors.As(logs[0].Data[logrus.ErrorKey].(error), &ierr))
	assert.Equal(t, manifest.VariantNode, ierr.Variant)
}

func TestTick_BlocklistSurvivesRemovalAndReAdd(t *testing.T) {
	h := newHarness(t)
	bad := frank
	bad.integrity = integrity.Digest("sha384", []byte("tampered"))
	h.cdn.publish("k1", root, bad)
	h.poller.Tick(context.Background())
	require.True(t, h.reg.Blocklist().Contains("frank", "1.0.0"))

	h.cdn.publish("k2", root)
	h.poller.Tick(context.Background())

	h.cdn.publish("k3", root, frank)
	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank@1.0.0"}, rep.Skipped)
	assert.Empty(t, rep.Installed)
	_, ok := h.reg.Snapshot().Get("frank")
	assert.False(t, ok)

	fixed := frank
	fixed.version = "1.0.1"
	fixed.body = "frank v1.0.1"
	h.cdn.publish("k4", root, fixed)
	rep = h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank@1.0.1"}, rep.Installed, "a new version is admitted")
}

func TestTick_FetchFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.cdn.publish("k1", root, frank)
	h.cdn.setDown(frank.url(manifest.VariantNode), true)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank@1.0.0"}, rep.Failed)
	assert.False(t, h.reg.Blocklist().Contains("frank", "1.0.0"))
	failures := h.poller.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, registry.StatusFailed, failures[0].Status)
	assert.Equal(t, manifest.VariantNode, failures[0].Variant)

	h.cdn.setDown(frank.url(manifest.VariantNode), false)
	rep = h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank@1.0.0"}, rep.Installed)
	assert.Empty(t, h.poller.Failures())
}

func TestTick_ManifestFetchErrorKeepsModules(t *testing.T) {
	h := newHarness(t)
	h.cdn.publish("k1", root, frank)
	h.poller.Tick(context.Background())
	gen := h.reg.Snapshot().Generation()

	h.cdn.mu.Lock()
	h.cdn.manifestErr = &fetch.FetchError{URL: cdnBase + "module-map.json", StatusCode: 500}
	h.cdn.mu.Unlock()

	rep := h.poller.Tick(context.Background())
	var ferr *fetch.FetchError
	require.True(t, errors.As(rep.Err, &ferr))
	assert.False(t, rep.Fetched)
	assert.Equal(t, Idle, h.poller.State())
	assert.Equal(t, gen, h.reg.Snapshot().Generation())
	assert.Equal(t, 2, h.reg.Snapshot().Len())
}

func TestTick_LoadHookErrorBlocklists(t *testing.T) {
	h := newHarness(t)
	h.loader.failing["frank@1.0.0"] = true
	h.cdn.publish("k1", root, frank)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank@1.0.0"}, rep.Blocklisted)
	entry, ok := h.reg.Blocklist().Get("frank", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, ReasonLoadHook, entry.Reason)
}

func TestTick_ConfigRejectionNamesOptions(t *testing.T) {
	h := newHarness(t)
	h.loader.schema["frank"] = map[string]string{"someApiUrl": "required,url", "region": "required"}
	h.cdn.publish("k1", root, frank)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank@1.0.0"}, rep.Blocklisted)

	entry, ok := h.reg.Blocklist().Get("frank", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, ReasonConfig, entry.Reason)
	assert.Equal(t, []string{"region"}, entry.Options)
	assert.True(t, h.loader.Built("frank@1.0.0").closed.Load(), "rejected handle is closed")

	logs := blocklistLogs(h.hook)
	require.Len(t, logs, 1)
	assert.Equal(t, []string{"region"}, logs[0].Data["options"])
	assert.Contains(t, logs[0].Data[logrus.ErrorKey].(error).Error(), "region")
}

func TestTick_RootValidatesOwnConfig(t *testing.T) {
	h := newHarness(t)
	h.loader.schema["root-module"] = map[string]string{"someApiUrl": "required,url"}
	h.cdn.publish("k1", root)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"root-module@1.0.0"}, rep.Installed)
}

func TestTick_RemovesAndReplaces(t *testing.T) {
	h := newHarness(t)
	h.cdn.publish("k1", root, frank, ann)
	h.poller.Tick(context.Background())

	ann2 := ann
	ann2.version = "2.2.0"
	ann2.body = "ann v2.2"
	h.cdn.publish("k2", root, ann2)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"frank"}, rep.Removed)
	assert.Equal(t, []string{"ann@2.2.0"}, rep.Changed)
	assert.Equal(t, []string{"ann@2.2.0"}, rep.Installed)

	snap := h.reg.Snapshot()
	rec, ok := snap.Get("ann")
	require.True(t, ok)
	assert.Equal(t, "2.2.0", rec.Version)
	_, ok = snap.Get("frank")
	assert.False(t, ok)

	assert.True(t, h.loader.Built("frank@1.0.0").closed.Load())
	assert.True(t, h.loader.Built("ann@2.1.0").closed.Load())
	_, ok = h.poller.ClientModuleMap().Get("frank")
	assert.False(t, ok)
}

func TestTick_FailedUpgradeKeepsOldVersion(t *testing.T) {
	h := newHarness(t)
	h.cdn.publish("k1", root, frank)
	h.poller.Tick(context.Background())

	frank2 := frank
	frank2.version = "1.1.0"
	frank2.integrity = integrity.Digest("sha384", []byte("wrong"))
	h.cdn.publish("k2", root, frank2)
	h.poller.Tick(context.Background())

	rec, ok := h.reg.Snapshot().Get("frank")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", rec.Version)
}

func TestTick_DefersWithoutRoot(t *testing.T) {
	h := newHarness(t)
	h.cdn.publish("k1", root, frank)
	h.cdn.setDown(root.url(manifest.VariantNode), true)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"root-module@1.0.0"}, rep.Failed)
	assert.Equal(t, []string{"frank@1.0.0"}, rep.Deferred)
	assert.Zero(t, h.reg.Blocklist().Len())

	h.cdn.setDown(root.url(manifest.VariantNode), false)
	rep = h.poller.Tick(context.Background())
	assert.Equal(t, []string{"root-module@1.0.0", "frank@1.0.0"}, rep.Installed)
}

func TestTick_RequiredBrowserVariant(t *testing.T) {
	h := newHarness(t, manifest.VariantBrowser)
	withBrowser := frank
	withBrowser.browser = "frank browser"
	rootWithBrowser := root
	rootWithBrowser.browser = "root browser"
	h.cdn.publish("k1", rootWithBrowser, withBrowser, ann)

	rep := h.poller.Tick(context.Background())
	assert.Equal(t, []string{"root-module@1.0.0", "frank@1.0.0"}, rep.Installed)
	assert.Equal(t, []string{"ann@2.1.0"}, rep.Blocklisted)
	entry, _ := h.reg.Blocklist().Get("ann", "2.1.0")
	assert.Equal(t, ReasonMissingVariant, entry.Reason)
	assert.Equal(t, manifest.VariantBrowser, entry.Variant)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.cdn.publish("k1", root)

	require.NoError(t, h.poller.Start(context.Background()))
	assert.True(t, h.poller.IsRunning())
	assert.Equal(t, 1, h.reg.Snapshot().Len(), "first tick runs before Start returns")
	assert.ErrorIs(t, h.poller.Start(context.Background()), ErrRunning)

	h.poller.Stop()
	h.poller.Stop()
	assert.Equal(t, Stopped, h.poller.State())
	assert.False(t, h.poller.IsRunning())

	rep := h.poller.Tick(context.Background())
	assert.ErrorIs(t, rep.Err, ErrStopped)
	assert.ErrorIs(t, h.poller.Start(context.Background()), ErrStopped)
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		Idle: "idle", Fetching: "fetching", Diffing: "diffing",
		Reconciling: "reconciling", Stopped: "stopped", State(42): "unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}

// gatedFetcher holds the first manifest fetch until released.
type gatedFetcher struct {
	*fakeCDN
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return g.fakeCDN.FetchManifest(ctx)
}

func TestStart_StopDuringFirstTick(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cdn := newFakeCDN()
	cdn.publish("k1", root)
	g := &gatedFetcher{fakeCDN: cdn, entered: make(chan struct{}), release: make(chan struct{})}
	p, err := New(Config{
		RootModule: "root-module",
		Interval:   time.Hour,
		Fetcher:    g,
		Loader:     newFakeLoader(),
		Registry:   registry.New(registry.WithLogger(logger)),
		Logger:     logger,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	<-g.entered
	p.Stop()
	close(g.release)

	require.NoError(t, <-done)
	assert.Equal(t, Stopped, p.State())
	assert.False(t, p.IsRunning())

	entries := p.cron.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Next.IsZero(), "scheduler was never started")
}

func TestTick_AsyncLoadHookRejectionBlocklists(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cdn := newFakeCDN()
	reg := registry.New(registry.WithLogger(logger))
	p, err := New(Config{
		RootModule: "root-module",
		Interval:   time.Hour,
		Fetcher:    cdn,
		Loader:     jsmodule.NewLoader(jsmodule.Config{LoadTimeout: time.Second, Logger: logger}),
		Registry:   reg,
		Logger:     logger,
	})
	require.NoError(t, err)

	jsRoot := cdnModule{name: "root-module", version: "1.0.0", body: `module.exports = {
		stateConfig: { someApiUrl: "https://api.example.com/v1" },
		load: async function (ctx) { await null; }
	};`}
	ssrFrank := cdnModule{name: "ssr-frank", version: "1.0.0", body: `module.exports = {
		load: async function () { throw new Error("bad things will happen"); }
	};`}
	cdn.publish("k1", jsRoot, ssrFrank)

	rep := p.Tick(context.Background())
	require.NoError(t, rep.Err)
	assert.Equal(t, []string{"root-module@1.0.0"}, rep.Installed)
	assert.Equal(t, []string{"ssr-frank@1.0.0"}, rep.Blocklisted)
	entry, ok := reg.Blocklist().Get("ssr-frank", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, ReasonLoadHook, entry.Reason)
	_, loaded := reg.Snapshot().Get("ssr-frank")
	assert.False(t, loaded)

	rep = p.Tick(context.Background())
	assert.Equal(t, []string{"ssr-frank@1.0.0"}, rep.Skipped)
	assert.Empty(t, rep.Installed)
}
