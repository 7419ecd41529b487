// Package poller keeps the registry in sync with the remote manifest.
//
// Each tick fetches the manifest, diffs it against the loaded set and
// reconciles: new and changed modules are fetched, verified, loaded and
// installed (the root module first); modules missing from the manifest are
// removed. Any module-specific failure is contained to that module.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/configschema"
	"github.com/R3E-Network/module_host/internal/integrity"
	"github.com/R3E-Network/module_host/internal/logging"
	"github.com/R3E-Network/module_host/internal/manifest"
	"github.com/R3E-Network/module_host/internal/module"
	"github.com/R3E-Network/module_host/internal/registry"
)

// DefaultInterval is the default time between ticks.
const DefaultInterval = 5 * time.Second

var (
	// ErrStopped is returned when using a stopped poller.
	ErrStopped = errors.New("poller stopped")

	// ErrRunning is returned by Start on a running poller.
	ErrRunning = errors.New("poller already running")
)

// Fetcher retrieves the manifest and module payloads.
type Fetcher interface {
	FetchManifest(ctx context.Context) (*manifest.Manifest, error)
	FetchPayload(ctx context.Context, rawURL, variant string) ([]byte, error)
}

// Observer receives poller metrics. *metrics.Metrics implements it.
type Observer interface {
	RecordPollTick(result string, duration time.Duration)
	RecordInstall()
	RecordRemoval()
	RecordBlocklist(reason string)
	SetLoadedModules(n int)
}

type nopObserver struct{}

func (nopObserver) RecordPollTick(string, time.Duration) {}
func (nopObserver) RecordInstall()                       {}
func (nopObserver) RecordRemoval()                       {}
func (nopObserver) RecordBlocklist(string)               {}
func (nopObserver) SetLoadedModules(int)                 {}

// Config configures a Poller.
type Config struct {
	// RootModule names the module that owns routing and tenant configuration.
	RootModule string
	Interval   time.Duration
	// RequiredVariants must all fetch and verify before a module is loaded.
	// The node variant is always required.
	RequiredVariants []string

	Fetcher  Fetcher
	Loader   module.Loader
	Registry *registry.Registry
	Logger   logrus.FieldLogger
	Observer Observer
}

// Poller drives manifest reconciliation.
type Poller struct {
	root     string
	interval time.Duration
	required []string

	fetcher Fetcher
	loader  module.Loader
	reg     *registry.Registry
	log     logrus.FieldLogger
	obs     Observer

	state     atomic.Int32
	tickMu    sync.Mutex
	clientMap atomic.Pointer[manifest.ClientMap]

	failMu   sync.RWMutex
	failures map[string]Failure

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New creates an idle poller.
func New(cfg Config) (*Poller, error) {
	if cfg.RootModule == "" {
		return nil, fmt.Errorf("root module name required")
	}
	if cfg.Fetcher == nil || cfg.Loader == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("fetcher, loader and registry are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	required := []string{manifest.VariantNode}
	for _, v := range cfg.RequiredVariants {
		if v != manifest.VariantNode {
			required = append(required, v)
		}
	}

	p := &Poller{
		root:     cfg.RootModule,
		interval: cfg.Interval,
		required: required,
		fetcher:  cfg.Fetcher,
		loader:   cfg.Loader,
		reg:      cfg.Registry,
		log:      cfg.Logger.WithField("component", "poller"),
		obs:      cfg.Observer,
		failures: make(map[string]Failure),
	}
	p.clientMap.Store(&manifest.ClientMap{Modules: map[string]manifest.ClientModule{}})
	return p, nil
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// RootModule returns the configured root module name.
func (p *Poller) RootModule() string {
	return p.root
}

// ClientModuleMap returns the browser module map published by the last
// reconcile.
func (p *Poller) ClientModuleMap() *manifest.ClientMap {
	return p.clientMap.Load()
}

// Failures returns module versions whose payload fetch failed on the last
// attempt.
func (p *Poller) Failures() []Failure {
	p.failMu.RLock()
	defer p.failMu.RUnlock()
	out := make([]Failure, 0, len(p.failures))
	for _, f := range p.failures {
		out = append(out, f)
	}
	return out
}

// transition moves to next unless the poller has been stopped.
func (p *Poller) transition(next State) bool {
	for {
		cur := p.state.Load()
		if State(cur) == Stopped {
			return false
		}
		if p.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Start runs one tick immediately, then ticks every interval until Stop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.State() == Stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.cron != nil {
		p.mu.Unlock()
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	cl := logging.CronLogger(p.log)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(p.interval), cron.FuncJob(func() { p.Tick(runCtx) }))
	p.cron = c
	p.cancel = cancel
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"interval": p.interval.String(),
		"root":     p.root,
	}).Info("starting manifest poller")

	p.Tick(runCtx)

	// Stop may have run during the first tick; it swaps the state before
	// taking mu, so checking under mu decides who owns the scheduler.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() == Stopped {
		return nil
	}
	c.Start()
	return nil
}

// Stop halts the poller for good and waits for a running tick to finish.
func (p *Poller) Stop() {
	if State(p.state.Swap(int32(Stopped))) == Stopped {
		return
	}
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	p.log.Info("manifest poller stopped")
}

// IsRunning reports whether ticks are scheduled.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cron != nil && p.State() != Stopped
}

// Tick runs one fetch-diff-reconcile cycle.
func (p *Poller) Tick(ctx context.Context) Report {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	start := time.Now()
	if !p.transition(Fetching) {
		return Report{Err: ErrStopped}
	}
	defer p.transition(Idle)

	m, err := p.fetcher.FetchManifest(ctx)
	if err != nil {
		p.log.WithError(err).Warn("manifest fetch failed; keeping current modules")
		p.obs.RecordPollTick("fetch_error", time.Since(start))
		return Report{Err: err}
	}

	if !p.transition(Diffing) {
		return Report{Key: m.Key(), Fetched: true, Err: ErrStopped}
	}
	diff := manifest.Compare(m, p.reg.Snapshot().Loaded())
	rep := Report{Key: m.Key(), Fetched: true}
	for _, e := range diff.Added {
		rep.Added = append(rep.Added, e.Identity())
	}
	for _, e := range diff.Changed {
		rep.Changed = append(rep.Changed, e.Identity())
	}

	if !p.transition(Reconciling) {
		rep.Err = ErrStopped
		return rep
	}
	p.reconcile(ctx, m, diff, &rep)

	loaded := p.reg.Snapshot().Loaded()
	p.pruneFailures(m, loaded)
	p.clientMap.Store(manifest.NewClientMap(m, loaded))
	p.obs.SetLoadedModules(len(loaded))
	p.obs.RecordPollTick("ok", time.Since(start))

	if rep.Writes() > 0 || len(rep.Blocklisted) > 0 || len(rep.Failed) > 0 {
		p.log.WithFields(logrus.Fields{
			"key":         rep.Key,
			"installed":   rep.Installed,
			"removed":     rep.Removed,
			"blocklisted": rep.Blocklisted,
			"failed":      rep.Failed,
		}).Info("manifest reconciled")
	}
	return rep
}

func (p *Poller) reconcile(ctx context.Context, m *manifest.Manifest, diff manifest.Diff, rep *Report) {
	work := make([]manifest.Entry, 0, len(diff.Added)+len(diff.Changed))
	var rest []manifest.Entry
	for _, e := range m.Entries() {
		if !pending(diff, e.Name) {
			continue
		}
		if e.Name == p.root {
			work = append(work, e)
		} else {
			rest = append(rest, e)
		}
	}
	work = append(work, rest...)

	for _, e := range work {
		if p.State() == Stopped || ctx.Err() != nil {
			return
		}
		if e.Name != p.root && !p.rootLoaded() {
			p.log.WithFields(logrus.Fields{"module": e.Name, "version": e.Version}).
				Warn("root module not loaded; deferring module")
			rep.Deferred = append(rep.Deferred, e.Identity())
			continue
		}
		p.admit(ctx, e, rep)
	}

	for _, name := range diff.Removed {
		if p.State() == Stopped {
			return
		}
		if err := p.reg.Remove(name); err != nil {
			p.log.WithError(err).WithField("module", name).Warn("module removal failed")
			continue
		}
		p.obs.RecordRemoval()
		rep.Removed = append(rep.Removed, name)
	}
}

func pending(d manifest.Diff, name string) bool {
	for _, e := range d.Added {
		if e.Name == name {
			return true
		}
	}
	for _, e := range d.Changed {
		if e.Name == name {
			return true
		}
	}
	return false
}

func (p *Poller) rootLoaded() bool {
	_, ok := p.reg.Snapshot().Get(p.root)
	return ok
}

// tenantConfig returns the loaded root module's state configuration.
func (p *Poller) tenantConfig() map[string]any {
	lease := p.reg.Acquire()
	defer lease.Release()
	mod, ok := lease.Module(p.root)
	if !ok {
		return nil
	}
	if t, ok := mod.(module.Tenant); ok {
		return t.StateConfig()
	}
	return nil
}

// admit takes one manifest entry through fetch, verify, load, validate and
// install. Failures are recorded and never escape.
func (p *Poller) admit(ctx context.Context, e manifest.Entry, rep *Report) {
	log := p.log.WithFields(logrus.Fields{"module": e.Name, "version": e.Version})

	if entry, ok := p.reg.Blocklist().Get(e.Name, e.Version); ok {
		log.WithField("reason", entry.Reason).Debug("skipping blocklisted module")
		rep.Skipped = append(rep.Skipped, e.Identity())
		return
	}

	payloads := make(map[string][]byte, len(p.required))
	for _, variant := range p.required {
		asset, ok := e.Asset(variant)
		if !ok {
			p.block(log, registry.BlockEntry{
				Name: e.Name, Version: e.Version, Reason: ReasonMissingVariant, Variant: variant,
			}, fmt.Errorf("manifest has no %s variant", variant))
			rep.Blocklisted = append(rep.Blocklisted, e.Identity())
			return
		}

		body, err := p.fetcher.FetchPayload(ctx, asset.URL, variant)
		if err != nil {
			p.recordFailure(e, variant, err)
			log.WithError(err).WithFields(logrus.Fields{"variant": variant, "url": asset.URL}).
				Warn("module payload fetch failed; will retry")
			rep.Failed = append(rep.Failed, e.Identity())
			return
		}

		if res := integrity.Verify(body, asset.Integrity); !res.OK {
			ierr := &IntegrityError{
				Name: e.Name, Version: e.Version, Variant: variant,
				Expected: asset.Integrity, Digest: res.Digest,
			}
			p.block(log, registry.BlockEntry{
				Name: e.Name, Version: e.Version, Reason: ReasonIntegrity,
				Variant: variant, Digest: res.Digest,
			}, ierr)
			rep.Blocklisted = append(rep.Blocklisted, e.Identity())
			return
		}
		payloads[variant] = body
	}

	tenant := p.tenantConfig()
	handle, err := p.loader.Load(ctx, module.LoadRequest{
		Name:         e.Name,
		Version:      e.Version,
		Payload:      payloads[manifest.VariantNode],
		TenantConfig: tenant,
	})
	if err != nil {
		p.block(log, registry.BlockEntry{Name: e.Name, Version: e.Version, Reason: ReasonLoadHook}, err)
		rep.Blocklisted = append(rep.Blocklisted, e.Identity())
		return
	}

	if e.Name == p.root {
		if t, ok := handle.(module.Tenant); ok {
			tenant = t.StateConfig()
		}
	}
	if err := handle.ValidateConfig(tenant); err != nil {
		var verr *configschema.ValidationError
		var options []string
		if errors.As(err, &verr) {
			options = verr.Options
		}
		p.closeHandle(log, handle)
		p.block(log, registry.BlockEntry{
			Name: e.Name, Version: e.Version, Reason: ReasonConfig, Options: options,
		}, &module.LoadHookError{Name: e.Name, Version: e.Version, Options: options, Err: err})
		rep.Blocklisted = append(rep.Blocklisted, e.Identity())
		return
	}

	if err := p.reg.Install(e.Name, e.Version, handle); err != nil {
		p.closeHandle(log, handle)
		log.WithError(err).Error("module install failed")
		rep.Failed = append(rep.Failed, e.Identity())
		return
	}
	p.clearFailure(e.Name)
	p.obs.RecordInstall()
	rep.Installed = append(rep.Installed, e.Identity())
}

func (p *Poller) block(log logrus.FieldLogger, entry registry.BlockEntry, cause error) {
	added := p.reg.Blocklist().Add(entry)
	if added {
		p.obs.RecordBlocklist(entry.Reason)
	}
	fields := logrus.Fields{"reason": entry.Reason}
	if entry.Variant != "" {
		fields["variant"] = entry.Variant
	}
	if entry.Digest != "" {
		fields["digest"] = entry.Digest
	}
	if len(entry.Options) > 0 {
		fields["options"] = entry.Options
	}
	log.WithFields(fields).WithError(cause).Error("module blocklisted")
}

func (p *Poller) closeHandle(log logrus.FieldLogger, handle module.Module) {
	if err := handle.Close(); err != nil {
		log.WithError(err).Warn("closing rejected module failed")
	}
}

func (p *Poller) recordFailure(e manifest.Entry, variant string, err error) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failures[e.Name] = Failure{
		Name:    e.Name,
		Version: e.Version,
		Variant: variant,
		Status:  registry.StatusFailed,
		Error:   err.Error(),
		At:      time.Now(),
	}
}

func (p *Poller) clearFailure(name string) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	delete(p.failures, name)
}

// pruneFailures forgets failures for versions the manifest no longer lists.
func (p *Poller) pruneFailures(m *manifest.Manifest, loaded []manifest.Loaded) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	for name, f := range p.failures {
		if e, ok := m.Get(name); !ok || e.Version != f.Version {
			delete(p.failures, name)
		}
	}
	for _, l := range loaded {
		if f, ok := p.failures[l.Name]; ok && f.Version == l.Version {
			delete(p.failures, l.Name)
		}
	}
}
