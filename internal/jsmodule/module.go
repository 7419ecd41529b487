package jsmodule

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/configschema"
	"github.com/R3E-Network/module_host/internal/module"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Module is a loaded JavaScript module. It is safe for concurrent use:
// every call runs on a runtime taken exclusively from the module's pool.
type Module struct {
	name    string
	version string
	program *goja.Program

	routes      []module.Route
	corsOrigins []string
	stateConfig map[string]any
	schema      map[string]string

	fetchTimeout time.Duration

	hasLoad       bool
	hasLoadData   bool
	hasRender     bool
	hasRequestLog bool

	// hookCtx is handed to the load hook of every runtime of the module.
	hookCtx     map[string]any
	loadTimeout time.Duration
	fetch       *fetcher

	pool   chan *runtime
	closed atomic.Bool
	log    *logrus.Entry
}

var (
	_ module.Tenant               = (*Module)(nil)
	_ module.RequestLogConfigurer = (*Module)(nil)
	_ module.FetchPolicy          = (*Module)(nil)
)

func (m *Module) Name() string    { return m.name }
func (m *Module) Version() string { return m.version }

// Routes returns the module's route table (root modules only).
func (m *Module) Routes() []module.Route {
	out := make([]module.Route, len(m.routes))
	copy(out, m.routes)
	return out
}

// CORSOrigins returns the origins the module allows.
func (m *Module) CORSOrigins() []string {
	out := make([]string, len(m.corsOrigins))
	copy(out, m.corsOrigins)
	return out
}

// StateConfig returns the configuration the module contributes as tenant.
func (m *Module) StateConfig() map[string]any {
	out := make(map[string]any, len(m.stateConfig))
	for k, v := range m.stateConfig {
		out[k] = v
	}
	return out
}

// Schema returns the module's declared configuration schema.
func (m *Module) Schema() map[string]string {
	out := make(map[string]string, len(m.schema))
	for k, v := range m.schema {
		out[k] = v
	}
	return out
}

// FetchTimeout returns the bound the module sets on outbound requests made
// while it is the root module, or 0.
func (m *Module) FetchTimeout() time.Duration {
	return m.fetchTimeout
}

// ConfigureRequestLog calls the module's configureRequestLog export and
// returns the log fields it produced. Modules without one add nothing.
func (m *Module) ConfigureRequestLog(ctx context.Context, req map[string]any) (map[string]any, error) {
	if !m.hasRequestLog {
		return nil, nil
	}
	out, err := m.call(ctx, "configureRequestLog", req)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%s: configureRequestLog returned %T, want object", m.name, out)
	}
}

// LoadData calls the module's loadData export.
func (m *Module) LoadData(ctx context.Context, props module.Props) (any, error) {
	if !m.hasLoadData {
		if m.closed.Load() {
			return nil, module.ErrClosed
		}
		return nil, nil
	}
	return m.call(ctx, "loadData", map[string]any(props))
}

// Render calls the module's render export. Modules without one pass their
// children through.
func (m *Module) Render(ctx context.Context, props module.Props, data any, children string) (string, error) {
	if !m.hasRender {
		if m.closed.Load() {
			return "", module.ErrClosed
		}
		return children, nil
	}
	out, err := m.call(ctx, "render", map[string]any(props), data, children)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%s: render returned %T, want string", m.name, out)
	}
}

// ValidateConfig checks tenant configuration against the module's schema.
func (m *Module) ValidateConfig(config map[string]any) error {
	return configschema.Validate(config, m.schema)
}

// Close tears the module down. Calls already running finish; later calls
// fail with module.ErrClosed.
func (m *Module) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	for {
		select {
		case <-m.pool:
		default:
			m.log.Debug("module runtimes released")
			return nil
		}
	}
}

func (m *Module) call(ctx context.Context, fn string, args ...any) (any, error) {
	if m.closed.Load() {
		return nil, module.ErrClosed
	}
	rt, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	out, reusable, err := m.invoke(ctx, rt, fn, args...)
	if reusable {
		m.release(rt)
	}
	if err != nil {
		return nil, err
	}
	if !reusable {
		return nil, fmt.Errorf("%s.%s: %w", m.name, fn, context.Cause(ctx))
	}
	return out, nil
}

// readExports captures the module's static metadata from a fresh runtime.
func (m *Module) readExports(rt *runtime) error {
	exp := rt.exports

	if v := exp.Get("name"); present(v) {
		if declared := v.String(); declared != m.name {
			return fmt.Errorf("module declares name %q, manifest has %q", declared, m.name)
		}
	}
	if err := exportInto(exp.Get("routes"), &m.routes); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	if err := exportInto(exp.Get("corsOrigins"), &m.corsOrigins); err != nil {
		return fmt.Errorf("corsOrigins: %w", err)
	}
	if err := exportInto(exp.Get("stateConfig"), &m.stateConfig); err != nil {
		return fmt.Errorf("stateConfig: %w", err)
	}
	if err := exportInto(exp.Get("configSchema"), &m.schema); err != nil {
		return fmt.Errorf("configSchema: %w", err)
	}
	if v := exp.Get("fetchTimeout"); present(v) {
		ms := v.ToInteger()
		if ms <= 0 {
			return errors.New("fetchTimeout must be a positive number of milliseconds")
		}
		m.fetchTimeout = time.Duration(ms) * time.Millisecond
	}

	_, m.hasLoad = goja.AssertFunction(exp.Get("load"))
	_, m.hasRequestLog = goja.AssertFunction(exp.Get("configureRequestLog"))
	_, m.hasLoadData = goja.AssertFunction(exp.Get("loadData"))
	_, m.hasRender = goja.AssertFunction(exp.Get("render"))
	return nil
}

// exportInto converts a JS value into target through its JSON shape.
func exportInto(v goja.Value, target any) error {
	if !present(v) {
		return nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// scriptError unwraps goja exceptions into a readable message.
func scriptError(name, fn string, err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("%s.%s threw: %s", name, fn, exc.Value().String())
	}
	var rej *rejection
	if errors.As(err, &rej) {
		return fmt.Errorf("%s.%s rejected: %s", name, fn, rej.Error())
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		return fmt.Errorf("%s.%s interrupted: %v", name, fn, intr.Value())
	}
	return fmt.Errorf("%s.%s: %w", name, fn, err)
}
