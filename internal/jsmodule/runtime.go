package jsmodule

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// errUnsettled is returned when a call's promise is still pending after
// the job queue drained; nothing left in the runtime can settle it.
var errUnsettled = errors.New("returned a promise that never settled")

var promiseType = reflect.TypeOf((*goja.Promise)(nil))

// rejection carries the reason of a rejected promise.
type rejection struct {
	reason goja.Value
}

func (r *rejection) Error() string {
	if r.reason == nil {
		return "promise rejected"
	}
	return r.reason.String()
}

// runtime is one goja VM with the module program already evaluated.
// A goja.Runtime is not goroutine-safe; runtimes are used by one call at a
// time and handed around through the module pool.
type runtime struct {
	vm        *goja.Runtime
	exports   *goja.Object
	jsonParse goja.Callable

	// ctx is the context of the call currently running on the VM.
	ctx context.Context
}

func (rt *runtime) context() context.Context {
	if rt.ctx == nil {
		return context.Background()
	}
	return rt.ctx
}

// acquire returns an idle runtime or builds a fully initialized one,
// load hook included.
func (m *Module) acquire(ctx context.Context) (*runtime, error) {
	select {
	case rt := <-m.pool:
		return rt, nil
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()
	rt, err := m.newRuntime(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.runLoad(ctx, rt); err != nil {
		m.log.WithError(err).Warn("initializing additional runtime failed")
		return nil, err
	}
	return rt, nil
}

func (m *Module) release(rt *runtime) {
	if m.closed.Load() {
		return
	}
	select {
	case m.pool <- rt:
	default:
	}
}

// runLoad runs the load hook on rt with the context the module was
// admitted with. Modules without a hook are left as they are.
func (m *Module) runLoad(ctx context.Context, rt *runtime) error {
	if !m.hasLoad {
		return nil
	}
	_, reusable, err := m.invoke(ctx, rt, "load", m.hookCtx)
	if err != nil {
		return err
	}
	if !reusable {
		return fmt.Errorf("%s.load interrupted: %w", m.name, context.Cause(ctx))
	}
	return nil
}

func (m *Module) newRuntime(ctx context.Context) (rt *runtime, err error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	defer func() {
		if r := recover(); r != nil {
			rt, err = nil, fmt.Errorf("initialize runtime: %v", r)
		}
	}()

	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	rt = &runtime{vm: vm, jsonParse: parse, ctx: ctx}
	defer func() {
		if rt != nil {
			rt.ctx = nil
		}
	}()

	bindConsole(vm, m.log)
	if m.fetch != nil {
		m.fetch.bind(rt)
	}

	mod := vm.NewObject()
	exports := vm.NewObject()
	if err := mod.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := vm.Set("module", mod); err != nil {
		return nil, err
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(context.Cause(ctx)) })
	_, runErr := vm.RunProgram(m.program)
	if !stop() {
		if runErr == nil {
			runErr = context.Cause(ctx)
		}
		return nil, scriptError(m.name, "<init>", runErr)
	}
	if runErr != nil {
		return nil, scriptError(m.name, "<init>", runErr)
	}

	ev := mod.Get("exports")
	if !present(ev) {
		return nil, errors.New("module.exports is not set")
	}
	obj, ok := ev.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("module.exports is %s, want object", ev.ExportType())
	}

	rt.exports = obj
	return rt, nil
}

// invoke calls exports[fn] on rt and waits for the promise it returns, if
// any. reusable is false when the runtime was interrupted and must be
// discarded.
func (m *Module) invoke(ctx context.Context, rt *runtime, fn string, args ...any) (out any, reusable bool, err error) {
	callable, ok := goja.AssertFunction(rt.exports.Get(fn))
	if !ok {
		return nil, true, fmt.Errorf("%s.%s is not a function", m.name, fn)
	}

	defer func() {
		if r := recover(); r != nil {
			out, reusable, err = nil, false, fmt.Errorf("%s.%s panicked: %v", m.name, fn, r)
		}
	}()

	jsArgs := make([]goja.Value, 0, len(args))
	for _, a := range args {
		v, err := rt.toJS(a)
		if err != nil {
			return nil, true, fmt.Errorf("%s.%s: convert argument: %w", m.name, fn, err)
		}
		jsArgs = append(jsArgs, v)
	}

	rt.ctx = ctx
	defer func() { rt.ctx = nil }()

	// The job queue is drained before callable returns, so a promise that
	// can settle has settled by then. The interrupt covers those jobs too.
	stop := context.AfterFunc(ctx, func() { rt.vm.Interrupt(context.Cause(ctx)) })
	v, callErr := callable(goja.Undefined(), jsArgs...)
	if callErr == nil {
		v, callErr = settle(v)
	}
	if callErr == nil && present(v) {
		out = v.Export()
	}
	reusable = stop()

	if callErr != nil {
		return nil, reusable, scriptError(m.name, fn, callErr)
	}
	return out, reusable, nil
}

// settle unwraps a promise result. Other values pass through.
func settle(v goja.Value) (goja.Value, error) {
	if !present(v) || v.ExportType() != promiseType {
		return v, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, &rejection{reason: p.Result()}
	default:
		return nil, errUnsettled
	}
}

// toJS copies a Go value into the runtime through JSON so modules never
// share mutable Go maps with each other.
func (rt *runtime) toJS(v any) (goja.Value, error) {
	switch t := v.(type) {
	case nil:
		return goja.Undefined(), nil
	case string:
		return rt.vm.ToValue(t), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return rt.vm.ToValue(v), nil
	}
	return rt.jsonParse(goja.Undefined(), rt.vm.ToValue(string(raw)))
}

// newError builds a JavaScript Error so module code sees err.message.
func (rt *runtime) newError(msg string) goja.Value {
	if obj, err := rt.vm.New(rt.vm.Get("Error"), rt.vm.ToValue(msg)); err == nil {
		return obj
	}
	return rt.vm.ToValue(msg)
}

// settled returns an already resolved or rejected promise.
func (rt *runtime) settled(v goja.Value, err error) goja.Value {
	p, resolve, reject := rt.vm.NewPromise()
	if err != nil {
		reject(rt.newError(err.Error()))
	} else {
		resolve(v)
	}
	return rt.vm.ToValue(p)
}

func bindConsole(vm *goja.Runtime, log *logrus.Entry) {
	console := vm.NewObject()
	levels := map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"log":   logrus.InfoLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
	}
	for name, level := range levels {
		level := level
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			log.WithField("source", "console").Log(level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)
}
