package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/szaher/designs/envsandbox/internal/jsrt"
	"github.com/szaher/designs/envsandbox/internal/protocol"
)

// Fields the worker adds to the script context.
const (
	fieldLocalStore  = "localStore"
	fieldGlobalStore = "globalStore"
	fieldDelay       = "delay"
)

// cloner copies a script value into plain Go data through JSON. It captures
// the runtime's JSON.stringify before any plugin code runs.
type cloner func(goja.Value) (any, error)

func newCloner(vm *goja.Runtime) (cloner, error) {
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is not available")
	}
	return func(v goja.Value) (any, error) {
		if v == nil || goja.IsUndefined(v) {
			return nil, nil
		}
		out, err := stringify(goja.Undefined(), v)
		if err != nil {
			return nil, err
		}
		if goja.IsUndefined(out) {
			return nil, nil
		}
		var data any
		if err := json.Unmarshal([]byte(out.String()), &data); err != nil {
			return nil, err
		}
		return data, nil
	}, nil
}

// buildContext creates the capability object handed to the script: the
// supplied fields, fresh empty stores, one relay proxy per capability and
// the delay capability.
func buildContext(rt *jsrt.Runtime, clone cloner, fields map[string]any, emit Emit, logger *slog.Logger) (*goja.Object, error) {
	vm := rt.VM()
	obj := vm.NewObject()

	if len(fields) > 0 {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode script context: %w", err)
		}
		var copied map[string]any
		if err := json.Unmarshal(raw, &copied); err != nil {
			return nil, fmt.Errorf("decode script context: %w", err)
		}
		for k, v := range copied {
			if err := obj.Set(k, toPlain(vm, v)); err != nil {
				return nil, err
			}
		}
	}

	if err := obj.Set(fieldLocalStore, vm.NewObject()); err != nil {
		return nil, err
	}
	if err := obj.Set(fieldGlobalStore, vm.NewObject()); err != nil {
		return nil, err
	}
	for _, method := range protocol.Methods() {
		if err := obj.Set(string(method), proxy(vm, clone, method, emit, logger)); err != nil {
			return nil, err
		}
	}
	if err := obj.Set(fieldDelay, delay(rt)); err != nil {
		return nil, err
	}
	return obj, nil
}

// proxy returns a function that relays its call as a callback message and
// returns immediately. Arguments are cloned eagerly so later mutation by the
// script cannot change what the host sees.
func proxy(vm *goja.Runtime, clone cloner, method protocol.Method, emit Emit, logger *slog.Logger) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			v, err := clone(a)
			if err != nil {
				panic(vm.NewTypeError("%s: argument %d cannot be sent to the host: %v", method, i+1, err))
			}
			args[i] = v
		}
		if err := emit(protocol.CallbackMessage(method, args...)); err != nil {
			logger.Warn("callback could not be relayed", "method", string(method), "error", err)
		}
		return goja.Undefined()
	}
}

// delay returns the host-mediated sleep capability: delay(ms) resolves a
// promise after ms milliseconds on the runtime's own loop.
func delay(rt *jsrt.Runtime) func(goja.FunctionCall) goja.Value {
	vm := rt.VM()
	return func(call goja.FunctionCall) goja.Value {
		d := jsrt.Millis(call.Argument(0).ToFloat())
		p, resolve, _ := vm.NewPromise()
		rt.Loop().Schedule(d, 0, func() error {
			return resolve(goja.Undefined())
		})
		return vm.ToValue(p)
	}
}

// toPlain converts decoded JSON into native script values rather than
// wrapped Go maps and slices.
func toPlain(vm *goja.Runtime, v any) goja.Value {
	switch x := v.(type) {
	case map[string]any:
		obj := vm.NewObject()
		for k, item := range x {
			_ = obj.Set(k, toPlain(vm, item))
		}
		return obj
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = toPlain(vm, item)
		}
		return vm.NewArray(items...)
	default:
		return vm.ToValue(x)
	}
}
