// Package jsrt hosts plugin JavaScript on goja: a hardened runtime, a
// CommonJS module loader with a swappable resolution hook, and a small
// event loop that owns timers and promise settlement.
//
// A Runtime is not safe for concurrent use. It belongs to the goroutine that
// created it, which is what isolates one execution from another.
package jsrt

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/szaher/designs/envsandbox/internal/paths"
)

// maxCallStackSize bounds recursion in plugin code.
const maxCallStackSize = 1024

// TimerPolicy is consulted before a global timer is scheduled. caller is the
// file of the nearest script frame.
type TimerPolicy func(function, caller string) error

// Options configures a Runtime.
type Options struct {
	Roots    paths.Roots
	Builtins map[string]Builtin
	Timers   TimerPolicy
}

// Runtime is one isolated JavaScript VM with its loader and loop.
type Runtime struct {
	vm     *goja.Runtime
	loader *Loader
	loop   *Loop
}

// New creates a hardened runtime.
func New(opts Options) *Runtime {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	disableDynamicCode(vm)

	rt := &Runtime{vm: vm}
	rt.loader = newLoader(vm, opts.Roots, opts.Builtins)
	rt.loop = newLoop(vm, opts.Timers)
	rt.loop.install()
	return rt
}

// disableDynamicCode removes eval and the Function constructor.
func disableDynamicCode(vm *goja.Runtime) {
	_ = vm.Set("eval", goja.Undefined())
	_, _ = vm.RunString(`(function() {
		try {
			Object.defineProperty(Function.prototype, 'constructor', {
				value: function() { throw new TypeError('Function constructor is disabled'); },
				writable: false,
				configurable: false
			});
		} catch (e) {}
	})();`)
}

// VM returns the underlying goja runtime.
func (rt *Runtime) VM() *goja.Runtime { return rt.vm }

// Loader returns the runtime's module loader.
func (rt *Runtime) Loader() *Loader { return rt.loader }

// Loop returns the runtime's event loop.
func (rt *Runtime) Loop() *Loop { return rt.loop }

// Require loads request on behalf of the host. Relative requests resolve
// against the base directory.
func (rt *Runtime) Require(request string) (goja.Value, error) {
	return rt.loader.Require("", request)
}

// Call invokes fn and waits for the value it returns to settle when that
// value is a promise. A rejected promise or a thrown value yields a
// *ScriptError; Go errors raised inside native functions are preserved in
// its chain.
func (rt *Runtime) Call(ctx context.Context, fn goja.Callable, this goja.Value, args ...goja.Value) (goja.Value, error) {
	stop := context.AfterFunc(ctx, func() {
		rt.vm.Interrupt(ctx.Err())
	})
	defer func() {
		if stop() {
			return
		}
		rt.vm.ClearInterrupt()
	}()

	v, err := fn(this, args...)
	if err != nil {
		return nil, rt.wrap(ctx, err)
	}
	v, err = rt.loop.Await(ctx, v)
	if err != nil {
		return nil, rt.wrap(ctx, err)
	}
	return v, nil
}

// Close stops every pending timer.
func (rt *Runtime) Close() {
	rt.loop.close()
}

func (rt *Runtime) wrap(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("script interrupted: %w", ctxErr)
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return AsScriptError(err)
}
