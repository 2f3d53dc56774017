package schema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dop251/goja"

	"github.com/szaher/designs/envsandbox/internal/jsrt"
)

// ModuleName is the built-in module plugins require to construct schemas.
const ModuleName = "schema"

// Builtins returns the built-in modules this package provides.
func Builtins() map[string]jsrt.Builtin {
	return map[string]jsrt.Builtin{ModuleName: Module}
}

// Module populates the schema built-in with its constructors.
func Module(vm *goja.Runtime, exports *goja.Object) error {
	ctors := map[string]func(goja.Value) (any, error){
		string(KindEnvironment): newEnvironmentSchema,
		string(KindTarget):      newTargetSchema,
	}
	for name, build := range ctors {
		err := exports.Set(name, func(call goja.ConstructorCall) *goja.Object {
			s, err := build(call.Argument(0))
			if err != nil {
				panic(vm.NewTypeError("%s: %s", name, err.Error()))
			}
			obj := vm.ToValue(s).(*goja.Object)
			if proto := call.This.Prototype(); proto != nil {
				_ = obj.SetPrototype(proto)
			}
			return obj
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func newEnvironmentSchema(arg goja.Value) (any, error) {
	opts, err := options(arg)
	if err != nil {
		return nil, err
	}
	s := &EnvironmentSchema{Targets: map[string]string{}}
	if s.Name, err = stringField(opts, "name", true); err != nil {
		return nil, err
	}
	if s.Description, err = stringField(opts, "description", false); err != nil {
		return nil, err
	}
	if s.Version, err = stringField(opts, "version", false); err != nil {
		return nil, err
	}

	targets := opts.Get("targets")
	if targets == nil || goja.IsUndefined(targets) || goja.IsNull(targets) {
		return s, nil
	}
	raw, ok := targets.Export().(map[string]any)
	if !ok {
		return nil, errors.New("targets must be an object mapping target names to module paths")
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := raw[name].(string)
		if !ok || p == "" {
			return nil, fmt.Errorf("targets.%s must be a non-empty module path", name)
		}
		s.Targets[name] = p
	}
	return s, nil
}

func newTargetSchema(arg goja.Value) (any, error) {
	opts, err := options(arg)
	if err != nil {
		return nil, err
	}
	s := &TargetSchema{}
	if s.Name, err = stringField(opts, "name", true); err != nil {
		return nil, err
	}
	if s.Description, err = stringField(opts, "description", false); err != nil {
		return nil, err
	}
	script, ok := goja.AssertFunction(opts.Get("script"))
	if !ok {
		return nil, errors.New("script must be a function")
	}
	s.Script = script
	return s, nil
}

func options(arg goja.Value) (*goja.Object, error) {
	if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
		return nil, errors.New("an options object is required")
	}
	obj, ok := arg.(*goja.Object)
	if !ok {
		return nil, errors.New("options must be an object")
	}
	return obj, nil
}

func stringField(obj *goja.Object, name string, required bool) (string, error) {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		if required {
			return "", fmt.Errorf("%s is required", name)
		}
		return "", nil
	}
	s, ok := v.Export().(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}
	if required && s == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	return s, nil
}
