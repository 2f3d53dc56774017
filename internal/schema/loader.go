package schema

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/szaher/designs/envsandbox/internal/gate"
	"github.com/szaher/designs/envsandbox/internal/jsrt"
)

// Loader loads schema modules into one runtime under a gatekeeper.
type Loader struct {
	rt   *jsrt.Runtime
	gate *gate.Gatekeeper
}

// NewLoader creates a Loader. rt must have been created with Builtins.
func NewLoader(rt *jsrt.Runtime, g *gate.Gatekeeper) *Loader {
	return &Loader{rt: rt, gate: g}
}

// Session is a held gatekeeper activation. Every require made while the
// session is open, including lazy ones from script code, is gated.
type Session struct {
	l *Loader
}

// Session runs fn with the gatekeeper active on the loader's runtime. The
// previous resolution hook is restored when fn returns or panics.
func (l *Loader) Session(fn func(*Session) error) error {
	guard := l.gate.Activate(l.rt.Loader())
	defer guard.Release()
	return fn(&Session{l: l})
}

// LoadEnvironmentSchema loads an environment schema in its own session.
func (l *Loader) LoadEnvironmentSchema(path string) (*EnvironmentSchema, error) {
	var out *EnvironmentSchema
	err := l.Session(func(s *Session) error {
		var err error
		out, err = s.LoadEnvironmentSchema(path)
		return err
	})
	return out, err
}

// LoadTargetSchema loads a target schema in its own session.
func (l *Loader) LoadTargetSchema(path string) (*TargetSchema, error) {
	var out *TargetSchema
	err := l.Session(func(s *Session) error {
		var err error
		out, err = s.LoadTargetSchema(path)
		return err
	})
	return out, err
}

// LoadEnvironmentSchema loads the module at path and stamps the schema with
// the identity of the plugin that contains it.
func (s *Session) LoadEnvironmentSchema(path string) (*EnvironmentSchema, error) {
	v, err := s.load(path, KindEnvironment)
	if err != nil {
		return nil, err
	}
	env := v.(*EnvironmentSchema)

	owner, ok := s.l.gate.Roots().PluginOf(path)
	if !ok {
		return nil, &SchemaValidationError{Path: path, Expected: KindEnvironment, Reason: "module is not inside a plugin root"}
	}
	if err := env.SetID(owner.ID); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}

// LoadTargetSchema loads the module at path as a target schema.
func (s *Session) LoadTargetSchema(path string) (*TargetSchema, error) {
	v, err := s.load(path, KindTarget)
	if err != nil {
		return nil, err
	}
	return v.(*TargetSchema), nil
}

func (s *Session) load(path string, want Kind) (Schema, error) {
	exports, err := s.l.rt.Require(path)
	if err != nil {
		return nil, err
	}
	if sch, ok := asSchema(exports); ok && sch.Kind() == want {
		return sch, nil
	}
	if obj, ok := exports.(*goja.Object); ok {
		if sch, ok := asSchema(obj.Get("default")); ok && sch.Kind() == want {
			return sch, nil
		}
	}
	return nil, &SchemaValidationError{Path: path, Expected: want, Got: describe(exports)}
}

func asSchema(v goja.Value) (Schema, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	sch, ok := v.Export().(Schema)
	return sch, ok
}

func describe(v goja.Value) string {
	if sch, ok := asSchema(v); ok {
		return string(sch.Kind())
	}
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "function"
	}
	if obj, ok := v.(*goja.Object); ok {
		return obj.ClassName()
	}
	return fmt.Sprintf("%T", v.Export())
}
