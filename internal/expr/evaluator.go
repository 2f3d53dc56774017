package expr

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/szaher/designs/envsandbox/internal/protocol"
)

// Env holds the variables available to a callback policy expression.
type Env struct {
	Method string `expr:"method"`
	Args   []any  `expr:"args"`
	Plugin string `expr:"plugin"`
	Target string `expr:"target"`
}

// Eval evaluates a compiled expression against env.
func Eval(compiled *CompiledExpr, env Env) (bool, error) {
	if compiled == nil || compiled.program == nil {
		return false, fmt.Errorf("nil compiled expression")
	}

	result, err := expr.Run(compiled.program, env)
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", compiled.Source, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", compiled.Source, result)
	}
	return b, nil
}

// Filter admits callbacks for which its expression is true.
type Filter struct {
	compiled *CompiledExpr
}

// NewFilter compiles source into a callback filter.
func NewFilter(source string) (*Filter, error) {
	compiled, err := Compile(source)
	if err != nil {
		return nil, err
	}
	return &Filter{compiled: compiled}, nil
}

// Source returns the expression the filter was built from.
func (f *Filter) Source() string { return f.compiled.Source }

// Allow reports whether cb, sent by the given plugin target, may be applied.
func (f *Filter) Allow(plugin, target string, cb protocol.Callback) (bool, error) {
	return Eval(f.compiled, Env{
		Method: string(cb.Method),
		Args:   cb.Args,
		Plugin: plugin,
		Target: target,
	})
}
