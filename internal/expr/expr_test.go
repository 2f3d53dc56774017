package expr

import (
	"strings"
	"testing"

	"github.com/szaher/designs/envsandbox/internal/protocol"
)

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

func TestCompile_ValidExpression(t *testing.T) {
	compiled, err := Compile(`method != "sendOutput"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if compiled.Source != `method != "sendOutput"` {
		t.Errorf("source: got %q", compiled.Source)
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{name: "empty", source: ""},
		{name: "syntax", source: "method ++ +"},
		{name: "unknown variable", source: `node == "n1"`},
		{name: "not boolean", source: "len(args)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile(tc.source); err == nil {
				t.Errorf("expected an error for %q", tc.source)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ValidateSyntax
// ---------------------------------------------------------------------------

func TestValidateSyntax(t *testing.T) {
	if err := ValidateSyntax(`anything == 1`); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateSyntax("(("); err == nil || !strings.Contains(err.Error(), "invalid expression syntax") {
		t.Errorf("expected a syntax error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Filter
// ---------------------------------------------------------------------------

func TestFilter_Allow(t *testing.T) {
	f, err := NewFilter(`plugin != "untrusted" && not (method == "modifyResourcePool" && args[1] > 100)`)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		plugin string
		cb     protocol.Callback
		want   bool
	}{
		{
			name:   "output",
			plugin: "pluginA",
			cb:     protocol.Callback{Method: protocol.MethodSendOutput, Args: []any{"hi"}},
			want:   true,
		},
		{
			name:   "small pool change",
			plugin: "pluginA",
			cb:     protocol.Callback{Method: protocol.MethodModifyResourcePool, Args: []any{"ram", 10.0}},
			want:   true,
		},
		{
			name:   "large pool change",
			plugin: "pluginA",
			cb:     protocol.Callback{Method: protocol.MethodModifyResourcePool, Args: []any{"ram", 1000.0}},
			want:   false,
		},
		{
			name:   "untrusted plugin",
			plugin: "untrusted",
			cb:     protocol.Callback{Method: protocol.MethodSendOutput, Args: []any{"hi"}},
			want:   false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.Allow(tc.plugin, "deploy", tc.cb)
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if got != tc.want {
				t.Errorf("Allow = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilter_TargetAndSource(t *testing.T) {
	f, err := NewFilter(`target startsWith "safe"`)
	if err != nil {
		t.Fatal(err)
	}
	if f.Source() != `target startsWith "safe"` {
		t.Errorf("Source() = %q", f.Source())
	}
	cb := protocol.Callback{Method: protocol.MethodOpenNode, Args: []any{"n1"}}
	if ok, _ := f.Allow("p", "safe-deploy", cb); !ok {
		t.Error("safe target should be allowed")
	}
	if ok, _ := f.Allow("p", "deploy", cb); ok {
		t.Error("other targets should be denied")
	}
}

func TestFilter_RuntimeError(t *testing.T) {
	f, err := NewFilter(`args[3] == "x"`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Allow("p", "t", protocol.Callback{Method: protocol.MethodSendOutput, Args: []any{"hi"}})
	if err == nil || !strings.Contains(err.Error(), "expression eval error") {
		t.Errorf("expected an eval error, got %v", err)
	}
}

func TestEval_NilExpression(t *testing.T) {
	if _, err := Eval(nil, Env{}); err == nil {
		t.Error("expected error for nil compiled expression")
	}
}
