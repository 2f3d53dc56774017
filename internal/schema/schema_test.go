package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szaher/designs/envsandbox/internal/gate"
	"github.com/szaher/designs/envsandbox/internal/jsrt"
	"github.com/szaher/designs/envsandbox/internal/paths"
)

type fixture struct {
	roots  paths.Roots
	rt     *jsrt.Runtime
	loader *Loader
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	base := t.TempDir()
	for name, content := range files {
		p := filepath.Join(base, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	roots, err := paths.DefaultRoots(base)
	if err != nil {
		t.Fatal(err)
	}
	g := gate.New(roots)
	rt := jsrt.New(jsrt.Options{Roots: roots, Builtins: Builtins(), Timers: g.CheckTimer})
	t.Cleanup(rt.Close)
	return &fixture{roots: roots, rt: rt, loader: NewLoader(rt, g)}
}

func (f *fixture) plugin(id string, rel ...string) string {
	return filepath.Join(append([]string{f.roots.Environments, id}, rel...)...)
}

const envDir = "integrations/target-environments/environments/"

func TestLoadEnvironmentSchema(t *testing.T) {
	f := newFixture(t, map[string]string{
		envDir + "pluginA/index.js": `
			const { TargetEnvSchema } = require('schema');
			module.exports = new TargetEnvSchema({
				name: 'Alpha',
				description: 'test environment',
				version: '1.2.0',
				targets: { scan: './targets/scan.js' },
			});`,
	})

	env, err := f.loader.LoadEnvironmentSchema(f.plugin("pluginA", "index.js"))
	if err != nil {
		t.Fatalf("LoadEnvironmentSchema: %v", err)
	}
	if env.ID() != "pluginA" {
		t.Errorf("ID = %q, want pluginA", env.ID())
	}
	if env.Name != "Alpha" || env.Version != "1.2.0" {
		t.Errorf("unexpected schema %+v", env)
	}
	if got := env.TargetNames(); len(got) != 1 || got[0] != "scan" {
		t.Errorf("targets = %v", got)
	}

	again, err := f.loader.LoadEnvironmentSchema(f.plugin("pluginA", "index.js"))
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again.ID() != "pluginA" {
		t.Errorf("identity changed on reload: %q", again.ID())
	}
}

func TestLoadTargetSchema_DefaultExport(t *testing.T) {
	f := newFixture(t, map[string]string{
		envDir + "pluginA/targets/scan.js": `
			const { TargetSchema } = require('schema');
			exports.default = new TargetSchema({ name: 'scan', script: async function(ctx) { return 1; } });`,
	})

	target, err := f.loader.LoadTargetSchema(f.plugin("pluginA", "targets", "scan.js"))
	if err != nil {
		t.Fatalf("LoadTargetSchema: %v", err)
	}
	if target.Name != "scan" || target.Script == nil {
		t.Errorf("unexpected target %+v", target)
	}
}

func TestLoad_WrongShape(t *testing.T) {
	f := newFixture(t, map[string]string{
		envDir + "pluginA/plain.js": `module.exports = { name: 'not a schema' };`,
		envDir + "pluginA/env.js": `
			const { TargetEnvSchema } = require('schema');
			module.exports = new TargetEnvSchema({ name: 'env' });`,
	})

	tests := []struct {
		name string
		file string
		got  string
	}{
		{name: "plain object", file: "plain.js", got: "Object"},
		{name: "environment instead of target", file: "env.js", got: string(KindEnvironment)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := f.plugin("pluginA", tc.file)
			_, err := f.loader.LoadTargetSchema(path)
			var invalid *SchemaValidationError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected *SchemaValidationError, got %T: %v", err, err)
			}
			if invalid.Path != path || invalid.Expected != KindTarget || invalid.Got != tc.got {
				t.Errorf("unexpected error fields %+v", invalid)
			}
			if !strings.Contains(err.Error(), path) || !strings.Contains(err.Error(), "new TargetSchema") {
				t.Errorf("message should name the path and expected shape: %q", err.Error())
			}
		})
	}
}

func TestConstructorValidation(t *testing.T) {
	f := newFixture(t, map[string]string{
		envDir + "pluginA/noname.js": `
			const { TargetSchema } = require('schema');
			module.exports = new TargetSchema({ script: function() {} });`,
		envDir + "pluginA/noscript.js": `
			const { TargetSchema } = require('schema');
			module.exports = new TargetSchema({ name: 'x', script: 'nope' });`,
	})

	for file, want := range map[string]string{
		"noname.js":   "name is required",
		"noscript.js": "script must be a function",
	} {
		_, err := f.loader.LoadTargetSchema(f.plugin("pluginA", file))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%s: expected error containing %q, got %v", file, want, err)
		}
	}
}

func TestLoad_GatedAndReleased(t *testing.T) {
	f := newFixture(t, map[string]string{
		"shared/db.js": `module.exports = {};`,
		envDir + "pluginA/bad.js": `
			const db = require('shared/db');
			module.exports = db;`,
		envDir + "pluginA/good.js": `
			const { TargetSchema } = require('schema');
			const fmt = require('library/format');
			module.exports = new TargetSchema({ name: fmt.name, script: function() {} });`,
		"integrations/target-environments/library/format.js": `exports.name = 'formatted';`,
	})

	_, err := f.loader.LoadTargetSchema(f.plugin("pluginA", "bad.js"))
	var denied *gate.ErrUnauthorizedImport
	if !errors.As(err, &denied) {
		t.Fatalf("expected *gate.ErrUnauthorizedImport, got %T: %v", err, err)
	}
	if denied.Violation != gate.ViolationSharedCode {
		t.Errorf("violation = %q", denied.Violation)
	}

	target, err := f.loader.LoadTargetSchema(f.plugin("pluginA", "good.js"))
	if err != nil {
		t.Fatalf("load after a failed load: %v", err)
	}
	if target.Name != "formatted" {
		t.Errorf("name = %q", target.Name)
	}
}

func TestScriptHiddenFromPluginCode(t *testing.T) {
	f := newFixture(t, map[string]string{
		"probe.js": `
			const { TargetSchema } = require('schema');
			const t = new TargetSchema({ name: 'x', script: function() {} });
			module.exports = [typeof t.script, t.name].join(',');`,
	})
	v, err := f.rt.Require("./probe")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if v.String() != "undefined,x" {
		t.Errorf("got %q", v.String())
	}
}

func TestSetID(t *testing.T) {
	env := &EnvironmentSchema{}
	if err := env.SetID("pluginA"); err != nil {
		t.Fatalf("first SetID: %v", err)
	}
	if err := env.SetID("pluginA"); err != nil {
		t.Errorf("same id should be accepted: %v", err)
	}
	for _, id := range []string{"pluginB", ""} {
		var immutable *ErrIdentityImmutable
		if err := env.SetID(id); !errors.As(err, &immutable) {
			t.Errorf("SetID(%q): expected *ErrIdentityImmutable, got %v", id, err)
		}
	}
	if env.ID() != "pluginA" {
		t.Errorf("ID = %q", env.ID())
	}
}

func TestResolveTarget(t *testing.T) {
	roots, _ := paths.DefaultRoots("/base")
	root := roots.PluginRoot("pluginA")
	env := &EnvironmentSchema{Targets: map[string]string{
		"scan":    "./targets/scan.js",
		"shared":  "../../library/common.js",
		"escape":  "../pluginB/target.js",
		"outside": "/etc/passwd",
	}}

	if got, err := env.ResolveTarget(root, roots.Library, "scan"); err != nil || got != filepath.Join(root.Dir, "targets", "scan.js") {
		t.Errorf("scan: got %q, %v", got, err)
	}
	if got, err := env.ResolveTarget(root, roots.Library, "shared"); err != nil || got != filepath.Join(roots.Library, "common.js") {
		t.Errorf("shared: got %q, %v", got, err)
	}
	for _, name := range []string{"escape", "outside"} {
		var outside *ErrTargetOutsideRoot
		if _, err := env.ResolveTarget(root, roots.Library, name); !errors.As(err, &outside) {
			t.Errorf("%s: expected *ErrTargetOutsideRoot, got %v", name, err)
		}
	}
	var unknown *ErrUnknownTarget
	if _, err := env.ResolveTarget(root, roots.Library, "missing"); !errors.As(err, &unknown) {
		t.Errorf("expected *ErrUnknownTarget, got %v", err)
	}
}

func TestResolveTarget_Symlink(t *testing.T) {
	f := newFixture(t, map[string]string{
		"server/creds.js":          `module.exports = {};`,
		envDir + "pluginA/real.js": `module.exports = {};`,

		"integrations/target-environments/library/common.js": `module.exports = {};`,
	})
	root := f.roots.PluginRoot("pluginA")
	for name, target := range map[string]string{
		"link.js":   filepath.Join(f.roots.Server, "creds.js"),
		"lib.js":    filepath.Join(f.roots.Library, "common.js"),
		"inside.js": f.plugin("pluginA", "real.js"),
	} {
		if err := os.Symlink(target, f.plugin("pluginA", name)); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
	}
	env := &EnvironmentSchema{Targets: map[string]string{
		"leak":   "./link.js",
		"lib":    "./lib.js",
		"inside": "./inside.js",
	}}

	var outside *ErrTargetOutsideRoot
	if _, err := env.ResolveTarget(root, f.roots.Library, "leak"); !errors.As(err, &outside) {
		t.Errorf("a link out of the plugin must be rejected, got %v", err)
	}
	if got, err := env.ResolveTarget(root, f.roots.Library, "lib"); err != nil || got != filepath.Join(f.roots.Library, "common.js") {
		t.Errorf("lib: got %q, %v", got, err)
	}
	if got, err := env.ResolveTarget(root, f.roots.Library, "inside"); err != nil || got != f.plugin("pluginA", "real.js") {
		t.Errorf("inside: got %q, %v", got, err)
	}
}
