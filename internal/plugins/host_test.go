package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szaher/designs/envsandbox/internal/configs"
	"github.com/szaher/designs/envsandbox/internal/gate"
	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/schema"
	"github.com/szaher/designs/envsandbox/internal/state"
	"github.com/szaher/designs/envsandbox/internal/testutil"
)

const envDir = testutil.EnvDir

const alphaEnv = `
const { TargetEnvSchema } = require('schema');
module.exports = new TargetEnvSchema({
	name: 'Alpha',
	version: '1.0.0',
	targets: {
		deploy: './targets/deploy.js',
		shared: '../../library/shared.js',
		escape: '../../../../outside.js',
	},
});`

const deployTarget = `
const { TargetSchema } = require('schema');
module.exports = new TargetSchema({
	name: 'deploy',
	script: async function(ctx) {
		ctx.sendOutput('deploying ' + ctx.nodeId);
		ctx.openNode(ctx.nodeId);
		ctx.modifyResourcePool('ram', 64);
		return 'deployed';
	},
});`

const alphaConfigs = `[{"_id":"c1","name":"Prod","targetEnvId":"forged","data":{"token":"secret"}}]`

func newHost(t *testing.T, files map[string]string, opts ...Option) *Host {
	t.Helper()
	return NewHost(testutil.Roots(t, files), opts...)
}

func fixtureFiles() map[string]string {
	return map[string]string{
		envDir + "alpha/index.js":          alphaEnv,
		envDir + "alpha/targets/deploy.js": deployTarget,
		envDir + "alpha/configs.json":      alphaConfigs,
		envDir + "beta/index.js":           `require('lodash'); module.exports = {};`,
		envDir + "gamma/package.json":      `{"main": "env.js"}`,
		envDir + "gamma/env.js":            `module.exports = { default: new (require('schema').TargetEnvSchema)({ name: 'Gamma' }) };`,

		"node_modules/lodash/index.js":                       `module.exports = {};`,
		"integrations/target-environments/library/shared.js": `module.exports = {};`,
	}
}

func TestHost_Plugins(t *testing.T) {
	h := newHost(t, fixtureFiles())
	roots, err := h.Plugins()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range roots {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "alpha" || ids[2] != "gamma" {
		t.Errorf("plugins = %v", ids)
	}

	if err := os.Symlink(filepath.Join(h.Roots().Environments, "alpha"), filepath.Join(h.Roots().Environments, "linked")); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "..", "alpha/targets", "missing", "linked"} {
		_, err := h.Plugin(id)
		var unknown *ErrUnknownPlugin
		if !errors.As(err, &unknown) {
			t.Errorf("Plugin(%q): expected *ErrUnknownPlugin, got %v", id, err)
		}
	}
}

func TestHost_Validate(t *testing.T) {
	h := newHost(t, fixtureFiles())
	if err := h.Validate(context.Background()); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := filepath.Join(h.Roots().Environments, "gamma", paths.ConfigFile)
	if err := os.WriteFile(bad, []byte("[]"), 0o400); err != nil {
		t.Fatal(err)
	}
	err := h.Validate(context.Background())
	var perm *configs.ErrConfigPermission
	if !errors.As(err, &perm) || perm.Plugin != "gamma" {
		t.Errorf("expected *configs.ErrConfigPermission for gamma, got %v", err)
	}
}

func TestHost_Configs(t *testing.T) {
	h := newHost(t, fixtureFiles())
	cfgs, err := h.Configs("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfgs) != 1 {
		t.Fatalf("got %d configs", len(cfgs))
	}
	if cfgs[0].TargetEnvID != "alpha" {
		t.Errorf("targetEnvId = %q, want the plugin identity", cfgs[0].TargetEnvID)
	}
	if len(cfgs[0].Data) != 0 {
		t.Errorf("data must be scrubbed, got %v", cfgs[0].Data)
	}

	empty, err := h.Configs("beta")
	if err != nil || len(empty) != 0 {
		t.Errorf("a plugin without configs.json has none, got %v, %v", empty, err)
	}
}

func TestHost_LoadEnvironment(t *testing.T) {
	h := newHost(t, fixtureFiles())
	ctx := context.Background()

	env, err := h.LoadEnvironment(ctx, "alpha")
	if err != nil {
		t.Fatalf("LoadEnvironment: %v", err)
	}
	if env.ID() != "alpha" || env.Name != "Alpha" || len(env.TargetNames()) != 3 {
		t.Errorf("unexpected schema %+v", env)
	}

	gamma, err := h.LoadEnvironment(ctx, "gamma")
	if err != nil || gamma.ID() != "gamma" {
		t.Errorf("package main with default export: %+v, %v", gamma, err)
	}

	_, err = h.LoadEnvironment(ctx, "beta")
	var denied *gate.ErrUnauthorizedImport
	if !errors.As(err, &denied) {
		t.Errorf("expected *gate.ErrUnauthorizedImport, got %v", err)
	}
}

func TestHost_LoadEnvironment_Concurrent(t *testing.T) {
	h := newHost(t, fixtureFiles())
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "alpha"
			if i%2 == 1 {
				id = "gamma"
			}
			env, err := h.LoadEnvironment(context.Background(), id)
			if err == nil && env.ID() != id {
				err = errors.New("wrong identity " + env.ID())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestHost_LoadEnvironment_Timeout(t *testing.T) {
	files := fixtureFiles()
	files[envDir+"stuck/index.js"] = `for (;;) {}`
	h := newHost(t, files, WithLoadTimeout(100*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := h.LoadEnvironment(context.Background(), "stuck")
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected a load error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("load was not interrupted")
	}
}

func TestHost_ResolveTarget(t *testing.T) {
	h := newHost(t, fixtureFiles())
	ctx := context.Background()

	p, err := h.ResolveTarget(ctx, "alpha", "deploy")
	if err != nil || p != filepath.Join(h.Roots().Environments, "alpha", "targets", "deploy.js") {
		t.Errorf("deploy = %q, %v", p, err)
	}
	if _, err := h.ResolveTarget(ctx, "alpha", "shared"); err != nil {
		t.Errorf("library targets are allowed: %v", err)
	}

	_, err = h.ResolveTarget(ctx, "alpha", "escape")
	var outside *schema.ErrTargetOutsideRoot
	if !errors.As(err, &outside) {
		t.Errorf("expected *schema.ErrTargetOutsideRoot, got %v", err)
	}
	_, err = h.ResolveTarget(ctx, "alpha", "nope")
	var unknown *schema.ErrUnknownTarget
	if !errors.As(err, &unknown) {
		t.Errorf("expected *schema.ErrUnknownTarget, got %v", err)
	}
}

func TestHost_Run(t *testing.T) {
	h := newHost(t, fixtureFiles())
	mission := state.NewMission()

	res, err := h.Run(context.Background(), "alpha", "deploy", map[string]any{"nodeId": "n4"}, mission)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Result != "deployed" {
		t.Fatalf("unexpected result %+v", res)
	}

	snap := mission.Snapshot()
	if len(snap.Outputs) != 1 || snap.Outputs[0] != "deploying n4" {
		t.Errorf("outputs = %v", snap.Outputs)
	}
	if !snap.Nodes["n4"].Open || snap.Pools["ram"] != 64 {
		t.Errorf("unexpected state %+v", snap)
	}
}

func TestHost_Watch(t *testing.T) {
	h := newHost(t, fixtureFiles())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan ConfigEvent, 8)
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx, func(ev ConfigEvent) { events <- ev }) }()

	cfgPath := filepath.Join(h.Roots().Environments, "alpha", paths.ConfigFile)
	two := `[{"_id":"c1","name":"Prod"},{"_id":"c2","name":"Stage"}]`

	// The watcher registers asynchronously; keep touching the file until it reports.
	deadline := time.After(10 * time.Second)
	var ev ConfigEvent
wait:
	for {
		if err := os.WriteFile(cfgPath, []byte(two), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case ev = <-events:
			break wait
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config event")
		}
	}
	if ev.Plugin != "alpha" || ev.Err != nil || ev.Configs != 2 {
		t.Errorf("unexpected event %+v", ev)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch returned %v", err)
	}
}

func TestHost_ConfigValues(t *testing.T) {
	files := fixtureFiles()
	files[envDir+"beta/configs.json"] = `[{"_id":"b1","name":"B","data":{"nested":{"list":["one",2,"two"]},"flag":true}}]`
	h := newHost(t, files)

	got := map[string]bool{}
	for _, v := range h.ConfigValues() {
		got[v] = true
	}
	for _, want := range []string{"secret", "one", "two"} {
		if !got[want] {
			t.Errorf("missing %q in %v", want, got)
		}
	}
	if len(got) != 3 {
		t.Errorf("unexpected values %v", got)
	}
}

func TestHost_Watch_CallsFnSerially(t *testing.T) {
	h := newHost(t, fixtureFiles())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var active, overlaps atomic.Int32
	events := make(chan ConfigEvent, 16)
	go func() {
		_ = h.Watch(ctx, func(ev ConfigEvent) {
			if active.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(50 * time.Millisecond)
			active.Add(-1)
			select {
			case events <- ev:
			default:
			}
		})
	}()

	seen := map[string]bool{}
	deadline := time.After(10 * time.Second)
	for !seen["alpha"] || !seen["gamma"] {
		for _, id := range []string{"alpha", "gamma"} {
			p := filepath.Join(h.Roots().Environments, id, paths.ConfigFile)
			if err := os.WriteFile(p, []byte(`[{"_id":"c1","name":"Prod"}]`), 0o600); err != nil {
				t.Fatal(err)
			}
		}
		select {
		case ev := <-events:
			seen[ev.Plugin] = true
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatalf("events seen: %v", seen)
		}
	}
	if n := overlaps.Load(); n != 0 {
		t.Errorf("fn ran concurrently %d times", n)
	}
}
