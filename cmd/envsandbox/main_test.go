package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szaher/designs/envsandbox/internal/configs"
	"github.com/szaher/designs/envsandbox/internal/protocol"
	"github.com/szaher/designs/envsandbox/internal/state"
	"github.com/szaher/designs/envsandbox/internal/testutil"
)

const envDir = testutil.EnvDir

func layout() map[string]string {
	return map[string]string{
		envDir + "alpha/index.js": `
			const { TargetEnvSchema } = require('schema');
			module.exports = new TargetEnvSchema({
				name: 'Alpha',
				targets: { deploy: './deploy.js', broken: './broken.js' },
			});`,
		envDir + "alpha/deploy.js": `
			const { TargetSchema } = require('schema');
			module.exports = new TargetSchema({
				name: 'deploy',
				script: function(ctx) {
					ctx.blockNode(ctx.nodeId);
					ctx.sendOutput('blocked ' + ctx.nodeId);
					return { blocked: ctx.nodeId };
				},
			});`,
		envDir + "alpha/broken.js": `
			const { TargetSchema } = require('schema');
			module.exports = new TargetSchema({ name: 'broken', script: function() { throw new Error('nope'); } });`,
		envDir + "alpha/configs.json": `[{"_id":"c1","name":"Prod","data":{"password":"hunter2"}}]`,
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "envsandbox version "+version) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestValidate(t *testing.T) {
	base := testutil.Layout(t, layout())
	out, err := execute(t, "", "validate", "--dir", base)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok   alpha (2 targets)") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestValidate_PermissionFailureIsFatal(t *testing.T) {
	base := testutil.Layout(t, layout())
	if err := os.Chmod(filepath.Join(base, envDir, "alpha", "configs.json"), 0o400); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "", "validate", "--dir", base)
	var perm *configs.ErrConfigPermission
	if !errors.As(err, &perm) {
		t.Errorf("expected *configs.ErrConfigPermission, got %v", err)
	}
}

func TestConfigs(t *testing.T) {
	base := testutil.Layout(t, layout())
	out, err := execute(t, "", "configs", "alpha", "--dir", base)
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("config data leaked: %s", out)
	}
	var cfgs []map[string]any
	if err := json.Unmarshal([]byte(out), &cfgs); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(cfgs) != 1 || cfgs[0]["targetEnvId"] != "alpha" {
		t.Errorf("unexpected configs %v", cfgs)
	}
}

func TestLoad(t *testing.T) {
	base := testutil.Layout(t, layout())
	out, err := execute(t, "", "load", "alpha", "--dir", base)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(out, `"id": "alpha"`) || !strings.Contains(out, `"deploy": "./deploy.js"`) {
		t.Errorf("unexpected output %s", out)
	}
}

func TestRun_UpdatesState(t *testing.T) {
	base := testutil.Layout(t, layout())
	statePath := filepath.Join(base, "mission.json")

	out, err := execute(t, "", "run", "alpha", "deploy", "--dir", base,
		"--context", `{"nodeId":"n9"}`, "--state", statePath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal([]byte(out), &msg); err != nil {
		t.Fatalf("output is not a result message: %v\n%s", err, out)
	}
	if msg.Result == nil || !msg.Result.Success {
		t.Fatalf("unexpected result %s", out)
	}

	snap, err := state.NewLocalBackend(statePath).Load()
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Nodes["n9"].Blocked || len(snap.Outputs) != 1 || snap.Outputs[0] != "blocked n9" {
		t.Errorf("unexpected state %+v", snap)
	}
}

func TestRun_Failure(t *testing.T) {
	base := testutil.Layout(t, layout())
	out, err := execute(t, "", "run", "alpha", "broken", "--dir", base)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected the script failure, got %v", err)
	}
	if !strings.Contains(out, `"success": false`) {
		t.Errorf("the failure result should still be printed: %s", out)
	}
}

func TestRun_BadContext(t *testing.T) {
	base := testutil.Layout(t, layout())
	_, err := execute(t, "", "run", "alpha", "deploy", "--dir", base, "--context", "[1,2]")
	if err == nil || !strings.Contains(err.Error(), "JSON object") {
		t.Errorf("expected a context error, got %v", err)
	}
}

func TestRun_SettingsFilter(t *testing.T) {
	base := testutil.Layout(t, layout())
	settingsPath := filepath.Join(base, "custom.yaml")
	if err := os.WriteFile(settingsPath, []byte("relay:\n  filter: method != \"blockNode\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	statePath := filepath.Join(base, "mission.json")
	if _, err := execute(t, "", "run", "alpha", "deploy", "--dir", base, "--config", settingsPath,
		"--context", `{"nodeId":"n1"}`, "--state", statePath); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, err := state.NewLocalBackend(statePath).Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Nodes["n1"].Blocked || len(snap.Outputs) != 1 {
		t.Errorf("the filter should have dropped blockNode only: %+v", snap)
	}
}

func TestWorker(t *testing.T) {
	base := testutil.Layout(t, layout())
	req, _ := json.Marshal(protocol.Request{
		Operation:  protocol.OpExecuteTargetScript,
		SchemaPath: filepath.Join(base, envDir, "alpha", "deploy.js"),
		Context:    map[string]any{"nodeId": "n2"},
	})
	out, err := execute(t, string(req), "worker", "--dir", base)
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected two callbacks and a result, got %q", out)
	}
	if !strings.Contains(lines[0], `"method":"blockNode"`) || !strings.Contains(lines[2], `"type":"result"`) {
		t.Errorf("unexpected messages %q", out)
	}
}
