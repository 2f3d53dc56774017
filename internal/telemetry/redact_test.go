package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactor(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor(slog.NewJSONHandler(&buf, nil))
	r.Add("hunter2-token", "abc", "")
	logger := slog.New(r).With("plugin", "alpha")

	logger.Info("sending hunter2-token upstream",
		"arg", "x hunter2-token y",
		"error", errors.New("auth failed for hunter2-token"),
		slog.Group("call", "token", "hunter2-token", "n", 3),
		"short", "abc",
	)

	out := buf.String()
	if strings.Contains(out, "hunter2-token") {
		t.Fatalf("value leaked: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	tests := map[string]any{
		"msg":    "sending [redacted] upstream",
		"arg":    "x [redacted] y",
		"error":  "auth failed for [redacted]",
		"short":  "abc",
		"plugin": "alpha",
	}
	for k, want := range tests {
		if rec[k] != want {
			t.Errorf("%s = %v, want %v", k, rec[k], want)
		}
	}
	call, _ := rec["call"].(map[string]any)
	if call["token"] != "[redacted]" || call["n"] != float64(3) {
		t.Errorf("group not redacted: %v", call)
	}
}

func TestRedactor_SharedAcrossDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor(slog.NewTextHandler(&buf, nil))
	derived := slog.New(r).WithGroup("exec")

	r.Add("late-secret")
	derived.Info("x", "v", "late-secret")
	if strings.Contains(buf.String(), "late-secret") {
		t.Errorf("values added after derivation must still be masked: %s", buf.String())
	}
}

func TestRedactor_NoValues(t *testing.T) {
	r := NewRedactor(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if got := r.Redact("plain text"); got != "plain text" {
		t.Errorf("Redact = %q", got)
	}
}
