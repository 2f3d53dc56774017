package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWithCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	if got := CorrelationID(ctx); got != "abc" {
		t.Errorf("CorrelationID = %q, want abc", got)
	}

	generated := CorrelationID(WithCorrelationID(context.Background(), ""))
	if len(generated) != 26 {
		t.Errorf("generated id %q should be a 26-char ULID", generated)
	}

	if CorrelationID(context.Background()) != "" {
		t.Error("expected empty correlation id on bare context")
	}
}

func TestExecutionLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	ctx := WithCorrelationID(context.Background(), "run-1")

	ExecutionLogger(logger, ctx, "pluginA", "scan").Info("started")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	for k, want := range map[string]string{"plugin": "pluginA", "target": "scan", "correlation_id": "run-1"} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %q", k, rec[k], want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution("pluginA", "scan", "success", 120*time.Millisecond)
	m.RecordExecution("pluginA", "scan", "success", 80*time.Millisecond)
	m.RecordCallback("sendOutput")
	m.RecordDroppedCallback("grantFileAccess", "filtered")
	m.RecordImportDenial("cross-plugin")
	m.RecordTimerDenial()
	m.RecordConfigFailure("malformed")

	if got := testutil.ToFloat64(m.executionsTotal.WithLabelValues("pluginA", "scan", "success")); got != 2 {
		t.Errorf("executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.importDenials.WithLabelValues("cross-plugin")); got != 1 {
		t.Errorf("import denials = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{
		"envsandbox_executions_total",
		"envsandbox_execution_duration_seconds_bucket",
		"envsandbox_callbacks_total",
		"envsandbox_timer_denials_total",
		"envsandbox_config_load_failures_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordExecution("p", "t", "failure", time.Second)
	m.RecordCallback("sendOutput")
	m.RecordImportDenial("generic")
	m.RecordTimerDenial()
	m.RecordConfigFailure("invalid")
}

func TestTracer_Spans(t *testing.T) {
	var spans []Span
	tracer := NewTracer(SpanExporterFunc(func(s Span) { spans = append(spans, s) }))
	ctx := WithCorrelationID(context.Background(), "trace-1")

	ctx, parent := tracer.StartSpan(ctx, "execute", ExecutionTags("alpha", "deploy", "inprocess"))
	_, child := tracer.StartSpan(ctx, "load", LoadTags("alpha"))
	tracer.EndSpan(child, "")
	tracer.EndSpan(parent, "failure")

	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	if spans[0].TraceID != "trace-1" || spans[0].ParentID != parent.SpanID || spans[0].Status != "ok" {
		t.Errorf("unexpected child span %+v", spans[0])
	}
	if spans[1].ParentID != "" || spans[1].Status != "failure" || spans[1].Tags["backend"] != "inprocess" {
		t.Errorf("unexpected parent span %+v", spans[1])
	}
	if got, ok := SpanFromContext(ctx); !ok || got != parent {
		t.Error("context should carry the parent span")
	}
}

func TestTracer_NilDiscards(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.StartSpan(context.Background(), "execute", nil)
	if len(span.TraceID) != 26 {
		t.Errorf("trace id %q should be a generated ULID", span.TraceID)
	}
	tracer.EndSpan(span, "ok")
}

func TestLogExporter(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewTracer(LogExporter(NewLogger(&buf, slog.LevelDebug)))
	_, span := tracer.StartSpan(context.Background(), "load", LoadTags("gamma"))
	tracer.EndSpan(span, "error")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "span" || rec["status"] != "error" || rec["plugin"] != "gamma" {
		t.Errorf("unexpected record %v", rec)
	}
}
