// Package executor runs target script requests in isolated workers and
// relays their callbacks to host state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/protocol"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
	"github.com/szaher/designs/envsandbox/internal/worker"
)

// DefaultTimeout bounds every execution unless configured otherwise.
const DefaultTimeout = 30 * time.Second

// Executor runs one request in an isolated worker. Callbacks are applied
// through h in arrival order before Execute returns. A failed script is a
// failure Result, not an error; the error reports executor problems such as
// a worker that could not be started.
type Executor interface {
	Execute(ctx context.Context, req protocol.Request, h Handler) (protocol.Result, error)

	// Available reports whether this backend can run on the current platform.
	Available() bool

	// Name identifies the backend in settings and logs.
	Name() string
}

// Handler applies callbacks against live host state.
type Handler interface {
	Handle(ctx context.Context, cb protocol.Callback) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cb protocol.Callback) error

func (f HandlerFunc) Handle(ctx context.Context, cb protocol.Callback) error { return f(ctx, cb) }

// Filter decides whether a callback from the given plugin target may reach
// the handler.
type Filter interface {
	Allow(plugin, target string, cb protocol.Callback) (bool, error)
}

// Config is shared by all backends.
type Config struct {
	Roots   paths.Roots
	Timeout time.Duration
	Filter  Filter
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return telemetry.Discard()
	}
	return c.Logger
}

// ErrResourceLimit indicates a resource limit was exceeded.
type ErrResourceLimit struct {
	Resource string // "time"
	Limit    string // configured limit value
}

func (e *ErrResourceLimit) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s (limit: %s)", e.Resource, e.Limit)
}

// StartError reports a worker that could not be started.
type StartError struct {
	Backend string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s worker: %v", e.Backend, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func timeLimitResult(limit time.Duration) protocol.Result {
	err := &ErrResourceLimit{Resource: "time", Limit: limit.String()}
	return protocol.Failure(worker.ErrNameResourceLimit, err.Error(), "")
}

// labels derives the plugin and target names used in logs and metrics.
func labels(roots paths.Roots, schemaPath string) (plugin, target string) {
	plugin = "unknown"
	if owner, ok := roots.PluginOf(schemaPath); ok {
		plugin = owner.ID
	}
	target = strings.TrimSuffix(filepath.Base(schemaPath), filepath.Ext(schemaPath))
	return plugin, target
}

// run wraps one backend execution with the relay, logging and metrics.
// start runs the worker and delivers every message it produces; it returns
// once the worker is gone.
func run(ctx context.Context, cfg Config, backend string, req protocol.Request, h Handler,
	start func(ctx context.Context, deliver func(protocol.Message)) error) (protocol.Result, error) {
	plugin, target := labels(cfg.Roots, req.SchemaPath)
	logger := telemetry.ExecutionLogger(cfg.logger(), ctx, plugin, target).With("backend", backend)

	ctx, span := cfg.Tracer.StartSpan(ctx, "execute", telemetry.ExecutionTags(plugin, target, backend))

	limit := cfg.timeout()
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	relay := NewRelay(h,
		WithRelayFilter(cfg.Filter),
		WithRelayLabels(plugin, target),
		WithRelayLogger(logger),
		WithRelayMetrics(cfg.Metrics),
	)

	began := time.Now()
	logger.Info("execution started", "schema_path", req.SchemaPath)
	err := start(runCtx, func(m protocol.Message) { relay.Deliver(ctx, m) })
	elapsed := time.Since(began)

	var startErr *StartError
	if errors.As(err, &startErr) {
		logger.Error("worker could not be started", "error", err)
		cfg.Tracer.EndSpan(span, "error")
		return protocol.Result{}, err
	}

	result, ok := relay.Result()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	switch {
	case timedOut && (!ok || !result.Success):
		result = timeLimitResult(limit)
	case ok:
	case err != nil:
		logger.Error("worker failed", "error", err)
		result = relay.Finish(fmt.Sprintf("worker exited without a result: %v", err))
	default:
		result = relay.Finish("worker exited without a result")
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	cfg.Metrics.RecordExecution(plugin, target, status, elapsed)
	cfg.Tracer.EndSpan(span, status)
	logger.Info("execution finished", "status", status, "duration", elapsed, "callbacks", relay.Applied())
	return result, ctx.Err()
}
