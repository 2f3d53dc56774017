// Package worker executes one target script request in a fresh, isolated
// JavaScript runtime and reports its side effects as protocol messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/szaher/designs/envsandbox/internal/gate"
	"github.com/szaher/designs/envsandbox/internal/jsrt"
	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/protocol"
	"github.com/szaher/designs/envsandbox/internal/schema"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
)

// Error names reported in failure results produced by the worker itself.
const (
	ErrNameUnknownOperation = "UnknownOperationError"
	ErrNameResourceLimit    = "ResourceLimitError"
	ErrNameAborted          = "AbortError"
	ErrNameDataClone        = "DataCloneError"
)

// Config configures a worker.
type Config struct {
	Roots   paths.Roots
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Emit delivers one message to the host. Callbacks are emitted in call
// order and the result last.
type Emit func(protocol.Message) error

// Run executes req and emits its callbacks followed by exactly one result.
// The returned error only reports a failure to emit the result.
func Run(ctx context.Context, cfg Config, req protocol.Request, emit Emit) error {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	logger = logger.With("schema_path", req.SchemaPath, "operation", req.Operation)

	start := time.Now()
	result := execute(ctx, cfg, logger, req, emit)
	if result.Success {
		logger.Debug("script finished", "duration", time.Since(start))
	} else {
		logger.Info("script failed", "duration", time.Since(start), "error", result.Error.Message)
	}
	if err := emit(protocol.ResultMessage(result)); err != nil {
		return fmt.Errorf("emit result: %w", err)
	}
	return nil
}

func execute(ctx context.Context, cfg Config, logger *slog.Logger, req protocol.Request, emit Emit) protocol.Result {
	if req.Operation != protocol.OpExecuteTargetScript {
		return protocol.Failure(ErrNameUnknownOperation,
			fmt.Sprintf("unknown operation %q: the worker only supports %q", req.Operation, protocol.OpExecuteTargetScript), "")
	}

	g := gate.New(cfg.Roots, gate.WithLogger(logger), gate.WithMetrics(cfg.Metrics))
	rt := jsrt.New(jsrt.Options{
		Roots:    cfg.Roots,
		Builtins: schema.Builtins(),
		Timers:   g.CheckTimer,
	})
	defer rt.Close()
	clone, err := newCloner(rt.VM())
	if err != nil {
		return failure(ctx, err)
	}

	stop := context.AfterFunc(ctx, func() {
		rt.VM().Interrupt(ctx.Err())
	})
	defer stop()

	var value any
	err = schema.NewLoader(rt, g).Session(func(s *schema.Session) error {
		target, err := s.LoadTargetSchema(req.SchemaPath)
		if err != nil {
			return err
		}
		scriptCtx, err := buildContext(rt, clone, req.Context, emit, logger)
		if err != nil {
			return err
		}
		v, err := rt.Call(ctx, target.Script, goja.Undefined(), scriptCtx)
		if err != nil {
			return err
		}
		value, err = clone(v)
		if err != nil {
			return &cloneError{err: err}
		}
		return nil
	})
	if err != nil {
		return failure(ctx, err)
	}
	return protocol.Success(value)
}

type cloneError struct {
	err error
}

func (e *cloneError) Error() string {
	return "script result could not be cloned: " + e.err.Error()
}

func (e *cloneError) Unwrap() error { return e.err }

func failure(ctx context.Context, err error) protocol.Result {
	// Once ctx is done the runtime is interrupted, so any failure is the
	// deadline's or the cancellation's.
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return protocol.Failure(ErrNameResourceLimit, "script exceeded its execution time limit", "")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return protocol.Failure(ErrNameAborted, "script execution was cancelled", "")
	}
	var ce *cloneError
	if errors.As(err, &ce) {
		return protocol.Failure(ErrNameDataClone, ce.Error(), "")
	}
	se := jsrt.AsScriptError(err)
	return protocol.Failure(se.Name, se.Message, se.Stack)
}
