package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/envsandbox/internal/executor"
	"github.com/szaher/designs/envsandbox/internal/expr"
	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/plugins"
	"github.com/szaher/designs/envsandbox/internal/settings"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
)

// app holds everything a host-side command needs.
type app struct {
	roots    paths.Roots
	settings *settings.Settings
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	host     *plugins.Host
	server   *http.Server
}

// newApp reads settings, builds the logger, metrics and plugin host, and
// validates every plugin's config permissions. A permission failure is
// fatal.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	roots, err := paths.DefaultRoots(baseDir)
	if err != nil {
		return nil, err
	}

	var s *settings.Settings
	if configFile != "" {
		s, err = settings.ReadFile(configFile)
	} else {
		s, err = settings.Read(roots.Base)
	}
	if err != nil {
		return nil, err
	}

	level := telemetry.ParseLevel(s.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	logger := telemetry.NewLogger(cmd.ErrOrStderr(), level)
	if s.Log.Format == settings.FormatText {
		logger = telemetry.NewTextLogger(cmd.ErrOrStderr(), level)
	}
	redactor := telemetry.NewRedactor(logger.Handler())
	logger = slog.New(redactor).With("correlation_id", telemetry.CorrelationID(ctx))

	a := &app{
		roots:    roots,
		settings: s,
		logger:   logger,
		metrics:  telemetry.NewMetrics(),
		tracer:   telemetry.NewTracer(telemetry.LogExporter(logger)),
	}

	exec, err := a.executor()
	if err != nil {
		return nil, err
	}
	if !exec.Available() {
		return nil, fmt.Errorf("executor backend %q is not available", exec.Name())
	}
	a.host = plugins.NewHost(roots,
		plugins.WithLogger(logger),
		plugins.WithMetrics(a.metrics),
		plugins.WithTracer(a.tracer),
		plugins.WithExecutor(exec),
	)

	if err := a.serveMetrics(); err != nil {
		return nil, err
	}
	if err := a.host.Validate(ctx); err != nil {
		a.close()
		return nil, err
	}
	redactor.Add(a.host.ConfigValues()...)
	return a, nil
}

func (a *app) executor() (executor.Executor, error) {
	cfg := executor.Config{
		Roots:   a.roots,
		Timeout: a.settings.Timeout(),
		Logger:  a.logger,
		Metrics: a.metrics,
		Tracer:  a.tracer,
	}
	if src := a.settings.Relay.Filter; src != "" {
		f, err := expr.NewFilter(src)
		if err != nil {
			return nil, fmt.Errorf("relay filter: %w", err)
		}
		cfg.Filter = f
	}
	switch a.settings.Executor.Backend {
	case settings.BackendProcess:
		return &executor.Process{Config: cfg, Command: a.settings.Executor.WorkerCommand}, nil
	default:
		return &executor.InProcess{Config: cfg}, nil
	}
}

func (a *app) serveMetrics() error {
	addr := metricsAddr
	if addr == "" {
		addr = a.settings.Metrics.Listen
	}
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) close() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.server.Shutdown(ctx)
}

// commandContext returns the command's context, cancelled on SIGINT or
// SIGTERM and carrying the correlation ID.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	return telemetry.WithCorrelationID(ctx, correlationID), cancel
}
