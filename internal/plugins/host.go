// Package plugins discovers target environment plugins, loads their
// environment schemas and runs their targets through an executor.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/designs/envsandbox/internal/configs"
	"github.com/szaher/designs/envsandbox/internal/executor"
	"github.com/szaher/designs/envsandbox/internal/gate"
	"github.com/szaher/designs/envsandbox/internal/jsrt"
	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/protocol"
	"github.com/szaher/designs/envsandbox/internal/schema"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
)

// DefaultLoadTimeout bounds one environment schema load.
const DefaultLoadTimeout = 10 * time.Second

// Host manages the plugins under one set of roots.
type Host struct {
	roots       paths.Roots
	gate        *gate.Gatekeeper
	exec        executor.Executor
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	loadTimeout time.Duration
	loads       singleflight.Group
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithTracer sets the tracer for environment schema loads.
func WithTracer(t *telemetry.Tracer) Option {
	return func(h *Host) { h.tracer = t }
}

// WithExecutor sets the backend targets run on. The default is an
// in-process executor.
func WithExecutor(e executor.Executor) Option {
	return func(h *Host) { h.exec = e }
}

// WithLoadTimeout bounds environment schema loads.
func WithLoadTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.loadTimeout = d
		}
	}
}

// NewHost creates a Host for roots.
func NewHost(roots paths.Roots, opts ...Option) *Host {
	h := &Host{
		roots:       roots,
		logger:      telemetry.Discard(),
		loadTimeout: DefaultLoadTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.gate = gate.New(roots, gate.WithLogger(h.logger), gate.WithMetrics(h.metrics))
	if h.exec == nil {
		h.exec = &executor.InProcess{Config: executor.Config{
			Roots:   roots,
			Logger:  h.logger,
			Metrics: h.metrics,
		}}
	}
	return h
}

// ErrUnknownPlugin is returned for an identity with no plugin directory.
type ErrUnknownPlugin struct {
	ID string
}

func (e *ErrUnknownPlugin) Error() string {
	return fmt.Sprintf("unknown plugin %q", e.ID)
}

// Roots returns the roots the host serves.
func (h *Host) Roots() paths.Roots { return h.roots }

// Executor returns the backend targets run on.
func (h *Host) Executor() executor.Executor { return h.exec }

// Plugins lists every plugin, sorted by identity.
func (h *Host) Plugins() ([]paths.PluginRoot, error) {
	return h.roots.ListPlugins()
}

// Plugin returns the root of the plugin with the given identity. A symlink
// in the plugin tree is not a plugin.
func (h *Host) Plugin(id string) (paths.PluginRoot, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return paths.PluginRoot{}, &ErrUnknownPlugin{ID: id}
	}
	root := h.roots.PluginRoot(id)
	info, err := os.Lstat(root.Dir)
	if err != nil || !info.IsDir() {
		return paths.PluginRoot{}, &ErrUnknownPlugin{ID: id}
	}
	return root, nil
}

// Validate checks the config permissions of every plugin. It is meant to
// run once at startup; a non-nil error should stop the host.
func (h *Host) Validate(ctx context.Context) error {
	roots, err := h.Plugins()
	if err != nil {
		return err
	}
	if err := configs.ValidateAll(ctx, roots); err != nil {
		h.logger.Error("plugin config permissions are invalid", "error", err)
		return err
	}
	h.logger.Info("plugin config permissions validated", "plugins", len(roots))
	return nil
}

// Configs returns the plugin's configs with their data scrubbed.
func (h *Host) Configs(id string) ([]configs.Config, error) {
	root, err := h.Plugin(id)
	if err != nil {
		return nil, err
	}
	return configs.Scrub(h.loadConfigs(root)), nil
}

// ConfigValues returns every string found in the data of every plugin's
// configs, for masking in logs.
func (h *Host) ConfigValues() []string {
	roots, err := h.Plugins()
	if err != nil {
		return nil
	}
	var values []string
	for _, root := range roots {
		for _, cfg := range h.loadConfigs(root) {
			values = collectStrings(values, cfg.Data)
		}
	}
	return values
}

func collectStrings(dst []string, v any) []string {
	switch v := v.(type) {
	case string:
		return append(dst, v)
	case map[string]any:
		for _, e := range v {
			dst = collectStrings(dst, e)
		}
	case []any:
		for _, e := range v {
			dst = collectStrings(dst, e)
		}
	}
	return dst
}

func (h *Host) loadConfigs(root paths.PluginRoot) []configs.Config {
	return configs.Load(root, configs.WithLogger(h.logger), configs.WithMetrics(h.metrics))
}

// LoadEnvironment loads the environment schema of a plugin from its root
// directory entry module. Concurrent loads of the same plugin share one
// result; each load uses a fresh runtime.
func (h *Host) LoadEnvironment(ctx context.Context, id string) (*schema.EnvironmentSchema, error) {
	root, err := h.Plugin(id)
	if err != nil {
		return nil, err
	}
	ch := h.loads.DoChan(root.ID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.loadTimeout)
		defer cancel()
		return h.loadEnvironment(loadCtx, root)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*schema.EnvironmentSchema), nil
	}
}

func (h *Host) loadEnvironment(ctx context.Context, root paths.PluginRoot) (*schema.EnvironmentSchema, error) {
	rt := jsrt.New(jsrt.Options{
		Roots:    h.roots,
		Builtins: schema.Builtins(),
		Timers:   h.gate.CheckTimer,
	})
	defer rt.Close()
	stop := context.AfterFunc(ctx, func() {
		rt.VM().Interrupt(ctx.Err())
	})
	defer stop()

	_, span := h.tracer.StartSpan(ctx, "load", telemetry.LoadTags(root.ID))
	start := time.Now()
	env, err := schema.NewLoader(rt, h.gate).LoadEnvironmentSchema(root.Dir)
	if err != nil {
		h.tracer.EndSpan(span, "error")
		h.logger.Warn("environment schema failed to load", "plugin", root.ID, "error", err)
		return nil, fmt.Errorf("load plugin %s: %w", root.ID, err)
	}
	h.tracer.EndSpan(span, "ok")
	h.logger.Debug("environment schema loaded", "plugin", root.ID, "targets", len(env.Targets), "duration", time.Since(start))
	return env, nil
}

// ResolveTarget returns the module path of a plugin's target.
func (h *Host) ResolveTarget(ctx context.Context, id, target string) (string, error) {
	env, err := h.LoadEnvironment(ctx, id)
	if err != nil {
		return "", err
	}
	return env.ResolveTarget(h.roots.PluginRoot(env.ID()), h.roots.Library, target)
}

// Run executes a plugin target with the given context fields, applying its
// callbacks through handler.
func (h *Host) Run(ctx context.Context, id, target string, fields map[string]any, handler executor.Handler) (protocol.Result, error) {
	if telemetry.CorrelationID(ctx) == "" {
		ctx = telemetry.WithCorrelationID(ctx, "")
	}
	schemaPath, err := h.ResolveTarget(ctx, id, target)
	if err != nil {
		return protocol.Result{}, err
	}
	return h.exec.Execute(ctx, protocol.Request{
		Operation:  protocol.OpExecuteTargetScript,
		SchemaPath: schemaPath,
		Context:    fields,
	}, handler)
}
