// Package gate enforces which modules plugin code may load and which
// global scheduling functions it may call.
//
// A [Gatekeeper] is shared by every load that should be policed. Callers
// take a [Guard] with [Gatekeeper.Activate] for the duration of a load; the
// guard swaps the gatekeeper's hook into the module loader and swaps the
// previous hook back when released. Only one guard can be held at a time.
package gate

import (
	"errors"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
)

// Resolver is the loader's normal resolution algorithm.
type Resolver interface {
	// Builtin reports whether name is a built-in module.
	Builtin(name string) bool
	// Resolve maps request, as seen from the requester file, onto an
	// absolute file path. Missing modules yield an error wrapping fs.ErrNotExist.
	Resolve(requester, request string) (string, error)
}

// Hook wraps the loader's resolution step. It returns the name to load:
// either a built-in module name or an absolute path.
type Hook func(requester, request string, next Resolver) (string, error)

// Hookable is a module loader whose resolution hook can be replaced.
type Hookable interface {
	// SwapHook installs h and returns the previously installed hook.
	SwapHook(h Hook) Hook
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithLogger sets the logger used for denials.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatekeeper) { g.logger = l }
}

// WithMetrics sets the metrics collector used for denials.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gatekeeper) { g.metrics = m }
}

// WithRules replaces the default import rule set.
func WithRules(rules []ImportRule) Option {
	return func(g *Gatekeeper) { g.rules = rules }
}

// Gatekeeper holds the import policy for one set of roots.
type Gatekeeper struct {
	mu      sync.Mutex
	roots   paths.Roots
	rules   []ImportRule
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Gatekeeper for roots with the default rule set.
func New(roots paths.Roots, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		roots:  roots,
		rules:  DefaultRules(roots),
		logger: telemetry.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Roots returns the roots the gatekeeper polices.
func (g *Gatekeeper) Roots() paths.Roots {
	return g.roots
}

// Guard is a held activation. It must be released exactly once by its owner;
// extra Release calls are no-ops.
type Guard struct {
	g      *Gatekeeper
	target Hookable
	prev   Hook
	once   sync.Once
}

// Activate installs the gatekeeper's hook on target. It blocks while another
// guard is held.
func (g *Gatekeeper) Activate(target Hookable) *Guard {
	g.mu.Lock()
	prev := target.SwapHook(g.Hook)
	return &Guard{g: g, target: target, prev: prev}
}

// Release restores the hook that was installed before activation.
func (gd *Guard) Release() {
	gd.once.Do(func() {
		gd.target.SwapHook(gd.prev)
		gd.g.mu.Unlock()
	})
}

// Hook is the gatekeeper's resolution hook.
func (g *Gatekeeper) Hook(requester, request string, next Resolver) (string, error) {
	if next.Builtin(request) {
		return request, nil
	}

	owner, gated := g.roots.PluginOf(requester)
	resolved, err := resolve(next, requester, request)
	if err != nil {
		return "", err
	}
	if !gated {
		return resolved, nil
	}
	if paths.IsInside(resolved, owner.Dir) || paths.IsInside(resolved, g.roots.Library) {
		return resolved, nil
	}

	denied := classify(g.rules, owner.ID, request, resolved)
	g.logger.Warn("import denied",
		"plugin", owner.ID,
		"requester", requester,
		"request", request,
		"resolved", resolved,
		"violation", string(denied.Violation),
	)
	g.metrics.RecordImportDenial(string(denied.Violation))
	return "", denied
}

// CheckTimer rejects timer calls made from plugin code.
func (g *Gatekeeper) CheckTimer(function, caller string) error {
	if !g.roots.InPluginTree(caller) {
		return nil
	}
	g.logger.Warn("timer call denied", "function", function, "caller", caller)
	g.metrics.RecordTimerDenial()
	return &ErrRestrictedTimer{Function: function, Caller: caller}
}

func resolve(next Resolver, requester, request string) (string, error) {
	resolved, err := next.Resolve(requester, request)
	if err == nil {
		return resolved, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "", &ErrModuleNotFound{Request: request, Requester: requester}
	}
	return "", &ErrResolution{Request: request, Err: err}
}
