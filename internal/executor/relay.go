package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/szaher/designs/envsandbox/internal/protocol"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
)

// ErrNameWorkerExit names the failure synthesised when a worker ends
// without reporting a result.
const ErrNameWorkerExit = "WorkerExitError"

// Reasons a callback is dropped before reaching the handler.
const (
	dropMalformed = "malformed"
	dropFiltered  = "filtered"
	dropFilterErr = "filter_error"
	dropLate      = "after_result"
)

// Relay applies the messages of one execution to a Handler. Callbacks are
// applied synchronously in arrival order; the first result ends the
// execution and every later message is ignored.
type Relay struct {
	handler Handler
	filter  Filter
	plugin  string
	target  string
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	result  *protocol.Result
	applied int
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayFilter sets the policy consulted before each callback.
func WithRelayFilter(f Filter) RelayOption {
	return func(r *Relay) { r.filter = f }
}

// WithRelayLabels sets the plugin and target the filter and metrics see.
func WithRelayLabels(plugin, target string) RelayOption {
	return func(r *Relay) {
		r.plugin = plugin
		r.target = target
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRelayMetrics sets the metrics sink.
func WithRelayMetrics(m *telemetry.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay creates a relay delivering callbacks to h.
func NewRelay(h Handler, opts ...RelayOption) *Relay {
	r := &Relay{handler: h, logger: telemetry.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver processes one message from the worker.
func (r *Relay) Deliver(ctx context.Context, m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.result != nil {
		method := ""
		if m.Callback != nil {
			method = string(m.Callback.Method)
			r.metrics.RecordDroppedCallback(method, dropLate)
		}
		r.logger.Warn("message after result ignored", "method", method)
		return
	}

	switch {
	case m.Result != nil:
		res := *m.Result
		r.result = &res
	case m.Callback != nil:
		r.apply(ctx, *m.Callback)
	default:
		r.logger.Warn("empty message ignored")
	}
}

func (r *Relay) apply(ctx context.Context, cb protocol.Callback) {
	method := string(cb.Method)
	if _, err := protocol.DecodeCommand(cb); err != nil {
		r.metrics.RecordDroppedCallback(method, dropMalformed)
		r.logger.Warn("callback dropped", "method", method, "error", err)
		return
	}
	if r.filter != nil {
		ok, err := r.filter.Allow(r.plugin, r.target, cb)
		if err != nil {
			r.metrics.RecordDroppedCallback(method, dropFilterErr)
			r.logger.Warn("callback filter failed", "method", method, "error", err)
			return
		}
		if !ok {
			r.metrics.RecordDroppedCallback(method, dropFiltered)
			r.logger.Info("callback denied by filter", "method", method)
			return
		}
	}
	if r.handler == nil {
		return
	}
	if err := r.handler.Handle(ctx, cb); err != nil {
		r.logger.Warn("callback could not be applied", "method", method, "error", err)
		return
	}
	r.applied++
	r.metrics.RecordCallback(method)
}

// Result returns the execution's result once one has been delivered.
func (r *Relay) Result() (protocol.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return protocol.Result{}, false
	}
	return *r.result, true
}

// Finish closes the relay. If no result was delivered, a failure carrying
// reason becomes the result.
func (r *Relay) Finish(reason string) protocol.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		res := protocol.Failure(ErrNameWorkerExit, reason, "")
		r.result = &res
	}
	return *r.result
}

// Applied reports how many callbacks reached the handler successfully.
func (r *Relay) Applied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}
