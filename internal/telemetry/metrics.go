package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the sandbox. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	callbacksTotal    *prometheus.CounterVec
	callbacksDropped  *prometheus.CounterVec
	importDenials     *prometheus.CounterVec
	timerDenials      prometheus.Counter
	configFailures    *prometheus.CounterVec
}

// NewMetrics creates a Metrics collector on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envsandbox_executions_total",
			Help: "Target script executions by outcome.",
		}, []string{"plugin", "target", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "envsandbox_execution_duration_seconds",
			Help:    "Wall time of target script executions.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"plugin", "target"}),
		callbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envsandbox_callbacks_total",
			Help: "Callback messages applied to host state.",
		}, []string{"method"}),
		callbacksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envsandbox_callbacks_dropped_total",
			Help: "Callback messages rejected before reaching host state.",
		}, []string{"method", "reason"}),
		importDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envsandbox_import_denials_total",
			Help: "Module loads rejected by the import gatekeeper.",
		}, []string{"violation"}),
		timerDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envsandbox_timer_denials_total",
			Help: "Timer scheduling calls rejected for plugin code.",
		}),
		configFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envsandbox_config_load_failures_total",
			Help: "configs.json reads that degraded to an empty list.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.callbacksTotal,
		m.callbacksDropped,
		m.importDenials,
		m.timerDenials,
		m.configFailures,
	)
	return m
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(plugin, target, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(plugin, target, status).Inc()
	m.executionDuration.WithLabelValues(plugin, target).Observe(d.Seconds())
}

// RecordCallback records a callback applied to host state.
func (m *Metrics) RecordCallback(method string) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(method).Inc()
}

// RecordDroppedCallback records a callback that was filtered or malformed.
func (m *Metrics) RecordDroppedCallback(method, reason string) {
	if m == nil {
		return
	}
	m.callbacksDropped.WithLabelValues(method, reason).Inc()
}

// RecordImportDenial records a gatekeeper rejection.
func (m *Metrics) RecordImportDenial(violation string) {
	if m == nil {
		return
	}
	m.importDenials.WithLabelValues(violation).Inc()
}

// RecordTimerDenial records a rejected timer call.
func (m *Metrics) RecordTimerDenial() {
	if m == nil {
		return
	}
	m.timerDenials.Inc()
}

// RecordConfigFailure records a configs.json read that degraded to empty.
func (m *Metrics) RecordConfigFailure(reason string) {
	if m == nil {
		return
	}
	m.configFailures.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
