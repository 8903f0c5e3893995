package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the agent runtime.
type Metrics struct {
	config MetricsConfig

	// Invocation metrics
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	eventsCreated      *prometheus.CounterVec
	sortFallbacks      *prometheus.CounterVec

	// Worker metrics
	workerRuns     *prometheus.CounterVec
	workerRestarts *prometheus.CounterVec
	workerErrors   *prometheus.CounterVec
	workersRunning prometheus.Gauge

	// Control and sandbox metrics
	controlActions *prometheus.CounterVec
	dryRuns        *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_invocations_total",
				Help:      "Total number of agent check and receive invocations",
			},
			[]string{"type", "operation", "status"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_invocation_duration_seconds",
				Help:      "Duration of agent invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "operation"},
		),
		eventsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_created_total",
				Help:      "Total number of durable events created",
			},
			[]string{"type"},
		),
		sortFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sort_fallbacks_total",
				Help:      "Total number of events_order key values sorted as raw strings",
			},
			[]string{"type"},
		),

		workerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_runs_total",
				Help:      "Total number of worker run loops started",
			},
			[]string{"type"},
		),
		workerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_restarts_total",
				Help:      "Total number of worker restarts",
			},
			[]string{"type"},
		),
		workerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_errors_total",
				Help:      "Total number of worker run loop failures",
			},
			[]string{"type"},
		),
		workersRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_running",
				Help:      "Current number of running workers",
			},
		),

		controlActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_actions_total",
				Help:      "Total number of control actions applied to targets",
			},
			[]string{"action", "status"},
		),
		dryRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dry_runs_total",
				Help:      "Total number of dry runs",
			},
			[]string{"type", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.invocations,
		m.invocationDuration,
		m.eventsCreated,
		m.sortFallbacks,
		m.workerRuns,
		m.workerRestarts,
		m.workerErrors,
		m.workersRunning,
		m.controlActions,
		m.dryRuns,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// NewNopMetrics returns a metrics instance that records nothing.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Invocation Metrics

// RecordInvocation records a check or receive invocation with its outcome.
func (m *Metrics) RecordInvocation(agentType, operation, status string, duration time.Duration) {
	if m == nil || m.invocations == nil {
		return
	}
	m.invocations.WithLabelValues(agentType, operation, status).Inc()
	m.invocationDuration.WithLabelValues(agentType, operation).Observe(duration.Seconds())
}

// RecordEventCreated increments the durable event counter.
func (m *Metrics) RecordEventCreated(agentType string) {
	if m == nil || m.eventsCreated == nil {
		return
	}
	m.eventsCreated.WithLabelValues(agentType).Inc()
}

// RecordSortFallback records an events_order key that fell back to its raw string.
func (m *Metrics) RecordSortFallback(agentType string) {
	if m == nil || m.sortFallbacks == nil {
		return
	}
	m.sortFallbacks.WithLabelValues(agentType).Inc()
}

// Worker Metrics

// RecordWorkerRun records a worker run loop start.
func (m *Metrics) RecordWorkerRun(agentType string) {
	if m == nil || m.workerRuns == nil {
		return
	}
	m.workerRuns.WithLabelValues(agentType).Inc()
	m.workersRunning.Inc()
}

// RecordWorkerExit records a worker run loop exit.
func (m *Metrics) RecordWorkerExit() {
	if m == nil || m.workersRunning == nil {
		return
	}
	m.workersRunning.Dec()
}

// RecordWorkerError records a failed worker run loop.
func (m *Metrics) RecordWorkerError(agentType string) {
	if m == nil || m.workerErrors == nil {
		return
	}
	m.workerErrors.WithLabelValues(agentType).Inc()
}

// RecordWorkerRestart records a worker restart.
func (m *Metrics) RecordWorkerRestart(agentType string) {
	if m == nil || m.workerRestarts == nil {
		return
	}
	m.workerRestarts.WithLabelValues(agentType).Inc()
}

// Control Metrics

// RecordControlAction records a control action applied to one target.
func (m *Metrics) RecordControlAction(action, status string) {
	if m == nil || m.controlActions == nil {
		return
	}
	m.controlActions.WithLabelValues(action, status).Inc()
}

// RecordDryRun records a dry run with its outcome.
func (m *Metrics) RecordDryRun(agentType, status string) {
	if m == nil || m.dryRuns == nil {
		return
	}
	m.dryRuns.WithLabelValues(agentType, status).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
