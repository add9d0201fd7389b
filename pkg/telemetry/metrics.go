package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the remediation domain metrics. A nil *Metrics is a
// valid no-op receiver so call sites never need to branch on enablement.
type Metrics struct {
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	stepsExecuted     *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	connectorRetries  *prometheus.CounterVec
	deadLetters       *prometheus.CounterVec
	commandsSubmitted *prometheus.CounterVec
	activeSessions    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector with its own registry.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of remediation sessions enqueued",
			},
			[]string{"tenant"},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of sessions reaching a terminal status",
			},
			[]string{"status"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of step executions by result",
			},
			[]string{"result"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step execution duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"connector"},
		),
		connectorRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_retries_total",
				Help:      "Total connection-error retries by connector class",
			},
			[]string{"connector"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Total messages dead-lettered by source stream",
			},
			[]string{"stream"},
		),
		commandsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manual_commands_total",
				Help:      "Total out-of-band command submissions",
			},
			[]string{"action"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions currently in a non-terminal status",
			},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.stepsExecuted,
		m.stepDuration,
		m.connectorRetries,
		m.deadLetters,
		m.commandsSubmitted,
		m.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionStarted records an enqueued session.
func (m *Metrics) SessionStarted(tenant string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(tenant).Inc()
}

// SessionCompleted records a session reaching a terminal status.
func (m *Metrics) SessionCompleted(status string) {
	if m == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(status).Inc()
}

// StepExecuted records one step execution outcome.
func (m *Metrics) StepExecuted(connector string, durationSeconds float64, success, connectionError bool) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case connectionError:
		result = "connection_error"
	case !success:
		result = "failure"
	}
	m.stepsExecuted.WithLabelValues(result).Inc()
	m.stepDuration.WithLabelValues(connector).Observe(durationSeconds)
}

// ConnectorRetried records connection-error retries for a connector class.
func (m *Metrics) ConnectorRetried(connector string, retries int) {
	if m == nil || retries <= 0 {
		return
	}
	m.connectorRetries.WithLabelValues(connector).Add(float64(retries))
}

// DeadLettered records a dead-lettered message.
func (m *Metrics) DeadLettered(stream string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(stream).Inc()
}

// CommandSubmitted records a manual command or rollback dispatch.
func (m *Metrics) CommandSubmitted(action string) {
	if m == nil {
		return
	}
	m.commandsSubmitted.WithLabelValues(action).Inc()
}

// SetActiveSessions sets the non-terminal session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
