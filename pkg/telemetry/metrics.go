package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for devloop. A disabled Metrics is a
// valid no-op recorder.
type Metrics struct {
	config MetricsConfig

	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	workflowsActive   prometheus.Gauge
	stateTransitions  *prometheus.CounterVec

	gateAttempts *prometheus.CounterVec
	gateDuration *prometheus.HistogramVec
	gateRetries  *prometheus.CounterVec

	escalations           *prometheus.CounterVec
	escalationsSuppressed *prometheus.CounterVec
	escalationsOpen       prometheus.Gauge
	notifications         *prometheus.CounterVec

	eventsAppended *prometheus.CounterVec
	bufferDepth    prometheus.Gauge

	collaboratorCalls    *prometheus.CounterVec
	collaboratorDuration *prometheus.HistogramVec
	collaboratorErrors   *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics registers the devloop collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	ns := cfg.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		config:   cfg,
		registry: registry,

		workflowsStarted:  f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "workflows_started_total", Help: "Workflow instances started."}),
		workflowsFinished: counter("workflows_finished_total", "Workflow instances that reached a terminal state.", "state"),
		workflowDuration:  histogram("workflow_duration_seconds", "Lifetime of finished workflow instances.", "state"),
		workflowsActive:   gauge("workflows_active", "Workflow instances currently running."),
		stateTransitions:  counter("workflow_transitions_total", "Workflow state transitions.", "from", "to"),

		gateAttempts: counter("gate_attempts_total", "Quality gate attempts by outcome.", "action", "outcome"),
		gateDuration: histogram("gate_attempt_duration_seconds", "Duration of one quality gate attempt.", "action"),
		gateRetries:  counter("gate_retries_total", "Retries scheduled after transient gate failures.", "action"),

		escalations:           counter("escalations_total", "Escalations created.", "reason_type"),
		escalationsSuppressed: counter("escalation_alerts_suppressed_total", "Escalation alerts held back by the rate limiter.", "reason_type"),
		escalationsOpen:       gauge("escalations_open", "Escalations not yet resolved."),
		notifications:         counter("notifications_total", "Notification deliveries by channel and status.", "channel", "status"),

		eventsAppended: counter("events_appended_total", "Events appended to the event store.", "type"),
		bufferDepth:    gauge("event_buffer_depth", "Events waiting in the local spool."),

		collaboratorCalls:    counter("collaborator_calls_total", "Calls to external collaborators.", "collaborator", "operation"),
		collaboratorDuration: histogram("collaborator_call_duration_seconds", "Latency of external collaborator calls.", "collaborator", "operation"),
		collaboratorErrors:   counter("collaborator_errors_total", "Failed external collaborator calls.", "collaborator", "operation"),

		errorsByClass: counter("errors_by_class_total", "Gate failures by error class.", "class"),
		errorsByCode:  counter("errors_by_code_total", "Gate failures by error code.", "code"),
	}, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordWorkflowStarted counts a started instance and bumps the active gauge.
func (m *Metrics) RecordWorkflowStarted() {
	if !m.Enabled() {
		return
	}
	m.workflowsStarted.Inc()
	m.workflowsActive.Inc()
}

// RecordWorkflowFinished records a terminal state and the instance's lifetime.
func (m *Metrics) RecordWorkflowFinished(state string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.workflowsFinished.WithLabelValues(state).Inc()
	m.workflowDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.workflowsActive.Dec()
}

// SetActiveWorkflows sets the active workflow gauge, used after recovery.
func (m *Metrics) SetActiveWorkflows(count float64) {
	if !m.Enabled() {
		return
	}
	m.workflowsActive.Set(count)
}

// RecordTransition counts a workflow state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.Enabled() {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordGateAttempt records one attempt of a quality gate action.
func (m *Metrics) RecordGateAttempt(action, outcome string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.gateAttempts.WithLabelValues(action, outcome).Inc()
	m.gateDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func (m *Metrics) RecordGateRetry(action string) {
	if !m.Enabled() {
		return
	}
	m.gateRetries.WithLabelValues(action).Inc()
}

// RecordEscalation counts a created escalation.
func (m *Metrics) RecordEscalation(reasonType string) {
	if !m.Enabled() {
		return
	}
	m.escalations.WithLabelValues(reasonType).Inc()
	m.escalationsOpen.Inc()
}

// RecordEscalationResolved decrements the open escalation gauge.
func (m *Metrics) RecordEscalationResolved() {
	if !m.Enabled() {
		return
	}
	m.escalationsOpen.Dec()
}

// RecordAlertSuppressed counts an alert held back by the rate limiter.
func (m *Metrics) RecordAlertSuppressed(reasonType string) {
	if !m.Enabled() {
		return
	}
	m.escalationsSuppressed.WithLabelValues(reasonType).Inc()
}

// RecordNotification counts a delivery attempt on a channel.
func (m *Metrics) RecordNotification(channel, status string) {
	if !m.Enabled() {
		return
	}
	m.notifications.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) RecordEventAppended(eventType string) {
	if !m.Enabled() {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// SetBufferDepth sets the number of spooled events.
func (m *Metrics) SetBufferDepth(depth int) {
	if !m.Enabled() {
		return
	}
	m.bufferDepth.Set(float64(depth))
}

// RecordCollaboratorCall records a call to an external collaborator.
func (m *Metrics) RecordCollaboratorCall(collaborator, operation string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.collaboratorCalls.WithLabelValues(collaborator, operation).Inc()
	m.collaboratorDuration.WithLabelValues(collaborator, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordCollaboratorError(collaborator, operation string) {
	if !m.Enabled() {
		return
	}
	m.collaboratorErrors.WithLabelValues(collaborator, operation).Inc()
}

// RecordError increments the error counters for a class and optional code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.Enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer measures the latency of one operation.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server exposing metrics when a
// listen address is configured.
func (m *Metrics) StartMetricsServer(errorLog func(error)) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if errorLog != nil {
				errorLog(fmt.Errorf("metrics server: %w", err))
			}
		}
	}()

	return nil
}
