package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// NewNop returns telemetry that records nothing.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: &Metrics{config: cfg.Metrics},
		Config:  cfg,
	}
}

// WithContext carries t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry carried in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Operation is a traced unit of work. Span is nil when ctx carried no
// telemetry.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named operation and a logger tagged with its
// trace and span IDs.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	logger := FromContext(ctx).WithField("operation", operation)

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Operation{Ctx: ctx, Logger: logger, Timer: NewTimer()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &Operation{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the span, marking it failed when err is non-nil.
func (op *Operation) End(err error) {
	if op.Span == nil {
		return
	}
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}

// WithWorkflowContext tags the logger in ctx with the instance identifiers
// and opens the workflow.run span.
func WithWorkflowContext(ctx context.Context, instanceID, correlationID, issueRef string) (context.Context, trace.Span) {
	ctx = FromContext(ctx).WithWorkflow(instanceID, correlationID, issueRef).WithContext(ctx)

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	spanCtx, span := tel.Tracer.StartWorkflowSpan(ctx, instanceID, issueRef)
	span.SetAttributes(AttrCorrelationID.String(correlationID))
	return spanCtx, span
}

// RecordCollaboratorOperation runs fn, a call to the AI provider, the git
// platform or a notification channel, inside a span and records its latency.
// Cancellation is not counted as a collaborator error.
func RecordCollaboratorOperation(ctx context.Context, collaborator, operation string, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartCollaboratorSpan(ctx, collaborator, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	tel.Metrics.RecordCollaboratorCall(collaborator, operation, timer.Duration())
	if err != nil && !errors.Is(err, context.Canceled) {
		tel.Metrics.RecordCollaboratorError(collaborator, operation)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
