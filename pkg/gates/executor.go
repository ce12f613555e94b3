package gates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/telemetry"
)

// ResultKind is the kind of a GateResult.
type ResultKind string

const (
	// KindSuccess means the action succeeded, possibly after retries.
	KindSuccess ResultKind = "success"

	// KindRetrying is reported to observers between attempts. Execute never
	// returns it.
	KindRetrying ResultKind = "retrying"

	// KindEscalationRequired means a human must intervene.
	KindEscalationRequired ResultKind = "escalation-required"
)

// GateResult is the verdict of one Execute call.
type GateResult struct {
	Kind   ResultKind        `json:"kind"`
	Action engine.ActionType `json:"action"`

	// Attempt is the retry counter when the result was produced.
	Attempt     int            `json:"attempt"`
	RetriesUsed int            `json:"retriesUsed"`
	Outcome     engine.Outcome `json:"outcome"`
	Reason      string         `json:"reason,omitempty"`
	Code        string         `json:"code,omitempty"`
	Diagnostic  string         `json:"diagnostic,omitempty"`

	// History holds the failed attempts that led to an escalation.
	History []engine.RetryAttempt `json:"history,omitempty"`

	// Backoff is the delay before the next attempt of a Retrying result.
	Backoff  time.Duration `json:"backoff,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Subject identifies the workflow instance an action runs for.
type Subject struct {
	InstanceID    string
	CorrelationID string
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Observer receives every intermediate and final result.
type Observer func(ctx context.Context, subject Subject, result GateResult)

// Metrics is the subset of telemetry metrics the executor records.
type Metrics interface {
	RecordGateAttempt(action, outcome string, duration time.Duration)
	RecordGateRetry(action string)
	RecordError(errorClass, errorCode string)
}

// Executor runs actions under an immutable retry policy, classifying each
// attempt and recording it in the event store.
type Executor struct {
	policy     engine.RetryPolicy
	events     engine.EventAppender
	classifier Classifier
	sleep      Sleeper
	observer   Observer
	metrics    Metrics
	logger     zerolog.Logger
	now        func() time.Time
	maxDiag    int

	mu       sync.Mutex
	counters map[string]int
}

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier replaces the default pattern-only classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// WithSleeper replaces the backoff timer.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithObserver registers a result observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithMetrics records gate metrics.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithMaxDiagnosticBytes bounds the diagnostic stored per attempt.
func WithMaxDiagnosticBytes(n int) Option {
	return func(e *Executor) { e.maxDiag = n }
}

// NewExecutor creates an executor. The policy is copied and never changes.
func NewExecutor(policy engine.RetryPolicy, events engine.EventAppender, opts ...Option) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if events == nil {
		return nil, fmt.Errorf("event appender is required")
	}

	e := &Executor{
		policy:   policy,
		events:   events,
		sleep:    sleepContext,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		maxDiag:  DefaultMaxDiagnosticBytes,
		counters: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.classifier == nil {
		e.classifier = NewChainClassifier(nil, nil, e.logger)
	}
	e.logger = e.logger.With().Str("component", "gate-executor").Logger()
	return e, nil
}

// Policy returns the retry policy.
func (e *Executor) Policy() engine.RetryPolicy {
	return e.policy
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs action until it succeeds, needs escalation, or ctx is done.
// Only Success and EscalationRequired are returned; cancellation returns
// ctx.Err() without recording an event for the interrupted attempt.
func (e *Executor) Execute(ctx context.Context, subject Subject, action engine.ActionType, invoker Invoker) (result GateResult, err error) {
	op := telemetry.StartOperation(ctx, "gate."+string(action),
		telemetry.AttrInstanceID.String(subject.InstanceID),
		telemetry.AttrAction.String(string(action)),
	)
	ctx = op.Ctx
	defer func() {
		if op.Span != nil {
			op.Span.SetAttributes(
				telemetry.AttrOutcome.String(string(result.Outcome)),
				telemetry.AttrAttempt.Int(result.Attempt),
			)
		}
		op.End(err)
	}()

	log := e.logger.With().
		Str("instance_id", subject.InstanceID).
		Str("action", string(action)).
		Logger()

	key := e.policy.CounterKey(subject.InstanceID, action)
	var history []engine.RetryAttempt

	for {
		if err := ctx.Err(); err != nil {
			return GateResult{}, err
		}

		started := e.now()
		raw, invokeErr := invoker.Invoke(ctx, action)
		duration := e.now().Sub(started)
		if ctx.Err() != nil {
			return GateResult{}, ctx.Err()
		}

		cl := e.classifier.Classify(ctx, action, raw, invokeErr)
		diag := e.diagnostic(raw, invokeErr)
		if e.metrics != nil {
			e.metrics.RecordGateAttempt(string(action), string(cl.Outcome), duration)
		}

		switch cl.Outcome {
		case engine.OutcomeSuccess:
			used := e.counter(key)
			if e.policy.ResetOnSuccess {
				e.setCounter(key, 0)
			}
			res := GateResult{
				Kind:        KindSuccess,
				Action:      action,
				RetriesUsed: used,
				Outcome:     cl.Outcome,
				Reason:      cl.Reason,
				Diagnostic:  diag,
				Duration:    duration,
			}
			err := e.append(ctx, subject, action.CompletedEvent(), engine.AttemptPayload{
				Action:      action,
				Attempt:     used,
				Outcome:     cl.Outcome,
				Status:      "success",
				RetriesUsed: used,
				DurationMs:  duration.Milliseconds(),
				Diagnostic:  diag,
			})
			if err != nil {
				return GateResult{}, err
			}
			log.Info().Int("retries_used", used).Dur("duration", duration).Msg("Action succeeded")
			e.observe(ctx, subject, res)
			return res, nil

		case engine.OutcomeStructuralFailure, engine.OutcomeCriticalFailure:
			if e.metrics != nil {
				e.metrics.RecordError(string(classForOutcome(cl.Outcome)), cl.Code)
			}
			// Non-retryable failures escalate as attempt 0; earlier transient
			// attempts travel in the history.
			res := e.escalation(action, 0, cl, diag, history, duration)
			if err := e.appendEscalation(ctx, subject, res); err != nil {
				return GateResult{}, err
			}
			log.Warn().
				Str("outcome", string(cl.Outcome)).
				Str("reason", cl.Reason).
				Msg("Action failed without retry, escalation required")
			e.observe(ctx, subject, res)
			return res, nil
		}

		// Transient failure.
		attempt := e.increment(key)
		history = append(history, engine.RetryAttempt{
			Attempt:    attempt,
			Outcome:    cl.Outcome,
			Summary:    summarize(cl.Reason, diag),
			Timestamp:  started,
			DurationMs: duration.Milliseconds(),
		})
		if e.metrics != nil {
			e.metrics.RecordError(string(engine.ErrorClassTransient), cl.Code)
		}

		if attempt >= e.policy.MaxAttempts {
			res := e.escalation(action, attempt, cl, diag, history, duration)
			res.Reason = fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, cl.Reason)
			if err := e.appendEscalation(ctx, subject, res); err != nil {
				return GateResult{}, err
			}
			log.Warn().Int("attempt", attempt).Str("reason", cl.Reason).Msg("Retries exhausted, escalation required")
			e.observe(ctx, subject, res)
			return res, nil
		}

		backoff := e.policy.Backoff(attempt)
		e.observe(ctx, subject, GateResult{
			Kind:       KindRetrying,
			Action:     action,
			Attempt:    attempt,
			Outcome:    cl.Outcome,
			Reason:     cl.Reason,
			Code:       cl.Code,
			Diagnostic: diag,
			Backoff:    backoff,
			Duration:   duration,
		})
		log.Info().
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("reason", cl.Reason).
			Msg("Transient failure, retrying")

		if err := e.sleep(ctx, backoff); err != nil {
			return GateResult{}, err
		}

		err := e.append(ctx, subject, action.RetryEvent(), engine.AttemptPayload{
			Action:     action,
			Attempt:    attempt,
			Outcome:    cl.Outcome,
			Status:     "failure",
			BackoffMs:  backoff.Milliseconds(),
			DurationMs: duration.Milliseconds(),
			Diagnostic: diag,
		})
		if err != nil {
			return GateResult{}, err
		}
		if e.metrics != nil {
			e.metrics.RecordGateRetry(string(action))
		}
	}
}

func (e *Executor) escalation(action engine.ActionType, attempt int, cl Classification, diag string, history []engine.RetryAttempt, d time.Duration) GateResult {
	h := make([]engine.RetryAttempt, len(history))
	copy(h, history)
	return GateResult{
		Kind:       KindEscalationRequired,
		Action:     action,
		Attempt:    attempt,
		Outcome:    cl.Outcome,
		Reason:     cl.Reason,
		Code:       cl.Code,
		Diagnostic: diag,
		History:    h,
		Duration:   d,
	}
}

func (e *Executor) appendEscalation(ctx context.Context, subject Subject, res GateResult) error {
	return e.append(ctx, subject, engine.EventEscalationRequired, engine.EscalationRequiredPayload{
		Action:     res.Action,
		Attempt:    res.Attempt,
		Outcome:    res.Outcome,
		Reason:     res.Reason,
		Diagnostic: res.Diagnostic,
		History:    res.History,
	})
}

func (e *Executor) append(ctx context.Context, subject Subject, typ engine.EventType, payload interface{}) error {
	ev, err := engine.NewEvent(subject.CorrelationID, typ, engine.ActorSystem, payload)
	if err != nil {
		return err
	}
	ev.Timestamp = e.now()
	if _, err := e.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s: %w", typ, err)
	}
	return nil
}

func (e *Executor) observe(ctx context.Context, subject Subject, res GateResult) {
	if e.observer != nil {
		e.observer(ctx, subject, res)
	}
}

func (e *Executor) diagnostic(raw *RawOutcome, invokeErr error) string {
	var s string
	if raw != nil {
		s = raw.Output
	}
	if invokeErr != nil {
		if s != "" {
			s += "\n"
		}
		s += invokeErr.Error()
	}
	return Truncate(s, e.maxDiag)
}

func summarize(reason, diag string) string {
	if diag == "" {
		return reason
	}
	return reason + "\n" + Truncate(diag, 512)
}

func classForOutcome(o engine.Outcome) engine.ErrorClass {
	switch o {
	case engine.OutcomeCriticalFailure:
		return engine.ErrorClassCritical
	case engine.OutcomeStructuralFailure:
		return engine.ErrorClassStructural
	default:
		return engine.ErrorClassTransient
	}
}

// Counter returns the retry counter of action for an instance.
func (e *Executor) Counter(instanceID string, action engine.ActionType) int {
	return e.counter(e.policy.CounterKey(instanceID, action))
}

// Reset zeroes the counter of action, for example after a human resolved
// the escalation it caused.
func (e *Executor) Reset(instanceID string, action engine.ActionType) {
	e.setCounter(e.policy.CounterKey(instanceID, action), 0)
}

// Restore seeds counters from a replayed aggregate.
func (e *Executor) Restore(instanceID string, counters map[engine.ActionType]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for action, n := range counters {
		key := e.policy.CounterKey(instanceID, action)
		if e.policy.Scope == engine.BudgetWorkflow {
			if n > e.counters[key] {
				e.counters[key] = n
			}
			continue
		}
		e.counters[key] = n
	}
}

// Forget drops every counter of an instance.
func (e *Executor) Forget(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := instanceID + "/"
	for key := range e.counters {
		if key == instanceID || (len(key) > len(prefix) && key[:len(prefix)] == prefix) {
			delete(e.counters, key)
		}
	}
}

func (e *Executor) counter(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[key]
}

func (e *Executor) setCounter(key string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n == 0 {
		delete(e.counters, key)
		return
	}
	e.counters[key] = n
}

func (e *Executor) increment(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[key]++
	return e.counters[key]
}
