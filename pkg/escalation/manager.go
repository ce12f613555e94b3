package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/stores"
	"github.com/devloop/devloop/pkg/telemetry"
)

// Defaults for Config.
const (
	DefaultRatePerMinute    = 5
	DefaultDeliveryAttempts = 3
	DefaultDeliveryBackoff  = time.Second
	DefaultDigestInterval   = time.Minute
)

// Config configures the escalation manager.
type Config struct {
	// RatePerMinute bounds notifications per reason type.
	RatePerMinute int `yaml:"rate_per_minute" validate:"gte=0"`

	// DeliveryAttempts is the number of sends per channel before giving up.
	DeliveryAttempts int `yaml:"delivery_attempts" validate:"gte=0"`

	// DeliveryBackoff is the delay before the second send; it doubles after.
	DeliveryBackoff time.Duration `yaml:"delivery_backoff"`

	// DigestInterval is how often suppressed alerts are batched and sent.
	DigestInterval time.Duration `yaml:"digest_interval"`

	// DefaultChannels are used when Notify is called without channels.
	// Empty means every registered channel.
	DefaultChannels []string `yaml:"default_channels"`
}

// DefaultConfig returns the default escalation configuration.
func DefaultConfig() Config {
	return Config{
		RatePerMinute:    DefaultRatePerMinute,
		DeliveryAttempts: DefaultDeliveryAttempts,
		DeliveryBackoff:  DefaultDeliveryBackoff,
		DigestInterval:   DefaultDigestInterval,
	}
}

func (c *Config) applyDefaults() {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = DefaultRatePerMinute
	}
	if c.DeliveryAttempts <= 0 {
		c.DeliveryAttempts = DefaultDeliveryAttempts
	}
	if c.DeliveryBackoff < 0 {
		c.DeliveryBackoff = 0
	}
	if c.DigestInterval <= 0 {
		c.DigestInterval = DefaultDigestInterval
	}
}

// Store persists escalation records. The event log remains the source of
// truth; the store is a queryable projection.
type Store interface {
	SaveEscalation(ctx context.Context, rec *engine.EscalationRecord) error
	GetEscalation(ctx context.Context, escalationID string) (*engine.EscalationRecord, error)
	ListEscalations(ctx context.Context, filter stores.EscalationFilter) ([]*engine.EscalationRecord, error)
}

// Metrics is the subset of telemetry metrics the manager records.
type Metrics interface {
	RecordEscalation(reasonType string)
	RecordEscalationResolved()
	RecordAlertSuppressed(reasonType string)
	RecordNotification(channel, status string)
}

// Sleeper waits between delivery attempts.
type Sleeper func(ctx context.Context, d time.Duration) error

// Request describes the failure being handed to a human.
type Request struct {
	CorrelationID string
	InstanceID    string
	Action        engine.ActionType
	Reason        string

	// ReasonType groups escalations for rate limiting. Derived from Outcome
	// when empty.
	ReasonType string

	Outcome            engine.Outcome
	Code               string
	History            []engine.RetryAttempt
	SuggestedNextSteps []string
}

func (r Request) validate() error {
	switch {
	case r.CorrelationID == "":
		return engine.NewValidationError("correlation ID is required", nil)
	case r.InstanceID == "":
		return engine.NewValidationError("instance ID is required", nil)
	case r.Action == "":
		return engine.NewValidationError("action is required", nil)
	}
	return nil
}

// Resolution is the result of waiting on an escalation.
type Resolution struct {
	EscalationID string     `json:"escalationId"`
	Resolved     bool       `json:"resolved"`
	TimedOut     bool       `json:"timedOut"`
	Notes        string     `json:"notes,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

type openKey struct {
	instanceID string
	action     engine.ActionType
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records escalation and notification metrics.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleeper overrides the wait between delivery attempts.
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) { m.sleep = s }
}

// WithChannels registers notification channels.
func WithChannels(channels ...engine.NotificationChannel) Option {
	return func(m *Manager) {
		for _, ch := range channels {
			m.registerLocked(ch)
		}
	}
}

// Manager owns escalation records from creation to resolution. It records
// every transition as an event and keeps a projection in the store.
type Manager struct {
	cfg     Config
	events  engine.EventAppender
	store   Store
	logger  zerolog.Logger
	metrics Metrics
	now     func() time.Time
	sleep   Sleeper
	limiter *reasonLimiter

	chMu     sync.RWMutex
	channels map[string]engine.NotificationChannel
	order    []string

	mu      sync.Mutex
	records map[string]*engine.EscalationRecord
	open    map[openKey]string
	done    map[string]chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates an escalation manager. store may be nil, in which case
// records are only kept in memory.
func NewManager(events engine.EventAppender, store Store, cfg Config, opts ...Option) (*Manager, error) {
	if events == nil {
		return nil, engine.NewValidationError("escalation manager requires an event appender", nil)
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:      cfg,
		events:   events,
		store:    store,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
		limiter:  newReasonLimiter(cfg.RatePerMinute),
		channels: make(map[string]engine.NotificationChannel),
		records:  make(map[string]*engine.EscalationRecord),
		open:     make(map[openKey]string),
		done:     make(map[string]chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "escalation-manager").Logger()
	return m, nil
}

// RegisterChannel adds or replaces a notification channel.
func (m *Manager) RegisterChannel(ch engine.NotificationChannel) {
	m.chMu.Lock()
	defer m.chMu.Unlock()
	m.registerLocked(ch)
}

func (m *Manager) registerLocked(ch engine.NotificationChannel) {
	if m.channels == nil {
		m.channels = make(map[string]engine.NotificationChannel)
	}
	name := ch.Name()
	if _, exists := m.channels[name]; !exists {
		m.order = append(m.order, name)
	}
	m.channels[name] = ch
}

// Channels returns the registered channel names in registration order.
func (m *Manager) Channels() []string {
	m.chMu.RLock()
	defer m.chMu.RUnlock()
	return append([]string(nil), m.order...)
}

// CreateEscalation records a new escalation. While an escalation for the same
// instance and action is open, its ID is returned instead of a new one.
func (m *Manager) CreateEscalation(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if req.ReasonType == "" {
		req.ReasonType = ReasonTypeFor(req.Outcome)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := openKey{instanceID: req.InstanceID, action: req.Action}
	if id, ok := m.open[key]; ok {
		m.logger.Debug().
			Str("escalation_id", id).
			Str("instance_id", req.InstanceID).
			Str("action", string(req.Action)).
			Msg("escalation already open, reusing")
		return id, nil
	}

	steps := req.SuggestedNextSteps
	if len(steps) == 0 {
		steps = suggestNextSteps(req)
	}
	history := append([]engine.RetryAttempt{}, req.History...)

	now := m.now()
	rec := &engine.EscalationRecord{
		EscalationID:       uuid.New().String(),
		CorrelationID:      req.CorrelationID,
		InstanceID:         req.InstanceID,
		Action:             req.Action,
		TriggerReason:      req.Reason,
		ReasonType:         req.ReasonType,
		RetryHistory:       history,
		SuggestedNextSteps: steps,
		Status:             engine.EscalationTriggered,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := m.persist(ctx, rec, engine.EventEscalationCreated, engine.ActorSystem, nil); err != nil {
		return "", err
	}

	m.records[rec.EscalationID] = rec
	m.open[key] = rec.EscalationID
	m.done[rec.EscalationID] = make(chan struct{})

	if m.metrics != nil {
		m.metrics.RecordEscalation(rec.ReasonType)
	}
	m.logger.Warn().
		Str("escalation_id", rec.EscalationID).
		Str("instance_id", rec.InstanceID).
		Str("action", string(rec.Action)).
		Str("reason_type", rec.ReasonType).
		Int("attempts", len(history)).
		Msg("escalation created")

	return rec.EscalationID, nil
}

// Notify delivers the escalation to the named channels, or to the defaults
// when none are given. Alerts over the per-reason rate are queued for the
// next digest. If no channel confirms delivery the escalation still moves to
// Notified, a NotificationFailed event is recorded and an error wrapping
// engine.ErrNotificationDelivery is returned.
func (m *Manager) Notify(ctx context.Context, escalationID string, channels []string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(ctx, escalationID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if rec.Status != engine.EscalationTriggered {
		m.mu.Unlock()
		return nil
	}
	snapshot := cloneRecord(rec)
	m.mu.Unlock()

	alert := alertFor(snapshot, m.now())

	if !m.limiter.allow(snapshot.ReasonType, m.now()) {
		queued := m.limiter.suppress(alert)
		if m.metrics != nil {
			m.metrics.RecordAlertSuppressed(snapshot.ReasonType)
		}
		m.logger.Info().
			Str("escalation_id", escalationID).
			Str("reason_type", snapshot.ReasonType).
			Int("queued", queued).
			Msg("notification rate limited, queued for digest")

		if err := m.appendEvent(ctx, snapshot, engine.EventEscalationSuppressed, engine.ActorSystem, func(p *engine.EscalationEventPayload) {
			p.Notes = "rate limited; queued for digest"
		}); err != nil {
			return err
		}
		return m.markNotified(ctx, escalationID, []string{"digest"}, "")
	}

	names := m.resolveChannels(channels)
	results := m.deliver(ctx, alert, names)

	var delivered, failures []string
	for _, res := range results {
		if res.Delivered {
			delivered = append(delivered, res.Channel)
		} else {
			failures = append(failures, fmt.Sprintf("%s: %s", res.Channel, res.Error))
		}
	}

	if len(delivered) == 0 {
		errText := "no notification channels configured"
		if len(failures) > 0 {
			errText = strings.Join(failures, "; ")
		}
		m.logger.Error().
			Str("escalation_id", escalationID).
			Str("error", errText).
			Msg("escalation could not be delivered to any channel")

		if err := m.appendEvent(ctx, snapshot, engine.EventNotificationFailed, engine.ActorSystem, func(p *engine.EscalationEventPayload) {
			p.Channels = names
			p.Error = errText
		}); err != nil {
			return err
		}
		if err := m.markNotified(ctx, escalationID, nil, errText); err != nil {
			return err
		}
		return fmt.Errorf("%w: escalation %s: %s", engine.ErrNotificationDelivery, escalationID, errText)
	}

	if len(failures) > 0 {
		m.logger.Warn().
			Str("escalation_id", escalationID).
			Strs("failed", failures).
			Msg("some notification channels failed")
	}
	return m.markNotified(ctx, escalationID, delivered, strings.Join(failures, "; "))
}

func (m *Manager) markNotified(ctx context.Context, escalationID string, channels []string, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(ctx, escalationID)
	if err != nil {
		return err
	}
	if rec.Status != engine.EscalationTriggered {
		// A concurrent Notify got there first.
		return nil
	}
	return m.transitionLocked(ctx, rec, engine.EscalationNotified, engine.EventEscalationNotified, engine.ActorSystem,
		func(p *engine.EscalationEventPayload) {
			p.Channels = channels
			p.Error = errText
		}, nil)
}

// AwaitResolution moves a notified escalation to AwaitingResolution and
// blocks until it is resolved, the timeout elapses or ctx is done. A zero
// timeout waits indefinitely.
func (m *Manager) AwaitResolution(ctx context.Context, escalationID string, timeout time.Duration) (Resolution, error) {
	m.mu.Lock()
	rec, err := m.lookupLocked(ctx, escalationID)
	if err != nil {
		m.mu.Unlock()
		return Resolution{}, err
	}

	switch rec.Status {
	case engine.EscalationResolved:
		res := resolutionFor(rec)
		m.mu.Unlock()
		return res, nil
	case engine.EscalationNotified:
		if err := m.transitionLocked(ctx, rec, engine.EscalationAwaitingResolution, engine.EventEscalationAwaiting, engine.ActorSystem, nil, nil); err != nil {
			m.mu.Unlock()
			return Resolution{}, err
		}
	case engine.EscalationAwaitingResolution:
	default:
		m.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: escalation %s is %s, not notified", engine.ErrInvalidTransition, escalationID, rec.Status)
	}

	done := m.doneChanLocked(escalationID)
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return resolutionFor(m.records[escalationID]), nil

	case <-expired:
		m.mu.Lock()
		rec := m.records[escalationID]
		if rec.Status == engine.EscalationResolved {
			res := resolutionFor(rec)
			m.mu.Unlock()
			return res, nil
		}
		snapshot := cloneRecord(rec)
		m.mu.Unlock()

		m.logger.Warn().
			Str("escalation_id", escalationID).
			Dur("timeout", timeout).
			Msg("escalation timed out awaiting resolution")
		if err := m.appendEvent(ctx, snapshot, engine.EventEscalationTimedOut, engine.ActorSystem, func(p *engine.EscalationEventPayload) {
			p.Notes = fmt.Sprintf("no resolution after %s", timeout)
		}); err != nil {
			return Resolution{}, err
		}
		return Resolution{EscalationID: escalationID, TimedOut: true}, nil

	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Resolve closes an escalation with the operator's notes. Resolving again
// with the same notes is a no-op; different notes return
// engine.ErrAlreadyResolved. An escalation that was never notified cannot be
// resolved.
func (m *Manager) Resolve(ctx context.Context, escalationID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(ctx, escalationID)
	if err != nil {
		return err
	}

	switch rec.Status {
	case engine.EscalationResolved:
		if rec.ResolutionNotes == notes {
			return nil
		}
		return fmt.Errorf("%w: %s", engine.ErrAlreadyResolved, escalationID)
	case engine.EscalationTriggered:
		return fmt.Errorf("%w: escalation %s has not been notified", engine.ErrInvalidTransition, escalationID)
	case engine.EscalationNotified:
		if err := m.transitionLocked(ctx, rec, engine.EscalationAwaitingResolution, engine.EventEscalationAwaiting, engine.ActorSystem, nil, nil); err != nil {
			return err
		}
		rec = m.records[escalationID]
	}

	resolvedAt := m.now()
	err = m.transitionLocked(ctx, rec, engine.EscalationResolved, engine.EventEscalationResolved, engine.ActorHuman,
		func(p *engine.EscalationEventPayload) { p.Notes = notes },
		func(r *engine.EscalationRecord) {
			r.ResolutionNotes = notes
			r.ResolvedAt = &resolvedAt
		})
	if err != nil {
		return err
	}

	key := openKey{instanceID: rec.InstanceID, action: rec.Action}
	if m.open[key] == escalationID {
		delete(m.open, key)
	}
	if done, ok := m.done[escalationID]; ok {
		close(done)
		delete(m.done, escalationID)
	}

	if m.metrics != nil {
		m.metrics.RecordEscalationResolved()
	}
	m.logger.Info().
		Str("escalation_id", escalationID).
		Str("instance_id", rec.InstanceID).
		Msg("escalation resolved")
	return nil
}

// Get returns a copy of an escalation record.
func (m *Manager) Get(ctx context.Context, escalationID string) (*engine.EscalationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookupLocked(ctx, escalationID)
	if err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// List returns escalation records matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter stores.EscalationFilter) ([]*engine.EscalationRecord, error) {
	if m.store != nil {
		return m.store.ListEscalations(ctx, filter)
	}

	m.mu.Lock()
	var out []*engine.EscalationRecord
	for _, rec := range m.records {
		if filter.InstanceID != "" && rec.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.OpenOnly && !rec.Status.IsOpen() {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EscalationID > out[j].EscalationID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// OpenFor returns the open escalation ID for an instance and action, if any.
func (m *Manager) OpenFor(instanceID string, action engine.ActionType) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.open[openKey{instanceID: instanceID, action: action}]
	return id, ok
}

// Restore loads open escalations from the store so they can be awaited and
// resolved after a restart.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	const page = 200
	restored := 0
	for offset := 0; ; offset += page {
		recs, err := m.store.ListEscalations(ctx, stores.EscalationFilter{OpenOnly: true, Limit: page, Offset: offset})
		if err != nil {
			return restored, fmt.Errorf("failed to list open escalations: %w", err)
		}
		m.mu.Lock()
		for _, rec := range recs {
			m.trackLocked(rec)
			restored++
		}
		m.mu.Unlock()
		if len(recs) < page {
			break
		}
	}

	if restored > 0 {
		m.logger.Info().Int("count", restored).Msg("restored open escalations")
	}
	return restored, nil
}

// OperatorAlert sends an alert to every registered channel without creating
// an escalation record. Used for infrastructure failures such as the event
// store being unreachable.
func (m *Manager) OperatorAlert(ctx context.Context, alert engine.Alert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	results := m.deliver(ctx, alert, m.Channels())
	var failures []string
	for _, res := range results {
		if res.Delivered {
			return nil
		}
		failures = append(failures, fmt.Sprintf("%s: %s", res.Channel, res.Error))
	}
	if len(failures) == 0 {
		return fmt.Errorf("%w: no notification channels configured", engine.ErrNotificationDelivery)
	}
	return fmt.Errorf("%w: %s", engine.ErrNotificationDelivery, strings.Join(failures, "; "))
}

// Start runs the digest loop until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.DigestInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.FlushDigests(ctx, false)
			}
		}
	}()
}

// Close stops the digest loop and sends any remaining digests.
func (m *Manager) Close(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.FlushDigests(ctx, true)
}

// PendingDigest returns the number of suppressed alerts awaiting a digest.
func (m *Manager) PendingDigest() int {
	return m.limiter.pending()
}

// FlushDigests sends one digest per reason type with suppressed alerts. Unless
// force is set, each digest consumes a rate limit token.
func (m *Manager) FlushDigests(ctx context.Context, force bool) int {
	sent := 0
	for _, reason := range m.limiter.pendingReasons() {
		alerts := m.limiter.take(reason, m.now(), force)
		if len(alerts) == 0 {
			continue
		}
		digest := digestFor(reason, alerts, m.now())
		delivered := false
		for _, res := range m.deliver(ctx, digest, m.resolveChannels(nil)) {
			if res.Delivered {
				delivered = true
			}
		}
		if !delivered {
			if !force {
				m.limiter.requeue(reason, alerts)
			}
			m.logger.Error().
				Str("reason_type", reason).
				Int("alerts", len(alerts)).
				Msg("failed to deliver escalation digest")
			continue
		}
		sent++
		m.logger.Info().
			Str("reason_type", reason).
			Int("alerts", len(alerts)).
			Msg("escalation digest delivered")
	}
	return sent
}

func (m *Manager) resolveChannels(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	if len(m.cfg.DefaultChannels) > 0 {
		return m.cfg.DefaultChannels
	}
	return m.Channels()
}

// deliver sends alert to each named channel concurrently, retrying each with
// exponential backoff. Results keep the order of names.
func (m *Manager) deliver(ctx context.Context, alert engine.Alert, names []string) []engine.DeliveryResult {
	results := make([]engine.DeliveryResult, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		m.chMu.RLock()
		ch, ok := m.channels[name]
		m.chMu.RUnlock()
		if !ok {
			results[i] = engine.DeliveryResult{Channel: name, Error: "unknown channel", At: m.now()}
			continue
		}

		wg.Add(1)
		go func(i int, ch engine.NotificationChannel) {
			defer wg.Done()
			results[i] = m.sendWithRetry(ctx, ch, alert)
		}(i, ch)
	}
	wg.Wait()
	return results
}

func (m *Manager) sendWithRetry(ctx context.Context, ch engine.NotificationChannel, alert engine.Alert) engine.DeliveryResult {
	name := ch.Name()
	var lastErr error

	for attempt := 1; attempt <= m.cfg.DeliveryAttempts; attempt++ {
		var res *engine.DeliveryResult
		err := telemetry.RecordCollaboratorOperation(ctx, "notify", name, func(ctx context.Context) error {
			var sendErr error
			res, sendErr = ch.Send(ctx, alert)
			return sendErr
		})
		if err == nil && res != nil && !res.Delivered {
			err = errors.New(firstNonEmpty(res.Error, "delivery not confirmed"))
		}
		if err == nil {
			if m.metrics != nil {
				m.metrics.RecordNotification(name, "delivered")
			}
			return engine.DeliveryResult{Channel: name, Delivered: true, Attempts: attempt, At: m.now()}
		}

		lastErr = err
		if m.metrics != nil {
			m.metrics.RecordNotification(name, "failed")
		}
		m.logger.Debug().
			Err(err).
			Str("channel", name).
			Int("attempt", attempt).
			Msg("notification attempt failed")

		if attempt == m.cfg.DeliveryAttempts {
			break
		}
		backoff := m.cfg.DeliveryBackoff << (attempt - 1)
		if err := m.sleep(ctx, backoff); err != nil {
			return engine.DeliveryResult{Channel: name, Attempts: attempt, Error: err.Error(), At: m.now()}
		}
	}

	return engine.DeliveryResult{Channel: name, Attempts: m.cfg.DeliveryAttempts, Error: lastErr.Error(), At: m.now()}
}

// lookupLocked returns the tracked record, loading it from the store if
// needed. Callers hold m.mu.
func (m *Manager) lookupLocked(ctx context.Context, escalationID string) (*engine.EscalationRecord, error) {
	if rec, ok := m.records[escalationID]; ok {
		return rec, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: escalation %s", engine.ErrNotFound, escalationID)
	}
	rec, err := m.store.GetEscalation(ctx, escalationID)
	if err != nil {
		return nil, err
	}
	m.trackLocked(rec)
	return rec, nil
}

func (m *Manager) trackLocked(rec *engine.EscalationRecord) {
	m.records[rec.EscalationID] = rec
	if rec.Status.IsOpen() {
		m.open[openKey{instanceID: rec.InstanceID, action: rec.Action}] = rec.EscalationID
		m.doneChanLocked(rec.EscalationID)
	}
}

func (m *Manager) doneChanLocked(escalationID string) chan struct{} {
	done, ok := m.done[escalationID]
	if !ok {
		done = make(chan struct{})
		if rec, tracked := m.records[escalationID]; tracked && !rec.Status.IsOpen() {
			close(done)
			return done
		}
		m.done[escalationID] = done
	}
	return done
}

// transitionLocked validates and applies a status change. The event is
// appended before the projection is saved; the tracked record only changes
// once both succeed.
func (m *Manager) transitionLocked(
	ctx context.Context,
	rec *engine.EscalationRecord,
	next engine.EscalationStatus,
	eventType engine.EventType,
	actor engine.Actor,
	payload func(*engine.EscalationEventPayload),
	mutate func(*engine.EscalationRecord),
) error {
	if !rec.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: escalation %s %s -> %s", engine.ErrInvalidTransition, rec.EscalationID, rec.Status, next)
	}

	updated := cloneRecord(rec)
	updated.Status = next
	updated.UpdatedAt = m.now()
	if mutate != nil {
		mutate(updated)
	}

	if err := m.persist(ctx, updated, eventType, actor, payload); err != nil {
		return err
	}
	m.records[updated.EscalationID] = updated
	return nil
}

func (m *Manager) persist(ctx context.Context, rec *engine.EscalationRecord, eventType engine.EventType, actor engine.Actor, payload func(*engine.EscalationEventPayload)) error {
	if err := m.appendEvent(ctx, rec, eventType, actor, payload); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SaveEscalation(ctx, rec); err != nil {
			return fmt.Errorf("failed to save escalation %s: %w", rec.EscalationID, err)
		}
	}
	return nil
}

func (m *Manager) appendEvent(ctx context.Context, rec *engine.EscalationRecord, eventType engine.EventType, actor engine.Actor, payload func(*engine.EscalationEventPayload)) error {
	p := engine.EscalationEventPayload{
		EscalationID:       rec.EscalationID,
		InstanceID:         rec.InstanceID,
		Action:             rec.Action,
		Status:             rec.Status,
		Reason:             rec.TriggerReason,
		ReasonType:         rec.ReasonType,
		RetryHistory:       append([]engine.RetryAttempt{}, rec.RetryHistory...),
		SuggestedNextSteps: rec.SuggestedNextSteps,
	}
	if payload != nil {
		payload(&p)
	}

	ev, err := engine.NewEvent(rec.CorrelationID, eventType, actor, p)
	if err != nil {
		return err
	}
	if _, err := m.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s for escalation %s: %w", eventType, rec.EscalationID, err)
	}
	return nil
}

func alertFor(rec *engine.EscalationRecord, now time.Time) engine.Alert {
	return engine.Alert{
		EscalationID: rec.EscalationID,
		InstanceID:   rec.InstanceID,
		ReasonType:   rec.ReasonType,
		Title:        fmt.Sprintf("[devloop] %s needs attention on %s (%s)", rec.Action, rec.InstanceID, rec.ReasonType),
		Body:         rec.Summary(),
		CreatedAt:    now,
	}
}

func digestFor(reason string, alerts []engine.Alert, now time.Time) engine.Alert {
	var b strings.Builder
	fmt.Fprintf(&b, "%d escalations were rate limited:\n", len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(&b, "  - %s (escalation %s, %s)\n", a.Title, a.EscalationID, a.CreatedAt.Format(time.RFC3339))
	}
	return engine.Alert{
		ReasonType: reason,
		Title:      fmt.Sprintf("[devloop] digest: %d %s escalations", len(alerts), reason),
		Body:       b.String(),
		CreatedAt:  now,
		Digest:     true,
	}
}

func resolutionFor(rec *engine.EscalationRecord) Resolution {
	res := Resolution{
		EscalationID: rec.EscalationID,
		Resolved:     rec.Status == engine.EscalationResolved,
		Notes:        rec.ResolutionNotes,
	}
	if rec.ResolvedAt != nil {
		at := *rec.ResolvedAt
		res.ResolvedAt = &at
	}
	return res
}

func cloneRecord(rec *engine.EscalationRecord) *engine.EscalationRecord {
	c := *rec
	c.RetryHistory = append([]engine.RetryAttempt{}, rec.RetryHistory...)
	c.SuggestedNextSteps = append([]string(nil), rec.SuggestedNextSteps...)
	if rec.ResolvedAt != nil {
		at := *rec.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
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
