package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
)

// BufferConfig configures the buffered appender.
type BufferConfig struct {
	// SpoolPath is the JSON-lines file holding events not yet stored.
	SpoolPath string `yaml:"spool_path" validate:"required"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// DefaultBufferConfig returns a 500ms backoff doubling up to 30s.
func DefaultBufferConfig(spoolPath string) BufferConfig {
	return BufferConfig{
		SpoolPath:      spoolPath,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// BufferedStore wraps an event store and never drops an event: when the store
// is unavailable the event goes to a durable spool and is flushed in FIFO
// order once the store recovers. While a correlation ID has spooled events,
// later events for it are spooled too so per-aggregate order is kept.
type BufferedStore struct {
	engine.EventReader

	inner   engine.EventAppender
	spool   *fileSpool
	alerter OperatorAlerter
	logger  zerolog.Logger
	cfg     BufferConfig
	locks   *keyedMutex

	mu      sync.Mutex
	queue   []engine.Event
	pending map[string]int
	depth   func(int)

	// flushMu serializes Flush callers so the head of the queue has a
	// single writer.
	flushMu sync.Mutex

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBufferedStore opens the spool and queues any events left from a
// previous run. Call Start to begin flushing.
func NewBufferedStore(inner engine.EventStore, cfg BufferConfig, alerter OperatorAlerter, logger zerolog.Logger) (*BufferedStore, error) {
	if cfg.SpoolPath == "" {
		return nil, fmt.Errorf("spool path is required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}

	spool, existing, err := openSpool(cfg.SpoolPath)
	if err != nil {
		return nil, err
	}

	b := &BufferedStore{
		EventReader: inner,
		inner:       inner,
		spool:       spool,
		alerter:     alerter,
		logger:      logger.With().Str("component", "event-buffer").Logger(),
		cfg:         cfg,
		locks:       newKeyedMutex(),
		pending:     make(map[string]int),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	for _, ev := range existing {
		b.queue = append(b.queue, ev)
		b.pending[ev.CorrelationID]++
	}
	if len(existing) > 0 {
		b.logger.Warn().Int("events", len(existing)).Msg("recovered spooled events")
	}

	return b, nil
}

// OnDepthChange registers a callback invoked with the number of spooled events.
func (b *BufferedStore) OnDepthChange(fn func(int)) {
	b.mu.Lock()
	b.depth = fn
	n := len(b.queue)
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Append stores ev, or spools it if the store is unavailable. A spooled event
// returns engine.SequenceBuffered. If the spool itself cannot be written the
// operator is alerted directly and engine.ErrEventBufferFailed is returned.
func (b *BufferedStore) Append(ctx context.Context, ev engine.Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, fmt.Errorf("invalid event: %w", err)
	}

	unlock := b.locks.Lock(ev.CorrelationID)
	defer unlock()

	if b.hasPending(ev.CorrelationID) {
		return b.buffer(ctx, ev)
	}

	seq, err := b.inner.Append(ctx, ev)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, engine.ErrEventStoreUnavailable) {
		return 0, err
	}

	b.logger.Warn().Err(err).
		Str("correlation_id", ev.CorrelationID).
		Str("event_type", string(ev.Type)).
		Msg("event store unavailable, buffering event")
	return b.buffer(ctx, ev)
}

func (b *BufferedStore) hasPending(correlationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[correlationID] > 0
}

func (b *BufferedStore) buffer(ctx context.Context, ev engine.Event) (int64, error) {
	// The spool file and the queue change together under b.mu, so a
	// compaction in flushOne always rewrites every acknowledged event.
	b.mu.Lock()
	err := b.spool.Write(ev)
	if err == nil {
		b.queue = append(b.queue, ev)
		b.pending[ev.CorrelationID]++
		b.notifyDepthLocked()
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Error().Err(err).
			Str("event_id", ev.ID).
			Str("correlation_id", ev.CorrelationID).
			Msg("failed to buffer event")

		if b.alerter != nil {
			alert := engine.Alert{
				ReasonType: "event-store",
				Title:      "Event buffer write failed",
				Body: fmt.Sprintf("Event %s (%s) for correlation %s could not be stored or buffered: %v",
					ev.ID, ev.Type, ev.CorrelationID, err),
				CreatedAt: time.Now().UTC(),
			}
			if aerr := b.alerter.OperatorAlert(ctx, alert); aerr != nil {
				b.logger.Error().Err(aerr).Msg("failed to alert operator")
			}
		}
		return 0, fmt.Errorf("%w: %w", engine.ErrEventBufferFailed, err)
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return engine.SequenceBuffered, nil
}

func (b *BufferedStore) notifyDepthLocked() {
	if b.depth != nil {
		b.depth(len(b.queue))
	}
}

// Pending returns the number of spooled events.
func (b *BufferedStore) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// PendingFor returns the spooled events of one correlation ID, oldest first.
func (b *BufferedStore) PendingFor(correlationID string) []engine.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []engine.Event
	for _, ev := range b.queue {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	return out
}

// PendingCorrelations returns the correlation IDs with spooled events, in the
// order their first spooled event was accepted.
func (b *BufferedStore) PendingCorrelations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool, len(b.pending))
	var out []string
	for _, ev := range b.queue {
		if !seen[ev.CorrelationID] {
			seen[ev.CorrelationID] = true
			out = append(out, ev.CorrelationID)
		}
	}
	return out
}

// Start launches the background flusher.
func (b *BufferedStore) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *BufferedStore) run(ctx context.Context) {
	defer b.wg.Done()

	backoff := b.cfg.InitialBackoff
	for {
		if b.Pending() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-b.wake:
			}
		}

		if err := b.Flush(ctx); err != nil {
			b.logger.Warn().Err(err).
				Dur("backoff", backoff).
				Int("pending", b.Pending()).
				Msg("flush failed, retrying")

			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * b.cfg.Multiplier)
			if backoff > b.cfg.MaxBackoff {
				backoff = b.cfg.MaxBackoff
			}
			continue
		}
		backoff = b.cfg.InitialBackoff
	}
}

// Flush writes spooled events to the store in FIFO order until the spool is
// empty or an append fails. It is safe to call while the background flusher
// runs.
func (b *BufferedStore) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return nil
		}
		ev := b.queue[0]
		b.mu.Unlock()

		if err := b.flushOne(ctx, ev); err != nil {
			return err
		}
	}
}

func (b *BufferedStore) flushOne(ctx context.Context, ev engine.Event) error {
	unlock := b.locks.Lock(ev.CorrelationID)
	defer unlock()

	seq, err := b.inner.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("flush event %s: %w", ev.ID, err)
	}

	b.mu.Lock()
	b.queue = b.queue[1:]
	b.pending[ev.CorrelationID]--
	if b.pending[ev.CorrelationID] <= 0 {
		delete(b.pending, ev.CorrelationID)
	}
	b.notifyDepthLocked()
	// Re-flushing after a crash before the rewrite is safe: appends are
	// idempotent by event id
	rerr := b.spool.Rewrite(b.queue)
	b.mu.Unlock()

	if rerr != nil {
		b.logger.Error().Err(rerr).Msg("failed to compact spool")
	}

	b.logger.Debug().
		Str("event_id", ev.ID).
		Str("correlation_id", ev.CorrelationID).
		Int64("sequence", seq).
		Msg("flushed buffered event")
	return nil
}

// Close stops the flusher and closes the spool. Unflushed events stay on disk.
func (b *BufferedStore) Close() error {
	b.once.Do(func() { close(b.stop) })
	b.wg.Wait()
	return b.spool.Close()
}
