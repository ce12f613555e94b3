package workflow

import (
	"context"
	"sync"

	"github.com/devloop/devloop/pkg/engine"
)

// JournalMetrics records appended events.
type JournalMetrics interface {
	RecordEventAppended(eventType string)
}

// Journal appends events to the event store and hands every accepted event
// to the live aggregate of the instance owning its correlation ID. The gate
// executor and escalation manager append through the journal so that the
// live state evolves by the same fold replay uses.
type Journal struct {
	inner   engine.EventAppender
	metrics JournalMetrics

	mu   sync.RWMutex
	subs map[string]func(engine.Event)
}

// NewJournal wraps an appender. metrics may be nil.
func NewJournal(inner engine.EventAppender, metrics JournalMetrics) *Journal {
	return &Journal{
		inner:   inner,
		metrics: metrics,
		subs:    make(map[string]func(engine.Event)),
	}
}

// Append stores ev and dispatches it with its assigned sequence. A buffered
// event is dispatched with engine.SequenceBuffered.
func (j *Journal) Append(ctx context.Context, ev engine.Event) (int64, error) {
	seq, err := j.inner.Append(ctx, ev)
	if err != nil {
		return seq, err
	}
	ev.Sequence = seq

	if j.metrics != nil {
		j.metrics.RecordEventAppended(string(ev.Type))
	}

	j.mu.RLock()
	fn := j.subs[ev.CorrelationID]
	j.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
	return seq, nil
}

func (j *Journal) subscribe(correlationID string, fn func(engine.Event)) func() {
	j.mu.Lock()
	j.subs[correlationID] = fn
	j.mu.Unlock()
	return func() {
		j.mu.Lock()
		delete(j.subs, correlationID)
		j.mu.Unlock()
	}
}
