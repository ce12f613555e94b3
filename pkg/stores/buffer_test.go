package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
)

// flakyStore wraps a real store and fails appends while down is set, or for
// correlation IDs starting with downPrefix.
type flakyStore struct {
	*SQLiteStore
	mu         sync.Mutex
	down       bool
	downPrefix string
}

func (f *flakyStore) setDownPrefix(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downPrefix = prefix
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStore) Append(ctx context.Context, ev engine.Event) (int64, error) {
	f.mu.Lock()
	down := f.down || (f.downPrefix != "" && strings.HasPrefix(ev.CorrelationID, f.downPrefix))
	f.mu.Unlock()
	if down {
		return 0, fmt.Errorf("append: %w", engine.ErrEventStoreUnavailable)
	}
	return f.SQLiteStore.Append(ctx, ev)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []engine.Alert
}

func (r *recordingAlerter) OperatorAlert(_ context.Context, alert engine.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func setupBuffered(t *testing.T) (*BufferedStore, *flakyStore, *recordingAlerter) {
	t.Helper()
	inner := &flakyStore{SQLiteStore: setupTestStore(t)}
	alerter := &recordingAlerter{}
	cfg := DefaultBufferConfig(filepath.Join(t.TempDir(), "spool", "events.jsonl"))
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond

	b, err := NewBufferedStore(inner, cfg, alerter, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create buffered store: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, inner, alerter
}

func TestBufferedStorePassesThrough(t *testing.T) {
	b, _, _ := setupBuffered(t)
	ctx := context.Background()

	seq, err := b.Append(ctx, newTestEvent(t, "corr", engine.EventAnalysisStarted, nil))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("expected sequence 0, got %d", seq)
	}
	if b.Pending() != 0 {
		t.Errorf("expected empty spool, got %d", b.Pending())
	}
}

func TestBufferedStoreSpoolsAndFlushesInOrder(t *testing.T) {
	b, inner, _ := setupBuffered(t)
	ctx := context.Background()

	if _, err := b.Append(ctx, newTestEvent(t, "corr", engine.EventType("E0"), nil)); err != nil {
		t.Fatal(err)
	}

	inner.setDown(true)
	for i := 1; i <= 3; i++ {
		seq, err := b.Append(ctx, newTestEvent(t, "corr", engine.EventType(fmt.Sprintf("E%d", i)), nil))
		if err != nil {
			t.Fatalf("append while down should buffer, got %v", err)
		}
		if seq != engine.SequenceBuffered {
			t.Errorf("expected buffered sequence, got %d", seq)
		}
	}
	if b.Pending() != 3 {
		t.Fatalf("expected 3 spooled events, got %d", b.Pending())
	}

	// Store is back, but corr still has spooled events so this one queues behind them
	inner.setDown(false)
	seq, err := b.Append(ctx, newTestEvent(t, "corr", engine.EventType("E4"), nil))
	if err != nil {
		t.Fatal(err)
	}
	if seq != engine.SequenceBuffered {
		t.Errorf("expected E4 to queue behind spooled events, got sequence %d", seq)
	}

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("expected empty spool after flush, got %d", b.Pending())
	}

	events, err := b.Events(ctx, "corr", -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if want := engine.EventType(fmt.Sprintf("E%d", i)); ev.Type != want || ev.Sequence != int64(i) {
			t.Errorf("event %d: got %s/%d, want %s/%d", i, ev.Type, ev.Sequence, want, i)
		}
	}
}

func TestBufferedStoreBackgroundFlush(t *testing.T) {
	b, inner, _ := setupBuffered(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner.setDown(true)
	if _, err := b.Append(ctx, newTestEvent(t, "corr", engine.EventAnalysisStarted, nil)); err != nil {
		t.Fatal(err)
	}

	b.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	if b.Pending() != 1 {
		t.Fatalf("event should stay spooled while store is down")
	}

	inner.setDown(false)
	deadline := time.Now().Add(2 * time.Second)
	for b.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("spooled event was not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferedStoreRecoversSpoolAfterRestart(t *testing.T) {
	inner := &flakyStore{SQLiteStore: setupTestStore(t)}
	path := filepath.Join(t.TempDir(), "events.jsonl")
	ctx := context.Background()

	b, err := NewBufferedStore(inner, DefaultBufferConfig(path), nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	inner.setDown(true)
	ev := newTestEvent(t, "corr", engine.EventAnalysisStarted, nil)
	if _, err := b.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	_ = b.Close()

	inner.setDown(false)
	restarted, err := NewBufferedStore(inner, DefaultBufferConfig(path), nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer restarted.Close()

	if restarted.Pending() != 1 {
		t.Fatalf("expected 1 recovered event, got %d", restarted.Pending())
	}
	if err := restarted.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	events, err := inner.Events(ctx, "corr", -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != ev.ID {
		t.Errorf("expected recovered event to be stored, got %+v", events)
	}
}

func TestBufferedStoreAlertsWhenSpoolFails(t *testing.T) {
	b, inner, alerter := setupBuffered(t)
	ctx := context.Background()

	inner.setDown(true)
	_ = b.spool.Close()

	_, err := b.Append(ctx, newTestEvent(t, "corr", engine.EventAnalysisStarted, nil))
	if !errors.Is(err, engine.ErrEventBufferFailed) {
		t.Fatalf("expected ErrEventBufferFailed, got %v", err)
	}
	if alerter.count() != 1 {
		t.Errorf("expected one operator alert, got %d", alerter.count())
	}
}

func TestBufferedStoreDoesNotSpoolOtherErrors(t *testing.T) {
	b, _, _ := setupBuffered(t)

	ev := newTestEvent(t, "corr", engine.EventAnalysisStarted, nil)
	ev.Actor = "nobody"
	if _, err := b.Append(context.Background(), ev); err == nil {
		t.Fatal("expected validation error")
	}
	if b.Pending() != 0 {
		t.Error("invalid events must not be spooled")
	}
}

func TestSpoolIgnoresTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	ev := newTestEvent(t, "corr", engine.EventAnalysisStarted, nil)

	s, _, err := openSpool(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ev); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"eventId":"torn`)
	_ = f.Close()

	_, events, err := openSpool(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != ev.ID {
		t.Errorf("expected only the complete event, got %d", len(events))
	}
}

func TestBufferedStoreSpoolKeepsEventsBufferedDuringFlush(t *testing.T) {
	b, inner, _ := setupBuffered(t)
	ctx := context.Background()

	inner.setDown(true)
	for i := 0; i < 50; i++ {
		if _, err := b.Append(ctx, newTestEvent(t, "flushed", engine.EventType(fmt.Sprintf("A%d", i)), nil)); err != nil {
			t.Fatal(err)
		}
	}
	inner.setDown(false)
	inner.setDownPrefix("held-")

	// Spool writes for other correlation IDs race with the compactions the
	// flush does after every stored event.
	held := make([]engine.Event, 50)
	for i := range held {
		held[i] = newTestEvent(t, fmt.Sprintf("held-%d", i), engine.EventAnalysisStarted, nil)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(held))
	for i := range held {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := b.Append(ctx, held[i])
			if err == nil && seq != engine.SequenceBuffered {
				err = fmt.Errorf("held-%d: expected buffered sequence, got %d", i, seq)
			}
			if err != nil {
				errs <- err
			}
		}(i)
	}
	// Flush stops with an error once a held event reaches the head of the queue
	_ = b.Flush(ctx)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	onDisk, err := readSpool(b.cfg.SpoolPath)
	if err != nil {
		t.Fatal(err)
	}
	onDiskHeld := 0
	for _, ev := range onDisk {
		if strings.HasPrefix(ev.CorrelationID, "held-") {
			onDiskHeld++
		}
	}
	if onDiskHeld != len(held) {
		t.Errorf("expected all %d acknowledged events in the spool file, found %d", len(held), onDiskHeld)
	}
	if len(onDisk) != b.Pending() {
		t.Errorf("spool file holds %d events, queue holds %d", len(onDisk), b.Pending())
	}
}

func TestBufferedStorePendingCorrelations(t *testing.T) {
	b, inner, _ := setupBuffered(t)
	ctx := context.Background()

	inner.setDown(true)
	for _, corr := range []string{"corr-b", "corr-a", "corr-b"} {
		if _, err := b.Append(ctx, newTestEvent(t, corr, engine.EventAnalysisStarted, nil)); err != nil {
			t.Fatal(err)
		}
	}

	got := b.PendingCorrelations()
	if len(got) != 2 || got[0] != "corr-b" || got[1] != "corr-a" {
		t.Errorf("pending correlations = %v, want [corr-b corr-a]", got)
	}
	if n := len(b.PendingFor("corr-b")); n != 2 {
		t.Errorf("pending for corr-b = %d, want 2", n)
	}

	inner.setDown(false)
	if err := b.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := b.PendingCorrelations(); len(got) != 0 {
		t.Errorf("pending correlations after flush = %v", got)
	}
}

func TestBufferedStoreConcurrentFlushStoresEachEventOnce(t *testing.T) {
	b, inner, _ := setupBuffered(t)
	ctx := context.Background()

	inner.setDown(true)
	for i := 0; i < 20; i++ {
		if _, err := b.Append(ctx, newTestEvent(t, "corr", engine.EventType(fmt.Sprintf("E%d", i)), nil)); err != nil {
			t.Fatal(err)
		}
	}
	inner.setDown(false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Flush(ctx); err != nil {
				t.Errorf("flush failed: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := inner.Events(ctx, "corr", -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 20 || b.Pending() != 0 {
		t.Fatalf("stored %d events with %d pending, want 20 and 0", len(events), b.Pending())
	}
	for i, ev := range events {
		if want := engine.EventType(fmt.Sprintf("E%d", i)); ev.Type != want {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want)
		}
	}
}
