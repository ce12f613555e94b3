package stores

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/devloop/devloop/pkg/engine"
)

// fileSpool is a durable FIFO of events kept as JSON lines. Every write is
// fsynced before it is acknowledged.
type fileSpool struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// openSpool opens or creates the spool at path and returns the events it
// already holds, oldest first.
func openSpool(path string) (*fileSpool, []engine.Event, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	existing, err := readSpool(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open spool: %w", err)
	}

	return &fileSpool{path: path, f: f}, existing, nil
}

func readSpool(path string) ([]engine.Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	defer f.Close()

	var events []engine.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev engine.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn final line from a crash mid-write was never acknowledged
			break
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan spool: %w", err)
	}
	return events, nil
}

// Write appends ev and syncs it to disk.
func (s *fileSpool) Write(ev engine.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode spooled event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("spool closed")
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("failed to write spool: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	return nil
}

// Rewrite atomically replaces the spool contents with events.
func (s *fileSpool) Rewrite(events []engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create spool rewrite: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to encode spooled event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush spool rewrite: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync spool rewrite: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close spool rewrite: %w", err)
	}

	if s.f != nil {
		_ = s.f.Close()
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace spool: %w", err)
	}

	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to reopen spool: %w", err)
	}
	return nil
}

// Close closes the spool file.
func (s *fileSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
