package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/agent/protocol"
)

type inbound struct {
	msg *protocol.Message
	err error
}

// session is one running agent process. Commands are serialized by the
// provider; a session is owned by one call at a time.
type session struct {
	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stop    func() error
	ready   *protocol.ReadyMessage

	inbox chan inbound
	quit  chan struct{}
	dead  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newSession(stdin io.WriteCloser, stdout io.ReadCloser, stop func() error) *session {
	s := &session{
		encoder: protocol.NewEncoder(stdin),
		stdin:   stdin,
		stdout:  stdout,
		stop:    stop,
		inbox:   make(chan inbound),
		quit:    make(chan struct{}),
	}
	go s.read(protocol.NewDecoder(stdout))
	return s
}

func (s *session) read(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			s.dead.Store(true)
		}
		select {
		case s.inbox <- inbound{msg: msg, err: err}:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) alive() bool {
	return !s.dead.Load()
}

// execute sends cmd and waits for its DONE or ERROR. EVENT messages are
// logged as they arrive.
func (s *session) execute(ctx context.Context, cmd *protocol.CommandMessage, logger zerolog.Logger) (*protocol.DoneMessage, error) {
	if err := s.encoder.EncodeCommand(cmd); err != nil {
		s.dead.Store(true)
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		var res inbound
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-s.inbox:
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil, fmt.Errorf("agent closed its output")
			}
			return nil, fmt.Errorf("failed to read response: %w", res.err)
		}

		msg := res.msg
		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			logEvent(logger, cmd, &event)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseData(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &agentError{msg: &errMsg}

		case protocol.MessageTypeExit:
			s.dead.Store(true)
			return nil, fmt.Errorf("agent exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

func logEvent(logger zerolog.Logger, cmd *protocol.CommandMessage, event *protocol.EventMessage) {
	var e *zerolog.Event
	switch event.Level {
	case "warn":
		e = logger.Warn()
	case "debug":
		e = logger.Debug()
	default:
		e = logger.Info()
	}
	e.Str("command", string(cmd.Type)).Str("command_id", cmd.ID).Msg(event.Message)
}

// close ends the session. Closing stdin asks the agent to exit.
func (s *session) close() error {
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		close(s.quit)

		var errs []error
		if err := s.stdin.Close(); err != nil && !isClosed(err) {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
		if s.stop != nil {
			if err := s.stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.stdout.Close(); err != nil && !isClosed(err) {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
