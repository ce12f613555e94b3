package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/agent/protocol"
	"github.com/devloop/devloop/pkg/engine"
)

// Launcher starts an agent process and returns its stdio.
type Launcher interface {
	// Launch starts the agent. stop terminates it and releases its resources.
	Launch(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, stop func() error, err error)
}

// Config contains provider configuration options.
type Config struct {
	Command        string            `yaml:"command" json:"command"`
	Args           []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir            string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	StartupTimeout time.Duration     `yaml:"startup_timeout" json:"startup_timeout"`
	// CommandTimeout applies when the caller's context has no deadline.
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
	MaxSessions    int           `yaml:"max_sessions" json:"max_sessions" validate:"gte=0"`
}

// Default values.
const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultCommandTimeout = 10 * time.Minute
	DefaultMaxSessions    = 2
)

// Provider implements engine.AIProvider by driving external agent processes
// over the JSON-lines protocol. Idle sessions are reused; a session whose
// command was interrupted is discarded.
type Provider struct {
	launcher Launcher
	cfg      Config
	logger   zerolog.Logger

	slots chan struct{}

	mu     sync.Mutex
	idle   []*session
	closed bool
}

var _ engine.AIProvider = (*Provider)(nil)

// New creates a provider. A nil launcher runs cfg.Command locally.
func New(cfg Config, launcher Launcher, logger zerolog.Logger) (*Provider, error) {
	if launcher == nil {
		if cfg.Command == "" {
			return nil, engine.NewValidationError("agent command is required", nil)
		}
		launcher = &ProcessLauncher{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env, Dir: cfg.Dir}
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}

	return &Provider{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger.With().Str("component", "agent").Logger(),
		slots:    make(chan struct{}, cfg.MaxSessions),
	}, nil
}

// Analyze asks the agent to analyze an issue.
func (p *Provider) Analyze(ctx context.Context, issue engine.Issue) (*engine.Analysis, error) {
	var out engine.Analysis
	if err := p.call(ctx, protocol.CommandAnalyze, protocol.AnalyzeParams{Issue: issue}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GeneratePlan asks the agent for an implementation plan.
func (p *Provider) GeneratePlan(ctx context.Context, issue engine.Issue, analysis *engine.Analysis) (*engine.Plan, error) {
	var out engine.Plan
	params := protocol.GeneratePlanParams{Issue: issue, Analysis: analysis}
	if err := p.call(ctx, protocol.CommandGeneratePlan, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateCode asks the agent to implement a plan.
func (p *Provider) GenerateCode(ctx context.Context, issue engine.Issue, plan *engine.Plan) (*engine.CodeChanges, error) {
	var out engine.CodeChanges
	params := protocol.GenerateCodeParams{Issue: issue, Plan: plan}
	if err := p.call(ctx, protocol.CommandGenerateCode, params, &out); err != nil {
		return nil, err
	}
	if len(out.Files) == 0 {
		return nil, engine.NewStructuralError("agent returned no file changes", nil).
			WithCode(engine.ErrCodeCollaborator)
	}
	return &out, nil
}

func (p *Provider) call(ctx context.Context, ct protocol.CommandType, params interface{}, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return engine.NewStructuralError("failed to marshal agent params", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CommandTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()
	timeout := int(math.Ceil(time.Until(deadline).Seconds()))
	if timeout < 1 {
		timeout = 1
	}

	s, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	if !s.ready.Supports(ct) {
		p.release(s, true)
		return engine.NewStructuralError(fmt.Sprintf("agent %q does not support %s", s.ready.Agent, ct), nil).
			WithCode(engine.ErrCodeMissingConfig)
	}

	cmd := &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    ct,
		Timeout: timeout,
		Params:  raw,
	}
	done, err := s.execute(ctx, cmd, p.logger)
	p.release(s, err == nil || isAgentError(err))
	if err != nil {
		return classify(ctx, ct, err)
	}

	if err := protocol.ParseData(done.Result, result); err != nil {
		return engine.NewStructuralError(fmt.Sprintf("agent returned an unreadable %s result", ct), err).
			WithCode(engine.ErrCodeCollaborator)
	}
	p.logger.Debug().Str("command", string(ct)).Str("command_id", cmd.ID).Float64("duration", done.Duration).Msg("agent command completed")
	return nil
}

func (p *Provider) acquire(ctx context.Context) (*session, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, engine.NewTransientError("timed out waiting for an agent session", ctx.Err()).
			WithCode(engine.ErrCodeTimeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, engine.NewCriticalError("agent provider is closed", nil)
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.start(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return s, nil
}

func (p *Provider) release(s *session, reuse bool) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	if reuse && !p.closed && s.alive() {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := s.close(); err != nil {
		p.logger.Debug().Err(err).Msg("agent session close")
	}
}

func (p *Provider) start(ctx context.Context) (*session, error) {
	stdin, stdout, stop, err := p.launcher.Launch(ctx)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, engine.NewStructuralError("agent command not found", err).WithCode(engine.ErrCodeMissingConfig)
		}
		return nil, engine.NewTransientError("failed to start agent", err).WithCode(engine.ErrCodeConnection)
	}

	s := newSession(stdin, stdout, stop)

	readyCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	select {
	case <-readyCtx.Done():
		_ = s.close()
		return nil, engine.NewTransientError("timeout waiting for READY message", readyCtx.Err()).
			WithCode(engine.ErrCodeTimeout)
	case res := <-s.inbox:
		if res.err != nil {
			_ = s.close()
			return nil, engine.NewTransientError("failed to receive READY", res.err).WithCode(engine.ErrCodeConnection)
		}
		if res.msg.Type != protocol.MessageTypeReady {
			_ = s.close()
			return nil, engine.NewStructuralError(fmt.Sprintf("expected READY, got %s", res.msg.Type), nil).
				WithCode(engine.ErrCodeCollaborator)
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(res.msg.Data, &ready); err != nil {
			_ = s.close()
			return nil, engine.NewStructuralError("invalid READY message", err).WithCode(engine.ErrCodeCollaborator)
		}
		if ready.Version != protocol.Version {
			_ = s.close()
			return nil, engine.NewStructuralError(
				fmt.Sprintf("agent speaks protocol %q, want %q", ready.Version, protocol.Version), nil).
				WithCode(engine.ErrCodeCollaborator)
		}
		s.ready = &ready
	}

	p.logger.Info().Str("agent", s.ready.Agent).Int("pid", s.ready.PID).Msg("agent session started")
	return s, nil
}

// Sessions returns the number of idle agent sessions.
func (p *Provider) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close terminates all idle sessions. Sessions in use are terminated when
// their command returns.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// agentError wraps an ERROR frame answered by the agent. The session stays
// usable after one.
type agentError struct {
	msg *protocol.ErrorMessage
}

func (e *agentError) Error() string { return e.msg.Error() }

func isAgentError(err error) bool {
	var ae *agentError
	return errors.As(err, &ae)
}

// classify maps a failed agent call onto the engine error classes.
func classify(ctx context.Context, ct protocol.CommandType, err error) error {
	var ae *agentError
	switch {
	case errors.As(err, &ae):
		msg := fmt.Sprintf("agent %s failed", ct)
		if ae.msg.Retryable {
			e := engine.NewTransientError(msg, ae).WithCode(engine.ErrCodeCollaborator)
			if ae.msg.RetryAfter > 0 {
				e.WithDetail("retry_after", ae.msg.RetryAfter)
			}
			return e
		}
		return engine.NewStructuralError(msg, ae).WithCode(engine.ErrCodeCollaborator).
			WithDetail("agent_code", ae.msg.Code)
	case ctx.Err() != nil:
		return engine.NewTransientError(fmt.Sprintf("agent %s timed out", ct), err).WithCode(engine.ErrCodeTimeout)
	default:
		return engine.NewTransientError(fmt.Sprintf("agent %s connection lost", ct), err).WithCode(engine.ErrCodeConnection)
	}
}
