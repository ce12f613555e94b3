package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop/devloop/pkg/agent/protocol"
	"github.com/devloop/devloop/pkg/engine"
)

const helperEnv = "DEVLOOP_TEST_AGENT"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := Serve(context.Background(), os.Stdin, os.Stdout, &fakeAI{}, ServeOptions{Name: "helper"}); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fakeAI struct {
	analyze func(ctx context.Context, issue engine.Issue) (*engine.Analysis, error)
	code    func(ctx context.Context, issue engine.Issue, plan *engine.Plan) (*engine.CodeChanges, error)
}

func (f *fakeAI) Analyze(ctx context.Context, issue engine.Issue) (*engine.Analysis, error) {
	if f.analyze != nil {
		return f.analyze(ctx, issue)
	}
	return &engine.Analysis{Summary: "analyzed " + issue.Ref, Files: []string{"main.go"}}, nil
}

func (f *fakeAI) GeneratePlan(_ context.Context, issue engine.Issue, analysis *engine.Analysis) (*engine.Plan, error) {
	return &engine.Plan{Steps: []string{"edit " + analysis.Files[0]}, Text: "plan for " + issue.Ref}, nil
}

func (f *fakeAI) GenerateCode(ctx context.Context, issue engine.Issue, plan *engine.Plan) (*engine.CodeChanges, error) {
	if f.code != nil {
		return f.code(ctx, issue, plan)
	}
	return &engine.CodeChanges{
		Message: "fix " + issue.Ref,
		Files:   []engine.FileChange{{Path: "main.go", Content: "package main\n"}},
	}, nil
}

// pipeLauncher runs Serve in-process over io.Pipe.
type pipeLauncher struct {
	ai       engine.AIProvider
	launches atomic.Int32
}

func (l *pipeLauncher) Launch(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	l.launches.Add(1)
	agentIn, hostOut := io.Pipe()
	hostIn, agentOut := io.Pipe()
	go func() {
		_ = Serve(context.Background(), agentIn, agentOut, l.ai, ServeOptions{Name: "pipe"})
		_ = agentOut.Close()
	}()
	return hostOut, hostIn, func() error { return nil }, nil
}

// scriptLauncher plays the agent side with a hand-written script.
type scriptLauncher struct {
	script func(dec *protocol.Decoder, enc *protocol.Encoder)
}

func (l *scriptLauncher) Launch(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	agentIn, hostOut := io.Pipe()
	hostIn, agentOut := io.Pipe()
	go func() {
		l.script(protocol.NewDecoder(agentIn), protocol.NewEncoder(agentOut))
		_ = agentOut.Close()
	}()
	return hostOut, hostIn, nil, nil
}

func newProvider(t *testing.T, l Launcher, cfg Config) *Provider {
	t.Helper()
	p, err := New(cfg, l, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProviderRoundTrip(t *testing.T) {
	l := &pipeLauncher{ai: &fakeAI{}}
	p := newProvider(t, l, Config{})
	ctx := context.Background()
	issue := engine.Issue{Ref: "acme/api#42", Title: "nil pointer"}

	analysis, err := p.Analyze(ctx, issue)
	require.NoError(t, err)
	assert.Equal(t, "analyzed acme/api#42", analysis.Summary)

	plan, err := p.GeneratePlan(ctx, issue, analysis)
	require.NoError(t, err)
	assert.Equal(t, []string{"edit main.go"}, plan.Steps)

	changes, err := p.GenerateCode(ctx, issue, plan)
	require.NoError(t, err)
	require.Len(t, changes.Files, 1)
	assert.Equal(t, "main.go", changes.Files[0].Path)

	assert.Equal(t, int32(1), l.launches.Load(), "session should be reused")
	assert.Equal(t, 1, p.Sessions())
}

func TestProviderAgentErrors(t *testing.T) {
	var calls atomic.Int32
	ai := &fakeAI{analyze: func(ctx context.Context, issue engine.Issue) (*engine.Analysis, error) {
		if calls.Add(1) == 1 {
			return nil, engine.NewTransientError("model overloaded", nil).WithCode(engine.ErrCodeRateLimited)
		}
		return nil, errors.New("cannot understand issue")
	}}
	l := &pipeLauncher{ai: ai}
	p := newProvider(t, l, Config{})

	_, err := p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err), "retryable ERROR should be transient: %v", err)
	assert.Contains(t, err.Error(), "model overloaded")

	_, err = p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err), "non-retryable ERROR should be structural: %v", err)
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeCollaborator, ee.Code)
	assert.Equal(t, "AGENT_FAILED", ee.Details["agent_code"])

	assert.Equal(t, int32(1), l.launches.Load(), "agent errors keep the session")
}

func TestProviderEmptyChanges(t *testing.T) {
	ai := &fakeAI{code: func(context.Context, engine.Issue, *engine.Plan) (*engine.CodeChanges, error) {
		return &engine.CodeChanges{Message: "nothing"}, nil
	}}
	p := newProvider(t, &pipeLauncher{ai: ai}, Config{})

	_, err := p.GenerateCode(context.Background(), engine.Issue{Ref: "a/b#1"}, &engine.Plan{})
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err))
}

func TestProviderTimeoutDiscardsSession(t *testing.T) {
	var calls atomic.Int32
	ai := &fakeAI{analyze: func(ctx context.Context, issue engine.Issue) (*engine.Analysis, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &engine.Analysis{Summary: "ok"}, nil
	}}
	l := &pipeLauncher{ai: ai}
	p := newProvider(t, l, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Analyze(ctx, engine.Issue{Ref: "a/b#1"})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeTimeout, ee.Code)
	assert.Equal(t, 0, p.Sessions())

	analysis, err := p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", analysis.Summary)
	assert.Equal(t, int32(2), l.launches.Load())
}

func TestProviderConcurrentCallsShareSlots(t *testing.T) {
	l := &pipeLauncher{ai: &fakeAI{}}
	p := newProvider(t, l, Config{MaxSessions: 1})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := p.Analyze(context.Background(), engine.Issue{Ref: fmt.Sprintf("a/b#%d", i)})
			if err == nil && a.Summary != fmt.Sprintf("analyzed a/b#%d", i) {
				err = fmt.Errorf("wrong summary %q", a.Summary)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), l.launches.Load())
}

func TestProviderStartupFailures(t *testing.T) {
	tests := []struct {
		name       string
		script     func(dec *protocol.Decoder, enc *protocol.Encoder)
		structural bool
	}{
		{
			name: "wrong protocol version",
			script: func(_ *protocol.Decoder, enc *protocol.Encoder) {
				_ = enc.EncodeReady(&protocol.ReadyMessage{Version: "0", Agent: "old"})
			},
			structural: true,
		},
		{
			name: "first message is not READY",
			script: func(_ *protocol.Decoder, enc *protocol.Encoder) {
				_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "nope"})
			},
			structural: true,
		},
		{
			name:   "exits before READY",
			script: func(*protocol.Decoder, *protocol.Encoder) {},
		},
		{
			name: "never sends READY",
			script: func(dec *protocol.Decoder, _ *protocol.Encoder) {
				_, _ = dec.Decode()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider(t, &scriptLauncher{script: tt.script}, Config{StartupTimeout: 100 * time.Millisecond})
			_, err := p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
			require.Error(t, err)
			if tt.structural {
				assert.True(t, engine.IsStructural(err), "%v", err)
			} else {
				assert.True(t, engine.IsTransient(err), "%v", err)
			}
		})
	}
}

func TestProviderMissingCapability(t *testing.T) {
	script := func(dec *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.EncodeReady(&protocol.ReadyMessage{
			Version: protocol.Version,
			Agent:   "analyst",
			Caps:    []protocol.CommandType{protocol.CommandAnalyze},
		})
		_, _ = dec.Decode()
	}
	p := newProvider(t, &scriptLauncher{script: script}, Config{})

	_, err := p.GenerateCode(context.Background(), engine.Issue{Ref: "a/b#1"}, &engine.Plan{})
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err))
	assert.Contains(t, err.Error(), "does not support generate-code")
}

func TestProviderAgentExitsMidCommand(t *testing.T) {
	script := func(dec *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.EncodeReady(&protocol.ReadyMessage{
			Version: protocol.Version,
			Caps:    []protocol.CommandType{protocol.CommandAnalyze},
		})
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return
		}
		_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Message: "reading repository"})
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "crashed", ExitCode: 2})
	}
	p := newProvider(t, &scriptLauncher{script: script}, Config{})

	_, err := p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.Contains(t, err.Error(), "exited unexpectedly")
	assert.Equal(t, 0, p.Sessions())
}

func TestProviderMismatchedCommandID(t *testing.T) {
	script := func(dec *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.EncodeReady(&protocol.ReadyMessage{
			Version: protocol.Version,
			Caps:    []protocol.CommandType{protocol.CommandAnalyze},
		})
		if _, err := dec.DecodeCommand(); err != nil {
			return
		}
		_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: "someone-else", Result: []byte(`{}`)})
	}
	p := newProvider(t, &scriptLauncher{script: script}, Config{})

	_, err := p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command ID mismatch")
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestProviderClosed(t *testing.T) {
	p := newProvider(t, &pipeLauncher{ai: &fakeAI{}}, Config{})
	_, err := p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Sessions())

	_, err = p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.Error(t, err)
	assert.True(t, engine.IsCritical(err))
}

func TestProcessLauncherNotFound(t *testing.T) {
	p := newProvider(t, nil, Config{Command: "devloop-agent-that-does-not-exist"})
	_, err := p.Analyze(context.Background(), engine.Issue{Ref: "a/b#1"})
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err))
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeMissingConfig, ee.Code)
}

func TestProcessLauncherHelperAgent(t *testing.T) {
	p := newProvider(t, nil, Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{helperEnv: "1"},
	})

	analysis, err := p.Analyze(context.Background(), engine.Issue{Ref: "acme/api#7"})
	require.NoError(t, err)
	assert.Equal(t, "analyzed acme/api#7", analysis.Summary)
	require.NoError(t, p.Close())
}
