package gates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/policy"
	"github.com/devloop/devloop/pkg/telemetry"
)

// OutputParser extracts findings from command output.
type OutputParser func(output string) ([]policy.Finding, error)

// CommandInvoker runs a local command for a gate.
type CommandInvoker struct {
	Runner CommandRunner
	Spec   CommandSpec

	// Parser, when set, extracts findings from stdout.
	Parser OutputParser
}

// NewCommandInvoker creates an invoker running spec through runner.
func NewCommandInvoker(runner CommandRunner, spec CommandSpec) *CommandInvoker {
	return &CommandInvoker{Runner: runner, Spec: spec}
}

// Invoke runs the command once.
func (c *CommandInvoker) Invoke(ctx context.Context, action engine.ActionType) (*RawOutcome, error) {
	result, err := c.Runner.Run(ctx, c.Spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewStructuralError(fmt.Sprintf("cannot start %s", c.Spec.Command), err).
			WithAction(action).
			WithCode(engine.ErrCodeMissingConfig)
	}

	if result.TimedOut {
		return &RawOutcome{Output: result.Output(), ExitCode: result.ExitCode},
			engine.NewTransientError(fmt.Sprintf("%s timed out after %v", c.Spec.Command, c.Spec.Timeout), nil).
				WithAction(action).
				WithCode(engine.ErrCodeTimeout)
	}

	outcome := &RawOutcome{
		Output:   result.Output(),
		ExitCode: result.ExitCode,
		Details: map[string]interface{}{
			"command":     c.Spec.Command,
			"duration_ms": result.Duration.Milliseconds(),
		},
	}
	if c.Parser != nil {
		findings, err := c.Parser(result.Stdout)
		if err != nil {
			outcome.Details["parse_error"] = err.Error()
		}
		outcome.Findings = findings
	}
	return outcome, nil
}

// CIInvoker triggers a CI run on the git platform and polls until it settles.
type CIInvoker struct {
	Platform     engine.GitPlatform
	IssueRef     string
	Ref          string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Invoke triggers CI for the ref and waits for a terminal status.
func (c *CIInvoker) Invoke(ctx context.Context, action engine.ActionType) (*RawOutcome, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	err := telemetry.RecordCollaboratorOperation(ctx, "git", "trigger-ci", func(ctx context.Context) error {
		return c.Platform.TriggerCI(ctx, c.IssueRef, c.Ref)
	})
	if err != nil {
		return nil, collaboratorError(ctx, action, "trigger ci", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var status *engine.CIStatus
		err := telemetry.RecordCollaboratorOperation(pollCtx, "git", "ci-status", func(ctx context.Context) error {
			var err error
			status, err = c.Platform.GetCIStatus(ctx, c.IssueRef, c.Ref)
			return err
		})
		if err != nil && pollCtx.Err() == nil {
			return nil, collaboratorError(ctx, action, "get ci status", err)
		}

		if status != nil {
			switch status.State {
			case engine.CISuccess:
				return &RawOutcome{Output: status.Details, Details: ciDetails(status)}, nil
			case engine.CIFailure, engine.CIError:
				return &RawOutcome{Output: status.Details, ExitCode: 1, Details: ciDetails(status)}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pollCtx.Done():
			return nil, engine.NewTransientError(fmt.Sprintf("ci for %s still pending after %v", c.Ref, timeout), nil).
				WithAction(action).
				WithCode(engine.ErrCodeTimeout)
		case <-ticker.C:
		}
	}
}

func ciDetails(status *engine.CIStatus) map[string]interface{} {
	return map[string]interface{}{
		"ci_state": string(status.State),
		"ci_url":   status.URL,
	}
}

// collaboratorError keeps classified errors and marks the rest transient.
func collaboratorError(ctx context.Context, action engine.ActionType, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		return err
	}
	return engine.NewTransientError(op+" failed", err).
		WithAction(action).
		WithCode(engine.ErrCodeCollaborator)
}

// AnalyzerInvoker runs every analyzer selected for a gate and merges findings.
type AnalyzerInvoker struct {
	Runner    CommandRunner
	Analyzers []*Analyzer
	Dir       string
}

// Invoke runs the analyzers sequentially. The exit code is the highest
// returned by any analyzer. With no analyzers the gate passes trivially.
func (a *AnalyzerInvoker) Invoke(ctx context.Context, action engine.ActionType) (*RawOutcome, error) {
	outcome := &RawOutcome{
		Findings: []policy.Finding{},
		Details:  map[string]interface{}{},
	}
	if len(a.Analyzers) == 0 {
		outcome.Details["analyzers"] = []interface{}{}
		outcome.Output = fmt.Sprintf("no analyzers selected for %s", action)
		return outcome, nil
	}

	names := make([]interface{}, 0, len(a.Analyzers))
	for _, an := range a.Analyzers {
		names = append(names, an.Name)

		spec := an.Manifest.Command
		if spec.Dir == "" {
			spec.Dir = a.Dir
		}
		if spec.Timeout == 0 {
			spec.Timeout = an.Manifest.Timeout
		}

		result, err := a.Runner.Run(ctx, spec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, engine.NewStructuralError(fmt.Sprintf("analyzer %s could not start", an.Name), err).
				WithAction(action).
				WithCode(engine.ErrCodeMissingConfig)
		}
		if result.TimedOut {
			return &RawOutcome{Output: result.Output(), ExitCode: result.ExitCode},
				engine.NewTransientError(fmt.Sprintf("analyzer %s timed out", an.Name), nil).
					WithAction(action).
					WithCode(engine.ErrCodeTimeout)
		}

		findings, err := an.Parse(result)
		if err != nil {
			outcome.Details["parse_error_"+an.Name] = err.Error()
		}
		outcome.Findings = append(outcome.Findings, findings...)

		if result.ExitCode > outcome.ExitCode {
			outcome.ExitCode = result.ExitCode
		}
		if out := result.Output(); out != "" {
			outcome.Output += fmt.Sprintf("== %s (exit %d)\n%s\n", an.Name, result.ExitCode, out)
		}
	}
	outcome.Details["analyzers"] = names
	outcome.Details["findings"] = len(outcome.Findings)
	return outcome, nil
}
