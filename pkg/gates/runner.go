package gates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// CommandSpec describes a local command run for a gate.
type CommandSpec struct {
	// Command is the executable, or a shell snippet when Args is empty.
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Shell   string            `yaml:"shell,omitempty" json:"shell,omitempty"`
}

// CommandResult is the captured result of a command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Output returns stdout followed by stderr.
func (r *CommandResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// CommandRunner runs commands with bounded output capture.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec) (*CommandResult, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	// MaxOutputBytes bounds how much of each stream is kept (tail).
	MaxOutputBytes int
}

// NewExecRunner creates a runner keeping the last maxOutput bytes per stream.
func NewExecRunner(maxOutput int) *ExecRunner {
	if maxOutput <= 0 {
		maxOutput = 256 * 1024
	}
	return &ExecRunner{MaxOutputBytes: maxOutput}
}

// Run executes the command. A non-zero exit is reported in the result, not as
// an error; errors mean the command could not be started.
func (r *ExecRunner) Run(ctx context.Context, spec CommandSpec) (*CommandResult, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	shell := spec.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(spec.Args) > 0 {
		cmd = exec.CommandContext(ctx, spec.Command, spec.Args...)
	} else {
		// If no args, run command through shell
		cmd = exec.CommandContext(ctx, shell, "-c", spec.Command)
	}

	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	// Children of a killed shell may hold the output pipes open
	cmd.WaitDelay = 2 * time.Second

	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdout := newTailBuffer(r.MaxOutputBytes)
	stderr := newTailBuffer(r.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
		}
	}

	return result, nil
}
