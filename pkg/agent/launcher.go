package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

var errNotFound = exec.ErrNotFound

// ProcessLauncher starts the agent as a local child process.
type ProcessLauncher struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	// GracePeriod is how long stop waits after closing stdin before killing.
	GracePeriod time.Duration
}

// Launch starts the process. The process is not bound to ctx; it lives until
// stop is called.
func (l *ProcessLauncher) Launch(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Stderr = os.Stderr
	if len(l.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range l.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	// The read end is owned by the caller so Wait never closes it under
	// a pending read.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = pw.Close()
		return nil, nil, nil, fmt.Errorf("failed to start %s: %w", l.Command, err)
	}
	_ = pw.Close()

	grace := l.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	stop := func() error {
		_ = stdin.Close()
		select {
		case err := <-waitCh:
			return exitError(err)
		case <-time.After(grace):
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill agent: %w", err)
		}
		<-waitCh
		return nil
	}
	return stdin, stdout, stop, nil
}

func exitError(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("agent exited with status %d", ee.ExitCode())
	}
	return err
}
