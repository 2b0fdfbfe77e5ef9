package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// LocalRunner executes commands on the machine running the process.
type LocalRunner struct {
	// Timeout is applied to commands without their own timeout
	Timeout time.Duration

	// Env, when set, replaces the process environment for every command
	Env []string
}

// NewLocalRunner creates a LocalRunner with the default timeout.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Timeout: DefaultTimeout}
}

// LookPath searches PATH for name.
func (r *LocalRunner) LookPath(_ context.Context, name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return path, nil
}

// Run executes cmd with stdout and stderr merged into one buffer.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	if len(r.Env) > 0 {
		c.Env = r.Env
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	start := time.Now()
	err := c.Run()
	result := Result{
		Output:   out.Bytes(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%s after %s: %w", cmd.String(), timeout, ErrTimeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute %s: %w", cmd.Name, err)
	}

	return result, nil
}
