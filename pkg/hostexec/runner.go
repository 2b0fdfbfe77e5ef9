// Package hostexec provides the command-execution capability used to read and
// mutate host state.
//
// Every interaction with the host (version queries, package managers, file
// system primitives, service managers) goes through a Runner. Production code
// uses LocalRunner or the SSH transport; tests substitute a fake.
package hostexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds commands that do not set their own timeout.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotFound is returned by LookPath when the executable is not on the search path.
	ErrNotFound = errors.New("executable not found")

	// ErrTimeout is returned by Run when a command was killed by its timeout.
	ErrTimeout = errors.New("command timed out")
)

// Command describes a single invocation.
type Command struct {
	// Name is the executable to run
	Name string

	// Args are the command arguments
	Args []string

	// Stdin is fed to the process when non-nil
	Stdin []byte

	// Timeout bounds the invocation; zero selects the runner default
	Timeout time.Duration
}

// NewCommand builds a Command from a name and arguments.
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// WithStdin returns a copy of the command that feeds data on stdin.
func (c Command) WithStdin(data []byte) Command {
	c.Stdin = data
	return c
}

// WithTimeout returns a copy of the command with an explicit timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	// Output is stdout and stderr merged in write order
	Output []byte

	// ExitCode is the process exit status
	ExitCode int

	// Duration is the wall time of the invocation
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Text returns the output with surrounding whitespace trimmed.
func (r Result) Text() string {
	return strings.TrimSpace(string(r.Output))
}

// Runner executes commands on a host.
//
// Run returns an error only when the command could not be started or did not
// finish within its timeout. A non-zero exit status is reported through
// Result.ExitCode.
type Runner interface {
	LookPath(ctx context.Context, name string) (string, error)
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExitError describes a command that finished with a non-zero status where the
// caller required success.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, out)
}

// RunChecked runs cmd and converts a non-zero exit status into an *ExitError.
func RunChecked(ctx context.Context, r Runner, cmd Command) (Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, &ExitError{
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Output:   string(res.Output),
		}
	}
	return res, nil
}
