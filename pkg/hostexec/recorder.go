package hostexec

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunnerFunc adapts a function to the Run half of a Runner. LookPath always
// succeeds and returns the name unchanged.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

// LookPath implements Runner.
func (f RunnerFunc) LookPath(_ context.Context, name string) (string, error) {
	return name, nil
}

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// Recorder wraps a Runner, logging every invocation and keeping a journal of
// the commands that ran. apply persists the journal with the run history.
type Recorder struct {
	next Runner

	mu      sync.Mutex
	journal []Entry
}

// Entry is one journaled command.
type Entry struct {
	Command  string
	ExitCode int
	Err      string
	Started  time.Time
	Duration time.Duration
}

// uploader matches runners that write files directly (the SSH transport).
type uploader interface {
	Upload(ctx context.Context, path string, content []byte, mode os.FileMode) error
}

// NewRecorder wraps next.
func NewRecorder(next Runner) *Recorder {
	return &Recorder{next: next}
}

// LookPath implements Runner.
func (r *Recorder) LookPath(ctx context.Context, name string) (string, error) {
	path, err := r.next.LookPath(ctx, name)
	log.Trace().Str("name", name).Str("path", path).Err(err).Msg("look path")
	return path, err
}

// Run implements Runner.
func (r *Recorder) Run(ctx context.Context, cmd Command) (Result, error) {
	started := time.Now()
	res, err := r.next.Run(ctx, cmd)

	entry := Entry{Command: cmd.String(), ExitCode: res.ExitCode, Started: started, Duration: res.Duration}
	r.append(entry, err)

	log.Debug().
		Str("command", entry.Command).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Err(err).
		Msg("host command")

	return res, err
}

func (r *Recorder) append(entry Entry, err error) {
	if err != nil {
		entry.Err = err.Error()
	}
	r.mu.Lock()
	r.journal = append(r.journal, entry)
	r.mu.Unlock()
}

// Runner returns the recorder as a Runner. When the wrapped runner can upload
// files the result does too, and uploads are journaled as "upload <path>".
func (r *Recorder) Runner() Runner {
	if up, ok := r.next.(uploader); ok {
		return &uploadRecorder{Recorder: r, up: up}
	}
	return r
}

type uploadRecorder struct {
	*Recorder
	up uploader
}

func (u *uploadRecorder) Upload(ctx context.Context, path string, content []byte, mode os.FileMode) error {
	started := time.Now()
	err := u.up.Upload(ctx, path, content, mode)
	entry := Entry{Command: fmt.Sprintf("upload %s (%d bytes, mode %04o)", path, len(content), mode.Perm()), Started: started, Duration: time.Since(started)}
	if err != nil {
		entry.ExitCode = -1
	}
	u.append(entry, err)
	log.Debug().Str("path", path).Int("bytes", len(content)).Err(err).Msg("host upload")
	return err
}

// Journal returns a copy of the recorded commands.
func (r *Recorder) Journal() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.journal))
	copy(out, r.journal)
	return out
}

// Reset clears the journal.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.journal = nil
	r.mu.Unlock()
}
