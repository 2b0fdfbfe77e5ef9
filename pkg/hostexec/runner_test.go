package hostexec

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLocalRunner_MergedOutput(t *testing.T) {
	r := NewLocalRunner()
	res, err := r.Run(context.Background(), NewCommand("sh", "-c", "echo out; echo err 1>&2; exit 3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	out := string(res.Output)
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("Output = %q, want both streams", out)
	}
}

func TestLocalRunner_Stdin(t *testing.T) {
	r := NewLocalRunner()
	res, err := r.Run(context.Background(), NewCommand("cat").WithStdin([]byte("hello")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", res.Text())
	}
}

func TestLocalRunner_Timeout(t *testing.T) {
	r := NewLocalRunner()
	_, err := r.Run(context.Background(), NewCommand("sleep", "5").WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
}

func TestLocalRunner_LookPathMissing(t *testing.T) {
	r := NewLocalRunner()
	_, err := r.LookPath(context.Background(), "definitely-not-a-real-binary-p4x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookPath() error = %v, want ErrNotFound", err)
	}
}

func TestRunChecked(t *testing.T) {
	fail := RunnerFunc(func(ctx context.Context, cmd Command) (Result, error) {
		return Result{Output: []byte("boom\n"), ExitCode: 2}, nil
	})

	_, err := RunChecked(context.Background(), fail, NewCommand("false"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("RunChecked() error = %v, want *ExitError", err)
	}
	if exitErr.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", exitErr.ExitCode)
	}
	if got := exitErr.Error(); got != "false: exit status 2: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRecorder_Journal(t *testing.T) {
	inner := RunnerFunc(func(ctx context.Context, cmd Command) (Result, error) {
		return Result{}, nil
	})
	rec := NewRecorder(inner)

	_, _ = rec.Run(context.Background(), NewCommand("mkdir", "-p", "/p4"))
	_, _ = rec.Run(context.Background(), NewCommand("chmod", "0755", "/p4"))

	j := rec.Journal()
	if len(j) != 2 {
		t.Fatalf("len(Journal()) = %d, want 2", len(j))
	}
	if j[0].Command != "mkdir -p /p4" {
		t.Errorf("Journal()[0] = %q", j[0].Command)
	}

	rec.Reset()
	if len(rec.Journal()) != 0 {
		t.Error("Reset() did not clear the journal")
	}
}

type fakeUploader struct {
	RunnerFunc
	paths []string
}

func (f *fakeUploader) Upload(_ context.Context, path string, _ []byte, _ os.FileMode) error {
	f.paths = append(f.paths, path)
	if path == "/denied" {
		return errors.New("permission denied")
	}
	return nil
}

func TestRecorder_RunnerKeepsUpload(t *testing.T) {
	plain := NewRecorder(RunnerFunc(func(context.Context, Command) (Result, error) { return Result{}, nil }))
	if _, ok := plain.Runner().(interface {
		Upload(context.Context, string, []byte, os.FileMode) error
	}); ok {
		t.Error("Runner() of a plain runner implements Upload")
	}

	inner := &fakeUploader{RunnerFunc: func(context.Context, Command) (Result, error) { return Result{ExitCode: 0}, nil }}
	rec := NewRecorder(inner)
	up, ok := rec.Runner().(interface {
		Upload(context.Context, string, []byte, os.FileMode) error
	})
	if !ok {
		t.Fatal("Runner() dropped Upload")
	}
	if err := up.Upload(context.Background(), "/etc/p4d.conf", []byte("P4PORT=1666\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := up.Upload(context.Background(), "/denied", nil, 0o600); err == nil {
		t.Error("Upload(/denied) error = nil")
	}

	j := rec.Journal()
	if len(j) != 2 || len(inner.paths) != 2 {
		t.Fatalf("journal = %+v, uploads = %v", j, inner.paths)
	}
	if j[0].Command != "upload /etc/p4d.conf (12 bytes, mode 0644)" || j[0].Err != "" {
		t.Errorf("Journal()[0] = %+v", j[0])
	}
	if j[1].ExitCode != -1 || j[1].Err != "permission denied" {
		t.Errorf("Journal()[1] = %+v", j[1])
	}
}
