// Package hostlock serializes convergence runs against one host with an
// advisory flock(2) on a lock file. Acquisition never blocks: a second run
// fails immediately with ErrLocked.
package hostlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	sshtransport "github.com/openfroyo/p4converge/pkg/transports/ssh"
)

// DefaultPath is the lock used for runs against the local host.
const DefaultPath = "/run/p4converge.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another run holds the host lock")

// Lock is a held lock. Release it when the run ends.
type Lock struct {
	path string
	file *os.File
}

// LockedError reports who holds the lock.
type LockedError struct {
	Path string
	PID  int
}

func (e *LockedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: held by pid %d: %v", e.Path, e.PID, ErrLocked)
	}
	return fmt.Sprintf("%s: %v", e.Path, ErrLocked)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// Acquire takes an exclusive lock on path, creating the file and its parent
// directory when needed. The holder's pid is written into the file.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		pid := readPID(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &LockedError{Path: path, PID: pid}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{path: path, file: f}, nil
}

// PathFor returns the lock path used for a remote target under dir. The
// target is reduced to host:port, so every login spelling of one machine
// shares a lock, and flattened into a single file name.
func PathFor(dir, target string) string {
	if target == "" || target == "localhost" {
		return filepath.Join(dir, "p4converge.lock")
	}
	if cfg, err := sshtransport.ParseTarget(target); err == nil {
		target = strings.ToLower(cfg.Address())
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, target)
	return filepath.Join(dir, "p4converge-"+name+".lock")
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file is left in place so that
// concurrent openers always lock the same inode.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
