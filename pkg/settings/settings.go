// Package settings answers the central-settings lookups of the visual
// client. The key-to-locator table is a Starlark script defining
// settings(key); the default script is embedded and operators may supply
// their own.
package settings

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
)

//go:embed default.star
var DefaultScript string

// Defaults for script evaluation.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultMaxSteps = 1_000_000
)

// ErrNoSettingsFunction is returned when a script does not define a callable
// settings.
var ErrNoSettingsFunction = errors.New("script does not define settings(key)")

// EntryKind classifies a lookup result.
type EntryKind int

const (
	// None means the key has no entry.
	None EntryKind = iota
	// Single is one resource locator.
	Single
	// List is an ordered sequence of locators.
	List
)

func (k EntryKind) String() string {
	switch k {
	case Single:
		return "single"
	case List:
		return "list"
	}
	return "none"
}

// Entry is the result of a lookup.
type Entry struct {
	Kind     EntryKind `json:"kind"`
	Locators []string  `json:"locators,omitempty"`
}

// Locator returns the locator of a Single entry.
func (e Entry) Locator() (string, bool) {
	if e.Kind != Single {
		return "", false
	}
	return e.Locators[0], true
}

// Registry evaluates lookups against a compiled script. It is safe for
// concurrent use; each lookup runs on its own Starlark thread.
type Registry struct {
	filename string
	fn       starlark.Callable
	timeout  time.Duration
	maxSteps uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds the wall time of one lookup.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithMaxSteps bounds the Starlark steps of one lookup.
func WithMaxSteps(n uint64) Option {
	return func(r *Registry) { r.maxSteps = n }
}

// New compiles script. The top level runs once under the same limits as a
// lookup; afterwards the module globals are frozen.
func New(filename, script string, opts ...Option) (*Registry, error) {
	r := &Registry{filename: filename, timeout: DefaultTimeout, maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(r)
	}

	thread := r.thread()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { thread.Cancel("script load timed out") })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filename, err)
	}
	globals.Freeze()

	fn, ok := globals["settings"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: %w", filename, ErrNoSettingsFunction)
	}
	r.fn = fn
	return r, nil
}

// Default returns a registry over DefaultScript.
func Default(opts ...Option) *Registry {
	r, err := New("default.star", DefaultScript, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// LoadFile compiles the script at path.
func LoadFile(path string, opts ...Option) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings script: %w", err)
	}
	return New(path, string(data), opts...)
}

func (r *Registry) thread() *starlark.Thread {
	t := &starlark.Thread{
		Name: "settings",
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", r.filename).Msg(msg)
		},
	}
	t.SetMaxExecutionSteps(r.maxSteps)
	return t
}

// Lookup calls settings(key).
func (r *Registry) Lookup(ctx context.Context, key string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	thread := r.thread()
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	v, err := starlark.Call(thread, r.fn, starlark.Tuple{starlark.String(key)}, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("settings(%q) failed: %w", key, err)
	}
	return toEntry(key, v)
}

func toEntry(key string, v starlark.Value) (Entry, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return Entry{Kind: None}, nil
	case starlark.String:
		return Entry{Kind: Single, Locators: []string{string(val)}}, nil
	case starlark.Indexable:
		if _, isTupleOrList := val.(starlark.Sequence); !isTupleOrList {
			break
		}
		locators := make([]string, val.Len())
		for i := range locators {
			s, ok := starlark.AsString(val.Index(i))
			if !ok {
				return Entry{}, fmt.Errorf("settings(%q): element %d is %s, want string", key, i, val.Index(i).Type())
			}
			locators[i] = s
		}
		return Entry{Kind: List, Locators: locators}, nil
	}
	return Entry{}, fmt.Errorf("settings(%q) returned %s, want None, string or list of strings", key, v.Type())
}
