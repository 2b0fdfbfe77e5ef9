package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

func exitRunner(codes map[string]int) hostexec.Runner {
	return hostexec.RunnerFunc(func(_ context.Context, cmd hostexec.Command) (hostexec.Result, error) {
		return hostexec.Result{ExitCode: codes[cmd.Name]}, nil
	})
}

func TestVerifier_Passes(t *testing.T) {
	a := newMemAdapter()
	v := NewVerifier(newTestReconciler(a), exitRunner(nil), VersionProbe("p4"), VersionProbe("p4d"))

	ver, err := v.Verify(context.Background(), mustDesired(t, sampleUnits()...))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ver.First.Changed || ver.Second.Changed {
		t.Errorf("first.Changed=%v second.Changed=%v", ver.First.Changed, ver.Second.Changed)
	}
	if len(ver.Probes) != 2 || ver.Probes[1].Command != "p4d -V" {
		t.Errorf("Probes = %+v", ver.Probes)
	}
}

// flappingAdapter reverts one directory after every run to simulate a
// resource that never stays converged.
type flappingAdapter struct {
	*memAdapter
	path string
}

func (f *flappingAdapter) ObservePath(ctx context.Context, spec PathSpec) (PathState, error) {
	st, err := f.memAdapter.ObservePath(ctx, spec)
	if spec.Path == f.path && st.Type != PathMissing {
		defer delete(f.paths, f.path)
	}
	return st, err
}

func TestVerifier_NotIdempotent(t *testing.T) {
	a := &flappingAdapter{memAdapter: newMemAdapter(), path: "/p4"}
	v := NewVerifier(NewReconciler(a), exitRunner(nil))

	ver, err := v.Verify(context.Background(), mustDesired(t, dirUnit("dir:/p4", "/p4")))
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("Verify() error = %v, want VerificationFailure", err)
	}
	if ver == nil || ver.Second == nil || !ver.Second.Changed {
		t.Errorf("second run = %+v, want changed", ver)
	}
}

func TestVerifier_ProbeFails(t *testing.T) {
	a := newMemAdapter()
	v := NewVerifier(newTestReconciler(a), exitRunner(map[string]int{"p4d": 127}), VersionProbe("p4d"))

	ver, err := v.Verify(context.Background(), mustDesired(t, dirUnit("dir:/p4", "/p4")))
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("Verify() error = %v, want VerificationFailure", err)
	}
	if ver.Probes[0].Passed() {
		t.Error("probe with exit 127 reported as passed")
	}
}

func TestVerifier_FirstRunFailure(t *testing.T) {
	a := newMemAdapter()
	a.failEnsure["/p4"] = errors.New("read-only file system")
	v := NewVerifier(newTestReconciler(a), exitRunner(nil))

	ver, err := v.Verify(context.Background(), mustDesired(t, dirUnit("dir:/p4", "/p4")))
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("Verify() error = %v, want VerificationFailure", err)
	}
	if ver.Second != nil {
		t.Error("second run executed after a failed first run")
	}
}
