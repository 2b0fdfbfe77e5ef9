package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// Probe is an external command that must exit with status 0 after convergence.
type Probe struct {
	Name    string
	Command hostexec.Command
}

// ProbeResult records one probe invocation.
type ProbeResult struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Err      error  `json:"-"`
}

// Passed reports whether the probe ran and exited with status 0.
func (p ProbeResult) Passed() bool {
	return p.Err == nil && p.ExitCode == 0
}

// Verification is the evidence gathered by Verify.
type Verification struct {
	First  *ConvergenceResult `json:"first"`
	Second *ConvergenceResult `json:"second"`
	Probes []ProbeResult      `json:"probes"`
}

// Verifier asserts idempotence: a run followed immediately by a second run
// must leave the second reporting no changes and no failures, and every probe
// must exit with status 0. Verify never retries.
type Verifier struct {
	reconciler *Reconciler
	runner     hostexec.Runner
	probes     []Probe
}

// NewVerifier creates a Verifier. Probes run through runner.
func NewVerifier(reconciler *Reconciler, runner hostexec.Runner, probes ...Probe) *Verifier {
	return &Verifier{reconciler: reconciler, runner: runner, probes: probes}
}

// VersionProbe returns a probe running "<binary> -V".
func VersionProbe(binary string) Probe {
	return Probe{Name: binary, Command: hostexec.NewCommand(binary, "-V")}
}

// Verify runs the double reconciliation and the probes. The Verification is
// returned even when verification fails so callers can report it.
func (v *Verifier) Verify(ctx context.Context, desired *DesiredState) (*Verification, error) {
	first, err := v.reconciler.Reconcile(ctx, desired)
	if err != nil {
		return nil, err
	}
	ver := &Verification{First: first}
	if len(first.FailedUnits) > 0 {
		return ver, NewVerificationFailure("first run left units unconverged",
			fmt.Errorf("failed units: %s", strings.Join(first.FailedIDs(), ", ")))
	}

	second, err := v.reconciler.Reconcile(ctx, desired)
	if err != nil {
		return ver, err
	}
	ver.Second = second

	switch {
	case len(second.FailedUnits) > 0:
		return ver, NewVerificationFailure("second run reported failures",
			fmt.Errorf("failed units: %s", strings.Join(second.FailedIDs(), ", ")))
	case second.Changed:
		return ver, NewVerificationFailure("second run is not idempotent",
			fmt.Errorf("re-applied units: %s", strings.Join(second.AppliedUnits, ", ")))
	}

	var failed []string
	for _, p := range v.probes {
		res, err := v.runner.Run(ctx, p.Command)
		pr := ProbeResult{
			Name:     p.Name,
			Command:  p.Command.String(),
			ExitCode: res.ExitCode,
			Output:   res.Text(),
			Err:      err,
		}
		ver.Probes = append(ver.Probes, pr)

		log.Info().
			Str("probe", p.Name).
			Int("exit_code", res.ExitCode).
			Err(err).
			Msg("probe completed")

		if !pr.Passed() {
			failed = append(failed, p.Name)
		}
	}
	if len(failed) > 0 {
		return ver, NewVerificationFailure("probes did not exit cleanly",
			fmt.Errorf("failed probes: %s", strings.Join(failed, ", ")))
	}

	return ver, nil
}
