package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/config"
	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/hostlock"
	"github.com/openfroyo/p4converge/pkg/telemetry"
)

func newVerifyCommand(flags *globalFlags, telemetryOf func() *telemetry.Telemetry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [sdp_base|client|server ...]",
		Short: "Apply twice and check the installed binaries",
		Long: `Apply the entrypoints twice and check the result.

Verification passes when the first run converges every unit, the second run
changes nothing and "p4 -V" / "p4d -V" exit 0 for the installed binaries.`,
		Example: `  # Verify a full server installation
  p4converge verify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel := telemetryOf()
			out := cmd.OutOrStdout()

			lockPath := flags.lockFile
			if lockPath == "" {
				lockPath = hostlock.PathFor("/run", flags.target)
			}
			lock, err := hostlock.Acquire(lockPath)
			if err != nil {
				return err
			}
			defer lock.Release()

			h, err := openHost(ctx, flags)
			if err != nil {
				return err
			}
			defer h.close()

			runID := uuid.NewString()
			ctx, span := tel.Tracer.StartRunSpan(ctx, "verify", runID, h.target)
			defer span.End()

			p, err := prepare(ctx, flags, h, args)
			if err != nil {
				telemetry.RecordError(span, err)
				return err
			}

			r := engine.NewReconciler(p.adapter,
				engine.WithResolver(facts.NewResolver(h.runner, factTimeout)),
				engine.WithObserver(tel.Metrics),
				engine.WithTracer(tel.Tracer.Tracer()),
			)

			v, err := engine.NewVerifier(r, h.runner, probesFor(p.entrypoints)...).Verify(ctx, p.desired)
			if v != nil {
				if v.First != nil {
					tel.Metrics.RecordRun(v.First)
				}
				if v.Second != nil {
					tel.Metrics.RecordRun(v.Second)
				}
				if flags.jsonOutput {
					if jerr := writeJSON(out, newVerifyReport(v, err)); jerr != nil {
						return jerr
					}
				} else {
					printVerification(cmd, v)
				}
			}
			if err != nil {
				telemetry.RecordError(span, err)
				return &ExitError{Code: 2, Msg: err.Error()}
			}

			if !flags.jsonOutput {
				fmt.Fprintln(out, "verification passed")
			}
			return nil
		},
	}

	return cmd
}

// probesFor returns the version probes matching the installed binaries.
func probesFor(entrypoints []config.Entrypoint) []engine.Probe {
	var probes []engine.Probe
	for _, e := range entrypoints {
		switch e {
		case config.EntrypointClient:
			probes = append(probes, engine.VersionProbe("p4"))
		case config.EntrypointServer:
			probes = append(probes, engine.VersionProbe("p4d"))
		}
	}
	return probes
}

type probeReport struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

type verifyReport struct {
	Passed bool          `json:"passed"`
	Error  string        `json:"error,omitempty"`
	First  *runReport    `json:"first,omitempty"`
	Second *runReport    `json:"second,omitempty"`
	Probes []probeReport `json:"probes"`
}

func newVerifyReport(v *engine.Verification, err error) verifyReport {
	rep := verifyReport{Passed: err == nil, Probes: []probeReport{}}
	if err != nil {
		rep.Error = err.Error()
	}
	if v.First != nil {
		r := newRunReport(v.First)
		rep.First = &r
	}
	if v.Second != nil {
		r := newRunReport(v.Second)
		rep.Second = &r
	}
	for _, p := range v.Probes {
		pr := probeReport{Name: p.Name, Command: p.Command, ExitCode: p.ExitCode, Passed: p.Passed()}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		rep.Probes = append(rep.Probes, pr)
	}
	return rep
}

func printVerification(cmd *cobra.Command, v *engine.Verification) {
	out := cmd.OutOrStdout()
	if v.First != nil {
		fmt.Fprintln(out, "first run:")
		printResult(out, v.First)
	}
	if v.Second != nil {
		fmt.Fprintln(out, "\nsecond run:")
		printResult(out, v.Second)
	}
	for _, p := range v.Probes {
		status := "ok"
		if !p.Passed() {
			status = fmt.Sprintf("failed (exit %d)", p.ExitCode)
		}
		fmt.Fprintf(out, "probe %s: %s\n", p.Command, status)
	}
}
