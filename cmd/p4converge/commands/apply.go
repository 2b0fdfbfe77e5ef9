package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/hostexec"
	"github.com/openfroyo/p4converge/pkg/hostlock"
	"github.com/openfroyo/p4converge/pkg/policy"
	"github.com/openfroyo/p4converge/pkg/stores"
	"github.com/openfroyo/p4converge/pkg/telemetry"
)

// perforceBinaries are the binaries whose versions are recorded after a run.
var perforceBinaries = []string{"p4", "p4d"}

func newApplyCommand(flags *globalFlags, telemetryOf func() *telemetry.Telemetry) *cobra.Command {
	var (
		policyPaths []string
		unitTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply [sdp_base|client|server ...]",
		Short: "Converge the host to the selected entrypoints",
		Long: `Converge the host to the selected entrypoints.

This command:
  - Takes the host lock so only one run touches the host
  - Detects the OS family and selects its platform adapter
  - Expands the entrypoints into units and checks them against policies
  - Observes and, where needed, changes each unit in declared order
  - Records the run, every host command and the p4/p4d versions in the
    state database

Entrypoints default to all three, combined as sdp_base, client, server.
The command exits with status 2 when any unit failed to converge.`,
		Example: `  # Install the client only
  p4converge apply client

  # Full server with the SDP layout on a remote host
  p4converge apply --target admin@p4-edge-01 sdp_base server

  # Apply with site policies and metrics for node_exporter
  p4converge apply --policy ./policies --metrics-textfile /var/lib/node_exporter/p4converge.prom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), cmd.OutOrStdout(), flags, telemetryOf(), args, policyPaths, unitTimeout)
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional Rego policy files or directories")
	cmd.Flags().DurationVar(&unitTimeout, "unit-timeout", engine.DefaultUnitTimeout, "maximum time for a single unit")

	return cmd
}

func runApply(ctx context.Context, out io.Writer, flags *globalFlags, tel *telemetry.Telemetry, args, policyPaths []string, unitTimeout time.Duration) error {
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
	journal := h.journal()

	runID := uuid.NewString()
	logger := tel.Logger.WithRunID(runID).WithTarget(h.target)
	ctx, span := tel.Tracer.StartRunSpan(ctx, "apply", runID, h.target)
	defer span.End()

	rec := newRecorder(ctx, flags.stateDB, runID)
	defer rec.close()

	started := time.Now()
	rec.begin(ctx, &stores.Run{
		Target:      h.target,
		ConfigPath:  flags.configPath,
		Entrypoints: args,
		StartedAt:   started,
	})

	abort := func(err error) error {
		tel.Metrics.RecordRunFailed(started)
		rec.fail(ctx, err)
		rec.commands(ctx, journal.Journal())
		telemetry.RecordError(span, err)
		return err
	}

	p, err := prepare(ctx, flags, h, args)
	if err != nil {
		return abort(err)
	}

	if err := checkPolicies(ctx, tel, p, policyPaths); err != nil {
		return abort(err)
	}

	logger.Info().
		Strs("entrypoints", entrypointNames(p.entrypoints)).
		Str("family", p.adapter.Family()).
		Int("units", p.desired.Len()).
		Msg("Applying")

	r := engine.NewReconciler(p.adapter,
		engine.WithResolver(facts.NewResolver(h.runner, factTimeout)),
		engine.WithObserver(tel.Metrics),
		engine.WithTracer(tel.Tracer.Tracer()),
		engine.WithUnitTimeout(unitTimeout),
		engine.WithRunID(runID),
	)

	result, err := r.Reconcile(ctx, p.desired)
	if err != nil {
		return abort(err)
	}
	tel.Metrics.RecordRun(result)
	rec.finish(ctx, result)
	rec.facts(ctx, h.target, resolveVersions(ctx, h.runner, tel.Metrics))
	rec.commands(ctx, journal.Journal())

	logger.Info().
		Bool("changed", result.Changed).
		Int("applied", len(result.AppliedUnits)).
		Int("failed", len(result.FailedUnits)).
		Dur("duration", result.Duration()).
		Msg("Run completed")

	if flags.jsonOutput {
		if err := writeJSON(out, newRunReport(result)); err != nil {
			return err
		}
	} else {
		printResult(out, result)
	}

	if n := len(result.FailedUnits); n > 0 {
		err := fmt.Errorf("%d unit(s) failed to converge", n)
		telemetry.RecordError(span, err)
		return &ExitError{Code: 2, Msg: err.Error()}
	}
	return nil
}

// checkPolicies evaluates the built-in and site policies against the desired
// state. Blocking violations abort the run before any mutation.
func checkPolicies(ctx context.Context, tel *telemetry.Telemetry, p *prepared, paths []string) error {
	pe, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return err
	}
	if len(paths) > 0 {
		if err := pe.LoadPaths(ctx, paths); err != nil {
			return err
		}
	}

	res, err := pe.Check(ctx, p.adapter.Family(), entrypointNames(p.entrypoints), p.desired)
	if res != nil {
		for _, v := range res.Violations {
			tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
			if !v.Severity.Blocking() {
				tel.Logger.Warn().Str("policy", v.Policy).Str("unit", v.Unit).Msg(v.Message)
			}
		}
	}
	return err
}

// resolveVersions reads the p4 and p4d versions after a run.
func resolveVersions(ctx context.Context, runner hostexec.Runner, m *telemetry.Metrics) map[string]facts.VersionFact {
	resolver := facts.NewResolver(runner, factTimeout)
	versions := make(map[string]facts.VersionFact, len(perforceBinaries))
	for _, bin := range perforceBinaries {
		v, err := resolver.Resolve(ctx, bin)
		if err != nil {
			v = facts.NotAvailable
		}
		versions[bin] = v
		m.RecordFact(bin, v)
	}
	return versions
}
