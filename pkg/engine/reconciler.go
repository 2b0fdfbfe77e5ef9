package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultUnitTimeout bounds the observe/apply/confirm cycle of one unit.
const DefaultUnitTimeout = 10 * time.Minute

// Reconciler converges a host towards a DesiredState one unit at a time.
//
// Units are processed sequentially in declared order. A failing unit is
// recorded and the run continues with the next unit. Once a unit starts it
// runs to completion even if the caller's context is cancelled; cancellation
// is honoured between units.
//
// A Reconciler does not serialise runs against the same host. Callers hold a
// host lock around Reconcile.
type Reconciler struct {
	adapter     PlatformAdapter
	resolver    VersionResolver
	observer    Observer
	tracer      trace.Tracer
	unitTimeout time.Duration
	runID       string
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithResolver sets the resolver used for package units that declare a binary.
func WithResolver(r VersionResolver) ReconcilerOption {
	return func(rc *Reconciler) { rc.resolver = r }
}

// WithObserver registers a unit completion observer.
func WithObserver(o Observer) ReconcilerOption {
	return func(rc *Reconciler) { rc.observer = o }
}

// WithUnitTimeout overrides DefaultUnitTimeout.
func WithUnitTimeout(d time.Duration) ReconcilerOption {
	return func(rc *Reconciler) { rc.unitTimeout = d }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) ReconcilerOption {
	return func(rc *Reconciler) { rc.tracer = t }
}

// WithRunID fixes the id reported for the next runs instead of generating
// one per Reconcile call.
func WithRunID(id string) ReconcilerOption {
	return func(rc *Reconciler) { rc.runID = id }
}

// NewReconciler creates a Reconciler over adapter.
func NewReconciler(adapter PlatformAdapter, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		adapter:     adapter,
		observer:    nopObserver{},
		tracer:      otel.Tracer("github.com/openfroyo/p4converge/pkg/engine"),
		unitTimeout: DefaultUnitTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Adapter returns the platform adapter in use.
func (r *Reconciler) Adapter() PlatformAdapter {
	return r.adapter
}

// UnitPlan is the observed difference for one unit without any mutation.
type UnitPlan struct {
	Unit        Unit        `json:"unit"`
	Observation Observation `json:"observation"`
	Changes     []Change    `json:"changes,omitempty"`
	Error       error       `json:"-"`
}

// Plan observes every unit and reports the changes Reconcile would make.
// It never mutates the host.
func (r *Reconciler) Plan(ctx context.Context, desired *DesiredState) ([]UnitPlan, error) {
	if desired == nil {
		return nil, NewConfigurationError("desired state is required", nil)
	}

	plans := make([]UnitPlan, 0, desired.Len())
	for _, u := range desired.Units() {
		uctx, cancel := context.WithTimeout(ctx, r.unitTimeout)
		obs, err := r.observe(uctx, u)
		cancel()

		p := UnitPlan{Unit: u, Observation: obs}
		if err != nil {
			p.Error = NewUnitApplyError(u.ID, "observe", err)
		} else {
			p.Changes = Diff(u, obs)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// Reconcile converges every unit of desired and aggregates the outcomes.
// The returned error is non-nil only for fatal conditions; unit failures are
// reported in ConvergenceResult.FailedUnits.
func (r *Reconciler) Reconcile(ctx context.Context, desired *DesiredState) (*ConvergenceResult, error) {
	if desired == nil {
		return nil, NewConfigurationError("desired state is required", nil)
	}
	if r.adapter == nil {
		return nil, NewConfigurationError("platform adapter is required", nil)
	}

	runID := r.runID
	if runID == "" {
		runID = uuid.New().String()
	}

	result := &ConvergenceResult{
		RunID:        runID,
		AppliedUnits: []string{},
		FailedUnits:  make(map[string]error),
		Outcomes:     make([]UnitOutcome, 0, desired.Len()),
		Observed:     make(ObservedState, desired.Len()),
		StartedAt:    time.Now().UTC(),
	}

	ctx, span := r.tracer.Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.String("run.id", result.RunID),
			attribute.String("platform.family", r.adapter.Family()),
			attribute.Int("units", desired.Len()),
		))
	defer span.End()

	logger := log.With().Str("run_id", result.RunID).Logger()
	logger.Info().Int("units", desired.Len()).Str("family", r.adapter.Family()).Msg("reconciliation started")

	units := desired.Units()
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			for _, rest := range units[i:] {
				out := UnitOutcome{
					UnitID: rest.ID,
					Kind:   rest.Kind,
					State:  UnitStateFailed,
					Error:  NewUnitApplyError(rest.ID, "schedule", err),
				}
				r.record(result, out, Observation{})
			}
			logger.Warn().Err(err).Int("skipped", len(units)-i).Msg("reconciliation interrupted between units")
			break
		}

		out, obs := r.reconcileUnit(ctx, u)
		r.record(result, out, obs)
	}

	result.CompletedAt = time.Now().UTC()
	result.Changed = len(result.AppliedUnits) > 0

	span.SetAttributes(
		attribute.Bool("changed", result.Changed),
		attribute.Int("applied", len(result.AppliedUnits)),
		attribute.Int("failed", len(result.FailedUnits)),
	)
	if len(result.FailedUnits) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d units failed", len(result.FailedUnits)))
	}

	logger.Info().
		Bool("changed", result.Changed).
		Int("applied", len(result.AppliedUnits)).
		Int("failed", len(result.FailedUnits)).
		Dur("duration", result.Duration()).
		Msg("reconciliation completed")

	return result, nil
}

func (r *Reconciler) record(result *ConvergenceResult, out UnitOutcome, obs Observation) {
	result.Outcomes = append(result.Outcomes, out)
	result.Observed[out.UnitID] = obs
	if out.State == UnitStateFailed {
		result.FailedUnits[out.UnitID] = out.Error
	} else if out.Applied {
		result.AppliedUnits = append(result.AppliedUnits, out.UnitID)
	}
	r.observer.UnitCompleted(out)
}

// reconcileUnit runs observe, diff, apply and confirm for one unit. The
// unit's context is detached from caller cancellation and bounded by the unit
// timeout.
func (r *Reconciler) reconcileUnit(parent context.Context, u Unit) (UnitOutcome, Observation) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.unitTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "unit "+u.ID,
		trace.WithAttributes(
			attribute.String("unit.id", u.ID),
			attribute.String("unit.kind", string(u.Kind)),
			attribute.String("unit.ensure", string(u.Ensure)),
		))
	defer span.End()

	logger := log.With().Str("unit", u.ID).Str("kind", string(u.Kind)).Logger()

	out := UnitOutcome{UnitID: u.ID, Kind: u.Kind, State: UnitStatePending}
	transition := func(next UnitState) {
		if !out.State.CanTransition(next) {
			logger.Error().Str("from", string(out.State)).Str("to", string(next)).Msg("invalid unit transition")
		}
		out.State = next
	}
	fail := func(op string, err error) (UnitOutcome, Observation) {
		transition(UnitStateFailed)
		out.Error = NewUnitApplyError(u.ID, op, err)
		out.Duration = time.Since(start)
		span.RecordError(out.Error)
		span.SetStatus(codes.Error, op+" failed")
		logger.Error().Err(err).Str("operation", op).Msg("unit failed")
		return out, Observation{}
	}

	obs, err := r.observe(ctx, u)
	if err != nil {
		return fail("observe", err)
	}

	changes := Diff(u, obs)
	if len(changes) == 0 {
		transition(UnitStateConverged)
		out.Duration = time.Since(start)
		logger.Debug().Msg("unit already converged")
		return out, obs
	}

	out.Changes = changes
	transition(UnitStateApplying)
	for _, c := range changes {
		logger.Info().Str("change", c.String()).Msg("applying")
	}

	if _, err := r.apply(ctx, u); err != nil {
		return fail("apply", err)
	}

	obs, err = r.observe(ctx, u)
	if err != nil {
		return fail("confirm", err)
	}
	if remaining := Diff(u, obs); len(remaining) > 0 {
		return fail("confirm", fmt.Errorf("still diverges after apply: %v", remaining))
	}

	transition(UnitStateConverged)
	out.Applied = true
	out.Duration = time.Since(start)
	span.SetAttributes(attribute.Bool("unit.applied", true))
	logger.Info().Dur("duration", out.Duration).Msg("unit converged")
	return out, obs
}

func (r *Reconciler) observe(ctx context.Context, u Unit) (Observation, error) {
	var obs Observation
	switch {
	case u.Kind == KindPackage:
		st, err := r.adapter.ObservePackage(ctx, *u.Package)
		if err != nil {
			return obs, err
		}
		if u.Ensure == EnsurePresent && st.Installed && u.Package.Binary != "" && r.resolver != nil {
			fact, err := r.resolver.Resolve(ctx, u.Package.Binary)
			if err != nil {
				return obs, err
			}
			st.Binary = &fact
		}
		obs.Package = &st
	case u.Kind.IsPath():
		st, err := r.adapter.ObservePath(ctx, *u.Path)
		if err != nil {
			return obs, err
		}
		obs.Path = &st
	case u.Kind == KindGroup:
		st, err := r.adapter.ObserveGroup(ctx, *u.Group)
		if err != nil {
			return obs, err
		}
		obs.Group = &st
	case u.Kind == KindUser:
		st, err := r.adapter.ObserveUser(ctx, *u.User)
		if err != nil {
			return obs, err
		}
		obs.User = &st
	case u.Kind == KindService:
		st, err := r.adapter.ObserveService(ctx, *u.Service)
		if err != nil {
			return obs, err
		}
		obs.Service = &st
	default:
		return obs, fmt.Errorf("unsupported unit kind %q", u.Kind)
	}
	return obs, nil
}

func (r *Reconciler) apply(ctx context.Context, u Unit) (bool, error) {
	switch {
	case u.Kind == KindPackage:
		return r.adapter.EnsurePackage(ctx, *u.Package, u.Ensure)
	case u.Kind.IsPath():
		return r.adapter.EnsurePath(ctx, u.Kind, *u.Path, u.Ensure)
	case u.Kind == KindGroup:
		return r.adapter.EnsureGroup(ctx, *u.Group, u.Ensure)
	case u.Kind == KindUser:
		return r.adapter.EnsureUser(ctx, *u.User, u.Ensure)
	case u.Kind == KindService:
		return r.adapter.EnsureService(ctx, *u.Service, u.Ensure)
	}
	return false, fmt.Errorf("unsupported unit kind %q", u.Kind)
}
