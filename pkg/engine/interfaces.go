package engine

import (
	"context"

	"github.com/openfroyo/p4converge/pkg/facts"
)

// PlatformAdapter exposes OS-family specific primitives behind one capability
// set. It is the only component that mutates the host.
//
// Observe methods never mutate. Ensure methods are check-before-act: when the
// resource already matches, they perform no mutation and return false.
type PlatformAdapter interface {
	// Family returns the OS family the adapter serves.
	Family() string

	// ObservePackage queries the package database.
	ObservePackage(ctx context.Context, spec PackageSpec) (PackageState, error)

	// EnsurePackage installs or removes a package.
	EnsurePackage(ctx context.Context, spec PackageSpec, ensure Ensure) (bool, error)

	// ObservePath inspects a filesystem entry.
	ObservePath(ctx context.Context, spec PathSpec) (PathState, error)

	// EnsurePath creates, updates or removes a directory, file or link.
	EnsurePath(ctx context.Context, kind UnitKind, spec PathSpec, ensure Ensure) (bool, error)

	// ObserveGroup queries the group database.
	ObserveGroup(ctx context.Context, spec GroupSpec) (GroupState, error)

	// EnsureGroup creates, modifies or removes a group.
	EnsureGroup(ctx context.Context, spec GroupSpec, ensure Ensure) (bool, error)

	// ObserveUser queries the user database.
	ObserveUser(ctx context.Context, spec UserSpec) (UserState, error)

	// EnsureUser creates, modifies or removes a user.
	EnsureUser(ctx context.Context, spec UserSpec, ensure Ensure) (bool, error)

	// ObserveService queries the service manager.
	ObserveService(ctx context.Context, spec ServiceSpec) (ServiceState, error)

	// EnsureService starts, stops, enables or disables a service.
	EnsureService(ctx context.Context, spec ServiceSpec, ensure Ensure) (bool, error)
}

// VersionResolver resolves the version fact of an installed binary.
type VersionResolver interface {
	Resolve(ctx context.Context, binary string) (facts.VersionFact, error)
}

// Observer is notified of unit transitions. The telemetry layer implements it
// for metrics; the zero Reconciler uses a no-op.
type Observer interface {
	UnitCompleted(outcome UnitOutcome)
}

type nopObserver struct{}

func (nopObserver) UnitCompleted(UnitOutcome) {}
