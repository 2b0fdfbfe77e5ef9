package engine

import (
	"encoding/json"
	"fmt"
)

// UnitState is the convergence state of a single resource unit.
type UnitState string

const (
	// UnitStatePending indicates the unit has not been examined yet.
	UnitStatePending UnitState = "pending"

	// UnitStateApplying indicates a diff was found and the adapter is mutating the host.
	UnitStateApplying UnitState = "applying"

	// UnitStateConverged indicates observed state matches desired state.
	UnitStateConverged UnitState = "converged"

	// UnitStateFailed indicates the unit could not be converged.
	UnitStateFailed UnitState = "failed"
)

// IsTerminal returns true if the unit state is final for this run.
func (s UnitState) IsTerminal() bool {
	return s == UnitStateConverged || s == UnitStateFailed
}

// Validate checks if the unit state is valid.
func (s UnitState) Validate() error {
	switch s {
	case UnitStatePending, UnitStateApplying, UnitStateConverged, UnitStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid unit state: %s", s)
	}
}

// CanTransition reports whether the state machine allows s -> next.
func (s UnitState) CanTransition(next UnitState) bool {
	switch s {
	case UnitStatePending:
		return next == UnitStateApplying || next == UnitStateConverged || next == UnitStateFailed
	case UnitStateApplying:
		return next == UnitStateConverged || next == UnitStateFailed
	default:
		return false
	}
}

// UnitKind identifies the resource type a unit manages.
type UnitKind string

const (
	// KindPackage manages an OS package.
	KindPackage UnitKind = "package"

	// KindDirectory manages a directory.
	KindDirectory UnitKind = "directory"

	// KindFile manages a regular file and its content.
	KindFile UnitKind = "file"

	// KindLink manages a symbolic link.
	KindLink UnitKind = "link"

	// KindGroup manages a local group.
	KindGroup UnitKind = "group"

	// KindUser manages a local user account.
	KindUser UnitKind = "user"

	// KindService manages a system service.
	KindService UnitKind = "service"
)

// IsPath returns true for kinds backed by a PathSpec.
func (k UnitKind) IsPath() bool {
	return k == KindDirectory || k == KindFile || k == KindLink
}

// Validate checks if the unit kind is valid.
func (k UnitKind) Validate() error {
	switch k {
	case KindPackage, KindDirectory, KindFile, KindLink, KindGroup, KindUser, KindService:
		return nil
	default:
		return fmt.Errorf("invalid unit kind: %s", k)
	}
}

// Ensure is the intent declared for a unit.
type Ensure string

const (
	// EnsurePresent requires the resource to exist with the declared attributes.
	EnsurePresent Ensure = "present"

	// EnsureAbsent requires the resource not to exist.
	EnsureAbsent Ensure = "absent"

	// EnsureRunning requires a service to be active.
	EnsureRunning Ensure = "running"

	// EnsureStopped requires a service to be inactive.
	EnsureStopped Ensure = "stopped"
)

// ValidFor checks that the intent makes sense for the unit kind.
func (e Ensure) ValidFor(kind UnitKind) error {
	switch kind {
	case KindService:
		if e == EnsureRunning || e == EnsureStopped {
			return nil
		}
	default:
		if e == EnsurePresent || e == EnsureAbsent {
			return nil
		}
	}
	return fmt.Errorf("ensure %q is not valid for %s units", e, kind)
}

// RunStatus summarises a whole convergence run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every unit converged.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some units failed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates a fatal error aborted the run.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s UnitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *UnitState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = UnitState(str)
	return s.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *UnitKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = UnitKind(str)
	return k.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
