package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/p4converge/pkg/facts"
)

// PackageSpec describes an OS package.
type PackageSpec struct {
	// Name is the package name in the family's package manager.
	Name string `json:"name"`

	// Version pins an exact package version; empty accepts any installed version.
	Version string `json:"version,omitempty"`

	// Binary is an executable the package provides. When set, a present package
	// is only converged once the binary resolves to a version fact.
	Binary string `json:"binary,omitempty"`

	// Release, when set with Binary, must equal the resolved major release.
	Release string `json:"release,omitempty"`
}

// PathSpec describes a directory, regular file or symbolic link.
type PathSpec struct {
	// Path is the absolute path on the host.
	Path string `json:"path"`

	// Mode is the octal permission string (e.g. "0755"); empty leaves it unmanaged.
	Mode string `json:"mode,omitempty"`

	// Owner is the owning user name; empty leaves it unmanaged.
	Owner string `json:"owner,omitempty"`

	// Group is the owning group name; empty leaves it unmanaged.
	Group string `json:"group,omitempty"`

	// Content is the full file content for file units.
	Content string `json:"content,omitempty"`

	// Target is the link destination for link units.
	Target string `json:"target,omitempty"`
}

// GroupSpec describes a local group.
type GroupSpec struct {
	Name string `json:"name"`
	GID  *int   `json:"gid,omitempty"`
}

// UserSpec describes a local user account.
type UserSpec struct {
	Name       string `json:"name"`
	UID        *int   `json:"uid,omitempty"`
	Group      string `json:"group,omitempty"`
	Home       string `json:"home,omitempty"`
	Shell      string `json:"shell,omitempty"`
	ManageHome bool   `json:"manage_home,omitempty"`
}

// ServiceSpec describes a system service.
type ServiceSpec struct {
	// Name is the service unit name.
	Name string `json:"name"`

	// Enable manages start-at-boot when non-nil.
	Enable *bool `json:"enable,omitempty"`
}

// Unit is the smallest independently converged item of desired state.
// Exactly one spec pointer is set, matching Kind.
type Unit struct {
	ID      string       `json:"id"`
	Kind    UnitKind     `json:"kind"`
	Ensure  Ensure       `json:"ensure"`
	Package *PackageSpec `json:"package,omitempty"`
	Path    *PathSpec    `json:"path,omitempty"`
	Group   *GroupSpec   `json:"group,omitempty"`
	User    *UserSpec    `json:"user,omitempty"`
	Service *ServiceSpec `json:"service,omitempty"`
}

// Validate checks that the unit is internally consistent.
func (u Unit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if err := u.Kind.Validate(); err != nil {
		return fmt.Errorf("unit %s: %w", u.ID, err)
	}
	if err := u.Ensure.ValidFor(u.Kind); err != nil {
		return fmt.Errorf("unit %s: %w", u.ID, err)
	}

	set := 0
	for _, ok := range []bool{u.Package != nil, u.Path != nil, u.Group != nil, u.User != nil, u.Service != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("unit %s: exactly one spec must be set, got %d", u.ID, set)
	}

	switch {
	case u.Kind == KindPackage && (u.Package == nil || u.Package.Name == ""):
		return fmt.Errorf("unit %s: package name is required", u.ID)
	case u.Kind.IsPath() && (u.Path == nil || u.Path.Path == ""):
		return fmt.Errorf("unit %s: path is required", u.ID)
	case u.Kind == KindLink && u.Ensure == EnsurePresent && u.Path.Target == "":
		return fmt.Errorf("unit %s: link target is required", u.ID)
	case u.Kind == KindGroup && (u.Group == nil || u.Group.Name == ""):
		return fmt.Errorf("unit %s: group name is required", u.ID)
	case u.Kind == KindUser && (u.User == nil || u.User.Name == ""):
		return fmt.Errorf("unit %s: user name is required", u.ID)
	case u.Kind == KindService && (u.Service == nil || u.Service.Name == ""):
		return fmt.Errorf("unit %s: service name is required", u.ID)
	}
	return nil
}

// DesiredState is an ordered, immutable set of units. Units are reconciled in
// declared order; callers must place directories and users before the
// services that depend on them.
type DesiredState struct {
	units []Unit
	index map[string]int
}

// NewDesiredState validates the units and freezes their order.
func NewDesiredState(units ...Unit) (*DesiredState, error) {
	ds := &DesiredState{
		units: make([]Unit, 0, len(units)),
		index: make(map[string]int, len(units)),
	}
	for _, u := range units {
		if err := u.Validate(); err != nil {
			return nil, NewConfigurationError("invalid desired state", err)
		}
		if _, dup := ds.index[u.ID]; dup {
			return nil, NewConfigurationError("invalid desired state",
				fmt.Errorf("duplicate unit id %q", u.ID))
		}
		ds.index[u.ID] = len(ds.units)
		ds.units = append(ds.units, cloneUnit(u))
	}
	return ds, nil
}

// Units returns a copy of the units in declared order.
func (d *DesiredState) Units() []Unit {
	out := make([]Unit, len(d.units))
	for i, u := range d.units {
		out[i] = cloneUnit(u)
	}
	return out
}

// Len returns the number of units.
func (d *DesiredState) Len() int {
	return len(d.units)
}

// Lookup returns a copy of the unit with the given id.
func (d *DesiredState) Lookup(id string) (Unit, bool) {
	i, ok := d.index[id]
	if !ok {
		return Unit{}, false
	}
	return cloneUnit(d.units[i]), true
}

func cloneUnit(u Unit) Unit {
	if u.Package != nil {
		p := *u.Package
		u.Package = &p
	}
	if u.Path != nil {
		p := *u.Path
		u.Path = &p
	}
	if u.Group != nil {
		g := *u.Group
		if g.GID != nil {
			gid := *g.GID
			g.GID = &gid
		}
		u.Group = &g
	}
	if u.User != nil {
		usr := *u.User
		if usr.UID != nil {
			uid := *usr.UID
			usr.UID = &uid
		}
		u.User = &usr
	}
	if u.Service != nil {
		s := *u.Service
		if s.Enable != nil {
			e := *s.Enable
			s.Enable = &e
		}
		u.Service = &s
	}
	return u
}

// PackageState is the observed state of a package.
type PackageState struct {
	Installed bool               `json:"installed"`
	Version   string             `json:"version,omitempty"`
	Binary    *facts.VersionFact `json:"binary,omitempty"`
}

// PathType is the observed file type.
type PathType string

const (
	PathMissing   PathType = "missing"
	PathDirectory PathType = "directory"
	PathFile      PathType = "file"
	PathLink      PathType = "link"
	PathOther     PathType = "other"
)

// PathState is the observed state of a filesystem entry.
type PathState struct {
	Type   PathType `json:"type"`
	Mode   string   `json:"mode,omitempty"`
	Owner  string   `json:"owner,omitempty"`
	Group  string   `json:"group,omitempty"`
	SHA256 string   `json:"sha256,omitempty"`
	Target string   `json:"target,omitempty"`
}

// GroupState is the observed state of a group.
type GroupState struct {
	Exists bool `json:"exists"`
	GID    int  `json:"gid,omitempty"`
}

// UserState is the observed state of a user.
type UserState struct {
	Exists bool   `json:"exists"`
	UID    int    `json:"uid,omitempty"`
	Group  string `json:"group,omitempty"`
	Home   string `json:"home,omitempty"`
	Shell  string `json:"shell,omitempty"`
}

// ServiceState is the observed state of a service.
type ServiceState struct {
	Active  bool `json:"active"`
	Enabled bool `json:"enabled"`
}

// Observation holds the live state of one unit. Only the field matching the
// unit kind is set.
type Observation struct {
	Package *PackageState `json:"package,omitempty"`
	Path    *PathState    `json:"path,omitempty"`
	Group   *GroupState   `json:"group,omitempty"`
	User    *UserState    `json:"user,omitempty"`
	Service *ServiceState `json:"service,omitempty"`
}

// ObservedState maps unit ids to their last observation in a run. It is built
// fresh for every run and never reused.
type ObservedState map[string]Observation

// Change represents a difference between observed and desired state.
type Change struct {
	// Path names the attribute being changed (e.g., ".mode").
	Path string `json:"path"`

	// Before is the observed value.
	Before interface{} `json:"before,omitempty"`

	// After is the desired value.
	After interface{} `json:"after,omitempty"`

	// Action is the type of change.
	Action ChangeAction `json:"action"`
}

// String renders the change for summaries.
func (c Change) String() string {
	return fmt.Sprintf("%s %s: %v -> %v", c.Action, c.Path, c.Before, c.After)
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	// ChangeActionAdd indicates the resource or attribute is being created.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates the resource is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates an attribute value is being changed.
	ChangeActionModify ChangeAction = "modify"
)

// UnitOutcome is the result of reconciling one unit.
type UnitOutcome struct {
	UnitID   string        `json:"unit_id"`
	Kind     UnitKind      `json:"kind"`
	State    UnitState     `json:"state"`
	Applied  bool          `json:"applied"`
	Changes  []Change      `json:"changes,omitempty"`
	Error    error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// ConvergenceResult aggregates the outcomes of a run.
type ConvergenceResult struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Changed is true iff at least one unit went through Applying and converged.
	Changed bool `json:"changed"`

	// AppliedUnits lists the ids of units that were applied, in order.
	AppliedUnits []string `json:"applied_units"`

	// FailedUnits maps failed unit ids to their errors.
	FailedUnits map[string]error `json:"-"`

	// Outcomes lists every unit in declared order.
	Outcomes []UnitOutcome `json:"outcomes"`

	// Observed holds the final observation of every unit.
	Observed ObservedState `json:"observed,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Status summarises the result.
func (r *ConvergenceResult) Status() RunStatus {
	if len(r.FailedUnits) > 0 {
		return RunStatusPartial
	}
	return RunStatusSucceeded
}

// FailedIDs returns the failed unit ids sorted for stable output.
func (r *ConvergenceResult) FailedIDs() []string {
	ids := make([]string, 0, len(r.FailedUnits))
	for id := range r.FailedUnits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Duration returns the wall time of the run.
func (r *ConvergenceResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
