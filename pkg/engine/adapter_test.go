package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/p4converge/pkg/facts"
)

// memAdapter is an in-memory host used to exercise the reconciler.
type memAdapter struct {
	packages map[string]string
	paths    map[string]PathState
	groups   map[string]GroupState
	users    map[string]UserState
	services map[string]ServiceState

	// failEnsure forces Ensure* to fail for the named resource.
	failEnsure map[string]error

	// sticky names resources whose Ensure* reports success without effect.
	sticky map[string]bool

	mutations int
}

func newMemAdapter() *memAdapter {
	return &memAdapter{
		packages:   map[string]string{},
		paths:      map[string]PathState{},
		groups:     map[string]GroupState{},
		users:      map[string]UserState{},
		services:   map[string]ServiceState{},
		failEnsure: map[string]error{},
		sticky:     map[string]bool{},
	}
}

func (m *memAdapter) Family() string { return "mem" }

func (m *memAdapter) guard(name string) (bool, error) {
	if err, ok := m.failEnsure[name]; ok {
		return true, err
	}
	return m.sticky[name], nil
}

func (m *memAdapter) ObservePackage(_ context.Context, spec PackageSpec) (PackageState, error) {
	v, ok := m.packages[spec.Name]
	return PackageState{Installed: ok, Version: v}, nil
}

func (m *memAdapter) EnsurePackage(_ context.Context, spec PackageSpec, ensure Ensure) (bool, error) {
	if stop, err := m.guard(spec.Name); stop {
		return false, err
	}
	m.mutations++
	if ensure == EnsureAbsent {
		delete(m.packages, spec.Name)
		return true, nil
	}
	v := spec.Version
	if v == "" {
		v = "1.0-1"
	}
	m.packages[spec.Name] = v
	return true, nil
}

func (m *memAdapter) ObservePath(_ context.Context, spec PathSpec) (PathState, error) {
	st, ok := m.paths[spec.Path]
	if !ok {
		return PathState{Type: PathMissing}, nil
	}
	return st, nil
}

func (m *memAdapter) EnsurePath(_ context.Context, kind UnitKind, spec PathSpec, ensure Ensure) (bool, error) {
	if stop, err := m.guard(spec.Path); stop {
		return false, err
	}
	m.mutations++
	if ensure == EnsureAbsent {
		delete(m.paths, spec.Path)
		return true, nil
	}
	st := PathState{Type: wantType(kind), Mode: NormalizeMode(spec.Mode), Owner: spec.Owner, Group: spec.Group}
	switch kind {
	case KindFile:
		st.SHA256 = ContentDigest(spec.Content)
	case KindLink:
		st.Target = spec.Target
	}
	m.paths[spec.Path] = st
	return true, nil
}

func (m *memAdapter) ObserveGroup(_ context.Context, spec GroupSpec) (GroupState, error) {
	return m.groups[spec.Name], nil
}

func (m *memAdapter) EnsureGroup(_ context.Context, spec GroupSpec, ensure Ensure) (bool, error) {
	if stop, err := m.guard(spec.Name); stop {
		return false, err
	}
	m.mutations++
	if ensure == EnsureAbsent {
		delete(m.groups, spec.Name)
		return true, nil
	}
	gid := 1000 + len(m.groups)
	if spec.GID != nil {
		gid = *spec.GID
	}
	m.groups[spec.Name] = GroupState{Exists: true, GID: gid}
	return true, nil
}

func (m *memAdapter) ObserveUser(_ context.Context, spec UserSpec) (UserState, error) {
	return m.users[spec.Name], nil
}

func (m *memAdapter) EnsureUser(_ context.Context, spec UserSpec, ensure Ensure) (bool, error) {
	if stop, err := m.guard(spec.Name); stop {
		return false, err
	}
	m.mutations++
	if ensure == EnsureAbsent {
		delete(m.users, spec.Name)
		return true, nil
	}
	uid := 1000 + len(m.users)
	if spec.UID != nil {
		uid = *spec.UID
	}
	m.users[spec.Name] = UserState{Exists: true, UID: uid, Group: spec.Group, Home: spec.Home, Shell: spec.Shell}
	return true, nil
}

func (m *memAdapter) ObserveService(_ context.Context, spec ServiceSpec) (ServiceState, error) {
	return m.services[spec.Name], nil
}

func (m *memAdapter) EnsureService(_ context.Context, spec ServiceSpec, ensure Ensure) (bool, error) {
	if stop, err := m.guard(spec.Name); stop {
		return false, err
	}
	m.mutations++
	st := m.services[spec.Name]
	st.Active = ensure == EnsureRunning
	if spec.Enable != nil {
		st.Enabled = *spec.Enable
	}
	m.services[spec.Name] = st
	return true, nil
}

// pkgResolver resolves a binary once its package is installed.
type pkgResolver struct {
	adapter  *memAdapter
	provides map[string]string
	calls    int
}

func (r *pkgResolver) Resolve(_ context.Context, binary string) (facts.VersionFact, error) {
	r.calls++
	pkg, ok := r.provides[binary]
	if !ok {
		return facts.NotAvailable, fmt.Errorf("unknown binary %s", binary)
	}
	if _, installed := r.adapter.packages[pkg]; !installed {
		return facts.NotAvailable, nil
	}
	return facts.VersionFact{Major: "2021.1", Build: "2143463", Raw: "2021.1.2143463"}, nil
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

func dirUnit(id, path string) Unit {
	return Unit{ID: id, Kind: KindDirectory, Ensure: EnsurePresent, Path: &PathSpec{Path: path, Mode: "0755", Owner: "perforce", Group: "perforce"}}
}

func sampleUnits() []Unit {
	return []Unit{
		{ID: "group:perforce", Kind: KindGroup, Ensure: EnsurePresent, Group: &GroupSpec{Name: "perforce", GID: intPtr(1666)}},
		{ID: "user:perforce", Kind: KindUser, Ensure: EnsurePresent, User: &UserSpec{Name: "perforce", Group: "perforce", Home: "/opt/perforce", Shell: "/bin/bash"}},
		dirUnit("dir:/p4", "/p4"),
		{ID: "link:/p4/common", Kind: KindLink, Ensure: EnsurePresent, Path: &PathSpec{Path: "/p4/common", Target: "/hxdepots/p4/common"}},
		{ID: "file:/etc/p4d.conf", Kind: KindFile, Ensure: EnsurePresent, Path: &PathSpec{Path: "/etc/p4d.conf", Content: "P4PORT=1666\n", Mode: "0644"}},
		{ID: "package:helix-p4d", Kind: KindPackage, Ensure: EnsurePresent, Package: &PackageSpec{Name: "helix-p4d", Binary: "p4d"}},
		{ID: "service:p4d", Kind: KindService, Ensure: EnsureRunning, Service: &ServiceSpec{Name: "p4d", Enable: boolPtr(true)}},
	}
}
