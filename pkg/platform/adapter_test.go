package platform

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/hostexec/hostexectest"
)

const p4dBanner = "Rev. P4D/LINUX26X86_64/2023.1/2468153 (2023/07/24).\n"

func newDebianHost() *hostexectest.FakeHost {
	h := hostexectest.New("ubuntu")
	h.Available["helix-p4d"] = hostexectest.Package{Version: "2023.1-2468153~jammy", Binaries: map[string]string{"p4d": p4dBanner}}
	h.Available["helix-cli"] = hostexectest.Package{Version: "2023.1-2468153~jammy", Binaries: map[string]string{"p4": "Rev. P4/LINUX26X86_64/2023.1/2468153 (2023/07/24).\n"}}
	return h
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

func hostUnits() []engine.Unit {
	return []engine.Unit{
		{ID: "group:perforce", Kind: engine.KindGroup, Ensure: engine.EnsurePresent, Group: &engine.GroupSpec{Name: "perforce", GID: intPtr(1666)}},
		{ID: "user:perforce", Kind: engine.KindUser, Ensure: engine.EnsurePresent, User: &engine.UserSpec{Name: "perforce", UID: intPtr(1666), Group: "perforce", Home: "/opt/perforce", Shell: "/bin/bash", ManageHome: true}},
		{ID: "directory:/p4", Kind: engine.KindDirectory, Ensure: engine.EnsurePresent, Path: &engine.PathSpec{Path: "/p4", Mode: "0755", Owner: "perforce", Group: "perforce"}},
		{ID: "directory:/hxdepots/p4/common", Kind: engine.KindDirectory, Ensure: engine.EnsurePresent, Path: &engine.PathSpec{Path: "/hxdepots/p4/common", Mode: "0755", Owner: "perforce", Group: "perforce"}},
		{ID: "link:/p4/common", Kind: engine.KindLink, Ensure: engine.EnsurePresent, Path: &engine.PathSpec{Path: "/p4/common", Target: "/hxdepots/p4/common", Owner: "perforce", Group: "perforce"}},
		{ID: "package:helix-p4d", Kind: engine.KindPackage, Ensure: engine.EnsurePresent, Package: &engine.PackageSpec{Name: "helix-p4d", Binary: "p4d"}},
		{ID: "file:/etc/systemd/system/p4d.service", Kind: engine.KindFile, Ensure: engine.EnsurePresent, Path: &engine.PathSpec{Path: "/etc/systemd/system/p4d.service", Mode: "0644", Content: "[Unit]\nDescription=Perforce\n"}},
		{ID: "service:p4d", Kind: engine.KindService, Ensure: engine.EnsureRunning, Service: &engine.ServiceSpec{Name: "p4d", Enable: boolPtr(true)}},
	}
}

func newReconciler(t *testing.T, host *hostexectest.FakeHost, family string) *engine.Reconciler {
	t.Helper()
	a, err := DefaultRegistry().Lookup(family, host)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	return engine.NewReconciler(a)
}

func TestAdapter_ConvergesAndIsIdempotent(t *testing.T) {
	host := newDebianHost()
	r := newReconciler(t, host, "debian")
	ds, err := engine.NewDesiredState(hostUnits()...)
	if err != nil {
		t.Fatal(err)
	}

	first, err := r.Reconcile(context.Background(), ds)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(first.FailedUnits) != 0 {
		for id, e := range first.FailedUnits {
			t.Errorf("unit %s failed: %v", id, e)
		}
		t.FailNow()
	}
	if !first.Changed {
		t.Error("first run Changed = false")
	}

	n, ok := host.Node("/p4/common")
	if !ok || !n.Link || n.Target != "/hxdepots/p4/common" {
		t.Errorf("/p4/common = %+v, want link to /hxdepots/p4/common", n)
	}
	if n, _ := host.Node("/p4"); n.Owner != "perforce" || n.Mode != 0o755 {
		t.Errorf("/p4 owner=%s mode=%o", n.Owner, n.Mode)
	}
	if host.Installed["helix-p4d"] == "" {
		t.Error("helix-p4d not installed")
	}
	if svc := host.Services["p4d"]; svc == nil || !svc.Active || !svc.Enabled {
		t.Errorf("p4d service = %+v, want active and enabled", svc)
	}

	mutations := host.Mutations()
	second, err := r.Reconcile(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	if second.Changed || len(second.FailedUnits) != 0 {
		t.Errorf("second run changed=%v failed=%v applied=%v", second.Changed, second.FailedUnits, second.AppliedUnits)
	}
	if host.Mutations() != mutations {
		t.Errorf("second run issued %d mutating commands", host.Mutations()-mutations)
	}
}

func TestAdapter_DriftRepair(t *testing.T) {
	host := newDebianHost()
	r := newReconciler(t, host, "debian")
	ds, _ := engine.NewDesiredState(hostUnits()...)

	if _, err := r.Reconcile(context.Background(), ds); err != nil {
		t.Fatal(err)
	}

	host.Remove("/hxdepots/p4/common")

	res, err := r.Reconcile(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.AppliedUnits) != 1 || res.AppliedUnits[0] != "directory:/hxdepots/p4/common" {
		t.Errorf("AppliedUnits = %v, want only the removed directory", res.AppliedUnits)
	}
}

func TestAdapter_PartialFailureIsolation(t *testing.T) {
	host := newDebianHost()
	host.FailOn["mkdir -p -- /p4/two"] = 1
	r := newReconciler(t, host, "debian")

	dir := func(p string) engine.Unit {
		return engine.Unit{ID: "directory:" + p, Kind: engine.KindDirectory, Ensure: engine.EnsurePresent, Path: &engine.PathSpec{Path: p}}
	}
	ds, _ := engine.NewDesiredState(dir("/p4/one"), dir("/p4/two"), dir("/p4/three"))

	res, err := r.Reconcile(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	if _, failed := res.FailedUnits["directory:/p4/two"]; !failed || len(res.FailedUnits) != 1 {
		t.Errorf("FailedUnits = %v, want only /p4/two", res.FailedUnits)
	}
	for _, p := range []string{"/p4/one", "/p4/three"} {
		if _, ok := host.Node(p); !ok {
			t.Errorf("%s not created", p)
		}
	}
}

func TestAdapter_RefusesToReplaceDirectory(t *testing.T) {
	host := newDebianHost()
	a := NewAdapter("debian", host, NewApt(host))

	if _, err := a.EnsurePath(context.Background(), engine.KindDirectory, engine.PathSpec{Path: "/p4/1"}, engine.EnsurePresent); err != nil {
		t.Fatal(err)
	}
	_, err := a.EnsurePath(context.Background(), engine.KindLink, engine.PathSpec{Path: "/p4/1", Target: "/hxdepots/p4/1"}, engine.EnsurePresent)
	if err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Errorf("EnsurePath() error = %v, want refusal", err)
	}
	if n, _ := host.Node("/p4/1"); !n.Dir {
		t.Error("directory was replaced")
	}
}

func TestAdapter_EnsureAbsent(t *testing.T) {
	host := newDebianHost()
	a := NewAdapter("debian", host, NewApt(host))
	ctx := context.Background()

	spec := engine.PathSpec{Path: "/etc/p4.conf", Content: "x"}
	if _, err := a.EnsurePath(ctx, engine.KindFile, spec, engine.EnsurePresent); err != nil {
		t.Fatal(err)
	}
	changed, err := a.EnsurePath(ctx, engine.KindFile, spec, engine.EnsureAbsent)
	if err != nil || !changed {
		t.Fatalf("EnsurePath(absent) = %v, %v", changed, err)
	}
	changed, err = a.EnsurePath(ctx, engine.KindFile, spec, engine.EnsureAbsent)
	if err != nil || changed {
		t.Errorf("second EnsurePath(absent) = %v, %v, want no change", changed, err)
	}
}

func TestAdapter_ServiceWithoutUnitFails(t *testing.T) {
	host := newDebianHost()
	a := NewAdapter("debian", host, NewApt(host))

	_, err := a.EnsureService(context.Background(), engine.ServiceSpec{Name: "p4d"}, engine.EnsureRunning)
	if err == nil {
		t.Error("EnsureService() started a service with no unit file")
	}
}

func TestAdapter_UserModify(t *testing.T) {
	host := newDebianHost()
	a := NewAdapter("debian", host, NewApt(host))
	ctx := context.Background()

	spec := engine.UserSpec{Name: "perforce", Shell: "/bin/sh"}
	if _, err := a.EnsureUser(ctx, spec, engine.EnsurePresent); err != nil {
		t.Fatal(err)
	}
	spec.Shell = "/bin/bash"
	changed, err := a.EnsureUser(ctx, spec, engine.EnsurePresent)
	if err != nil || !changed {
		t.Fatalf("EnsureUser() = %v, %v", changed, err)
	}
	st, err := a.ObserveUser(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	if st.Shell != "/bin/bash" || st.Group != "perforce" {
		t.Errorf("ObserveUser() = %+v", st)
	}
}

func TestAdapter_VerifyWithBinaryFacts(t *testing.T) {
	host := newDebianHost()
	a, err := DefaultRegistry().Lookup("debian", host)
	if err != nil {
		t.Fatal(err)
	}
	r := engine.NewReconciler(a, engine.WithResolver(facts.NewResolver(host, time.Second)))
	v := engine.NewVerifier(r, host, engine.VersionProbe("p4d"))

	ds, _ := engine.NewDesiredState(hostUnits()...)
	res, err := v.Verify(context.Background(), ds)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	obs := res.Second.Observed["package:helix-p4d"]
	if obs.Package == nil || obs.Package.Binary == nil || obs.Package.Binary.Major != "2023.1" {
		t.Errorf("observed package = %+v, want resolved p4d 2023.1", obs.Package)
	}
	if len(res.Probes) != 1 || !res.Probes[0].Passed() {
		t.Errorf("probes = %+v", res.Probes)
	}
}
