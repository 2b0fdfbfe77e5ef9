package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
)

func defaults(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewLoader().Defaults()
	if err != nil {
		t.Fatal(err)
	}
	cfg.ApplyHost(facts.OSRelease{ID: "ubuntu", IDLike: []string{"debian"}, VersionID: "22.04", VersionCodename: "jammy"})
	return cfg
}

func ids(ds *engine.DesiredState) []string {
	var out []string
	for _, u := range ds.Units() {
		out = append(out, u.ID)
	}
	return out
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

func TestParseEntrypoints(t *testing.T) {
	got, err := ParseEntrypoints([]string{"server", "client", "server", "sdp_base"})
	if err != nil {
		t.Fatal(err)
	}
	if joinEntrypoints(got) != "sdp_base, client, server" {
		t.Errorf("ParseEntrypoints() = %v", got)
	}

	all, _ := ParseEntrypoints(nil)
	if len(all) != 3 {
		t.Errorf("ParseEntrypoints(nil) = %v, want all", all)
	}

	if _, err := ParseEntrypoints([]string{"proxy"}); !errors.Is(err, engine.ErrConfiguration) {
		t.Errorf("ParseEntrypoints(proxy) error = %v", err)
	}
}

func TestBuildDesiredState_Client(t *testing.T) {
	ds, err := BuildDesiredState(defaults(t), facts.FamilyDebian, EntrypointClient)
	if err != nil {
		t.Fatalf("BuildDesiredState() error = %v", err)
	}

	got := ids(ds)
	want := []string{"file:/etc/apt/sources.list.d/perforce.list", "package:helix-cli"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("units = %v, want %v", got, want)
	}

	repo, _ := ds.Lookup("file:/etc/apt/sources.list.d/perforce.list")
	if !strings.Contains(repo.Path.Content, "https://package.perforce.com/apt/ubuntu jammy release") {
		t.Errorf("repository content = %q", repo.Path.Content)
	}
	pkg, _ := ds.Lookup("package:helix-cli")
	if pkg.Package.Binary != "p4" {
		t.Errorf("client binary = %q", pkg.Package.Binary)
	}
}

func TestBuildDesiredState_FamilyRepositories(t *testing.T) {
	tests := []struct {
		family string
		path   string
		want   string
	}{
		{facts.FamilyDebian, "/etc/apt/sources.list.d/perforce.list", "deb "},
		{facts.FamilyRedHat, "/etc/yum.repos.d/perforce.repo", "baseurl=https://package.perforce.com/yum/"},
		{facts.FamilySuSE, "/etc/zypp/repos.d/perforce.repo", "[perforce]"},
	}

	for _, tt := range tests {
		t.Run(tt.family, func(t *testing.T) {
			ds, err := BuildDesiredState(defaults(t), tt.family, EntrypointClient)
			if err != nil {
				t.Fatal(err)
			}
			u, ok := ds.Lookup("file:" + tt.path)
			if !ok {
				t.Fatalf("units %v lack %s", ids(ds), tt.path)
			}
			if !strings.Contains(u.Path.Content, tt.want) {
				t.Errorf("content = %q, want %q", u.Path.Content, tt.want)
			}
		})
	}
}

func TestBuildDesiredState_UnmanagedRepository(t *testing.T) {
	cfg := defaults(t)
	cfg.Repository.Manage = false
	ds, err := BuildDesiredState(cfg, facts.FamilyRedHat, EntrypointClient)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 1 {
		t.Errorf("units = %v, want only the package", ids(ds))
	}
}

func TestBuildDesiredState_Server(t *testing.T) {
	ds, err := BuildDesiredState(defaults(t), facts.FamilyDebian, EntrypointServer)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(ds)

	for _, before := range [][2]string{
		{"group:perforce", "user:perforce"},
		{"user:perforce", "directory:/opt/perforce/servers/master"},
		{"package:helix-p4d", "service:p4d"},
		{"file:/etc/systemd/system/p4d.service", "service:p4d"},
		{"directory:/opt/perforce/servers", "directory:/opt/perforce/servers/master"},
	} {
		if indexOf(got, before[0]) < 0 || indexOf(got, before[0]) > indexOf(got, before[1]) {
			t.Errorf("%s must precede %s in %v", before[0], before[1], got)
		}
	}

	root, _ := ds.Lookup("directory:/opt/perforce/servers/master")
	if root.Path.Owner != "perforce" || root.Path.Mode != "0700" {
		t.Errorf("server root = %+v", root.Path)
	}
	svc, _ := ds.Lookup("service:p4d")
	if svc.Ensure != engine.EnsureRunning || svc.Service.Enable == nil || !*svc.Service.Enable {
		t.Errorf("service = %+v", svc)
	}
	unit, _ := ds.Lookup("file:/etc/systemd/system/p4d.service")
	if !strings.Contains(unit.Path.Content, "ExecStart=/opt/perforce/sbin/p4d -r /opt/perforce/servers/master -p 1666") {
		t.Errorf("unit file = %q", unit.Path.Content)
	}
}

func TestBuildDesiredState_SDPLayoutOrder(t *testing.T) {
	ds, err := BuildDesiredState(defaults(t), facts.FamilyDebian, EntrypointSDPBase)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(ds)

	// Every link follows the directory it points at.
	for _, e := range SDPLayout(defaults(t).SDP) {
		if e.Link == "" {
			continue
		}
		if indexOf(got, "directory:"+e.Target) > indexOf(got, "link:"+e.Link) {
			t.Errorf("link %s declared before its target %s", e.Link, e.Target)
		}
	}

	for _, id := range []string{
		"directory:/hxmetadata",
		"directory:/p4",
		"link:/p4/1",
		"link:/p4/common",
		"link:/p4/1/root",
		"directory:/p4/1/root/save",
		"link:/p4/1/logs",
		"file:/p4/config/p4_1.vars",
	} {
		if indexOf(got, id) < 0 {
			t.Errorf("missing unit %s in %v", id, got)
		}
	}

	link, _ := ds.Lookup("link:/p4/1")
	if link.Path.Target != "/hxdepots/p4/1" {
		t.Errorf("/p4/1 target = %s", link.Path.Target)
	}
}

func TestSDPLayout_GlobalRoot(t *testing.T) {
	s := defaults(t).SDP
	s.GlobalRoot = "/srv"
	layout := SDPLayout(s)
	if layout[0].Target != "/srv/p4" {
		t.Errorf("first entry = %+v", layout[0])
	}
	if len(layout) != 17 {
		t.Errorf("layout has %d entries, want 17", len(layout))
	}
}

func TestBuildDesiredState_CombinedDeduplicates(t *testing.T) {
	ds, err := BuildDesiredState(defaults(t), facts.FamilyDebian, EntrypointServer, EntrypointClient, EntrypointSDPBase)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(ds)

	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Errorf("unit %s declared twice", id)
		}
		seen[id] = true
	}

	// sdp_base, then client, then server.
	if indexOf(got, "directory:/p4") > indexOf(got, "package:helix-cli") ||
		indexOf(got, "package:helix-cli") > indexOf(got, "package:helix-p4d") {
		t.Errorf("entrypoints not in canonical order: %v", got)
	}
}

func TestBuildDesiredState_Conflict(t *testing.T) {
	cfg := defaults(t)
	cfg.Client.Package = cfg.Server.Package

	_, err := BuildDesiredState(cfg, facts.FamilyDebian, EntrypointClient, EntrypointServer)
	if !errors.Is(err, engine.ErrConfiguration) || !strings.Contains(err.Error(), "package:helix-p4d") {
		t.Errorf("BuildDesiredState() error = %v, want conflict on package:helix-p4d", err)
	}
}

func TestBuildDesiredState_UnsupportedFamily(t *testing.T) {
	_, err := BuildDesiredState(defaults(t), "alpine", EntrypointClient)
	if !errors.Is(err, engine.ErrUnsupportedPlatform) {
		t.Errorf("BuildDesiredState() error = %v, want UnsupportedPlatformError", err)
	}
}

func TestApplyHost(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyHost(facts.OSRelease{ID: "rocky", VersionID: "9.3"})
	if cfg.Repository.Distribution != "rhel" || cfg.Repository.Release != "9" {
		t.Errorf("Repository = %+v", cfg.Repository)
	}

	cfg = &Config{Repository: Repository{Codename: "focal"}}
	cfg.ApplyHost(facts.OSRelease{ID: "debian", VersionCodename: "bookworm"})
	if cfg.Repository.Distribution != "debian" || cfg.Repository.Codename != "focal" {
		t.Errorf("Repository = %+v", cfg.Repository)
	}
}
