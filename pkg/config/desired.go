package config

import (
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/pathutil"
	"github.com/openfroyo/p4converge/pkg/templates"
)

// Entrypoint is a named provisioning target.
type Entrypoint string

// Provisioning entrypoints, in canonical order.
const (
	EntrypointSDPBase Entrypoint = "sdp_base"
	EntrypointClient  Entrypoint = "client"
	EntrypointServer  Entrypoint = "server"
)

// Entrypoints lists every entrypoint in the order they are combined.
var Entrypoints = []Entrypoint{EntrypointSDPBase, EntrypointClient, EntrypointServer}

// ParseEntrypoints validates names and returns them in canonical order with
// duplicates removed. No names selects every entrypoint.
func ParseEntrypoints(names []string) ([]Entrypoint, error) {
	if len(names) == 0 {
		return append([]Entrypoint(nil), Entrypoints...), nil
	}

	want := map[Entrypoint]bool{}
	for _, n := range names {
		e := Entrypoint(n)
		if !e.valid() {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("unknown entrypoint %q (expected one of %s)", n, joinEntrypoints(Entrypoints)), nil)
		}
		want[e] = true
	}

	var out []Entrypoint
	for _, e := range Entrypoints {
		if want[e] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (e Entrypoint) valid() bool {
	for _, known := range Entrypoints {
		if e == known {
			return true
		}
	}
	return false
}

func joinEntrypoints(es []Entrypoint) string {
	s := make([]string, len(es))
	for i, e := range es {
		s[i] = string(e)
	}
	return strings.Join(s, ", ")
}

// repoFiles maps an OS family to the repository file and its template.
var repoFiles = map[string]struct{ path, template string }{
	facts.FamilyDebian: {"/etc/apt/sources.list.d/perforce.list", templates.AptSource},
	facts.FamilyRedHat: {"/etc/yum.repos.d/perforce.repo", templates.RpmRepo},
	facts.FamilySuSE:   {"/etc/zypp/repos.d/perforce.repo", templates.RpmRepo},
}

// ApplyHost fills the repository fields left empty from the host release.
func (c *Config) ApplyHost(rel facts.OSRelease) {
	r := &c.Repository
	if r.Distribution == "" {
		switch rel.Family() {
		case facts.FamilyDebian:
			r.Distribution = "ubuntu"
			if rel.ID == "debian" {
				r.Distribution = "debian"
			}
		default:
			r.Distribution = "rhel"
		}
	}
	if r.Codename == "" {
		r.Codename = rel.VersionCodename
	}
	if r.Release == "" {
		r.Release, _, _ = strings.Cut(rel.VersionID, ".")
	}
}

// BuildDesiredState expands the selected entrypoints into units for family.
// Entrypoints are combined in canonical order. A unit declared by more than
// one entrypoint is kept once when the declarations agree and rejected when
// they differ.
func BuildDesiredState(cfg *Config, family string, entrypoints ...Entrypoint) (*engine.DesiredState, error) {
	if cfg == nil {
		return nil, engine.NewConfigurationError("configuration is required", nil)
	}
	repo, ok := repoFiles[family]
	if !ok {
		return nil, engine.NewUnsupportedPlatformError(family)
	}

	names := make([]string, len(entrypoints))
	for i, e := range entrypoints {
		names[i] = string(e)
	}
	selected, err := ParseEntrypoints(names)
	if err != nil {
		return nil, err
	}

	b := &builder{cfg: cfg, repo: repo, seen: map[string]int{}}
	for _, e := range selected {
		switch e {
		case EntrypointSDPBase:
			b.sdpBase()
		case EntrypointClient:
			b.client()
		case EntrypointServer:
			b.server()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return engine.NewDesiredState(b.units...)
}

type builder struct {
	cfg   *Config
	repo  struct{ path, template string }
	units []engine.Unit
	seen  map[string]int
	err   error
}

func (b *builder) add(u engine.Unit) {
	if b.err != nil {
		return
	}
	if i, dup := b.seen[u.ID]; dup {
		if !reflect.DeepEqual(b.units[i], u) {
			b.err = engine.NewConfigurationError(
				fmt.Sprintf("conflicting declarations for unit %s", u.ID), nil).WithUnit(u.ID)
		}
		return
	}
	b.seen[u.ID] = len(b.units)
	b.units = append(b.units, u)
}

func (b *builder) fail(err error) {
	if b.err == nil {
		b.err = engine.NewConfigurationError("failed to render configuration", err)
	}
}

func (b *builder) directory(p, mode string, owned bool) {
	spec := &engine.PathSpec{Path: p, Mode: mode}
	if owned {
		spec.Owner, spec.Group = b.cfg.Account.User, b.cfg.Account.Group
	}
	b.add(engine.Unit{ID: "directory:" + p, Kind: engine.KindDirectory, Ensure: engine.EnsurePresent, Path: spec})
}

// parents declares every prefix of p, p included, without claiming ownership.
func (b *builder) parents(p string) {
	prefixes, _ := pathutil.SplitPath(p)
	for _, dir := range prefixes {
		b.directory(dir, "", false)
	}
}

func (b *builder) link(p, target string) {
	b.add(engine.Unit{ID: "link:" + p, Kind: engine.KindLink, Ensure: engine.EnsurePresent, Path: &engine.PathSpec{
		Path:   p,
		Target: target,
		Owner:  b.cfg.Account.User,
		Group:  b.cfg.Account.Group,
	}})
}

func (b *builder) file(spec engine.PathSpec) {
	b.add(engine.Unit{ID: "file:" + spec.Path, Kind: engine.KindFile, Ensure: engine.EnsurePresent, Path: &spec})
}

func (b *builder) pkg(name, version, binary, release string) {
	b.add(engine.Unit{ID: "package:" + name, Kind: engine.KindPackage, Ensure: engine.EnsurePresent, Package: &engine.PackageSpec{
		Name:    name,
		Version: version,
		Binary:  binary,
		Release: release,
	}})
}

func (b *builder) repository() {
	r := b.cfg.Repository
	if !r.Manage {
		return
	}
	content, err := templates.Render(b.repo.template, templates.RepoData{
		BaseURL:      strings.TrimSuffix(r.BaseURL, "/"),
		Distribution: r.Distribution,
		Codename:     r.Codename,
		Release:      r.Release,
		KeyringPath:  r.KeyringPath,
		GPGKeyURL:    r.GPGKeyURL,
	})
	if err != nil {
		b.fail(err)
		return
	}
	b.file(engine.PathSpec{Path: b.repo.path, Mode: "0644", Owner: "root", Group: "root", Content: content})
}

func (b *builder) account() {
	a := b.cfg.Account
	b.add(engine.Unit{ID: "group:" + a.Group, Kind: engine.KindGroup, Ensure: engine.EnsurePresent, Group: &engine.GroupSpec{
		Name: a.Group,
		GID:  a.GID,
	}})
	b.add(engine.Unit{ID: "user:" + a.User, Kind: engine.KindUser, Ensure: engine.EnsurePresent, User: &engine.UserSpec{
		Name:       a.User,
		UID:        a.UID,
		Group:      a.Group,
		Home:       a.Home,
		Shell:      a.Shell,
		ManageHome: a.ManageHome,
	}})
}

func (b *builder) client() {
	c := b.cfg.Client
	b.repository()
	b.pkg(c.Package, c.Version, c.Binary, c.Release)
}

func (b *builder) server() {
	s := b.cfg.Server
	b.repository()
	b.account()
	b.pkg(s.Package, s.Version, s.Binary, s.Release)

	for _, dir := range pathutil.Ancestors(s.Root) {
		b.directory(dir, "", false)
	}
	b.directory(s.Root, "0700", true)

	unit, err := templates.Render(templates.P4DService, templates.ServiceData{
		Name:    s.Name,
		User:    b.cfg.Account.User,
		Group:   b.cfg.Account.Group,
		Binary:  s.ExecPath,
		Root:    s.Root,
		Port:    s.Port,
		Log:     path.Join(s.Root, "log"),
		Journal: path.Join(s.Root, "journal"),
	})
	if err != nil {
		b.fail(err)
		return
	}
	b.file(engine.PathSpec{Path: "/etc/systemd/system/" + s.Service + ".service", Mode: "0644", Owner: "root", Group: "root", Content: unit})

	ensure := engine.EnsureRunning
	if s.Ensure == "stopped" {
		ensure = engine.EnsureStopped
	}
	enable := s.Enable
	b.add(engine.Unit{ID: "service:" + s.Service, Kind: engine.KindService, Ensure: ensure, Service: &engine.ServiceSpec{
		Name:   s.Service,
		Enable: &enable,
	}})
}

func (b *builder) sdpBase() {
	sdp := b.cfg.SDP
	b.account()

	for _, root := range []string{sdp.MetadataRoot, sdp.DepotdataRoot, sdp.LogdataRoot} {
		b.parents(root)
	}

	// Real directories come before the links pointing at them.
	for _, e := range SDPLayout(sdp) {
		b.directory(e.Target, "", true)
		if e.Link != "" {
			b.link(e.Link, e.Target)
		}
	}

	p4 := path.Join(sdp.GlobalRoot, "p4")
	vars, err := templates.Render(templates.InstanceEnv, templates.InstanceData{
		Instance:            sdp.Instance,
		ServerID:            sdp.ServerID,
		ServiceType:         sdp.ServiceType,
		P4Port:              sdp.P4Port,
		InstanceDir:         path.Join(p4, sdp.Instance),
		MetadataRoot:        sdp.MetadataRoot,
		DepotdataRoot:       sdp.DepotdataRoot,
		LogdataRoot:         sdp.LogdataRoot,
		RemoteDepotdataRoot: sdp.RemoteDepotdataRoot,
		OSUser:              b.cfg.Account.User,
	})
	if err != nil {
		b.fail(err)
		return
	}
	b.file(engine.PathSpec{
		Path:    path.Join(p4, "config", "p4_"+sdp.Instance+".vars"),
		Mode:    "0644",
		Owner:   b.cfg.Account.User,
		Group:   b.cfg.Account.Group,
		Content: vars,
	})
}

// LayoutEntry is one step of the SDP layout. Target is always a real
// directory; when Link is set it is a symlink to Target.
type LayoutEntry struct {
	Link   string `json:"link,omitempty"`
	Target string `json:"target"`
}

// SDPLayout returns the directories and links of an SDP instance in creation
// order.
func SDPLayout(s SDP) []LayoutEntry {
	p4 := path.Join(s.GlobalRoot, "p4")
	instance := path.Join(p4, s.Instance)
	common := path.Join(p4, "common")
	commonBin := path.Join(common, "bin")
	root := path.Join(instance, "root")

	metadata := path.Join(s.MetadataRoot, "p4", s.Instance)
	depotdata := path.Join(s.DepotdataRoot, "p4", s.Instance)
	logdata := path.Join(s.LogdataRoot, "p4", s.Instance)

	return []LayoutEntry{
		{Target: p4},
		{Target: metadata},
		{Link: instance, Target: depotdata},
		{Target: logdata},
		{Link: common, Target: path.Join(s.DepotdataRoot, "p4", "common")},
		{Link: path.Join(p4, "config"), Target: path.Join(s.DepotdataRoot, "p4", "config")},
		{Target: commonBin},
		{Target: path.Join(commonBin, "triggers")},
		{Target: path.Join(instance, "bin")},
		{Target: path.Join(instance, "tmp")},
		{Target: path.Join(instance, "depots")},
		{Target: path.Join(instance, "checkpoints")},
		{Target: path.Join(instance, "ssl")},
		{Link: root, Target: path.Join(metadata, "root")},
		{Target: path.Join(root, "save")},
		{Link: path.Join(instance, "offline_db"), Target: path.Join(metadata, "offline_db")},
		{Link: path.Join(instance, "logs"), Target: path.Join(logdata, "logs")},
	}
}
