// Package hostexectest provides an in-memory Linux host for tests. It
// implements hostexec.Runner and understands the coreutils, shadow-utils,
// systemd and package manager commands issued by the platform adapters.
package hostexectest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// Node is a filesystem entry.
type Node struct {
	Dir     bool
	Link    bool
	Mode    uint32
	Owner   string
	Group   string
	Content string
	Target  string
}

// User is a passwd entry.
type User struct {
	UID   int
	GID   int
	Home  string
	Shell string
}

// Service is a systemd unit.
type Service struct {
	Active  bool
	Enabled bool
}

// Package is an installable package.
type Package struct {
	Version  string
	Binaries map[string]string // binary name -> "-V" output
}

// FakeHost is a simulated host. The zero value is not usable; call New.
type FakeHost struct {
	mu sync.Mutex

	OSRelease string
	Files     map[string]*Node
	Groups    map[string]int
	Users     map[string]User
	Services  map[string]*Service
	Installed map[string]string
	Available map[string]Package
	Binaries  map[string]string

	// FailOn forces commands whose rendered form starts with the key to exit
	// with the given status.
	FailOn map[string]int

	journal   []string
	mutations int
}

// baseDirs exist on every new host.
var baseDirs = []string{
	"/etc", "/etc/systemd", "/etc/systemd/system", "/etc/apt", "/etc/apt/sources.list.d",
	"/etc/yum.repos.d", "/etc/zypp", "/etc/zypp/repos.d", "/opt", "/usr", "/usr/bin", "/home",
}

// New creates a minimal host of the given distribution ID (e.g. "ubuntu").
func New(osID string) *FakeHost {
	h := &FakeHost{
		OSRelease: fmt.Sprintf("NAME=%q\nID=%s\nVERSION_ID=\"1\"\n", osID, osID),
		Files:     map[string]*Node{"/": {Dir: true, Mode: 0o755, Owner: "root", Group: "root"}},
		Groups:    map[string]int{"root": 0},
		Users:     map[string]User{"root": {UID: 0, GID: 0, Home: "/root", Shell: "/bin/bash"}},
		Services:  map[string]*Service{},
		Installed: map[string]string{},
		Available: map[string]Package{},
		Binaries:  map[string]string{},
		FailOn:    map[string]int{},
	}
	for _, d := range baseDirs {
		h.Files[d] = &Node{Dir: true, Mode: 0o755, Owner: "root", Group: "root"}
	}
	return h
}

// Journal returns every command run so far.
func (h *FakeHost) Journal() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.journal))
	copy(out, h.journal)
	return out
}

// Mutations returns the number of state-changing commands that succeeded.
func (h *FakeHost) Mutations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutations
}

// Remove deletes a path and its children, simulating external drift.
func (h *FakeHost) Remove(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeTree(p)
}

// LookPath implements hostexec.Runner.
func (h *FakeHost) LookPath(_ context.Context, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.Binaries[name]; ok {
		return "/usr/bin/" + name, nil
	}
	switch name {
	case "apt-get", "dpkg-query":
		if h.manager() == "apt" {
			return "/usr/bin/" + name, nil
		}
	case "dnf", "yum", "zypper", "rpm":
		m := h.manager()
		if m == name || (name == "rpm" && m != "apt") {
			return "/usr/bin/" + name, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, hostexec.ErrNotFound)
}

func (h *FakeHost) manager() string {
	switch {
	case strings.Contains(h.OSRelease, "ID=ubuntu"), strings.Contains(h.OSRelease, "ID=debian"):
		return "apt"
	case strings.Contains(h.OSRelease, "opensuse"), strings.Contains(h.OSRelease, "ID=sles"):
		return "zypper"
	default:
		return "dnf"
	}
}

func ok(out string) hostexec.Result {
	return hostexec.Result{Output: []byte(out)}
}

func exit(code int, out string) hostexec.Result {
	return hostexec.Result{Output: []byte(out), ExitCode: code}
}

// Run implements hostexec.Runner.
func (h *FakeHost) Run(_ context.Context, cmd hostexec.Command) (hostexec.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	line := cmd.String()
	h.journal = append(h.journal, line)
	for prefix, code := range h.FailOn {
		if strings.HasPrefix(line, prefix) {
			return exit(code, "forced failure: "+line), nil
		}
	}

	name := path.Base(cmd.Name)
	args := stripDashDash(cmd.Args)

	if out, found := h.Binaries[name]; found && len(args) == 1 && args[0] == "-V" {
		return ok(out), nil
	}

	res, mutating := h.dispatch(name, args, cmd.Stdin)
	if res.ExitCode == 0 && mutating {
		h.mutations++
	}
	return res, nil
}

func stripDashDash(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != "--" {
			out = append(out, a)
		}
	}
	return out
}

func (h *FakeHost) dispatch(name string, args []string, stdin []byte) (hostexec.Result, bool) {
	switch name {
	case "cat":
		if len(args) == 1 && args[0] == "/etc/os-release" {
			return ok(h.OSRelease), false
		}
		if n, found := h.Files[clean(args[0])]; found && !n.Dir {
			return ok(n.Content), false
		}
		return exit(1, "cat: No such file or directory"), false
	case "stat":
		return h.stat(args[len(args)-1]), false
	case "sha256sum":
		p := clean(args[0])
		n, found := h.Files[p]
		if !found {
			return exit(1, "sha256sum: No such file or directory"), false
		}
		sum := sha256.Sum256([]byte(n.Content))
		return ok(hex.EncodeToString(sum[:]) + "  " + p + "\n"), false
	case "readlink":
		n, found := h.Files[clean(args[0])]
		if !found || !n.Link {
			return exit(1, ""), false
		}
		return ok(n.Target + "\n"), false
	case "mkdir":
		return h.mkdir(args), true
	case "rm":
		h.removeTree(clean(args[len(args)-1]))
		return ok(""), true
	case "ln":
		target, p := args[len(args)-2], clean(args[len(args)-1])
		h.Files[p] = &Node{Link: true, Mode: 0o777, Owner: "root", Group: "root", Target: target}
		return ok(""), true
	case "tee":
		p := clean(args[len(args)-1])
		if _, found := h.Files[path.Dir(p)]; !found {
			return exit(1, "tee: "+p+": No such file or directory"), false
		}
		n, found := h.Files[p]
		if !found || n.Dir {
			n = &Node{Mode: 0o644, Owner: "root", Group: "root"}
			h.Files[p] = n
		}
		n.Link = false
		n.Content = string(stdin)
		return ok(string(stdin)), true
	case "chmod":
		return h.chmod(args), true
	case "chown":
		return h.chown(args), true
	case "getent":
		return h.getent(args), false
	case "groupadd", "groupmod", "groupdel":
		return h.group(name, args), true
	case "useradd", "usermod", "userdel":
		return h.user(name, args), true
	case "systemctl":
		return h.systemctl(args)
	case "dpkg-query":
		v, found := h.Installed[args[len(args)-1]]
		if !found {
			return exit(1, "dpkg-query: no packages found matching "+args[len(args)-1]), false
		}
		return ok("installed " + v), false
	case "rpm":
		v, found := h.Installed[args[len(args)-1]]
		if !found {
			return exit(1, "package "+args[len(args)-1]+" is not installed"), false
		}
		return ok(v), false
	case "env":
		return h.dispatch(args[1], args[2:], stdin)
	case "apt-get", "dnf", "yum", "zypper":
		return h.pkg(name, args)
	}
	return exit(127, name+": command not found"), false
}

func clean(p string) string {
	return path.Clean(p)
}

func (h *FakeHost) stat(p string) hostexec.Result {
	p = clean(p)
	n, found := h.Files[p]
	if !found {
		return exit(1, fmt.Sprintf("stat: cannot statx '%s': No such file or directory", p))
	}
	kind := "regular file"
	switch {
	case n.Link:
		kind = "symbolic link"
	case n.Dir:
		kind = "directory"
	case n.Content == "":
		kind = "regular empty file"
	}
	return ok(fmt.Sprintf("%s|%o|%s|%s\n", kind, n.Mode, n.Owner, n.Group))
}

func (h *FakeHost) mkdir(args []string) hostexec.Result {
	parents := false
	var target string
	for _, a := range args {
		if a == "-p" {
			parents = true
			continue
		}
		target = clean(a)
	}
	if n, found := h.Files[target]; found {
		if n.Dir && parents {
			return ok("")
		}
		return exit(1, "mkdir: cannot create directory: File exists")
	}
	if !parents {
		if _, found := h.Files[path.Dir(target)]; !found {
			return exit(1, "mkdir: cannot create directory: No such file or directory")
		}
	}
	for p := target; p != "/"; p = path.Dir(p) {
		if _, found := h.Files[p]; !found {
			h.Files[p] = &Node{Dir: true, Mode: 0o755, Owner: "root", Group: "root"}
		}
	}
	return ok("")
}

func (h *FakeHost) removeTree(p string) {
	delete(h.Files, p)
	prefix := strings.TrimSuffix(p, "/") + "/"
	for k := range h.Files {
		if strings.HasPrefix(k, prefix) {
			delete(h.Files, k)
		}
	}
}

func (h *FakeHost) chmod(args []string) hostexec.Result {
	mode, err := strconv.ParseUint(args[0], 8, 32)
	if err != nil {
		return exit(1, "chmod: invalid mode")
	}
	n, found := h.Files[clean(args[len(args)-1])]
	if !found {
		return exit(1, "chmod: No such file or directory")
	}
	n.Mode = uint32(mode)
	return ok("")
}

func (h *FakeHost) chown(args []string) hostexec.Result {
	if args[0] == "-h" {
		args = args[1:]
	}
	n, found := h.Files[clean(args[len(args)-1])]
	if !found {
		return exit(1, "chown: No such file or directory")
	}
	owner, group, _ := strings.Cut(args[0], ":")
	if owner != "" {
		if _, known := h.Users[owner]; !known {
			return exit(1, "chown: invalid user: "+owner)
		}
		n.Owner = owner
	}
	if group != "" {
		if _, known := h.Groups[group]; !known {
			return exit(1, "chown: invalid group: "+group)
		}
		n.Group = group
	}
	return ok("")
}

func (h *FakeHost) groupName(gid int) string {
	for name, g := range h.Groups {
		if g == gid {
			return name
		}
	}
	return ""
}

func (h *FakeHost) getent(args []string) hostexec.Result {
	db, key := args[0], args[1]
	switch db {
	case "passwd":
		u, found := h.Users[key]
		if !found {
			return exit(2, "")
		}
		return ok(fmt.Sprintf("%s:x:%d:%d::%s:%s\n", key, u.UID, u.GID, u.Home, u.Shell))
	case "group":
		if gid, found := h.Groups[key]; found {
			return ok(fmt.Sprintf("%s:x:%d:\n", key, gid))
		}
		if gid, err := strconv.Atoi(key); err == nil {
			if name := h.groupName(gid); name != "" {
				return ok(fmt.Sprintf("%s:x:%d:\n", name, gid))
			}
		}
		return exit(2, "")
	}
	return exit(1, "getent: unknown database")
}

func flags(args []string) (map[string]string, string) {
	out := map[string]string{}
	for i := 0; i < len(args)-1; i++ {
		if strings.HasPrefix(args[i], "-") {
			switch args[i] {
			case "-m", "-r":
				out[args[i]] = ""
			default:
				out[args[i]] = args[i+1]
				i++
			}
		}
	}
	return out, args[len(args)-1]
}

func (h *FakeHost) nextID(used func(int) bool) int {
	id := 1000
	for used(id) {
		id++
	}
	return id
}

func (h *FakeHost) group(op string, args []string) hostexec.Result {
	f, name := flags(args)
	_, exists := h.Groups[name]
	switch op {
	case "groupadd":
		if exists {
			return exit(9, "groupadd: group '"+name+"' already exists")
		}
		gid := h.nextID(func(id int) bool { return h.groupName(id) != "" })
		if v, set := f["-g"]; set {
			gid, _ = strconv.Atoi(v)
		}
		h.Groups[name] = gid
	case "groupmod":
		if !exists {
			return exit(6, "groupmod: group '"+name+"' does not exist")
		}
		gid, _ := strconv.Atoi(f["-g"])
		h.Groups[name] = gid
	case "groupdel":
		if !exists {
			return exit(6, "groupdel: group '"+name+"' does not exist")
		}
		delete(h.Groups, name)
	}
	return ok("")
}

func (h *FakeHost) resolveGroup(v string) (int, bool) {
	if gid, found := h.Groups[v]; found {
		return gid, true
	}
	if gid, err := strconv.Atoi(v); err == nil && h.groupName(gid) != "" {
		return gid, true
	}
	return 0, false
}

func (h *FakeHost) user(op string, args []string) hostexec.Result {
	f, name := flags(args)
	u, exists := h.Users[name]
	switch op {
	case "useradd":
		if exists {
			return exit(9, "useradd: user '"+name+"' already exists")
		}
		u = User{Home: "/home/" + name, Shell: "/bin/sh"}
		u.UID = h.nextID(func(id int) bool {
			for _, x := range h.Users {
				if x.UID == id {
					return true
				}
			}
			return false
		})
		if v, set := f["-u"]; set {
			u.UID, _ = strconv.Atoi(v)
		}
		if v, set := f["-g"]; set {
			gid, known := h.resolveGroup(v)
			if !known {
				return exit(6, "useradd: group '"+v+"' does not exist")
			}
			u.GID = gid
		} else {
			if _, clash := h.Groups[name]; clash {
				return exit(9, "useradd: group "+name+" exists")
			}
			h.Groups[name] = u.UID
			u.GID = u.UID
		}
	case "usermod":
		if !exists {
			return exit(6, "usermod: user '"+name+"' does not exist")
		}
		if v, set := f["-u"]; set {
			u.UID, _ = strconv.Atoi(v)
		}
		if v, set := f["-g"]; set {
			gid, known := h.resolveGroup(v)
			if !known {
				return exit(6, "usermod: group '"+v+"' does not exist")
			}
			u.GID = gid
		}
	case "userdel":
		if !exists {
			return exit(6, "userdel: user '"+name+"' does not exist")
		}
		delete(h.Users, name)
		return ok("")
	}
	if v, set := f["-d"]; set {
		u.Home = v
	}
	if v, set := f["-s"]; set {
		u.Shell = v
	}
	if _, set := f["-m"]; set && u.Home != "" {
		if _, found := h.Files[u.Home]; !found {
			h.Files[u.Home] = &Node{Dir: true, Mode: 0o750, Owner: name, Group: h.groupName(u.GID)}
		}
	}
	h.Users[name] = u
	return ok("")
}

func (h *FakeHost) unitKnown(name string) bool {
	if _, found := h.Services[name]; found {
		return true
	}
	_, found := h.Files["/etc/systemd/system/"+name+".service"]
	return found
}

func (h *FakeHost) systemctl(args []string) (hostexec.Result, bool) {
	verb := args[0]
	if verb == "daemon-reload" {
		return ok(""), false
	}
	name := args[1]
	svc := h.Services[name]
	switch verb {
	case "is-active":
		if svc != nil && svc.Active {
			return ok("active\n"), false
		}
		return exit(3, "inactive\n"), false
	case "is-enabled":
		if svc != nil && svc.Enabled {
			return ok("enabled\n"), false
		}
		if !h.unitKnown(name) {
			return exit(1, "Failed to get unit file state for "+name+".service: No such file or directory\n"), false
		}
		return exit(1, "disabled\n"), false
	}

	if !h.unitKnown(name) {
		return exit(5, "Failed to "+verb+" "+name+".service: Unit "+name+".service not found.\n"), false
	}
	if svc == nil {
		svc = &Service{}
		h.Services[name] = svc
	}
	switch verb {
	case "start":
		svc.Active = true
	case "stop":
		svc.Active = false
	case "enable":
		svc.Enabled = true
	case "disable":
		svc.Enabled = false
	default:
		return exit(1, "Unknown command verb "+verb), false
	}
	return ok(""), true
}

func (h *FakeHost) pkg(tool string, args []string) (hostexec.Result, bool) {
	var op string
	var names []string
	for _, a := range args {
		switch {
		case a == "install" || a == "remove" || a == "update":
			op = a
		case strings.HasPrefix(a, "-"):
		default:
			names = append(names, a)
		}
	}

	switch op {
	case "update":
		return ok(""), false
	case "remove":
		for _, n := range names {
			if p, found := h.Available[n]; found {
				for bin := range p.Binaries {
					delete(h.Binaries, bin)
				}
			}
			delete(h.Installed, n)
		}
		return ok(""), true
	case "install":
		for _, spec := range names {
			name, version := splitPackageSpec(tool, spec)
			p, found := h.Available[name]
			if !found || (version != "" && version != p.Version) {
				return exit(100, "E: Unable to locate package "+spec), false
			}
			h.Installed[name] = p.Version
			for bin, out := range p.Binaries {
				h.Binaries[bin] = out
			}
		}
		return ok(""), true
	}
	return exit(1, tool+": unknown operation"), false
}

func splitPackageSpec(tool, spec string) (string, string) {
	if tool == "dnf" || tool == "yum" {
		// name-version-release: versions start with a digit
		for i := 0; i < len(spec)-1; i++ {
			if spec[i] == '-' && spec[i+1] >= '0' && spec[i+1] <= '9' {
				return spec[:i], spec[i+1:]
			}
		}
		return spec, ""
	}
	name, version, _ := strings.Cut(spec, "=")
	return name, version
}

// Paths returns all filesystem paths in sorted order.
func (h *FakeHost) Paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.Files))
	for p := range h.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Node returns a copy of the node at p.
func (h *FakeHost) Node(p string) (Node, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, found := h.Files[clean(p)]
	if !found {
		return Node{}, false
	}
	return *n, true
}
