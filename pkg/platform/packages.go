package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// packageTimeout bounds package manager invocations, which download.
const packageTimeout = 15 * time.Minute

// PackageManager queries and mutates the package database of one family.
type PackageManager interface {
	// Name identifies the manager (apt, dnf, yum, zypper).
	Name() string

	// Query reports whether name is installed and at which version.
	Query(ctx context.Context, name string) (bool, string, error)

	// Install installs name, pinned to version when non-empty.
	Install(ctx context.Context, name, version string) error

	// Remove uninstalls name.
	Remove(ctx context.Context, name string) error
}

// Apt manages packages on Debian-family hosts.
type Apt struct {
	runner hostexec.Runner

	// RefreshIndex runs "apt-get update" before each install.
	RefreshIndex bool
}

// NewApt creates an apt package manager.
func NewApt(runner hostexec.Runner) *Apt {
	return &Apt{runner: runner, RefreshIndex: true}
}

// Name implements PackageManager.
func (m *Apt) Name() string { return "apt" }

// Query implements PackageManager. Packages removed with their configuration
// left behind report a non-installed status and count as absent.
func (m *Apt) Query(ctx context.Context, name string) (bool, string, error) {
	res, err := m.runner.Run(ctx, hostexec.NewCommand("dpkg-query", "-W", "-f=${db:Status-Status} ${Version}", name))
	if err != nil {
		return false, "", err
	}
	if !res.Success() {
		return false, "", nil
	}
	status, version, _ := strings.Cut(res.Text(), " ")
	if status != "installed" {
		return false, "", nil
	}
	return true, version, nil
}

// Install implements PackageManager.
func (m *Apt) Install(ctx context.Context, name, version string) error {
	if m.RefreshIndex {
		if _, err := hostexec.RunChecked(ctx, m.runner, aptCommand("update", "-q")); err != nil {
			return fmt.Errorf("failed to refresh package index: %w", err)
		}
	}
	spec := name
	if version != "" {
		spec = name + "=" + version
	}
	if _, err := hostexec.RunChecked(ctx, m.runner, aptCommand("install", "-y", "-q", spec)); err != nil {
		return fmt.Errorf("failed to install %s: %w", spec, err)
	}
	return nil
}

// Remove implements PackageManager.
func (m *Apt) Remove(ctx context.Context, name string) error {
	if _, err := hostexec.RunChecked(ctx, m.runner, aptCommand("remove", "-y", "-q", name)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

func aptCommand(args ...string) hostexec.Command {
	return hostexec.NewCommand("env", append([]string{"DEBIAN_FRONTEND=noninteractive", "apt-get"}, args...)...).
		WithTimeout(packageTimeout)
}

// Rpm manages packages on RPM-based hosts. The front-end tool is picked on
// first use from the candidates, in order.
type Rpm struct {
	runner     hostexec.Runner
	candidates []string

	once sync.Once
	tool string
	err  error
}

// NewDnf creates an RPM manager preferring dnf and falling back to yum.
func NewDnf(runner hostexec.Runner) *Rpm {
	return &Rpm{runner: runner, candidates: []string{"dnf", "yum"}}
}

// NewZypper creates an RPM manager driven by zypper.
func NewZypper(runner hostexec.Runner) *Rpm {
	return &Rpm{runner: runner, candidates: []string{"zypper"}}
}

// Name implements PackageManager. Before first use it reports the preferred
// candidate.
func (m *Rpm) Name() string {
	if m.tool != "" {
		return m.tool
	}
	return m.candidates[0]
}

func (m *Rpm) detect(ctx context.Context) (string, error) {
	m.once.Do(func() {
		for _, c := range m.candidates {
			if _, err := m.runner.LookPath(ctx, c); err == nil {
				m.tool = c
				return
			}
		}
		m.err = fmt.Errorf("no package manager found among %s", strings.Join(m.candidates, ", "))
	})
	return m.tool, m.err
}

// Query implements PackageManager.
func (m *Rpm) Query(ctx context.Context, name string) (bool, string, error) {
	res, err := m.runner.Run(ctx, hostexec.NewCommand("rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name))
	if err != nil {
		return false, "", err
	}
	if !res.Success() {
		return false, "", nil
	}
	return true, res.Text(), nil
}

// Install implements PackageManager.
func (m *Rpm) Install(ctx context.Context, name, version string) error {
	tool, err := m.detect(ctx)
	if err != nil {
		return err
	}

	spec := name
	var args []string
	if tool == "zypper" {
		if version != "" {
			spec = name + "=" + version
		}
		args = []string{"--non-interactive", "install", spec}
	} else {
		if version != "" {
			spec = name + "-" + version
		}
		args = []string{"install", "-y", spec}
	}

	log.Debug().Str("manager", tool).Str("package", spec).Msg("installing package")
	if _, err := hostexec.RunChecked(ctx, m.runner, hostexec.NewCommand(tool, args...).WithTimeout(packageTimeout)); err != nil {
		return fmt.Errorf("failed to install %s: %w", spec, err)
	}
	return nil
}

// Remove implements PackageManager.
func (m *Rpm) Remove(ctx context.Context, name string) error {
	tool, err := m.detect(ctx)
	if err != nil {
		return err
	}

	args := []string{"remove", "-y", name}
	if tool == "zypper" {
		args = []string{"--non-interactive", "remove", name}
	}
	if _, err := hostexec.RunChecked(ctx, m.runner, hostexec.NewCommand(tool, args...).WithTimeout(packageTimeout)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}
