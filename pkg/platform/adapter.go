package platform

import (
	"context"
	"os"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// Uploader writes file content directly, bypassing the stdin of a command.
// Runners that implement it (the SSH transport) are used for file units.
type Uploader interface {
	Upload(ctx context.Context, path string, content []byte, mode os.FileMode) error
}

// Adapter is the shared POSIX implementation of engine.PlatformAdapter,
// specialised per family by its package manager.
type Adapter struct {
	family   string
	runner   hostexec.Runner
	packages PackageManager
	uploader Uploader
}

var _ engine.PlatformAdapter = (*Adapter)(nil)

// NewAdapter creates an adapter for family over runner. When runner also
// implements Uploader it is used to write file content.
func NewAdapter(family string, runner hostexec.Runner, packages PackageManager) *Adapter {
	a := &Adapter{
		family:   family,
		runner:   runner,
		packages: packages,
	}
	if up, ok := runner.(Uploader); ok {
		a.uploader = up
	}
	return a
}

// Family implements engine.PlatformAdapter.
func (a *Adapter) Family() string {
	return a.family
}

// PackageManager returns the family's package manager.
func (a *Adapter) PackageManager() PackageManager {
	return a.packages
}

// run executes a command that must succeed.
func (a *Adapter) run(ctx context.Context, name string, args ...string) (hostexec.Result, error) {
	return hostexec.RunChecked(ctx, a.runner, hostexec.NewCommand(name, args...))
}

// ObservePackage implements engine.PlatformAdapter.
func (a *Adapter) ObservePackage(ctx context.Context, spec engine.PackageSpec) (engine.PackageState, error) {
	installed, version, err := a.packages.Query(ctx, spec.Name)
	if err != nil {
		return engine.PackageState{}, err
	}
	return engine.PackageState{Installed: installed, Version: version}, nil
}

// EnsurePackage implements engine.PlatformAdapter.
func (a *Adapter) EnsurePackage(ctx context.Context, spec engine.PackageSpec, ensure engine.Ensure) (bool, error) {
	installed, version, err := a.packages.Query(ctx, spec.Name)
	if err != nil {
		return false, err
	}

	switch ensure {
	case engine.EnsureAbsent:
		if !installed {
			return false, nil
		}
		return true, a.packages.Remove(ctx, spec.Name)
	default:
		if installed && (spec.Version == "" || spec.Version == version) {
			return false, nil
		}
		return true, a.packages.Install(ctx, spec.Name, spec.Version)
	}
}
