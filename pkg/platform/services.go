package platform

import (
	"context"
	"fmt"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// ObserveService implements engine.PlatformAdapter using systemd.
func (a *Adapter) ObserveService(ctx context.Context, spec engine.ServiceSpec) (engine.ServiceState, error) {
	active, err := a.runner.Run(ctx, hostexec.NewCommand("systemctl", "is-active", spec.Name))
	if err != nil {
		return engine.ServiceState{}, err
	}
	enabled, err := a.runner.Run(ctx, hostexec.NewCommand("systemctl", "is-enabled", spec.Name))
	if err != nil {
		return engine.ServiceState{}, err
	}
	return engine.ServiceState{
		Active:  active.Text() == "active",
		Enabled: enabled.Text() == "enabled",
	}, nil
}

// EnsureService implements engine.PlatformAdapter. Unit files are managed as
// file units; the daemon is reloaded before a start so that a freshly written
// unit file is picked up.
func (a *Adapter) EnsureService(ctx context.Context, spec engine.ServiceSpec, ensure engine.Ensure) (bool, error) {
	cur, err := a.ObserveService(ctx, spec)
	if err != nil {
		return false, err
	}

	changed := false
	if spec.Enable != nil && *spec.Enable != cur.Enabled {
		verb := "disable"
		if *spec.Enable {
			verb = "enable"
		}
		if _, err := a.run(ctx, "systemctl", verb, spec.Name); err != nil {
			return changed, fmt.Errorf("failed to %s service %s: %w", verb, spec.Name, err)
		}
		changed = true
	}

	switch {
	case ensure == engine.EnsureRunning && !cur.Active:
		if _, err := a.run(ctx, "systemctl", "daemon-reload"); err != nil {
			return changed, fmt.Errorf("failed to reload systemd: %w", err)
		}
		if _, err := a.run(ctx, "systemctl", "start", spec.Name); err != nil {
			return changed, fmt.Errorf("failed to start service %s: %w", spec.Name, err)
		}
		changed = true
	case ensure == engine.EnsureStopped && cur.Active:
		if _, err := a.run(ctx, "systemctl", "stop", spec.Name); err != nil {
			return changed, fmt.Errorf("failed to stop service %s: %w", spec.Name, err)
		}
		changed = true
	}

	return changed, nil
}
