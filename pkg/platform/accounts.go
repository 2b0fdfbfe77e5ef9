package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// getent returns the database entry for key, or nil when it does not exist.
// getent exits 2 for a missing key.
func (a *Adapter) getent(ctx context.Context, db, key string) ([]string, error) {
	res, err := a.runner.Run(ctx, hostexec.NewCommand("getent", db, key))
	if err != nil {
		return nil, err
	}
	switch res.ExitCode {
	case 0:
		return strings.Split(res.Text(), ":"), nil
	case 2:
		return nil, nil
	default:
		return nil, &hostexec.ExitError{Command: "getent " + db + " " + key, ExitCode: res.ExitCode, Output: string(res.Output)}
	}
}

// ObserveGroup implements engine.PlatformAdapter.
func (a *Adapter) ObserveGroup(ctx context.Context, spec engine.GroupSpec) (engine.GroupState, error) {
	fields, err := a.getent(ctx, "group", spec.Name)
	if err != nil || fields == nil {
		return engine.GroupState{}, err
	}
	if len(fields) < 3 {
		return engine.GroupState{}, fmt.Errorf("malformed group entry for %s", spec.Name)
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return engine.GroupState{}, fmt.Errorf("malformed gid for %s: %w", spec.Name, err)
	}
	return engine.GroupState{Exists: true, GID: gid}, nil
}

// EnsureGroup implements engine.PlatformAdapter.
func (a *Adapter) EnsureGroup(ctx context.Context, spec engine.GroupSpec, ensure engine.Ensure) (bool, error) {
	cur, err := a.ObserveGroup(ctx, spec)
	if err != nil {
		return false, err
	}

	switch {
	case ensure == engine.EnsureAbsent:
		if !cur.Exists {
			return false, nil
		}
		_, err = a.run(ctx, "groupdel", spec.Name)
		return err == nil, err
	case !cur.Exists:
		args := []string{}
		if spec.GID != nil {
			args = append(args, "-g", strconv.Itoa(*spec.GID))
		}
		_, err = a.run(ctx, "groupadd", append(args, spec.Name)...)
		return err == nil, err
	case spec.GID != nil && *spec.GID != cur.GID:
		_, err = a.run(ctx, "groupmod", "-g", strconv.Itoa(*spec.GID), spec.Name)
		return err == nil, err
	}
	return false, nil
}

// ObserveUser implements engine.PlatformAdapter.
func (a *Adapter) ObserveUser(ctx context.Context, spec engine.UserSpec) (engine.UserState, error) {
	fields, err := a.getent(ctx, "passwd", spec.Name)
	if err != nil || fields == nil {
		return engine.UserState{}, err
	}
	if len(fields) < 7 {
		return engine.UserState{}, fmt.Errorf("malformed passwd entry for %s", spec.Name)
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return engine.UserState{}, fmt.Errorf("malformed uid for %s: %w", spec.Name, err)
	}

	st := engine.UserState{
		Exists: true,
		UID:    uid,
		Group:  fields[3],
		Home:   fields[5],
		Shell:  fields[6],
	}

	// Report the primary group by name so it compares with the declared name.
	group, err := a.getent(ctx, "group", fields[3])
	if err != nil {
		return engine.UserState{}, err
	}
	if len(group) > 0 {
		st.Group = group[0]
	}
	return st, nil
}

// EnsureUser implements engine.PlatformAdapter.
func (a *Adapter) EnsureUser(ctx context.Context, spec engine.UserSpec, ensure engine.Ensure) (bool, error) {
	cur, err := a.ObserveUser(ctx, spec)
	if err != nil {
		return false, err
	}

	if ensure == engine.EnsureAbsent {
		if !cur.Exists {
			return false, nil
		}
		args := []string{spec.Name}
		if spec.ManageHome {
			args = []string{"-r", spec.Name}
		}
		_, err = a.run(ctx, "userdel", args...)
		return err == nil, err
	}

	if !cur.Exists {
		var args []string
		if spec.UID != nil {
			args = append(args, "-u", strconv.Itoa(*spec.UID))
		}
		if spec.Group != "" {
			args = append(args, "-g", spec.Group)
		}
		if spec.Home != "" {
			args = append(args, "-d", spec.Home)
		}
		if spec.ManageHome {
			args = append(args, "-m")
		}
		if spec.Shell != "" {
			args = append(args, "-s", spec.Shell)
		}
		_, err = a.run(ctx, "useradd", append(args, spec.Name)...)
		return err == nil, err
	}

	var args []string
	if spec.UID != nil && *spec.UID != cur.UID {
		args = append(args, "-u", strconv.Itoa(*spec.UID))
	}
	if spec.Group != "" && spec.Group != cur.Group {
		args = append(args, "-g", spec.Group)
	}
	if spec.Home != "" && spec.Home != cur.Home {
		args = append(args, "-d", spec.Home)
		if spec.ManageHome {
			args = append(args, "-m")
		}
	}
	if spec.Shell != "" && spec.Shell != cur.Shell {
		args = append(args, "-s", spec.Shell)
	}
	if len(args) == 0 {
		return false, nil
	}
	_, err = a.run(ctx, "usermod", append(args, spec.Name)...)
	return err == nil, err
}
