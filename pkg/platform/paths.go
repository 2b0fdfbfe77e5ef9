package platform

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// ObservePath implements engine.PlatformAdapter.
func (a *Adapter) ObservePath(ctx context.Context, spec engine.PathSpec) (engine.PathState, error) {
	res, err := a.runner.Run(ctx, hostexec.NewCommand("stat", "-c", "%F|%a|%U|%G", "--", spec.Path))
	if err != nil {
		return engine.PathState{}, err
	}
	if !res.Success() {
		if strings.Contains(string(res.Output), "No such file or directory") {
			return engine.PathState{Type: engine.PathMissing}, nil
		}
		return engine.PathState{}, &hostexec.ExitError{Command: "stat " + spec.Path, ExitCode: res.ExitCode, Output: string(res.Output)}
	}

	st, err := parseStat(res.Text())
	if err != nil {
		return engine.PathState{}, fmt.Errorf("%s: %w", spec.Path, err)
	}

	switch st.Type {
	case engine.PathFile:
		out, err := a.run(ctx, "sha256sum", "--", spec.Path)
		if err != nil {
			return engine.PathState{}, err
		}
		if fields := strings.Fields(out.Text()); len(fields) > 0 {
			st.SHA256 = fields[0]
		}
	case engine.PathLink:
		out, err := a.run(ctx, "readlink", "--", spec.Path)
		if err != nil {
			return engine.PathState{}, err
		}
		st.Target = out.Text()
	}

	return st, nil
}

// parseStat parses "%F|%a|%U|%G".
func parseStat(line string) (engine.PathState, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return engine.PathState{}, fmt.Errorf("unexpected stat output %q", line)
	}

	st := engine.PathState{
		Mode:  engine.NormalizeMode(parts[1]),
		Owner: parts[2],
		Group: parts[3],
	}
	switch parts[0] {
	case "directory":
		st.Type = engine.PathDirectory
	case "regular file", "regular empty file":
		st.Type = engine.PathFile
	case "symbolic link":
		st.Type = engine.PathLink
	default:
		st.Type = engine.PathOther
	}
	return st, nil
}

// EnsurePath implements engine.PlatformAdapter.
//
// An existing directory is never replaced by a file or link; that needs an
// explicit absent unit first.
func (a *Adapter) EnsurePath(ctx context.Context, kind engine.UnitKind, spec engine.PathSpec, ensure engine.Ensure) (bool, error) {
	cur, err := a.ObservePath(ctx, spec)
	if err != nil {
		return false, err
	}

	if ensure == engine.EnsureAbsent {
		switch cur.Type {
		case engine.PathMissing:
			return false, nil
		case engine.PathDirectory:
			_, err = a.run(ctx, "rm", "-rf", "--", spec.Path)
		default:
			_, err = a.run(ctx, "rm", "-f", "--", spec.Path)
		}
		return err == nil, err
	}

	changed := false
	want := pathType(kind)

	if cur.Type != engine.PathMissing && cur.Type != want {
		if cur.Type == engine.PathDirectory {
			return false, fmt.Errorf("refusing to replace directory %s with a %s", spec.Path, kind)
		}
		if _, err := a.run(ctx, "rm", "-f", "--", spec.Path); err != nil {
			return false, err
		}
		cur = engine.PathState{Type: engine.PathMissing}
		changed = true
	}

	switch kind {
	case engine.KindDirectory:
		if cur.Type == engine.PathMissing {
			if _, err := a.run(ctx, "mkdir", "-p", "--", spec.Path); err != nil {
				return changed, err
			}
			changed = true
		}
	case engine.KindFile:
		if cur.Type == engine.PathMissing || cur.SHA256 != engine.ContentDigest(spec.Content) {
			if err := a.writeFile(ctx, spec); err != nil {
				return changed, err
			}
			changed = true
		}
	case engine.KindLink:
		if cur.Type == engine.PathMissing || cur.Target != spec.Target {
			if _, err := a.run(ctx, "ln", "-sfn", "--", spec.Target, spec.Path); err != nil {
				return changed, err
			}
			changed = true
		}
	default:
		return changed, fmt.Errorf("unsupported path kind %q", kind)
	}

	// Re-read attributes after creation; new entries take the umask and owner
	// of the invoking user.
	if changed {
		if cur, err = a.ObservePath(ctx, spec); err != nil {
			return changed, err
		}
	}

	if kind != engine.KindLink && spec.Mode != "" && engine.NormalizeMode(spec.Mode) != cur.Mode {
		if _, err := a.run(ctx, "chmod", engine.NormalizeMode(spec.Mode), "--", spec.Path); err != nil {
			return changed, err
		}
		changed = true
	}

	if owner := chownSpec(spec, cur); owner != "" {
		args := []string{owner, "--", spec.Path}
		if kind == engine.KindLink {
			args = append([]string{"-h"}, args...)
		}
		if _, err := a.run(ctx, "chown", args...); err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

func pathType(kind engine.UnitKind) engine.PathType {
	switch kind {
	case engine.KindDirectory:
		return engine.PathDirectory
	case engine.KindLink:
		return engine.PathLink
	default:
		return engine.PathFile
	}
}

// chownSpec returns the chown argument needed to fix ownership, or "" when
// ownership already matches.
func chownSpec(spec engine.PathSpec, cur engine.PathState) string {
	owner := spec.Owner != "" && spec.Owner != cur.Owner
	group := spec.Group != "" && spec.Group != cur.Group
	switch {
	case owner && group:
		return spec.Owner + ":" + spec.Group
	case owner:
		return spec.Owner
	case group:
		return ":" + spec.Group
	}
	return ""
}

func (a *Adapter) writeFile(ctx context.Context, spec engine.PathSpec) error {
	if a.uploader != nil {
		mode := os.FileMode(0o644)
		if spec.Mode != "" {
			if v, err := strconv.ParseUint(spec.Mode, 8, 32); err == nil {
				mode = os.FileMode(v)
			}
		}
		return a.uploader.Upload(ctx, spec.Path, []byte(spec.Content), mode)
	}

	cmd := hostexec.NewCommand("tee", "--", spec.Path).WithStdin([]byte(spec.Content))
	if _, err := hostexec.RunChecked(ctx, a.runner, cmd); err != nil {
		return fmt.Errorf("failed to write %s: %w", spec.Path, err)
	}
	return nil
}
