package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// NormalizeMode renders an octal mode string in four-digit form so that "755"
// and "0755" compare equal. Invalid input is returned unchanged.
func NormalizeMode(mode string) string {
	if mode == "" {
		return ""
	}
	v, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return mode
	}
	return fmt.Sprintf("%04o", v)
}

// ContentDigest returns the hex SHA-256 of file content.
func ContentDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Diff compares one observation against the unit's desired attributes. An
// empty result means the unit is converged.
func Diff(u Unit, obs Observation) []Change {
	switch {
	case u.Kind == KindPackage && obs.Package != nil:
		return diffPackage(u.Ensure, *u.Package, *obs.Package)
	case u.Kind.IsPath() && obs.Path != nil:
		return diffPath(u.Kind, u.Ensure, *u.Path, *obs.Path)
	case u.Kind == KindGroup && obs.Group != nil:
		return diffGroup(u.Ensure, *u.Group, *obs.Group)
	case u.Kind == KindUser && obs.User != nil:
		return diffUser(u.Ensure, *u.User, *obs.User)
	case u.Kind == KindService && obs.Service != nil:
		return diffService(u.Ensure, *u.Service, *obs.Service)
	}
	return []Change{{Path: ".", Before: nil, After: string(u.Kind), Action: ChangeActionAdd}}
}

func diffPackage(ensure Ensure, want PackageSpec, got PackageState) []Change {
	if ensure == EnsureAbsent {
		if got.Installed {
			return []Change{{Path: ".installed", Before: true, After: false, Action: ChangeActionRemove}}
		}
		return nil
	}

	if !got.Installed {
		return []Change{{Path: ".installed", Before: false, After: true, Action: ChangeActionAdd}}
	}

	var changes []Change
	if want.Version != "" && want.Version != got.Version {
		changes = append(changes, Change{Path: ".version", Before: got.Version, After: want.Version, Action: ChangeActionModify})
	}
	// Binary is nil when no resolver ran; only the package itself is compared then.
	if want.Binary != "" && got.Binary != nil {
		if !got.Binary.Resolved() {
			changes = append(changes, Change{Path: ".binary", Before: got.Binary.Raw, After: want.Binary, Action: ChangeActionAdd})
		} else if want.Release != "" && want.Release != got.Binary.Major {
			changes = append(changes, Change{Path: ".release", Before: got.Binary.Major, After: want.Release, Action: ChangeActionModify})
		}
	}
	return changes
}

func wantType(kind UnitKind) PathType {
	switch kind {
	case KindDirectory:
		return PathDirectory
	case KindLink:
		return PathLink
	default:
		return PathFile
	}
}

func diffPath(kind UnitKind, ensure Ensure, want PathSpec, got PathState) []Change {
	if ensure == EnsureAbsent {
		if got.Type != PathMissing {
			return []Change{{Path: ".type", Before: string(got.Type), After: string(PathMissing), Action: ChangeActionRemove}}
		}
		return nil
	}

	wt := wantType(kind)
	if got.Type == PathMissing {
		return []Change{{Path: ".type", Before: string(PathMissing), After: string(wt), Action: ChangeActionAdd}}
	}

	var changes []Change
	if got.Type != wt {
		changes = append(changes, Change{Path: ".type", Before: string(got.Type), After: string(wt), Action: ChangeActionModify})
		return changes
	}

	switch kind {
	case KindFile:
		if digest := ContentDigest(want.Content); digest != got.SHA256 {
			changes = append(changes, Change{Path: ".content", Before: got.SHA256, After: digest, Action: ChangeActionModify})
		}
	case KindLink:
		if want.Target != got.Target {
			changes = append(changes, Change{Path: ".target", Before: got.Target, After: want.Target, Action: ChangeActionModify})
		}
	}

	if kind != KindLink && want.Mode != "" && NormalizeMode(want.Mode) != NormalizeMode(got.Mode) {
		changes = append(changes, Change{Path: ".mode", Before: NormalizeMode(got.Mode), After: NormalizeMode(want.Mode), Action: ChangeActionModify})
	}
	if want.Owner != "" && want.Owner != got.Owner {
		changes = append(changes, Change{Path: ".owner", Before: got.Owner, After: want.Owner, Action: ChangeActionModify})
	}
	if want.Group != "" && want.Group != got.Group {
		changes = append(changes, Change{Path: ".group", Before: got.Group, After: want.Group, Action: ChangeActionModify})
	}
	return changes
}

func diffGroup(ensure Ensure, want GroupSpec, got GroupState) []Change {
	if ensure == EnsureAbsent {
		if got.Exists {
			return []Change{{Path: ".exists", Before: true, After: false, Action: ChangeActionRemove}}
		}
		return nil
	}
	if !got.Exists {
		return []Change{{Path: ".exists", Before: false, After: true, Action: ChangeActionAdd}}
	}
	if want.GID != nil && *want.GID != got.GID {
		return []Change{{Path: ".gid", Before: got.GID, After: *want.GID, Action: ChangeActionModify}}
	}
	return nil
}

func diffUser(ensure Ensure, want UserSpec, got UserState) []Change {
	if ensure == EnsureAbsent {
		if got.Exists {
			return []Change{{Path: ".exists", Before: true, After: false, Action: ChangeActionRemove}}
		}
		return nil
	}
	if !got.Exists {
		return []Change{{Path: ".exists", Before: false, After: true, Action: ChangeActionAdd}}
	}

	var changes []Change
	if want.UID != nil && *want.UID != got.UID {
		changes = append(changes, Change{Path: ".uid", Before: got.UID, After: *want.UID, Action: ChangeActionModify})
	}
	if want.Group != "" && want.Group != got.Group {
		changes = append(changes, Change{Path: ".group", Before: got.Group, After: want.Group, Action: ChangeActionModify})
	}
	if want.Home != "" && want.Home != got.Home {
		changes = append(changes, Change{Path: ".home", Before: got.Home, After: want.Home, Action: ChangeActionModify})
	}
	if want.Shell != "" && want.Shell != got.Shell {
		changes = append(changes, Change{Path: ".shell", Before: got.Shell, After: want.Shell, Action: ChangeActionModify})
	}
	return changes
}

func diffService(ensure Ensure, want ServiceSpec, got ServiceState) []Change {
	var changes []Change
	wantActive := ensure == EnsureRunning
	if got.Active != wantActive {
		changes = append(changes, Change{Path: ".active", Before: got.Active, After: wantActive, Action: ChangeActionModify})
	}
	if want.Enable != nil && *want.Enable != got.Enabled {
		changes = append(changes, Change{Path: ".enabled", Before: got.Enabled, After: *want.Enable, Action: ChangeActionModify})
	}
	return changes
}
