package facts

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// OS family identifiers understood by the platform registry.
const (
	FamilyDebian = "debian"
	FamilyRedHat = "redhat"
	FamilySuSE   = "suse"
)

// OSRelease holds the fields of /etc/os-release that matter here.
type OSRelease struct {
	ID        string   `json:"id"`
	IDLike    []string `json:"id_like,omitempty"`
	Name      string   `json:"name"`
	VersionID string   `json:"version_id"`

	// VersionCodename is set on Debian-family hosts (e.g. "jammy").
	VersionCodename string `json:"version_codename,omitempty"`
}

var familyByID = map[string]string{
	"debian":    FamilyDebian,
	"ubuntu":    FamilyDebian,
	"rhel":      FamilyRedHat,
	"centos":    FamilyRedHat,
	"fedora":    FamilyRedHat,
	"rocky":     FamilyRedHat,
	"almalinux": FamilyRedHat,
	"ol":        FamilyRedHat,
	"amzn":      FamilyRedHat,
	"sles":      FamilySuSE,
	"sled":      FamilySuSE,
	"suse":      FamilySuSE,
}

// ParseOSRelease parses the KEY=value format of /etc/os-release.
func ParseOSRelease(content string) OSRelease {
	var rel OSRelease
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			rel.ID = strings.ToLower(value)
		case "ID_LIKE":
			rel.IDLike = strings.Fields(strings.ToLower(value))
		case "NAME":
			rel.Name = value
		case "VERSION_ID":
			rel.VersionID = value
		case "VERSION_CODENAME":
			rel.VersionCodename = value
		}
	}
	return rel
}

// Family maps the release to an OS family. IDs without a known family are
// returned unchanged so that the platform registry can reject them.
func (r OSRelease) Family() string {
	if f, ok := lookupFamily(r.ID); ok {
		return f
	}
	for _, like := range r.IDLike {
		if f, ok := lookupFamily(like); ok {
			return f
		}
	}
	return r.ID
}

func lookupFamily(id string) (string, bool) {
	if strings.HasPrefix(id, "opensuse") {
		return FamilySuSE, true
	}
	f, ok := familyByID[id]
	return f, ok
}

// DetectOSRelease reads /etc/os-release on the host behind runner.
func DetectOSRelease(ctx context.Context, runner hostexec.Runner) (OSRelease, error) {
	res, err := hostexec.RunChecked(ctx, runner, hostexec.NewCommand("cat", "/etc/os-release"))
	if err != nil {
		return OSRelease{}, fmt.Errorf("failed to read os-release: %w", err)
	}
	rel := ParseOSRelease(string(res.Output))
	if rel.ID == "" {
		return OSRelease{}, fmt.Errorf("os-release has no ID field")
	}
	return rel, nil
}
