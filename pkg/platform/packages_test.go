package platform

import (
	"context"
	"testing"

	"github.com/openfroyo/p4converge/pkg/hostexec"
	"github.com/openfroyo/p4converge/pkg/hostexec/hostexectest"
)

func TestPackageManagers(t *testing.T) {
	tests := []struct {
		name    string
		osID    string
		manager func(h *hostexectest.FakeHost) PackageManager
		want    string
	}{
		{
			name:    "apt",
			osID:    "debian",
			manager: func(h *hostexectest.FakeHost) PackageManager { return NewApt(h) },
			want:    "env DEBIAN_FRONTEND=noninteractive apt-get install -y -q helix-cli=2023.1-1",
		},
		{
			name:    "dnf",
			osID:    "rocky",
			manager: func(h *hostexectest.FakeHost) PackageManager { return NewDnf(h) },
			want:    "dnf install -y helix-cli-2023.1-1",
		},
		{
			name:    "zypper",
			osID:    "opensuse-leap",
			manager: func(h *hostexectest.FakeHost) PackageManager { return NewZypper(h) },
			want:    "zypper --non-interactive install helix-cli=2023.1-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := hostexectest.New(tt.osID)
			host.Available["helix-cli"] = hostexectest.Package{Version: "2023.1-1"}
			pm := tt.manager(host)
			ctx := context.Background()

			installed, _, err := pm.Query(ctx, "helix-cli")
			if err != nil || installed {
				t.Fatalf("Query() = %v, %v before install", installed, err)
			}

			if err := pm.Install(ctx, "helix-cli", "2023.1-1"); err != nil {
				t.Fatalf("Install() error = %v", err)
			}

			found := false
			for _, line := range host.Journal() {
				if line == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("journal %v does not contain %q", host.Journal(), tt.want)
			}

			installed, version, err := pm.Query(ctx, "helix-cli")
			if err != nil || !installed || version != "2023.1-1" {
				t.Errorf("Query() = %v, %q, %v", installed, version, err)
			}

			if err := pm.Remove(ctx, "helix-cli"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if installed, _, _ := pm.Query(ctx, "helix-cli"); installed {
				t.Error("package still installed after Remove()")
			}
		})
	}
}

// yumOnly is a host where dnf is not installed.
type yumOnly struct {
	*hostexectest.FakeHost
}

func (h yumOnly) LookPath(ctx context.Context, name string) (string, error) {
	if name == "dnf" {
		return "", hostexec.ErrNotFound
	}
	if name == "yum" {
		return "/usr/bin/yum", nil
	}
	return h.FakeHost.LookPath(ctx, name)
}

func TestRpm_FallsBackToYum(t *testing.T) {
	host := hostexectest.New("centos")
	host.Available["helix-p4d"] = hostexectest.Package{Version: "2023.1-1"}
	pm := NewDnf(yumOnly{host})

	if pm.Name() != "dnf" {
		t.Errorf("Name() = %s before detection, want dnf", pm.Name())
	}
	if err := pm.Install(context.Background(), "helix-p4d", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if pm.Name() != "yum" {
		t.Errorf("Name() = %s, want yum", pm.Name())
	}
	journal := host.Journal()
	if last := journal[len(journal)-1]; last != "yum install -y helix-p4d" {
		t.Errorf("last command = %q", last)
	}
}

func TestParseStat(t *testing.T) {
	st, err := parseStat("directory|2775|perforce|perforce")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != "2775" || st.Owner != "perforce" {
		t.Errorf("parseStat() = %+v", st)
	}
	if _, err := parseStat("garbage"); err == nil {
		t.Error("parseStat() accepted malformed output")
	}
}
