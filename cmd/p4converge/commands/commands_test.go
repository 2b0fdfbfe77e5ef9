package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/hostexec/hostexectest"
	"github.com/openfroyo/p4converge/pkg/stores"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd, shutdown := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if serr := shutdown(); serr != nil {
		t.Errorf("telemetry shutdown: %v", serr)
	}
	return out.String(), err
}

func useFakeHost(t *testing.T, h *hostexectest.FakeHost) {
	t.Helper()
	prev := openHost
	openHost = func(context.Context, *globalFlags) (*host, error) {
		return &host{runner: h, target: "localhost", close: func() error { return nil }}, nil
	}
	t.Cleanup(func() { openHost = prev })
}

func perforceHost(osID string) *hostexectest.FakeHost {
	h := hostexectest.New(osID)
	h.Available["helix-cli"] = hostexectest.Package{
		Version:  "2023.1-2468153",
		Binaries: map[string]string{"p4": "Rev. P4/LINUX26X86_64/2023.1/2468153 (2023/07/24).\n"},
	}
	h.Available["helix-p4d"] = hostexectest.Package{
		Version:  "2023.1-2468153",
		Binaries: map[string]string{"p4d": "Rev. P4D/LINUX26X86_64/2023.1/2468153 (2023/07/24).\n"},
	}
	return h
}

func runFlags(t *testing.T) []string {
	dir := t.TempDir()
	return []string{
		"--lock-file", filepath.Join(dir, "p4converge.lock"),
		"--state-db", filepath.Join(dir, "state.db"),
	}
}

func TestSplitPath(t *testing.T) {
	out, err := execute(t, "splitpath", "/p4/common/bin")
	if err != nil {
		t.Fatalf("splitpath error = %v", err)
	}
	want := "/p4\n/p4/common\n/p4/common/bin\n"
	if out != want {
		t.Errorf("splitpath output = %q, want %q", out, want)
	}

	if _, err := execute(t, "splitpath"); err == nil {
		t.Error("splitpath without a path succeeded")
	}
	if _, err := execute(t, "splitpath", "/a", "/b"); err == nil {
		t.Error("splitpath with two paths succeeded")
	}
}

func TestSettings(t *testing.T) {
	out, err := execute(t, "settings", "p4v_preferences")
	if err != nil {
		t.Fatalf("settings error = %v", err)
	}
	if strings.TrimSpace(out) != "//Perforce/sdp/JsApi/p4vsettings.xml" {
		t.Errorf("settings output = %q", out)
	}

	if _, err := execute(t, "settings", "no_such_key"); err == nil {
		t.Error("settings for an unknown key succeeded")
	}
}

func TestRender(t *testing.T) {
	out, err := execute(t, "render", "--family", "debian")
	if err != nil {
		t.Fatalf("render error = %v", err)
	}
	if !strings.Contains(out, "/etc/systemd/system/p4d.service\n") {
		t.Errorf("render listing missing the service unit:\n%s", out)
	}

	out, err = execute(t, "render", "--family", "debian", "p4d.service")
	if err != nil {
		t.Fatalf("render p4d.service error = %v", err)
	}
	if !strings.Contains(out, "ExecStart=") {
		t.Errorf("rendered unit has no ExecStart:\n%s", out)
	}

	if _, err := execute(t, "render", "--family", "debian", "missing.conf"); err == nil {
		t.Error("render of an unmanaged file succeeded")
	}
}

func TestValidate_Defaults(t *testing.T) {
	out, err := execute(t, "validate")
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "configuration is valid") {
		t.Errorf("validate output = %q", out)
	}
}

func TestValidate_UnknownEntrypoint(t *testing.T) {
	_, err := execute(t, "validate", "proxy")
	if !errors.Is(err, engine.ErrConfiguration) {
		t.Errorf("validate proxy error = %v, want ConfigurationError", err)
	}
}

func TestApply_ConvergesAndRecords(t *testing.T) {
	useFakeHost(t, perforceHost("ubuntu"))
	flags := runFlags(t)

	var reports [2]runReport
	for i := range reports {
		out, err := execute(t, append(flags, "--json", "apply", "client")...)
		if err != nil {
			t.Fatalf("apply #%d error = %v", i+1, err)
		}
		if err := json.Unmarshal([]byte(out), &reports[i]); err != nil {
			t.Fatalf("apply #%d output is not JSON: %v\n%s", i+1, err, out)
		}
		if reports[i].Status != engine.RunStatusSucceeded {
			t.Errorf("apply #%d status = %s, failed %v", i+1, reports[i].Status, reports[i].Failed)
		}
	}
	if !reports[0].Changed {
		t.Error("first apply Changed = false")
	}
	if reports[1].Changed {
		t.Errorf("second apply changed %v", reports[1].Applied)
	}

	out, err := execute(t, append(flags, "--json", "history")...)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("history output is not JSON: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("history has %d runs, want 2", len(runs))
	}

	installs := func(runID string) int {
		t.Helper()
		out, err := execute(t, append(flags, "--json", "history", runID)...)
		if err != nil {
			t.Fatalf("history %s error = %v", runID, err)
		}
		var detail struct {
			Commands []stores.HostCommand `json:"commands"`
		}
		if err := json.Unmarshal([]byte(out), &detail); err != nil {
			t.Fatalf("history %s output is not JSON: %v", runID, err)
		}
		if len(detail.Commands) == 0 {
			t.Errorf("run %s recorded no host commands", runID)
		}
		n := 0
		for _, c := range detail.Commands {
			if strings.Contains(c.Command, "apt-get install") {
				n++
			}
		}
		return n
	}
	if n := installs(reports[0].RunID); n == 0 {
		t.Error("first run journal has no apt-get install")
	}
	if n := installs(reports[1].RunID); n != 0 {
		t.Errorf("converged run journal has %d apt-get install(s)", n)
	}

	out, err = execute(t, append(flags, "facts", "--recorded")...)
	if err != nil {
		t.Fatalf("facts --recorded error = %v", err)
	}
	if !strings.Contains(out, "2023.1") {
		t.Errorf("recorded facts missing p4 version:\n%s", out)
	}
}

func TestApply_UnitFailureExitsWithTwo(t *testing.T) {
	h := perforceHost("rocky")
	delete(h.Available, "helix-p4d")
	useFakeHost(t, h)

	textfile := filepath.Join(t.TempDir(), "p4converge.prom")
	_, err := execute(t, append(runFlags(t), "--metrics-textfile", textfile, "apply", "server")...)
	var exit *ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("apply error = %v, want ExitError", err)
	}
	if exit.Code != 2 {
		t.Errorf("exit code = %d, want 2", exit.Code)
	}

	data, err := os.ReadFile(textfile)
	if err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
	if !strings.Contains(string(data), `p4converge_runs_total{status="partial"} 1`) {
		t.Errorf("textfile missing partial run:\n%s", data)
	}
}

func TestApply_UnsupportedPlatform(t *testing.T) {
	h := perforceHost("alpine")
	useFakeHost(t, h)

	_, err := execute(t, append(runFlags(t), "apply", "client")...)
	if !errors.Is(err, engine.ErrUnsupportedPlatform) {
		t.Fatalf("apply error = %v, want unsupported platform", err)
	}
	if n := len(h.Installed); n != 0 {
		t.Errorf("unsupported host has %d installed packages", n)
	}
}

func TestPlan_DoesNotMutate(t *testing.T) {
	h := perforceHost("ubuntu")
	useFakeHost(t, h)

	out, err := execute(t, "plan", "client")
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	if !strings.Contains(out, "would change") {
		t.Errorf("plan output = %q", out)
	}
	if _, ok := h.Installed["helix-cli"]; ok {
		t.Error("plan installed helix-cli")
	}
}

func TestVerify(t *testing.T) {
	useFakeHost(t, perforceHost("rocky"))

	out, err := execute(t, append(runFlags(t), "verify")...)
	if err != nil {
		t.Fatalf("verify error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "verification passed") {
		t.Errorf("verify output = %q", out)
	}
}

func TestFacts(t *testing.T) {
	useFakeHost(t, perforceHost("opensuse-leap"))

	out, err := execute(t, "facts")
	if err != nil {
		t.Fatalf("facts error = %v", err)
	}
	for _, want := range []string{"family:  suse", "p4:      N/A"} {
		if !strings.Contains(out, want) {
			t.Errorf("facts output missing %q:\n%s", want, out)
		}
	}
}
