package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/p4converge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func dir(path string) engine.Unit {
	return engine.Unit{ID: "directory:" + path, Kind: engine.KindDirectory, Ensure: engine.EnsurePresent,
		Path: &engine.PathSpec{Path: path}}
}

func link(path, target string) engine.Unit {
	return engine.Unit{ID: "link:" + path, Kind: engine.KindLink, Ensure: engine.EnsurePresent,
		Path: &engine.PathSpec{Path: path, Target: target}}
}

func pkg(id, name string, ensure engine.Ensure) engine.Unit {
	return engine.Unit{ID: id, Kind: engine.KindPackage, Ensure: ensure, Package: &engine.PackageSpec{Name: name}}
}

func user(name string) engine.Unit {
	return engine.Unit{ID: "user:" + name, Kind: engine.KindUser, Ensure: engine.EnsurePresent,
		User: &engine.UserSpec{Name: name}}
}

func serviceWithUnitFile(name, runAs string) []engine.Unit {
	path := "/etc/systemd/system/" + name + ".service"
	return []engine.Unit{
		{ID: "file:" + path, Kind: engine.KindFile, Ensure: engine.EnsurePresent,
			Path: &engine.PathSpec{Path: path, Content: "[Service]\nUser=" + runAs + "\n"}},
		{ID: "service:" + name, Kind: engine.KindService, Ensure: engine.EnsureRunning,
			Service: &engine.ServiceSpec{Name: name}},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.Policies() {
		names = append(names, p.Name)
	}
	want := "absolute-link-targets,absolute-paths,package-conflicts,service-account-order"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Policies() = %s, want %s", got, want)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	tests := []struct {
		name     string
		units    []engine.Unit
		allowed  bool
		policies []string
	}{
		{
			name:    "clean state",
			units:   append([]engine.Unit{user("perforce"), dir("/p4"), link("/p4/common", "/hxdepots/p4/common")}, serviceWithUnitFile("p4d", "perforce")...),
			allowed: true,
		},
		{
			name:     "relative directory",
			units:    []engine.Unit{dir("p4/1")},
			allowed:  false,
			policies: []string{"absolute-paths"},
		},
		{
			name:     "relative link target",
			units:    []engine.Unit{link("/p4/1/root", "../hxmetadata")},
			allowed:  false,
			policies: []string{"absolute-link-targets"},
		},
		{
			name:     "package present and absent",
			units:    []engine.Unit{pkg("a", "helix-p4d", engine.EnsurePresent), pkg("b", "helix-p4d", engine.EnsureAbsent)},
			allowed:  false,
			policies: []string{"package-conflicts"},
		},
		{
			name:     "service before its user",
			units:    append(serviceWithUnitFile("p4d", "perforce"), user("perforce")),
			allowed:  true,
			policies: []string{"service-account-order"},
		},
		{
			name:    "service running as root",
			units:   serviceWithUnitFile("p4d", "root"),
			allowed: true,
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), Input{Family: "debian", Units: tt.units})
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (violations %+v)", result.Allowed, tt.allowed, result.Violations)
			}
			var got []string
			for _, v := range result.Violations {
				got = append(got, v.Policy)
			}
			if strings.Join(got, ",") != strings.Join(tt.policies, ",") {
				t.Errorf("violations from %v, want %v", got, tt.policies)
			}
		})
	}
}

func TestEvaluate_ViolationCarriesUnit(t *testing.T) {
	eng := newTestEngine(t)
	result, err := eng.Evaluate(context.Background(), Input{Units: []engine.Unit{link("/p4/1/root", "hx")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("violations = %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Unit != "link:/p4/1/root" || v.Severity != SeverityError {
		t.Errorf("violation = %+v", v)
	}
}

func TestCheck_BlockingIsConfigurationError(t *testing.T) {
	eng := newTestEngine(t)
	ds, err := engine.NewDesiredState(dir("relative"))
	if err != nil {
		t.Fatal(err)
	}

	result, err := eng.Check(context.Background(), "redhat", []string{"server"}, ds)
	if !errors.Is(err, engine.ErrConfiguration) {
		t.Fatalf("Check() error = %v, want configuration error", err)
	}
	if result == nil || result.Allowed {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(err.Error(), "absolute-paths") {
		t.Errorf("error %q does not name the policy", err)
	}
}

func TestCheck_WarningDoesNotBlock(t *testing.T) {
	eng := newTestEngine(t)
	ds, err := engine.NewDesiredState(append(serviceWithUnitFile("p4d", "perforce"), user("perforce"))...)
	if err != nil {
		t.Fatal(err)
	}

	result, err := eng.Check(context.Background(), "debian", nil, ds)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(result.Blocking()) != 0 || len(result.Violations) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestSetEnabled(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.SetEnabled("absolute-paths", false); err != nil {
		t.Fatal(err)
	}

	result, err := eng.Evaluate(context.Background(), Input{Units: []engine.Unit{dir("relative")}})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy still blocked: %+v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "absolute-paths" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.SetEnabled("missing", true); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestAdd_CustomPolicy(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.Add(context.Background(), Policy{
		Name:    "no-opt",
		Enabled: true,
		Rego: `package site.no_opt

import rego.v1

deny contains msg if {
	some unit in input.units
	startswith(unit.path.path, "/opt/")
	msg := sprintf("%s is under /opt", [unit.id])
}
`,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	result, err := eng.Evaluate(context.Background(), Input{Units: []engine.Unit{dir("/opt/perforce")}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed || len(result.Violations) != 1 || result.Violations[0].Message != "directory:/opt/perforce is under /opt" {
		t.Errorf("result = %+v", result)
	}
}

func TestAdd_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.Add(context.Background(), Policy{Name: "broken", Rego: "package x\n deny contains {"}); err == nil {
		t.Error("expected compile error")
	}
	if err := eng.Add(context.Background(), Policy{Rego: "package x"}); err == nil {
		t.Error("expected error for unnamed policy")
	}
}

func TestReplace_KeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{Name: "custom", Enabled: true, Rego: "package custom\n\nimport rego.v1\n\ndeny contains \"always\" if { true }\n"}
	if err := eng.Replace(ctx, []Policy{custom}); err != nil {
		t.Fatal(err)
	}
	if len(eng.Policies()) != len(BuiltinPolicies())+1 {
		t.Fatalf("Policies() = %d entries", len(eng.Policies()))
	}

	if err := eng.Replace(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if len(eng.Policies()) != len(BuiltinPolicies()) {
		t.Errorf("custom policy survived replace: %d entries", len(eng.Policies()))
	}
}
