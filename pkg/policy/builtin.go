package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		absolutePathsPolicy(),
		absoluteLinkTargetsPolicy(),
		serviceAccountOrderPolicy(),
		packageConflictPolicy(),
	}
}

func absolutePathsPolicy() Policy {
	return Policy{
		Name:        "absolute-paths",
		Description: "Directory, file and link paths must be absolute",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      "builtin",
		Rego: `package p4converge.policies.paths

import rego.v1

deny contains violation if {
	some unit in input.units
	unit.path
	not startswith(unit.path.path, "/")
	violation := {
		"message": sprintf("path %q is not absolute", [unit.path.path]),
		"unit": unit.id,
	}
}
`,
	}
}

func absoluteLinkTargetsPolicy() Policy {
	return Policy{
		Name:        "absolute-link-targets",
		Description: "Link targets must be absolute so they resolve the same from any directory",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      "builtin",
		Rego: `package p4converge.policies.links

import rego.v1

deny contains violation if {
	some unit in input.units
	unit.kind == "link"
	unit.ensure == "present"
	not startswith(unit.path.target, "/")
	violation := {
		"message": sprintf("link %s points at relative target %q", [unit.path.path, unit.path.target]),
		"unit": unit.id,
	}
}
`,
	}
}

func serviceAccountOrderPolicy() Policy {
	return Policy{
		Name:        "service-account-order",
		Description: "A service's run-as user must be declared before the service",
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      "builtin",
		Rego: `package p4converge.policies.service_order

import rego.v1

unit_file(name) := unit if {
	some unit in input.units
	unit.kind == "file"
	unit.path.path == sprintf("/etc/systemd/system/%s.service", [name])
}

run_as(content) := user if {
	some match in regex.find_all_string_submatch_n("(?m)^User=(\\S+)$", content, 1)
	user := match[1]
}

declared_before(name, idx) if {
	some j, unit in input.units
	j < idx
	unit.kind == "user"
	unit.user.name == name
}

deny contains violation if {
	some i, svc in input.units
	svc.kind == "service"
	svc.ensure == "running"
	file := unit_file(svc.service.name)
	user := run_as(file.path.content)
	user != "root"
	not declared_before(user, i)
	violation := {
		"message": sprintf("service %s runs as %s, which is not declared before it", [svc.service.name, user]),
		"unit": svc.id,
	}
}
`,
	}
}

func packageConflictPolicy() Policy {
	return Policy{
		Name:        "package-conflicts",
		Description: "A package cannot be both present and absent",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      "builtin",
		Rego: `package p4converge.policies.packages

import rego.v1

deny contains violation if {
	some a in input.units
	some b in input.units
	a.kind == "package"
	b.kind == "package"
	a.package.name == b.package.name
	a.ensure == "present"
	b.ensure == "absent"
	violation := {
		"message": sprintf("package %s is declared both present (%s) and absent (%s)", [a.package.name, a.id, b.id]),
		"unit": b.id,
	}
}
`,
	}
}
