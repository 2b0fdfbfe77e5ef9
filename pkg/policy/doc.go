// Package policy evaluates Rego policies over a desired state before any host
// mutation.
//
// Every policy is a Rego module whose deny set lists violations. Each deny
// element is either a message string or an object:
//
//	deny contains violation if {
//		some unit in input.units
//		...
//		violation := {"message": "...", "unit": unit.id, "severity": "warning"}
//	}
//
// The input document is
//
//	{"family": "debian", "entrypoints": ["server"], "units": [...]}
//
// where units carry the same JSON shape as engine.Unit.
//
// The built-in policies reject relative paths and link targets, reject a
// package declared both present and absent, and warn when a service runs as a
// user that is not declared before it. Violations with severity "error" make
// Engine.Check return a ConfigurationError; the run is aborted before the
// reconciler starts.
//
// Custom policies are loaded from .rego files or .json definitions with
// Engine.LoadPaths, and Loader.Watch reloads them when files change.
package policy
