// Package config loads the operator configuration of a Perforce host and
// expands it into the desired state of the provisioning entrypoints.
//
// # Formats
//
// Configuration may be written in CUE, JSON, YAML or TOML; the format is
// picked from the file extension. Whatever the syntax, the document is
// unified with the embedded CUE definition #Perforce (see DefaultSchema),
// which supplies defaults and rejects unknown fields, then decoded into
// Config and checked with struct validation rules. The SDP rules follow the
// SDP tooling: instance, serverid, service_type and a numeric p4port are
// required, and replica service types need remote_depotdata_root.
//
// A minimal CUE configuration:
//
//	account: uid: 1666
//	sdp: {
//	    instance: "1"
//	    serverid: "master.1"
//	}
//
// # Entrypoints
//
// BuildDesiredState expands any combination of the sdp_base, client and
// server entrypoints. Units shared between entrypoints, such as the service
// account and the repository file, are declared once.
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load("/etc/p4converge/host.cue")
//	if err != nil {
//	    return err
//	}
//	cfg.ApplyHost(release)
//	desired, err := config.BuildDesiredState(cfg, release.Family(), config.EntrypointServer)
//
// Errors are *engine.EngineError values of class fatal with code
// CONFIGURATION_ERROR; the "problems" detail lists every position found.
package config
