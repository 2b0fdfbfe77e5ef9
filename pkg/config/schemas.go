package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// DefaultSchema is the CUE definition every configuration is unified with.
// It closes the accepted field set and supplies all defaults.
const DefaultSchema = `
#Perforce: {
	repository: {
		manage:       bool | *true
		base_url:     string | *"https://package.perforce.com"
		distribution: string | *""
		codename:     string | *""
		release:      string | *""
		keyring_path: string | *""
		gpg_key_url:  string | *"https://package.perforce.com/perforce.pubkey"
	}

	account: {
		user:        string & !="" | *"perforce"
		group:       string & !="" | *"perforce"
		uid?:        int & >=0
		gid?:        int & >=0
		home:        string | *"/opt/perforce"
		shell:       string | *"/bin/bash"
		manage_home: bool | *true
	}

	client: {
		package: string | *"helix-cli"
		version: string | *""
		binary:  string | *"p4"
		release: string | *""
	}

	server: {
		package:   string | *"helix-p4d"
		version:   string | *""
		binary:    string | *"p4d"
		release:   string | *""
		exec_path: string | *"/opt/perforce/sbin/p4d"
		name:      string | *"master"
		service:   string | *"p4d"
		enable:    bool | *true
		ensure:    *"running" | "stopped"
		port:      string | *"1666"
		root:      string | *"/opt/perforce/servers/master"
	}

	sdp: {
		global_root:           string | *"/"
		instance:              string | *"1"
		serverid:              string | *"master.1"
		service_type:          *"standard" | "replica" | "forwarding-replica" | "build-server"
		p4port:                string | *"1666"
		metadata_root:         string | *"/hxmetadata"
		depotdata_root:        string | *"/hxdepots"
		logdata_root:          string | *"/hxlogs"
		remote_depotdata_root: string | *""
	}
}
`

const schemaFile = "schema.cue"

// compileSchema compiles schema and returns its #Perforce definition.
func compileSchema(ctx *cue.Context, schema string) (cue.Value, error) {
	val := ctx.CompileString(schema, cue.Filename(schemaFile))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Perforce"))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("schema does not define #Perforce")
	}
	return def, nil
}
