// Package templates renders the configuration files placed on a host:
// package repository definitions, the p4d systemd unit and the SDP instance
// environment. Rendered text is opaque to the engine and flows into file
// units as content.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

//go:embed files/*.tmpl
var files embed.FS

// Template names.
const (
	AptSource   = "perforce.list"
	RpmRepo     = "perforce.repo"
	P4DService  = "p4d.service"
	InstanceEnv = "p4_vars"
)

// RepoData feeds AptSource and RpmRepo.
type RepoData struct {
	BaseURL      string
	Distribution string
	Codename     string
	Release      string
	KeyringPath  string
	GPGKeyURL    string
}

// ServiceData feeds P4DService.
type ServiceData struct {
	Name    string
	User    string
	Group   string
	Binary  string
	Root    string
	Port    string
	Log     string
	Journal string
}

// InstanceData feeds InstanceEnv.
type InstanceData struct {
	Instance            string
	ServerID            string
	ServiceType         string
	P4Port              string
	InstanceDir         string
	MetadataRoot        string
	DepotdataRoot       string
	LogdataRoot         string
	RemoteDepotdataRoot string
	OSUser              string
}

var parsed = template.Must(template.New("").Option("missingkey=error").ParseFS(files, "files/*.tmpl"))

// Names returns the available template names.
func Names() []string {
	var names []string
	for _, t := range parsed.Templates() {
		if n := strings.TrimSuffix(t.Name(), ".tmpl"); n != t.Name() {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Render executes the named template. Rendering is deterministic: the same
// data always yields the same bytes.
func Render(name string, data any) (string, error) {
	t := parsed.Lookup(name + ".tmpl")
	if t == nil {
		return "", fmt.Errorf("unknown template %q (available: %s)", name, strings.Join(Names(), ", "))
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}
