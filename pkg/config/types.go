package config

// Config is the operator-facing description of a Perforce host. Every field
// has a default supplied by the embedded schema; see DefaultSchema.
type Config struct {
	// Repository configures the vendor package repository.
	Repository Repository `json:"repository"`

	// Account is the service account owning the server and SDP layout.
	Account Account `json:"account"`

	// Client configures the command-line client package.
	Client Client `json:"client"`

	// Server configures the server package and its systemd service.
	Server Server `json:"server"`

	// SDP configures the Server Deployment Package layout.
	SDP SDP `json:"sdp"`
}

// Repository is the vendor package repository definition.
type Repository struct {
	// Manage controls whether the repository file is written at all.
	Manage bool `json:"manage"`

	// BaseURL is the repository root (e.g. "https://package.perforce.com").
	BaseURL string `json:"base_url" validate:"required_if=Manage true,omitempty,url"`

	// Distribution is the repository distribution directory ("ubuntu",
	// "rhel"). Empty means derived from the host family.
	Distribution string `json:"distribution"`

	// Codename is the apt suite (e.g. "jammy"). Empty means taken from the
	// host's os-release.
	Codename string `json:"codename"`

	// Release is the yum release directory (e.g. "9"). Empty means the major
	// of the host's VERSION_ID.
	Release string `json:"release"`

	// KeyringPath is an apt keyring referenced with signed-by.
	KeyringPath string `json:"keyring_path" validate:"omitempty,startswith=/"`

	// GPGKeyURL is the rpm signing key. Empty disables gpgcheck.
	GPGKeyURL string `json:"gpg_key_url" validate:"omitempty,url"`
}

// Account is a system user and its primary group.
type Account struct {
	User       string `json:"user" validate:"required"`
	Group      string `json:"group" validate:"required"`
	UID        *int   `json:"uid,omitempty" validate:"omitempty,gte=0"`
	GID        *int   `json:"gid,omitempty" validate:"omitempty,gte=0"`
	Home       string `json:"home" validate:"required,startswith=/"`
	Shell      string `json:"shell" validate:"required,startswith=/"`
	ManageHome bool   `json:"manage_home"`
}

// Client is the command-line client package.
type Client struct {
	Package string `json:"package" validate:"required"`

	// Version pins the package version; empty accepts any.
	Version string `json:"version"`

	// Binary is the command resolved for the version fact.
	Binary string `json:"binary" validate:"required"`

	// Release pins the product release reported by the binary banner
	// (e.g. "2023.1"); empty accepts any.
	Release string `json:"release"`
}

// Server is the versioning server package and service.
type Server struct {
	Package  string `json:"package" validate:"required"`
	Version  string `json:"version"`
	Binary   string `json:"binary" validate:"required"`
	Release  string `json:"release"`
	ExecPath string `json:"exec_path" validate:"required,startswith=/"`

	// Name identifies the server in the rendered unit description.
	Name string `json:"name" validate:"required"`

	Service string `json:"service" validate:"required"`
	Enable  bool   `json:"enable"`

	// Ensure is "running" or "stopped".
	Ensure string `json:"ensure" validate:"oneof=running stopped"`

	Port string `json:"port" validate:"required"`
	Root string `json:"root" validate:"required,startswith=/"`
}

// Service types understood by the SDP tooling.
const (
	ServiceStandard          = "standard"
	ServiceReplica           = "replica"
	ServiceForwardingReplica = "forwarding-replica"
	ServiceBuildServer       = "build-server"
)

// SDP is a single Server Deployment Package instance.
type SDP struct {
	// GlobalRoot is the directory holding the p4 tree, normally "/".
	GlobalRoot string `json:"global_root" validate:"required,startswith=/"`

	Instance            string `json:"instance" validate:"required,alphanum"`
	ServerID            string `json:"serverid" validate:"required"`
	ServiceType         string `json:"service_type" validate:"required,oneof=standard replica forwarding-replica build-server"`
	P4Port              string `json:"p4port" validate:"required,number"`
	MetadataRoot        string `json:"metadata_root" validate:"required,startswith=/"`
	DepotdataRoot       string `json:"depotdata_root" validate:"required,startswith=/"`
	LogdataRoot         string `json:"logdata_root" validate:"required,startswith=/"`
	RemoteDepotdataRoot string `json:"remote_depotdata_root" validate:"required_unless=ServiceType standard"`
}

// IsReplica reports whether the instance replicates from a master.
func (s SDP) IsReplica() bool {
	return s.ServiceType != ServiceStandard
}
