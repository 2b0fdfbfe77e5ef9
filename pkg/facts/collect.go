package facts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// Binaries whose versions are collected.
const (
	ClientBinary = "p4"
	ServerBinary = "p4d"
)

// HostFacts is the set of facts reported by the facts command and recorded
// with every run.
type HostFacts struct {
	OSFamily    string      `json:"os_family"`
	OSName      string      `json:"os_name"`
	OSVersion   string      `json:"os_version"`
	P4          VersionFact `json:"p4"`
	P4D         VersionFact `json:"p4d"`
	CollectedAt time.Time   `json:"collected_at"`
}

// Collector gathers HostFacts.
type Collector struct {
	runner   hostexec.Runner
	resolver *Resolver
}

// NewCollector creates a Collector over runner.
func NewCollector(runner hostexec.Runner, timeout time.Duration) *Collector {
	return &Collector{
		runner:   runner,
		resolver: NewResolver(runner, timeout),
	}
}

// Resolver returns the version resolver used by the collector.
func (c *Collector) Resolver() *Resolver {
	return c.resolver
}

// Collect gathers the OS release and both version facts. Version resolution
// failures are logged and leave the NotAvailable fact in place; only an
// unreadable os-release is an error.
func (c *Collector) Collect(ctx context.Context) (*HostFacts, error) {
	rel, err := DetectOSRelease(ctx, c.runner)
	if err != nil {
		return nil, err
	}

	hf := &HostFacts{
		OSFamily:    rel.Family(),
		OSName:      rel.Name,
		OSVersion:   rel.VersionID,
		CollectedAt: time.Now().UTC(),
	}

	if hf.P4, err = c.resolver.Resolve(ctx, ClientBinary); err != nil {
		log.Warn().Err(err).Str("binary", ClientBinary).Msg("version resolution failed")
	}
	if hf.P4D, err = c.resolver.Resolve(ctx, ServerBinary); err != nil {
		log.Warn().Err(err).Str("binary", ServerBinary).Msg("version resolution failed")
	}

	return hf, nil
}
