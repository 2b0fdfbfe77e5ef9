package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/p4converge/pkg/config"
	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/hostexec"
	"github.com/openfroyo/p4converge/pkg/platform"
	sshtransport "github.com/openfroyo/p4converge/pkg/transports/ssh"
)

const (
	// factTimeout bounds each "<binary> -V" invocation.
	factTimeout = 10 * time.Second

	// connectAttempts and connectWait govern redialing after a temporary
	// SSH failure such as a refused or reset connection.
	connectAttempts = 3
	connectWait     = time.Second
)

// host is an open connection to the machine being converged.
type host struct {
	runner hostexec.Runner
	target string
	close  func() error
}

// journal wraps the host runner so every command it runs is kept for the
// run history.
func (h *host) journal() *hostexec.Recorder {
	rec := hostexec.NewRecorder(h.runner)
	h.runner = rec.Runner()
	return rec
}

// openHost is replaced in tests.
var openHost = connect

// connect returns a runner for the local host, or an SSH client when a
// target is set.
func connect(ctx context.Context, flags *globalFlags) (*host, error) {
	if flags.target == "" || flags.target == "localhost" {
		return &host{
			runner: hostexec.NewLocalRunner(),
			target: "localhost",
			close:  func() error { return nil },
		}, nil
	}

	cfg, err := sshtransport.ParseTarget(flags.target)
	if err != nil {
		return nil, err
	}
	if flags.sshKey != "" {
		cfg.AuthMethod = sshtransport.AuthMethodKey
		cfg.PrivateKeyPath = flags.sshKey
	} else {
		cfg.AuthMethod = sshtransport.AuthMethodAgent
	}

	client, err := sshtransport.DialRetry(ctx, cfg, connectAttempts, connectWait)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", flags.target, err)
	}
	log.Debug().Str("target", client.Target()).Bool("sudo", cfg.Sudo).Msg("Connected")

	return &host{runner: client, target: flags.target, close: client.Close}, nil
}

// loadConfig reads --config, or the built-in defaults when it is empty.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	loader := config.NewLoader()
	if flags.configPath == "" {
		return loader.Defaults()
	}
	return loader.Load(flags.configPath)
}

// prepared is everything a run needs before reconciliation starts.
type prepared struct {
	config      *config.Config
	release     facts.OSRelease
	entrypoints []config.Entrypoint
	desired     *engine.DesiredState
	adapter     engine.PlatformAdapter
}

// prepare detects the host family, looks up its adapter and expands the
// entrypoints. The adapter lookup comes before the desired state so that an
// unsupported host fails without touching anything.
func prepare(ctx context.Context, flags *globalFlags, h *host, args []string) (*prepared, error) {
	entrypoints, err := parseEntrypointArgs(args)
	if err != nil {
		return nil, err
	}

	rel, err := facts.DetectOSRelease(ctx, h.runner)
	if err != nil {
		return nil, err
	}
	family := rel.Family()

	adapter, err := platform.DefaultRegistry().Lookup(family, h.runner)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	cfg.ApplyHost(rel)

	desired, err := config.BuildDesiredState(cfg, family, entrypoints...)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("family", family).
		Str("os", rel.Name+" "+rel.VersionID).
		Int("units", len(desired.Units())).
		Msg("Desired state built")

	return &prepared{
		config:      cfg,
		release:     rel,
		entrypoints: entrypoints,
		desired:     desired,
		adapter:     adapter,
	}, nil
}

// parseEntrypointArgs defaults to every entrypoint when none is named.
func parseEntrypointArgs(args []string) ([]config.Entrypoint, error) {
	return config.ParseEntrypoints(args)
}

func entrypointNames(es []config.Entrypoint) []string {
	names := make([]string, len(es))
	for i, e := range es {
		names[i] = string(e)
	}
	return names
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
