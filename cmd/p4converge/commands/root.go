package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/telemetry"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath      string
	verbose         bool
	jsonOutput      bool
	stateDB         string
	lockFile        string
	target          string
	sshKey          string
	metricsTextfile string
	trace           string
	otlpEndpoint    string
}

// ExitError carries a process exit status without being logged as a failure.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd, shutdown := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if serr := shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// newRootCommand returns the command tree and a function flushing telemetry.
// The function must run after every execution, failed ones included.
func newRootCommand(version, commit, buildDate string) (*cobra.Command, func() error) {
	flags := &globalFlags{}
	var tel *telemetry.Telemetry

	rootCmd := &cobra.Command{
		Use:   "p4converge",
		Short: "Converge a Linux host to a Perforce Helix installation",
		Long: `p4converge brings a Linux host to a declared Perforce Helix state:
vendor package repository, client and server packages, the service account,
the Server Deployment Package directory layout and the p4d systemd service.

Each run observes the host, changes only what differs and reports per-unit
outcomes. A second run on a converged host changes nothing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := telemetry.DefaultConfig()
			cfg.ServiceVersion = version
			cfg.Logging.Level = telemetry.LevelFromEnv("info")
			if flags.verbose {
				cfg.Logging.Level = "debug"
			}
			if flags.jsonOutput {
				cfg.Logging.Format = "json"
			}
			cfg.Tracing.Exporter = flags.trace
			cfg.Tracing.Endpoint = flags.otlpEndpoint
			cfg.Metrics.TextfilePath = flags.metricsTextfile

			t, err := telemetry.New(cfg)
			if err != nil {
				return err
			}
			tel = t
			cmd.SetContext(tel.Logger.WithContext(cmd.Context()))
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "configuration file (.cue, .yaml, .json, .toml); built-in defaults when empty")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")
	pf.StringVar(&flags.stateDB, "state-db", defaultStateDB(), "run history database; empty disables recording")
	pf.StringVar(&flags.lockFile, "lock-file", "", "host lock file (default derived from --target under /run)")
	pf.StringVarP(&flags.target, "target", "t", "", "remote host as [user@]host[:port]; local host when empty")
	pf.StringVar(&flags.sshKey, "ssh-key", "", "private key for --target (default: ssh-agent)")
	pf.StringVar(&flags.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this node_exporter textfile")
	pf.StringVar(&flags.trace, "trace", "none", "trace exporter: none, stdout or otlp")
	pf.StringVar(&flags.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP gRPC endpoint for --trace=otlp")

	telemetryOf := func() *telemetry.Telemetry { return tel }

	rootCmd.AddCommand(newApplyCommand(flags, telemetryOf))
	rootCmd.AddCommand(newVerifyCommand(flags, telemetryOf))
	rootCmd.AddCommand(newPlanCommand(flags))
	rootCmd.AddCommand(newFactsCommand(flags))
	rootCmd.AddCommand(newValidateCommand(flags))
	rootCmd.AddCommand(newSettingsCommand(flags))
	rootCmd.AddCommand(newSplitPathCommand(flags))
	rootCmd.AddCommand(newRenderCommand(flags))
	rootCmd.AddCommand(newHistoryCommand(flags))

	shutdown := func() error {
		if tel == nil {
			return nil
		}
		return tel.Shutdown(context.Background())
	}
	return rootCmd, shutdown
}

func defaultStateDB() string {
	if os.Geteuid() == 0 {
		return "/var/lib/p4converge/state.db"
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		log.Debug().Err(err).Msg("No user cache directory, run history disabled")
		return ""
	}
	return dir + "/p4converge/state.db"
}
