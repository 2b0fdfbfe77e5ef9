package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/facts"
)

func newFactsCommand(flags *globalFlags) *cobra.Command {
	var recorded bool

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show the OS family and Perforce binary versions",
		Long: `Collect facts about the host:
  - OS name, version and family from /etc/os-release
  - p4 and p4d versions from "<binary> -V"

A binary that is missing or prints no version line is reported as N/A.
With --recorded the versions stored by the last apply are shown instead.`,
		Example: `  # Facts of the local host
  p4converge facts

  # Versions recorded for a remote host
  p4converge facts --recorded --target p4-edge-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if recorded {
				return printRecordedFacts(cmd, flags)
			}

			h, err := openHost(ctx, flags)
			if err != nil {
				return err
			}
			defer h.close()

			hf, err := facts.NewCollector(h.runner, factTimeout).Collect(ctx)
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				return writeJSON(out, hf)
			}
			fmt.Fprintf(out, "os:      %s %s\n", hf.OSName, hf.OSVersion)
			fmt.Fprintf(out, "family:  %s\n", hf.OSFamily)
			fmt.Fprintf(out, "p4:      %s\n", hf.P4)
			fmt.Fprintf(out, "p4d:     %s\n", hf.P4D)
			return nil
		},
	}

	cmd.Flags().BoolVar(&recorded, "recorded", false, "show the versions recorded in the state database")

	return cmd
}

func printRecordedFacts(cmd *cobra.Command, flags *globalFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	store, err := openStore(ctx, flags.stateDB)
	if err != nil {
		return err
	}
	defer store.Close()

	target := flags.target
	if target == "" {
		target = "localhost"
	}

	recordedFacts := make(map[string]*facts.VersionFact, len(perforceBinaries))
	for _, bin := range perforceBinaries {
		f, err := store.LatestFact(ctx, target, bin)
		if err != nil {
			if !flags.jsonOutput {
				fmt.Fprintf(out, "%-8s %s\n", bin+":", facts.NotAvailableValue)
			}
			continue
		}
		recordedFacts[bin] = &f.Version
		if !flags.jsonOutput {
			fmt.Fprintf(out, "%-8s %s (run %s, %s)\n", bin+":", f.Version, f.RunID, f.RecordedAt.Format("2006-01-02 15:04:05"))
		}
	}
	if flags.jsonOutput {
		return writeJSON(out, recordedFacts)
	}
	return nil
}
