package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		limit        int
		prune        time.Duration
		showCommands bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show the runs recorded in the state database.

Without an argument the most recent runs are listed. With a run id the
per-unit outcomes and the recorded versions of that run are shown, and
--commands adds the journal of commands the run executed on the host.`,
		Example: `  # Last 20 runs
  p4converge history

  # Details of one run
  p4converge history 5f0c...

  # Every command one run executed on the host
  p4converge history --commands 5f0c...

  # Drop runs older than 90 days
  p4converge history --prune 2160h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := openStore(ctx, flags.stateDB)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				n, err := store.PruneRuns(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d run(s)\n", n)
				return nil
			}

			if len(args) == 1 {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				units, err := store.ListUnitResults(ctx, run.ID)
				if err != nil {
					return err
				}
				recorded, err := store.ListFacts(ctx, run.ID)
				if err != nil {
					return err
				}
				commands, err := store.ListCommands(ctx, run.ID)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return writeJSON(out, map[string]any{"run": run, "units": units, "facts": recorded, "commands": commands})
				}

				fmt.Fprintf(out, "run %s on %s: %s\n", run.ID, run.Target, run.Status)
				if !run.Status.IsTerminal() {
					fmt.Fprintln(out, "run has not completed; it may still hold the host lock or have been interrupted")
				}
				if run.Error != nil {
					fmt.Fprintf(out, "error: %s\n", *run.Error)
				}
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "UNIT\tKIND\tSTATE\tAPPLIED\tERROR")
				for _, u := range units {
					msg := "-"
					if u.Error != nil {
						msg = *u.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", u.UnitID, u.Kind, u.State, u.Applied, msg)
				}
				tw.Flush()
				for _, f := range recorded {
					fmt.Fprintf(out, "%s: %s\n", f.Binary, f.Version)
				}
				if showCommands {
					fmt.Fprintf(out, "\n%d host command(s)\n", len(commands))
					tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "SEQ\tEXIT\tDURATION\tCOMMAND")
					for _, c := range commands {
						fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", c.Seq, c.ExitCode, c.Duration.Round(time.Millisecond), c.Command)
					}
					tw.Flush()
				}
				return nil
			}

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tTARGET\tSTARTED\tSTATUS\tAPPLIED\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
					r.ID, r.Target, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.Applied, r.Failed)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&showCommands, "commands", false, "with a run id, list the host commands it executed")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this duration")

	return cmd
}
