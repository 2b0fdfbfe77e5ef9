package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
)

func newPlanCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [sdp_base|client|server ...]",
		Short: "Show what apply would change",
		Long: `Observe every unit and report the differences from the desired state.

Nothing on the host is modified and no lock is taken.`,
		Example: `  # What would a server install change?
  p4converge plan server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			h, err := openHost(ctx, flags)
			if err != nil {
				return err
			}
			defer h.close()

			p, err := prepare(ctx, flags, h, args)
			if err != nil {
				return err
			}

			r := engine.NewReconciler(p.adapter, engine.WithResolver(facts.NewResolver(h.runner, factTimeout)))
			plans, err := r.Plan(ctx, p.desired)
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				return writeJSON(out, newPlanReport(plans))
			}

			pending := 0
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "UNIT\tKIND\tCHANGES")
			for _, up := range plans {
				desc := "-"
				switch {
				case up.Error != nil:
					desc = "error: " + up.Error.Error()
				case len(up.Changes) > 0:
					desc = describeChanges(up.Changes)
					pending++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", up.Unit.ID, up.Unit.Kind, desc)
			}
			tw.Flush()
			fmt.Fprintf(out, "\n%d of %d unit(s) would change\n", pending, len(plans))
			return nil
		},
	}

	return cmd
}

type planEntry struct {
	Unit    string          `json:"unit"`
	Kind    engine.UnitKind `json:"kind"`
	Changes []engine.Change `json:"changes,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newPlanReport(plans []engine.UnitPlan) []planEntry {
	entries := make([]planEntry, 0, len(plans))
	for _, up := range plans {
		e := planEntry{Unit: up.Unit.ID, Kind: up.Unit.Kind, Changes: up.Changes}
		if up.Error != nil {
			e.Error = up.Error.Error()
		}
		entries = append(entries, e)
	}
	return entries
}
