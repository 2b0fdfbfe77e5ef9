package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/p4converge/pkg/engine"
)

// unitReport is the printable form of a UnitOutcome.
type unitReport struct {
	Unit     string           `json:"unit"`
	Kind     engine.UnitKind  `json:"kind"`
	State    engine.UnitState `json:"state"`
	Applied  bool             `json:"applied"`
	Changes  []engine.Change  `json:"changes,omitempty"`
	Error    string           `json:"error,omitempty"`
	Duration time.Duration    `json:"duration_ns"`
}

// runReport is the printable form of a ConvergenceResult.
type runReport struct {
	RunID    string           `json:"run_id"`
	Status   engine.RunStatus `json:"status"`
	Changed  bool             `json:"changed"`
	Applied  []string         `json:"applied_units"`
	Failed   []string         `json:"failed_units"`
	Units    []unitReport     `json:"units"`
	Duration time.Duration    `json:"duration_ns"`
}

func newRunReport(r *engine.ConvergenceResult) runReport {
	rep := runReport{
		RunID:    r.RunID,
		Status:   r.Status(),
		Changed:  r.Changed,
		Applied:  r.AppliedUnits,
		Failed:   r.FailedIDs(),
		Units:    make([]unitReport, 0, len(r.Outcomes)),
		Duration: r.Duration(),
	}
	for _, o := range r.Outcomes {
		u := unitReport{
			Unit:     o.UnitID,
			Kind:     o.Kind,
			State:    o.State,
			Applied:  o.Applied,
			Changes:  o.Changes,
			Duration: o.Duration,
		}
		if o.Error != nil {
			u.Error = o.Error.Error()
		}
		rep.Units = append(rep.Units, u)
	}
	return rep
}

// printResult writes a per-unit table followed by the run summary.
func printResult(out io.Writer, r *engine.ConvergenceResult) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tKIND\tSTATE\tCHANGES")
	for _, o := range r.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.UnitID, o.Kind, o.State, describeOutcome(o))
	}
	tw.Flush()

	fmt.Fprintf(out, "\n%s: %d applied, %d failed, %d unchanged in %s\n",
		r.Status(), len(r.AppliedUnits), len(r.FailedUnits),
		len(r.Outcomes)-len(r.AppliedUnits)-len(r.FailedUnits),
		r.Duration().Round(time.Millisecond))
}

func describeOutcome(o engine.UnitOutcome) string {
	if o.Error != nil {
		if engine.IsTimeout(o.Error) {
			return "timed out: " + o.Error.Error()
		}
		return o.Error.Error()
	}
	if !o.Applied {
		return "-"
	}
	return describeChanges(o.Changes)
}

func describeChanges(changes []engine.Change) string {
	if len(changes) == 0 {
		return "applied"
	}
	s := ""
	for i, c := range changes {
		if i > 0 {
			s += ", "
		}
		switch c.Action {
		case engine.ChangeActionAdd:
			s += fmt.Sprintf("+%s", c.Path)
		case engine.ChangeActionRemove:
			s += fmt.Sprintf("-%s", c.Path)
		default:
			s += fmt.Sprintf("%s: %v -> %v", c.Path, c.Before, c.After)
		}
	}
	return s
}
