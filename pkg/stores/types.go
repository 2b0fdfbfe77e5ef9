package stores

import (
	"context"
	"time"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
)

// Run is one recorded invocation of apply.
type Run struct {
	ID          string           `json:"id"`
	Target      string           `json:"target"`
	ConfigPath  string           `json:"config_path"`
	Entrypoints []string         `json:"entrypoints"`
	Status      engine.RunStatus `json:"status"`
	Changed     bool             `json:"changed"`
	Applied     int              `json:"applied"`
	Failed      int              `json:"failed"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// UnitResult is the recorded outcome of one unit within a run.
type UnitResult struct {
	RunID    string           `json:"run_id"`
	Seq      int              `json:"seq"`
	UnitID   string           `json:"unit_id"`
	Kind     engine.UnitKind  `json:"kind"`
	State    engine.UnitState `json:"state"`
	Applied  bool             `json:"applied"`
	Changes  []engine.Change  `json:"changes,omitempty"`
	Error    *string          `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// Fact is a version fact resolved during a run.
type Fact struct {
	RunID      string            `json:"run_id"`
	Target     string            `json:"target"`
	Binary     string            `json:"binary"`
	Version    facts.VersionFact `json:"version"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// HostCommand is one command executed on the host during a run.
type HostCommand struct {
	RunID     string        `json:"run_id"`
	Seq       int           `json:"seq"`
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Error     *string       `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Store persists run history for audit. The reconciler never reads it back.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// BeginRun records a run in the running state.
	BeginRun(ctx context.Context, run *Run) error

	// FinishRun stores the outcome of every unit and completes the run.
	FinishRun(ctx context.Context, runID string, result *engine.ConvergenceResult) error

	// FailRun completes a run that aborted before or during reconciliation.
	FailRun(ctx context.Context, runID string, cause error) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListUnitResults(ctx context.Context, runID string) ([]*UnitResult, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	RecordFacts(ctx context.Context, runID, target string, versions map[string]facts.VersionFact) error
	ListFacts(ctx context.Context, runID string) ([]*Fact, error)
	LatestFact(ctx context.Context, target, binary string) (*Fact, error)

	// RecordCommands appends to the command journal of a run. Seq numbers
	// continue from the commands already stored.
	RecordCommands(ctx context.Context, runID string, cmds []HostCommand) error
	ListCommands(ctx context.Context, runID string) ([]*HostCommand, error)

	HealthCheck(ctx context.Context) error
}
