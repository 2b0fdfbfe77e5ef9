package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
	"github.com/openfroyo/p4converge/pkg/hostexec"
	"github.com/openfroyo/p4converge/pkg/stores"
)

// openStore opens the run history database named by --state-db.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("no state database configured (--state-db)")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return stores.Open(ctx, path)
}

// recorder writes run history. History is an audit trail: when the store is
// unavailable the run goes on and failures are only logged.
type recorder struct {
	store stores.Store
	runID string
}

func newRecorder(ctx context.Context, path, runID string) *recorder {
	rec := &recorder{runID: runID}
	if path == "" {
		return rec
	}
	s, err := openStore(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("state_db", path).Msg("Run history disabled")
		return rec
	}
	rec.store = s
	return rec
}

func (r *recorder) begin(ctx context.Context, run *stores.Run) {
	if r.store == nil {
		return
	}
	run.ID = r.runID
	if err := r.store.BeginRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("Failed to record run start")
		r.close()
	}
}

func (r *recorder) finish(ctx context.Context, result *engine.ConvergenceResult) {
	if r.store == nil {
		return
	}
	if err := r.store.FinishRun(ctx, r.runID, result); err != nil {
		log.Warn().Err(err).Msg("Failed to record run outcome")
	}
}

func (r *recorder) fail(ctx context.Context, cause error) {
	if r.store == nil {
		return
	}
	if err := r.store.FailRun(ctx, r.runID, cause); err != nil {
		log.Warn().Err(err).Msg("Failed to record run failure")
	}
}

func (r *recorder) facts(ctx context.Context, target string, versions map[string]facts.VersionFact) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordFacts(ctx, r.runID, target, versions); err != nil {
		log.Warn().Err(err).Msg("Failed to record facts")
	}
}

func (r *recorder) commands(ctx context.Context, journal []hostexec.Entry) {
	if r.store == nil || len(journal) == 0 {
		return
	}
	cmds := make([]stores.HostCommand, len(journal))
	for i, e := range journal {
		cmds[i] = stores.HostCommand{
			Command:   e.Command,
			ExitCode:  e.ExitCode,
			StartedAt: e.Started,
			Duration:  e.Duration,
		}
		if e.Err != "" {
			msg := e.Err
			cmds[i].Error = &msg
		}
	}
	if err := r.store.RecordCommands(ctx, r.runID, cmds); err != nil {
		log.Warn().Err(err).Int("commands", len(cmds)).Msg("Failed to record command journal")
	}
}

func (r *recorder) close() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close state database")
	}
	r.store = nil
}
