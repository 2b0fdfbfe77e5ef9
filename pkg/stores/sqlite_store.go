package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:".
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// BeginRun inserts run with status running.
func (s *SQLiteStore) BeginRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.StartedAt = run.StartedAt.UTC()
	run.Status = engine.RunStatusRunning

	entrypoints, err := json.Marshal(nonNil(run.Entrypoints))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, target, config_path, entrypoints, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Target, run.ConfigPath, string(entrypoints), run.Status, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun writes every unit outcome and completes the run in one
// transaction.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, result *engine.ConvergenceResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO unit_results (run_id, seq, unit_id, kind, state, applied, changes, error, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare unit insert: %w", err)
	}
	defer stmt.Close()

	for i, o := range result.Outcomes {
		changes, err := json.Marshal(nonNil(o.Changes))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			runID, i, o.UnitID, o.Kind, o.State, o.Applied, string(changes), errorText(o.Error), int64(o.Duration),
		); err != nil {
			return fmt.Errorf("failed to record unit %s: %w", o.UnitID, err)
		}
	}

	completed := result.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	completed = completed.UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, changed = ?, applied = ?, failed = ?, completed_at = ?
		WHERE id = ?`,
		result.Status(), result.Changed, len(result.AppliedUnits), len(result.FailedUnits), completed, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if err := requireRow(res, "run", runID); err != nil {
		return err
	}

	return tx.Commit()
}

// FailRun marks the run failed with cause.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, cause error) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		engine.RunStatusFailed, errorText(cause), time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRow(res, "run", runID)
}

const runColumns = `id, target, config_path, entrypoints, status, changed, applied, failed, error, started_at, completed_at`

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListUnitResults returns the unit outcomes of a run in declared order.
func (s *SQLiteStore) ListUnitResults(ctx context.Context, runID string) ([]*UnitResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, unit_id, kind, state, applied, changes, error, duration_ns
		FROM unit_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unit results: %w", err)
	}
	defer rows.Close()

	results := []*UnitResult{}
	for rows.Next() {
		r := &UnitResult{}
		var changes string
		var duration int64
		if err := rows.Scan(&r.RunID, &r.Seq, &r.UnitID, &r.Kind, &r.State, &r.Applied, &changes, &r.Error, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan unit result: %w", err)
		}
		if err := json.Unmarshal([]byte(changes), &r.Changes); err != nil {
			return nil, fmt.Errorf("unit %s: malformed changes: %w", r.UnitID, err)
		}
		r.Duration = time.Duration(duration)
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneRuns deletes runs started before the cutoff together with their units
// and facts.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

// RecordFacts stores the version facts resolved during a run. Binaries are
// written in name order.
func (s *SQLiteStore) RecordFacts(ctx context.Context, runID, target string, versions map[string]facts.VersionFact) error {
	binaries := make([]string, 0, len(versions))
	for b := range versions {
		binaries = append(binaries, b)
	}
	sort.Strings(binaries)

	now := time.Now().UTC()
	for _, b := range binaries {
		v := versions[b]
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO facts (run_id, target, binary_name, major, build, raw, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, binary_name) DO UPDATE SET
				major = excluded.major, build = excluded.build, raw = excluded.raw, recorded_at = excluded.recorded_at`,
			runID, target, b, v.Major, v.Build, v.Raw, now,
		)
		if err != nil {
			return fmt.Errorf("failed to record fact for %s: %w", b, err)
		}
	}
	return nil
}

const factColumns = `run_id, target, binary_name, major, build, raw, recorded_at`

// ListFacts returns the facts recorded in a run.
func (s *SQLiteStore) ListFacts(ctx context.Context, runID string) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE run_id = ? ORDER BY binary_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	out := []*Fact{}
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LatestFact returns the most recently recorded fact for a binary on target.
func (s *SQLiteStore) LatestFact(ctx context.Context, target, binary string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE target = ? AND binary_name = ?
		ORDER BY recorded_at DESC, id DESC LIMIT 1`, target, binary)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s on %s: %w", binary, target, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return f, nil
}

// RecordCommands appends cmds to the journal of runID in one transaction.
func (s *SQLiteStore) RecordCommands(ctx context.Context, runID string, cmds []HostCommand) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM run_commands WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("failed to read command sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_commands (run_id, seq, command, exit_code, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare command insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range cmds {
		started := c.StartedAt
		if started.IsZero() {
			started = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			runID, next+i, c.Command, c.ExitCode, c.Error, started.UTC(), int64(c.Duration),
		); err != nil {
			return fmt.Errorf("failed to record command %q: %w", c.Command, err)
		}
	}
	return tx.Commit()
}

// ListCommands returns the command journal of a run in execution order.
func (s *SQLiteStore) ListCommands(ctx context.Context, runID string) ([]*HostCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, command, exit_code, error, started_at, duration_ns
		FROM run_commands WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	out := []*HostCommand{}
	for rows.Next() {
		c := &HostCommand{}
		var duration int64
		if err := rows.Scan(&c.RunID, &c.Seq, &c.Command, &c.ExitCode, &c.Error, &c.StartedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		c.Duration = time.Duration(duration)
		out = append(out, c)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var entrypoints string
	err := row.Scan(&run.ID, &run.Target, &run.ConfigPath, &entrypoints, &run.Status,
		&run.Changed, &run.Applied, &run.Failed, &run.Error, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entrypoints), &run.Entrypoints); err != nil {
		return nil, fmt.Errorf("run %s: malformed entrypoints: %w", run.ID, err)
	}
	return run, nil
}

func scanFact(row scanner) (*Fact, error) {
	f := &Fact{}
	err := row.Scan(&f.RunID, &f.Target, &f.Binary, &f.Version.Major, &f.Version.Build, &f.Version.Raw, &f.RecordedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
