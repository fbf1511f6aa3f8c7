// Package store persists run history to PostgreSQL. Persistence is optional:
// the runner works entirely without a database, and the store only comes to
// life when database.url is configured. Reports are denormalized into three
// tables (runs, suite_results, step_results) so past runs can be re-rendered
// by the report command without keeping artifact files around.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

var storeJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned by GetRun when the run id has no row.
var ErrRunNotFound = errors.New("run not found")

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

// Store persists run reports to PostgreSQL and reads them back for the
// report command.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the run history tables when they do not exist yet.
// Idempotent, runs on every store startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            run_id      TEXT PRIMARY KEY,
            profile     TEXT NOT NULL DEFAULT '',
            provider    TEXT NOT NULL,
            started_at  TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL,
            totals      JSONB NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS suite_results (
            run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
            suite_index INT NOT NULL,
            name        TEXT NOT NULL,
            data_row    INT NOT NULL DEFAULT 0,
            status      TEXT NOT NULL,
            started_at  TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL,
            error       TEXT NOT NULL DEFAULT '',
            console     JSONB,
            network     JSONB,
            server_log  JSONB,
            PRIMARY KEY (run_id, suite_index)
        );`,
		`CREATE TABLE IF NOT EXISTS step_results (
            run_id      TEXT NOT NULL,
            suite_index INT NOT NULL,
            step_index  INT NOT NULL,
            kind        TEXT NOT NULL,
            target      TEXT NOT NULL DEFAULT '',
            status      TEXT NOT NULL,
            error       TEXT NOT NULL DEFAULT '',
            duration_ms BIGINT NOT NULL DEFAULT 0,
            healing     JSONB,
            comparison  JSONB,
            PRIMARY KEY (run_id, suite_index, step_index),
            FOREIGN KEY (run_id, suite_index) REFERENCES suite_results(run_id, suite_index) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at DESC);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure run history schema: %w", err)
		}
	}
	return nil
}

// PersistRun writes a finished run report in a single transaction. The run
// row goes in first, then the suites and steps via bulk copy.
func (s *Store) PersistRun(ctx context.Context, report *schemas.RunReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed; that is
		// the normal path, not a failure worth logging.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	totals, err := storeJSON.Marshal(report.Totals)
	if err != nil {
		return fmt.Errorf("failed to marshal run totals: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (run_id, profile, provider, started_at, finished_at, totals)
         VALUES ($1, $2, $3, $4, $5, $6);`,
		report.RunID, report.Profile, report.Provider,
		report.StartedAt.UTC(), report.FinishedAt.UTC(), json.RawMessage(totals),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	if err := s.persistSuites(ctx, tx, report.RunID, report.Suites); err != nil {
		return err
	}
	if err := s.persistSteps(ctx, tx, report.RunID, report.Suites); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Run persisted.",
		zap.String("run_id", report.RunID),
		zap.Int("suites", len(report.Suites)),
	)
	return nil
}

func (s *Store) persistSuites(ctx context.Context, tx pgx.Tx, runID string, suites []schemas.SuiteResult) error {
	rows := make([][]interface{}, len(suites))
	for i, suite := range suites {
		console, err := jsonbOrNull(len(suite.Console) > 0, suite.Console)
		if err != nil {
			return fmt.Errorf("failed to marshal console log for suite %q: %w", suite.Name, err)
		}
		serverLog, err := jsonbOrNull(len(suite.ServerLog) > 0, suite.ServerLog)
		if err != nil {
			return fmt.Errorf("failed to marshal server log for suite %q: %w", suite.Name, err)
		}
		network, err := storeJSON.Marshal(suite.Network)
		if err != nil {
			return fmt.Errorf("failed to marshal network summary for suite %q: %w", suite.Name, err)
		}

		rows[i] = []interface{}{
			runID, i, suite.Name, suite.DataRow, string(suite.Status),
			suite.StartedAt.UTC(), suite.FinishedAt.UTC(), suite.Error,
			console, json.RawMessage(network), serverLog,
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"suite_results"},
		[]string{"run_id", "suite_index", "name", "data_row", "status", "started_at", "finished_at", "error", "console", "network", "server_log"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy suite results: %w", err)
	}
	if int(copyCount) != len(suites) {
		return fmt.Errorf("mismatch in copied suite count: expected %d, got %d", len(suites), copyCount)
	}
	return nil
}

func (s *Store) persistSteps(ctx context.Context, tx pgx.Tx, runID string, suites []schemas.SuiteResult) error {
	var rows [][]interface{}
	for suiteIndex, suite := range suites {
		for _, step := range suite.Steps {
			healing, err := jsonbOrNull(step.Healing != nil, step.Healing)
			if err != nil {
				return fmt.Errorf("failed to marshal healing event for step %d: %w", step.Index, err)
			}
			comparison, err := jsonbOrNull(step.Comparison != nil, step.Comparison)
			if err != nil {
				return fmt.Errorf("failed to marshal comparison for step %d: %w", step.Index, err)
			}
			rows = append(rows, []interface{}{
				runID, suiteIndex, step.Index, step.Kind, step.Target,
				string(step.Status), step.Error, step.DurationMs,
				healing, comparison,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"step_results"},
		[]string{"run_id", "suite_index", "step_index", "kind", "target", "status", "error", "duration_ms", "healing", "comparison"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy step results: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied step count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

// jsonbOrNull marshals v for a nullable JSONB column. Absent values become
// SQL NULL rather than empty JSON so readers can tell the difference.
func jsonbOrNull(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := storeJSON.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// GetRun reassembles a full run report from the three tables. Returns
// ErrRunNotFound when the id has no row.
func (s *Store) GetRun(ctx context.Context, runID string) (*schemas.RunReport, error) {
	report, err := s.getRunRow(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.loadSuites(ctx, report); err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Store) getRunRow(ctx context.Context, runID string) (*schemas.RunReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT profile, provider, started_at, finished_at, totals FROM runs WHERE run_id = $1;`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading run row: %w", err)
		}
		return nil, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}

	report := &schemas.RunReport{RunID: runID}
	var totalsRaw []byte
	if err := rows.Scan(&report.Profile, &report.Provider, &report.StartedAt, &report.FinishedAt, &totalsRaw); err != nil {
		return nil, fmt.Errorf("failed to scan run row: %w", err)
	}
	if err := storeJSON.Unmarshal(totalsRaw, &report.Totals); err != nil {
		return nil, fmt.Errorf("failed to decode run totals: %w", err)
	}
	return report, nil
}

func (s *Store) loadSuites(ctx context.Context, report *schemas.RunReport) error {
	rows, err := s.pool.Query(ctx,
		`SELECT suite_index, name, data_row, status, started_at, finished_at, error, console, network, server_log
         FROM suite_results WHERE run_id = $1 ORDER BY suite_index ASC;`, report.RunID)
	if err != nil {
		return fmt.Errorf("failed to query suite results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			suiteIndex                     int
			statusStr                      string
			suite                          schemas.SuiteResult
			console, network, serverLogRaw []byte
		)
		err := rows.Scan(&suiteIndex, &suite.Name, &suite.DataRow, &statusStr,
			&suite.StartedAt, &suite.FinishedAt, &suite.Error,
			&console, &network, &serverLogRaw)
		if err != nil {
			return fmt.Errorf("failed to scan suite row: %w", err)
		}
		suite.Status = schemas.Status(statusStr)
		if len(console) > 0 {
			if err := storeJSON.Unmarshal(console, &suite.Console); err != nil {
				return fmt.Errorf("failed to decode console log for suite %q: %w", suite.Name, err)
			}
		}
		if len(network) > 0 {
			if err := storeJSON.Unmarshal(network, &suite.Network); err != nil {
				return fmt.Errorf("failed to decode network summary for suite %q: %w", suite.Name, err)
			}
		}
		if len(serverLogRaw) > 0 {
			if err := storeJSON.Unmarshal(serverLogRaw, &suite.ServerLog); err != nil {
				return fmt.Errorf("failed to decode server log for suite %q: %w", suite.Name, err)
			}
		}
		report.Suites = append(report.Suites, suite)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during suite row iteration: %w", err)
	}
	return nil
}

func (s *Store) loadSteps(ctx context.Context, report *schemas.RunReport) error {
	rows, err := s.pool.Query(ctx,
		`SELECT suite_index, step_index, kind, target, status, error, duration_ms, healing, comparison
         FROM step_results WHERE run_id = $1 ORDER BY suite_index ASC, step_index ASC;`, report.RunID)
	if err != nil {
		return fmt.Errorf("failed to query step results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			suiteIndex             int
			statusStr              string
			step                   schemas.StepResult
			healingRaw, compareRaw []byte
		)
		err := rows.Scan(&suiteIndex, &step.Index, &step.Kind, &step.Target,
			&statusStr, &step.Error, &step.DurationMs, &healingRaw, &compareRaw)
		if err != nil {
			return fmt.Errorf("failed to scan step row: %w", err)
		}
		step.Status = schemas.Status(statusStr)
		if len(healingRaw) > 0 {
			step.Healing = &schemas.HealingEvent{}
			if err := storeJSON.Unmarshal(healingRaw, step.Healing); err != nil {
				return fmt.Errorf("failed to decode healing event: %w", err)
			}
		}
		if len(compareRaw) > 0 {
			step.Comparison = &schemas.ComparisonRecord{}
			if err := storeJSON.Unmarshal(compareRaw, step.Comparison); err != nil {
				return fmt.Errorf("failed to decode comparison record: %w", err)
			}
		}
		if suiteIndex < 0 || suiteIndex >= len(report.Suites) {
			return fmt.Errorf("step row references unknown suite index %d", suiteIndex)
		}
		report.Suites[suiteIndex].Steps = append(report.Suites[suiteIndex].Steps, step)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during step row iteration: %w", err)
	}
	return nil
}

// RunSummary is one line of run history, enough for a listing.
type RunSummary struct {
	RunID      string
	Provider   string
	StartedAt  time.Time
	FinishedAt time.Time
	Totals     schemas.Totals
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, provider, started_at, finished_at, totals
         FROM runs ORDER BY started_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var (
			summary   RunSummary
			totalsRaw []byte
		)
		if err := rows.Scan(&summary.RunID, &summary.Provider, &summary.StartedAt, &summary.FinishedAt, &totalsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan run summary row: %w", err)
		}
		if err := storeJSON.Unmarshal(totalsRaw, &summary.Totals); err != nil {
			return nil, fmt.Errorf("failed to decode run totals: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during run history iteration: %w", err)
	}
	return summaries, nil
}
