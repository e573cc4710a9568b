package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Types
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID              string  `db:"id"`
	Branch          string  `db:"branch"`
	Revision        string  `db:"revision"`
	Status          string  `db:"status"`
	GateVerdict     string  `db:"gate_verdict"`
	LockRegenerated bool    `db:"lock_regenerated"`
	ErrorMessage    string  `db:"error_message"`
	CreatedAt       string  `db:"created_at"`
	StartedAt       *string `db:"started_at"`
	FinishedAt      *string `db:"finished_at"`
}

// stageResultRow represents a stage result row in the database.
type stageResultRow struct {
	RunID      string  `db:"run_id"`
	Name       string  `db:"name"`
	Seq        int     `db:"seq"`
	Status     string  `db:"status"`
	Error      string  `db:"error"`
	StartedAt  *string `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
	DurationMS int64   `db:"duration_ms"`
}

// =============================================================================
// Run Operations
// =============================================================================

// CreateRun inserts a new run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	query := `
		INSERT INTO runs (
			id, branch, revision, status, gate_verdict, lock_regenerated,
			error_message, created_at, started_at, finished_at
		) VALUES (
			:id, :branch, :revision, :status, :gate_verdict, :lock_regenerated,
			:error_message, :created_at, :started_at, :finished_at
		)`

	_, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}

	return nil
}

// UpdateRun rewrites the mutable fields of an existing run row.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	query := `
		UPDATE runs SET
			branch = :branch,
			revision = :revision,
			status = :status,
			gate_verdict = :gate_verdict,
			lock_regenerated = :lock_regenerated,
			error_message = :error_message,
			started_at = :started_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}

	return nil
}

// GetRun returns one run with its stage results attached.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}

	run := rowToRun(&row)

	stages, err := s.ListStageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Stages = stages

	return run, nil
}

// ListRuns returns runs newest first, without stage results.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]pipeline.Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]pipeline.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, *rowToRun(&rows[i]))
	}

	return runs, nil
}

// =============================================================================
// Stage Result Operations
// =============================================================================

// RecordStageResult upserts one stage result. The runner reports each stage
// twice (started, finished), so the second write replaces the first.
func (s *SQLiteStore) RecordStageResult(ctx context.Context, runID string, result *pipeline.StageResult) error {
	query := `
		INSERT INTO stage_results (
			run_id, name, seq, status, error, started_at, finished_at, duration_ms
		) VALUES (
			:run_id, :name, :seq, :status, :error, :started_at, :finished_at, :duration_ms
		)
		ON CONFLICT (run_id, name) DO UPDATE SET
			seq = excluded.seq,
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms`

	row := map[string]any{
		"run_id":      runID,
		"name":        result.Name,
		"seq":         result.Seq,
		"status":      string(result.Status),
		"error":       result.Error,
		"started_at":  formatTimePtr(result.StartedAt),
		"finished_at": formatTimePtr(result.FinishedAt),
		"duration_ms": result.Duration.Milliseconds(),
	}

	_, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("RecordStageResult", "stage_result", runID+"/"+result.Name, err.Error(), err)
	}

	return nil
}

// ListStageResults returns a run's stage results in pipeline order.
func (s *SQLiteStore) ListStageResults(ctx context.Context, runID string) ([]pipeline.StageResult, error) {
	query := `SELECT * FROM stage_results WHERE run_id = ? ORDER BY seq ASC`

	var rows []stageResultRow
	err := s.db.SelectContext(ctx, &rows, query, runID)
	if err != nil {
		return nil, NewStoreError("ListStageResults", "stage_result", runID, err.Error(), err)
	}

	results := make([]pipeline.StageResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, pipeline.StageResult{
			Name:       row.Name,
			Seq:        row.Seq,
			Status:     pipeline.StageStatus(row.Status),
			Error:      row.Error,
			StartedAt:  parseTimePtr(row.StartedAt),
			FinishedAt: parseTimePtr(row.FinishedAt),
			Duration:   time.Duration(row.DurationMS) * time.Millisecond,
		})
	}

	return results, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

func runToRow(run *pipeline.Run) map[string]any {
	return map[string]any{
		"id":               run.ID,
		"branch":           run.Branch,
		"revision":         run.Revision,
		"status":           string(run.Status),
		"gate_verdict":     run.GateVerdict,
		"lock_regenerated": run.LockRegenerated,
		"error_message":    run.ErrorMessage,
		"created_at":       run.CreatedAt.UTC().Format(time.RFC3339Nano),
		"started_at":       formatTimePtr(run.StartedAt),
		"finished_at":      formatTimePtr(run.FinishedAt),
	}
}

func rowToRun(row *runRow) *pipeline.Run {
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)

	return &pipeline.Run{
		ID:              row.ID,
		Branch:          row.Branch,
		Revision:        row.Revision,
		Status:          pipeline.RunStatus(row.Status),
		GateVerdict:     row.GateVerdict,
		LockRegenerated: row.LockRegenerated,
		ErrorMessage:    row.ErrorMessage,
		CreatedAt:       createdAt,
		StartedAt:       parseTimePtr(row.StartedAt),
		FinishedAt:      parseTimePtr(row.FinishedAt),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
