package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

//go:embed migrations/sqlite/001_initial_schema.sql
var sqliteMigrationV1 string

// SQLiteStore implements core.RunStore with SQLite storage.
type SQLiteStore struct {
	dbPath      string
	busyTimeout time.Duration
	db          *sql.DB
	// mu serializes writers inside the process; SQLite allows one at a time.
	mu  sync.Mutex
	now func() time.Time
}

// SQLiteStoreOption configures the store.
type SQLiteStoreOption func(*SQLiteStore)

// WithSQLiteBusyTimeout sets how long a writer waits for a locked database.
func WithSQLiteBusyTimeout(d time.Duration) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.busyTimeout = d
	}
}

// WithSQLiteClock overrides the time source.
func WithSQLiteClock(now func() time.Time) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		dbPath:      dbPath,
		busyTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		dbPath, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(sqliteMigrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Create persists a new run.
func (s *SQLiteStore) Create(ctx context.Context, run *core.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			id, initial_topic, target_url, variant, status, current_stage,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID, run.InitialTopic, nullableString(run.TargetURL), run.Variant, run.Status,
		nullableString(string(run.CurrentStage)), run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking insert: %w", err)
	} else if n == 0 {
		return runExists(run.ID)
	}
	return nil
}

// Load retrieves a run with its stage results.
func (s *SQLiteStore) Load(ctx context.Context, id core.RunID) (*core.WorkflowRun, error) {
	return loadSQLiteRun(ctx, s.db, id)
}

// sqlQueryer is satisfied by *sql.DB and *sql.Tx.
type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSQLiteRun(ctx context.Context, q sqlQueryer, id core.RunID) (*core.WorkflowRun, error) {
	var run core.WorkflowRun
	var targetURL, currentStage, finalResult, errorMessage, failedStage sql.NullString

	err := q.QueryRowContext(ctx, `
		SELECT id, initial_topic, target_url, variant, status, current_stage,
		       final_result, error_message, failed_stage, created_at, updated_at
		FROM workflow_runs WHERE id = ?
	`, id).Scan(
		&run.ID, &run.InitialTopic, &targetURL, &run.Variant, &run.Status, &currentStage,
		&finalResult, &errorMessage, &failedStage, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("run", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	run.TargetURL = targetURL.String
	run.CurrentStage = core.StageName(currentStage.String)
	run.ErrorMessage = errorMessage.String
	run.FailedStage = core.StageName(failedStage.String)
	if finalResult.Valid {
		run.FinalResult = json.RawMessage(finalResult.String)
	}

	run.StageResults = make(map[core.StageName]json.RawMessage)
	rows, err := q.QueryContext(ctx, `SELECT stage, payload FROM stage_results WHERE run_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading stage results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stage, payload string
		if err := rows.Scan(&stage, &payload); err != nil {
			return nil, fmt.Errorf("scanning stage result: %w", err)
		}
		run.StageResults[core.StageName(stage)] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stage results: %w", err)
	}
	return &run, nil
}

// UpdateStatus applies update only if the stored status equals expected.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id core.RunID, expected core.RunStatus, update core.RunUpdate) (*core.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := loadSQLiteRun(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := run.Apply(expected, update, now); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs SET
			status = ?, current_stage = ?, final_result = ?,
			error_message = ?, failed_stage = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		run.Status, nullableString(string(run.CurrentStage)), nullableJSON(run.FinalResult),
		nullableString(run.ErrorMessage), nullableString(string(run.FailedStage)), now,
		id, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("updating run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("checking update: %w", err)
	} else if n == 0 {
		return nil, statusConflict(id, expected)
	}

	if sr := update.StageResult; sr != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO stage_results (run_id, stage, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, stage) DO NOTHING
		`, id, sr.Stage, string(sr.Payload), now)
		if err != nil {
			return nil, fmt.Errorf("inserting stage result: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("checking stage result insert: %w", err)
		} else if n == 0 {
			return nil, core.ErrConflict(core.CodeResultExists,
				fmt.Sprintf("run %s already has a result for stage %s", id, sr.Stage))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return run, nil
}

// AppendStep records the start of a stage attempt.
func (s *SQLiteStore) AppendStep(ctx context.Context, step core.StepRecord) error {
	if err := validateNewStep(step); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM workflow_runs WHERE id = ?", step.RunID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound("run", string(step.RunID))
	}
	if err != nil {
		return fmt.Errorf("checking run: %w", err)
	}

	attempt := step.Attempt
	if attempt < 1 {
		attempt = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (
			id, workflow_id, step_name, attempt, status, invocation_id, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		step.ID, step.RunID, step.StepName, attempt, step.Status,
		nullableString(step.InvocationID), step.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting step: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking step insert: %w", err)
	} else if n == 0 {
		return core.ErrConflict("STEP_EXISTS", fmt.Sprintf("step %s already exists", step.ID))
	}
	return nil
}

// CompleteStep finalizes a step that is still started.
func (s *SQLiteStore) CompleteStep(ctx context.Context, step core.StepRecord) error {
	if err := validateFinalStep(step); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps SET status = ?, completed_at = ?, result = ?, error = ?
		WHERE id = ? AND status = ?
	`,
		step.Status, nullableTime(step.CompletedAt), nullableJSON(step.Result),
		nullableString(step.Error), step.ID, core.StepStarted,
	)
	if err != nil {
		return fmt.Errorf("completing step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking step update: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM workflow_steps WHERE id = ?", step.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound("step", step.ID)
	}
	if err != nil {
		return fmt.Errorf("checking step: %w", err)
	}
	return stepFinalized(step.ID)
}

// ListSteps returns the run's steps in append order.
func (s *SQLiteStore) ListSteps(ctx context.Context, id core.RunID) ([]core.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, workflow_id, step_name, attempt, status, invocation_id,
		       started_at, completed_at, result, error
		FROM workflow_steps WHERE workflow_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	steps := []core.StepRecord{}
	for rows.Next() {
		var step core.StepRecord
		var invocationID, result, stepErr sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&step.Seq, &step.ID, &step.RunID, &step.StepName, &step.Attempt, &step.Status,
			&invocationID, &step.StartedAt, &completedAt, &result, &stepErr,
		); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		step.InvocationID = invocationID.String
		step.Error = stepErr.String
		if completedAt.Valid {
			t := completedAt.Time
			step.CompletedAt = &t
		}
		if result.Valid {
			step.Result = json.RawMessage(result.String)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return steps, nil
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter core.RunFilter) ([]core.RunSummary, error) {
	query := `
		SELECT id, initial_topic, variant, status, current_stage, created_at, updated_at
		FROM workflow_runs`
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	summaries := []core.RunSummary{}
	for rows.Next() {
		var sum core.RunSummary
		var currentStage sql.NullString
		if err := rows.Scan(
			&sum.ID, &sum.InitialTopic, &sum.Variant, &sum.Status, &currentStage,
			&sum.CreatedAt, &sum.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run summary: %w", err)
		}
		sum.CurrentStage = core.StageName(currentStage.String)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return summaries, nil
}
