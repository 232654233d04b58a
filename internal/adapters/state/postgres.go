package state

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

//go:embed migrations/postgres/001_initial_schema.sql
var postgresMigrationV1 string

// PostgresStore implements core.RunStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// PostgresStoreOption configures the store.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresClock overrides the time source.
func WithPostgresClock(now func() time.Time) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.now = now
	}
}

// NewPostgresStore connects to dsn and applies migrations.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresStoreOption) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	var version int
	err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.pool.Exec(ctx, postgresMigrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Create persists a new run.
func (s *PostgresStore) Create(ctx context.Context, run *core.WorkflowRun) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (
			id, initial_topic, target_url, variant, status, current_stage,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		string(run.ID), run.InitialTopic, nullableString(run.TargetURL), string(run.Variant),
		string(run.Status), nullableString(string(run.CurrentStage)),
		run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return runExists(run.ID)
	}
	return nil
}

// pgQueryer is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Load retrieves a run with its stage results.
func (s *PostgresStore) Load(ctx context.Context, id core.RunID) (*core.WorkflowRun, error) {
	return loadPostgresRun(ctx, s.pool, id, false)
}

func loadPostgresRun(ctx context.Context, q pgQueryer, id core.RunID, forUpdate bool) (*core.WorkflowRun, error) {
	query := `
		SELECT id, initial_topic, target_url, variant, status, current_stage,
		       final_result, error_message, failed_stage, created_at, updated_at
		FROM workflow_runs WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var run core.WorkflowRun
	var runID, variant, status string
	var targetURL, currentStage, errorMessage, failedStage *string
	var finalResult []byte
	err := q.QueryRow(ctx, query, string(id)).Scan(
		&runID, &run.InitialTopic, &targetURL, &variant, &status, &currentStage,
		&finalResult, &errorMessage, &failedStage, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound("run", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	run.ID = core.RunID(runID)
	run.Variant = core.Variant(variant)
	run.Status = core.RunStatus(status)
	run.TargetURL = deref(targetURL)
	run.CurrentStage = core.StageName(deref(currentStage))
	run.ErrorMessage = deref(errorMessage)
	run.FailedStage = core.StageName(deref(failedStage))
	if len(finalResult) > 0 {
		run.FinalResult = json.RawMessage(finalResult)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	run.StageResults = make(map[core.StageName]json.RawMessage)
	rows, err := q.Query(ctx, `SELECT stage, payload FROM stage_results WHERE run_id = $1`, string(id))
	if err != nil {
		return nil, fmt.Errorf("loading stage results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stage string
		var payload []byte
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
// The row is locked for the duration of the transaction.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id core.RunID, expected core.RunStatus, update core.RunUpdate) (*core.WorkflowRun, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	run, err := loadPostgresRun(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := run.Apply(expected, update, now); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_runs SET
			status = $1, current_stage = $2, final_result = $3,
			error_message = $4, failed_stage = $5, updated_at = $6
		WHERE id = $7 AND status = $8
	`,
		string(run.Status), nullableString(string(run.CurrentStage)), jsonArg(run.FinalResult),
		nullableString(run.ErrorMessage), nullableString(string(run.FailedStage)), now,
		string(id), string(expected),
	)
	if err != nil {
		return nil, fmt.Errorf("updating run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, statusConflict(id, expected)
	}

	if sr := update.StageResult; sr != nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO stage_results (run_id, stage, payload, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, stage) DO NOTHING
		`, string(id), string(sr.Stage), []byte(sr.Payload), now)
		if err != nil {
			return nil, fmt.Errorf("inserting stage result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, core.ErrConflict(core.CodeResultExists,
				fmt.Sprintf("run %s already has a result for stage %s", id, sr.Stage))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return run, nil
}

// AppendStep records the start of a stage attempt.
func (s *PostgresStore) AppendStep(ctx context.Context, step core.StepRecord) error {
	if err := validateNewStep(step); err != nil {
		return err
	}

	var exists int
	err := s.pool.QueryRow(ctx, "SELECT 1 FROM workflow_runs WHERE id = $1", string(step.RunID)).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound("run", string(step.RunID))
	}
	if err != nil {
		return fmt.Errorf("checking run: %w", err)
	}

	attempt := step.Attempt
	if attempt < 1 {
		attempt = 1
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (
			id, workflow_id, step_name, attempt, status, invocation_id, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`,
		step.ID, string(step.RunID), string(step.StepName), attempt, string(step.Status),
		nullableString(step.InvocationID), step.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConflict("STEP_EXISTS", fmt.Sprintf("step %s already exists", step.ID))
	}
	return nil
}

// CompleteStep finalizes a step that is still started.
func (s *PostgresStore) CompleteStep(ctx context.Context, step core.StepRecord) error {
	if err := validateFinalStep(step); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_steps SET status = $1, completed_at = $2, result = $3, error = $4
		WHERE id = $5 AND status = $6
	`,
		string(step.Status), nullableTime(step.CompletedAt), jsonArg(step.Result),
		nullableString(step.Error), step.ID, string(core.StepStarted),
	)
	if err != nil {
		return fmt.Errorf("completing step: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists int
	err = s.pool.QueryRow(ctx, "SELECT 1 FROM workflow_steps WHERE id = $1", step.ID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound("step", step.ID)
	}
	if err != nil {
		return fmt.Errorf("checking step: %w", err)
	}
	return stepFinalized(step.ID)
}

// ListSteps returns the run's steps in append order.
func (s *PostgresStore) ListSteps(ctx context.Context, id core.RunID) ([]core.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, workflow_id, step_name, attempt, status, invocation_id,
		       started_at, completed_at, result, error
		FROM workflow_steps WHERE workflow_id = $1
		ORDER BY seq
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	steps := []core.StepRecord{}
	for rows.Next() {
		var step core.StepRecord
		var runID, stepName, status string
		var invocationID, stepErr *string
		var completedAt *time.Time
		var result []byte
		if err := rows.Scan(
			&step.Seq, &step.ID, &runID, &stepName, &step.Attempt, &status,
			&invocationID, &step.StartedAt, &completedAt, &result, &stepErr,
		); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		step.RunID = core.RunID(runID)
		step.StepName = core.StageName(stepName)
		step.Status = core.StepStatus(status)
		step.InvocationID = deref(invocationID)
		step.Error = deref(stepErr)
		step.StartedAt = step.StartedAt.UTC()
		if completedAt != nil {
			t := completedAt.UTC()
			step.CompletedAt = &t
		}
		if len(result) > 0 {
			step.Result = json.RawMessage(result)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return steps, nil
}

// ListRuns returns run summaries, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter core.RunFilter) ([]core.RunSummary, error) {
	query := `
		SELECT id, initial_topic, variant, status, current_stage, created_at, updated_at
		FROM workflow_runs`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += " WHERE status = ANY($1)"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	summaries := []core.RunSummary{}
	for rows.Next() {
		var sum core.RunSummary
		var id, variant, status string
		var currentStage *string
		if err := rows.Scan(&id, &sum.InitialTopic, &variant, &status, &currentStage,
			&sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run summary: %w", err)
		}
		sum.ID = core.RunID(id)
		sum.Variant = core.Variant(variant)
		sum.Status = core.RunStatus(status)
		sum.CurrentStage = core.StageName(deref(currentStage))
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return summaries, nil
}

// jsonArg passes raw JSON to a json column, or NULL when empty.
func jsonArg(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
