// -------------------------------------------------------------------------
// Execution store - lifecycle records and per-pipeline stats on postgres
// -------------------------------------------------------------------------

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute

	// pq error code for unique constraint violations.
	uniqueViolation = "23505"
)

const executionColumns = `id, job_id, pipeline_name, user_id, inputs, output_format, status,
	priority, output_path, user_output_path, bundle_path, processor_metadata, llm_metadata,
	execution_time_ms, tokens_used, error, created_at, started_at, completed_at`

const insertExecutionSQL = `
	INSERT INTO executions (
		id, job_id, pipeline_name, user_id, inputs, output_format, status,
		priority, output_path, user_output_path, bundle_path, processor_metadata,
		llm_metadata, execution_time_ms, tokens_used, error, created_at,
		started_at, completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

const updateExecutionSQL = `
	UPDATE executions SET
		inputs = $2,
		status = $3,
		output_path = $4,
		user_output_path = $5,
		bundle_path = $6,
		processor_metadata = $7,
		llm_metadata = $8,
		execution_time_ms = $9,
		tokens_used = $10,
		error = $11,
		started_at = $12,
		completed_at = $13
	WHERE id = $1`

const statsColumns = `pipeline_name, total_executions, successful_executions, failed_executions,
	avg_execution_time_ms, total_tokens_used, last_executed_at, updated_at`

const seedStatsSQL = `
	INSERT INTO pipeline_stats (
		pipeline_name, total_executions, successful_executions, failed_executions,
		avg_execution_time_ms, total_tokens_used, last_executed_at, updated_at
	) VALUES ($1, 0, 0, 0, 0, 0, $2, $2)
	ON CONFLICT (pipeline_name) DO NOTHING`

const updateStatsSQL = `
	UPDATE pipeline_stats SET
		total_executions = $2,
		successful_executions = $3,
		failed_executions = $4,
		avg_execution_time_ms = $5,
		total_tokens_used = $6,
		last_executed_at = $7,
		updated_at = $8
	WHERE pipeline_name = $1`

// ExecutionStore implements interfaces.ExecutionStore on postgres.
// Status transitions and stats folds run in a single transaction with the
// affected rows locked, so concurrent workers on separate processes stay
// consistent.
type ExecutionStore struct {
	db     *sql.DB
	logger arbor.ILogger
}

// NewExecutionStore opens a connection pool, verifies connectivity, and
// applies pending schema migrations.
func NewExecutionStore(databaseURL string, logger arbor.ILogger) (*ExecutionStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info().Msg("postgres execution store ready")
	return &ExecutionStore{
		db:     db,
		logger: logger,
	}, nil
}

// Insert stores a fresh record. Both the record id and the job id must be
// unused; either collision reports ErrDuplicateID.
func (s *ExecutionStore) Insert(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("execution record with id is required")
	}

	inputsJSON, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	procMeta, err := jsonbOrNull(rec.ProcessorMetadata)
	if err != nil {
		return err
	}
	llmMeta, err := jsonbOrNull(rec.LLMMetadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, insertExecutionSQL,
		rec.ID, rec.JobID, rec.PipelineName, rec.UserID, inputsJSON,
		rec.OutputFormat, string(rec.Status), string(rec.Priority),
		rec.OutputPath, rec.UserOutputPath, rec.BundlePath, procMeta, llmMeta,
		rec.ExecutionTime, rec.TokensUsed, rec.Error, rec.CreatedAt,
		rec.StartedAt, rec.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return interfaces.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	s.logger.Debug().
		Str("execution_id", rec.ID).
		Str("pipeline", rec.PipelineName).
		Msg("execution record created")
	return nil
}

// UpdateStatus moves a record through the lifecycle DAG, applies the patch,
// and folds terminal transitions into the pipeline stats. Returns the
// updated record.
func (s *ExecutionStore) UpdateStatus(ctx context.Context, id string, to models.ExecutionStatus, patch *models.ExecutionPatch) (*models.ExecutionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf("SELECT %s FROM executions WHERE id = $1 FOR UPDATE", executionColumns)
	rec, err := scanExecution(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if !models.ValidStatus(to) || !models.CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", interfaces.ErrIllegalTransition, rec.Status, to)
	}

	now := time.Now().UTC()
	from := rec.Status
	rec.ApplyStatus(to, now)
	patch.Apply(rec)

	if err := s.writeExecutionTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	if to.IsTerminal() {
		if err := s.foldStatsTx(ctx, tx, rec, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}

	s.logger.Info().
		Str("execution_id", rec.ID).
		Str("pipeline", rec.PipelineName).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("execution status changed")
	return rec, nil
}

func (s *ExecutionStore) writeExecutionTx(ctx context.Context, tx *sql.Tx, rec *models.ExecutionRecord) error {
	inputsJSON, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	procMeta, err := jsonbOrNull(rec.ProcessorMetadata)
	if err != nil {
		return err
	}
	llmMeta, err := jsonbOrNull(rec.LLMMetadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, updateExecutionSQL,
		rec.ID, inputsJSON, string(rec.Status), rec.OutputPath,
		rec.UserOutputPath, rec.BundlePath, procMeta, llmMeta,
		rec.ExecutionTime, rec.TokensUsed, rec.Error,
		rec.StartedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", rec.ID, err)
	}
	return nil
}

// foldStatsTx applies exactly one stats update per terminal record. The
// stats row is seeded first so the row lock serializes concurrent folds
// for the same pipeline.
func (s *ExecutionStore) foldStatsTx(ctx context.Context, tx *sql.Tx, rec *models.ExecutionRecord, now time.Time) error {
	if _, err := tx.ExecContext(ctx, seedStatsSQL, rec.PipelineName, now); err != nil {
		return fmt.Errorf("failed to seed stats for %s: %w", rec.PipelineName, err)
	}

	query := fmt.Sprintf("SELECT %s FROM pipeline_stats WHERE pipeline_name = $1 FOR UPDATE", statsColumns)
	stats, err := scanStats(tx.QueryRowContext(ctx, query, rec.PipelineName))
	if err != nil {
		return fmt.Errorf("failed to lock stats for %s: %w", rec.PipelineName, err)
	}

	stats.ApplyTerminal(rec, now)

	_, err = tx.ExecContext(ctx, updateStatsSQL,
		stats.PipelineName, stats.TotalExecutions, stats.SuccessfulExecutions,
		stats.FailedExecutions, stats.AvgExecutionTime, stats.TotalTokensUsed,
		stats.LastExecutedAt, stats.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update stats for %s: %w", rec.PipelineName, err)
	}
	return nil
}

// Get returns a record by execution id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM executions WHERE id = $1", executionColumns)
	return scanExecution(s.db.QueryRowContext(ctx, query, id))
}

// GetByJobID returns the record created for a queue job.
func (s *ExecutionStore) GetByJobID(ctx context.Context, jobID string) (*models.ExecutionRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM executions WHERE job_id = $1", executionColumns)
	return scanExecution(s.db.QueryRowContext(ctx, query, jobID))
}

// List returns records newest first, narrowed by the filter.
func (s *ExecutionStore) List(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.PipelineName != "" {
		args = append(args, filter.PipelineName)
		conds = append(conds, fmt.Sprintf("pipeline_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultHistoryLimit
	}

	query := fmt.Sprintf("SELECT %s FROM executions", executionColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read execution rows: %w", err)
	}
	return result, nil
}

// Stats returns aggregates for one pipeline, or for all pipelines sorted
// by total executions descending. Unknown names yield an empty result.
func (s *ExecutionStore) Stats(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error) {
	if pipelineName != "" {
		query := fmt.Sprintf("SELECT %s FROM pipeline_stats WHERE pipeline_name = $1", statsColumns)
		stats, err := scanStats(s.db.QueryRowContext(ctx, query, pipelineName))
		if errors.Is(err, sql.ErrNoRows) {
			return []*models.PipelineStats{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get stats for %s: %w", pipelineName, err)
		}
		return []*models.PipelineStats{stats}, nil
	}

	query := fmt.Sprintf("SELECT %s FROM pipeline_stats ORDER BY total_executions DESC", statsColumns)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.PipelineStats
	for rows.Next() {
		stats, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stats rows: %w", err)
	}
	return result, nil
}

// MarkStale fails processing records whose run began before the cutoff.
// Used by the janitor and at startup to clean up after crashed workers.
func (s *ExecutionStore) MarkStale(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(
		"SELECT %s FROM executions WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2 FOR UPDATE",
		executionColumns)
	rows, err := tx.QueryContext(ctx, query, string(models.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for stale executions: %w", err)
	}

	// Drain the cursor before issuing updates on the same connection.
	var stuck []*models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		stuck = append(stuck, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("failed to read stale execution rows: %w", err)
	}
	_ = rows.Close()

	now := time.Now().UTC()
	for _, rec := range stuck {
		rec.ApplyStatus(models.StatusFailed, now)
		rec.Error = reason
		if err := s.writeExecutionTx(ctx, tx, rec); err != nil {
			return 0, err
		}
		if err := s.foldStatsTx(ctx, tx, rec, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stale sweep: %w", err)
	}

	if len(stuck) > 0 {
		s.logger.Warn().
			Int("count", len(stuck)).
			Str("reason", reason).
			Msg("stale executions marked failed")
	}
	return len(stuck), nil
}

// Close releases the connection pool.
func (s *ExecutionStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*models.ExecutionRecord, error) {
	var (
		rec         models.ExecutionRecord
		inputsJSON  []byte
		procMeta    []byte
		llmMeta     []byte
		status      string
		priority    string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(&rec.ID, &rec.JobID, &rec.PipelineName, &rec.UserID,
		&inputsJSON, &rec.OutputFormat, &status, &priority, &rec.OutputPath,
		&rec.UserOutputPath, &rec.BundlePath, &procMeta, &llmMeta,
		&rec.ExecutionTime, &rec.TokensUsed, &rec.Error, &rec.CreatedAt,
		&startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution row: %w", err)
	}

	rec.Status = models.ExecutionStatus(status)
	rec.Priority = models.Priority(priority)
	if err := json.Unmarshal(inputsJSON, &rec.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs for %s: %w", rec.ID, err)
	}
	if len(procMeta) > 0 {
		if err := json.Unmarshal(procMeta, &rec.ProcessorMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode processor metadata for %s: %w", rec.ID, err)
		}
	}
	if len(llmMeta) > 0 {
		if err := json.Unmarshal(llmMeta, &rec.LLMMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode llm metadata for %s: %w", rec.ID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func scanStats(row scanner) (*models.PipelineStats, error) {
	var stats models.PipelineStats
	err := row.Scan(&stats.PipelineName, &stats.TotalExecutions,
		&stats.SuccessfulExecutions, &stats.FailedExecutions,
		&stats.AvgExecutionTime, &stats.TotalTokensUsed,
		&stats.LastExecutedAt, &stats.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// jsonbOrNull keeps absent metadata maps as SQL NULL rather than the
// jsonb null literal.
func jsonbOrNull(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}
