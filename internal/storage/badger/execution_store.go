// -------------------------------------------------------------------------
// Execution store - lifecycle records and per-pipeline stats on badgerhold
// -------------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
)

// ExecutionStore implements interfaces.ExecutionStore on the embedded
// database. A single mutex serializes read-modify-write sequences so that
// status transitions and stats folds see consistent state.
type ExecutionStore struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewExecutionStore creates the embedded execution store.
func NewExecutionStore(db *BadgerDB, logger arbor.ILogger) *ExecutionStore {
	return &ExecutionStore{
		db:     db,
		logger: logger,
	}
}

// Insert stores a fresh record. Both the record id and the job id must be
// unused; either collision reports ErrDuplicateID.
func (s *ExecutionStore) Insert(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("execution record with id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Insert(rec.ID, rec); err != nil {
		if err == badgerhold.ErrKeyExists || err == badgerhold.ErrUniqueExists {
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
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec models.ExecutionRecord
	if err := s.db.Store().Get(id, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}

	if !models.ValidStatus(to) || !models.CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", interfaces.ErrIllegalTransition, rec.Status, to)
	}

	now := time.Now().UTC()
	from := rec.Status
	rec.ApplyStatus(to, now)
	patch.Apply(&rec)

	if err := s.db.Store().Upsert(rec.ID, &rec); err != nil {
		return nil, fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	if to.IsTerminal() {
		if err := s.foldStatsLocked(&rec, now); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("execution_id", rec.ID).
		Str("pipeline", rec.PipelineName).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("execution status changed")
	return &rec, nil
}

// foldStatsLocked applies exactly one stats update per terminal record.
func (s *ExecutionStore) foldStatsLocked(rec *models.ExecutionRecord, now time.Time) error {
	var stats models.PipelineStats
	err := s.db.Store().Get(rec.PipelineName, &stats)
	if err != nil {
		if err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to load stats for %s: %w", rec.PipelineName, err)
		}
		stats = models.PipelineStats{PipelineName: rec.PipelineName}
	}

	stats.ApplyTerminal(rec, now)

	if err := s.db.Store().Upsert(stats.PipelineName, &stats); err != nil {
		return fmt.Errorf("failed to update stats for %s: %w", rec.PipelineName, err)
	}
	return nil
}

// Get returns a record by execution id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	if err := s.db.Store().Get(id, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &rec, nil
}

// GetByJobID returns the record created for a queue job.
func (s *ExecutionStore) GetByJobID(ctx context.Context, jobID string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	if err := s.db.Store().FindOne(&rec, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution for job %s: %w", jobID, err)
	}
	return &rec, nil
}

// List returns records newest first, narrowed by the filter.
func (s *ExecutionStore) List(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter.PipelineName != "" {
		query = query.And("PipelineName").Eq(filter.PipelineName)
	}
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.UserID != "" {
		query = query.And("UserID").Eq(filter.UserID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultHistoryLimit
	}
	query = query.SortBy("CreatedAt").Reverse().Limit(limit)

	var recs []models.ExecutionRecord
	if err := s.db.Store().Find(&recs, query); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	result := make([]*models.ExecutionRecord, len(recs))
	for i := range recs {
		result[i] = &recs[i]
	}
	return result, nil
}

// Stats returns aggregates for one pipeline, or for all pipelines sorted
// by total executions descending. Unknown names yield an empty result.
func (s *ExecutionStore) Stats(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error) {
	if pipelineName != "" {
		var stats models.PipelineStats
		if err := s.db.Store().Get(pipelineName, &stats); err != nil {
			if err == badgerhold.ErrNotFound {
				return []*models.PipelineStats{}, nil
			}
			return nil, fmt.Errorf("failed to get stats for %s: %w", pipelineName, err)
		}
		return []*models.PipelineStats{&stats}, nil
	}

	var all []models.PipelineStats
	query := badgerhold.Where("PipelineName").Ne("").SortBy("TotalExecutions").Reverse()
	if err := s.db.Store().Find(&all, query); err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}

	result := make([]*models.PipelineStats, len(all))
	for i := range all {
		result[i] = &all[i]
	}
	return result, nil
}

// MarkStale fails processing records whose run began before the cutoff.
// Used by the janitor and at startup to clean up after crashed workers.
func (s *ExecutionStore) MarkStale(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []models.ExecutionRecord
	query := badgerhold.Where("Status").Eq(models.StatusProcessing)
	if err := s.db.Store().Find(&stuck, query); err != nil {
		return 0, fmt.Errorf("failed to scan for stale executions: %w", err)
	}

	now := time.Now().UTC()
	count := 0
	for i := range stuck {
		rec := &stuck[i]
		startedBefore := rec.StartedAt != nil && rec.StartedAt.Before(cutoff)
		if !startedBefore {
			continue
		}

		rec.ApplyStatus(models.StatusFailed, now)
		rec.Error = reason
		if err := s.db.Store().Upsert(rec.ID, rec); err != nil {
			return count, fmt.Errorf("failed to mark execution %s stale: %w", rec.ID, err)
		}
		if err := s.foldStatsLocked(rec, now); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		s.logger.Warn().
			Int("count", count).
			Str("reason", reason).
			Msg("stale executions marked failed")
	}
	return count, nil
}

// Close is a no-op; the database connection is owned by the caller.
func (s *ExecutionStore) Close() error {
	return nil
}
