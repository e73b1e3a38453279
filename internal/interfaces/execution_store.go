package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/dproc-io/dproc/internal/models"
)

// Store contract errors. Backends return these sentinels (possibly
// wrapped) so callers can branch without knowing the backend.
var (
	// ErrDuplicateID is returned by Insert when the execution id or job id
	// already exists.
	ErrDuplicateID = errors.New("execution id or job id already exists")

	// ErrNotFound is returned when no record matches the id.
	ErrNotFound = errors.New("execution not found")

	// ErrIllegalTransition is returned when a status update violates the
	// lifecycle DAG.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// ExecutionStore is the durable record of every execution's lifecycle.
// Implementations: embedded badger store (default) and postgres (selected
// by DATABASE_URL).
type ExecutionStore interface {
	// Insert stores a fresh record. Fails with ErrDuplicateID when id or
	// jobId collide.
	Insert(ctx context.Context, rec *models.ExecutionRecord) error

	// UpdateStatus atomically applies a status transition plus a sparse
	// patch, enforcing the lifecycle DAG. Terminal transitions fold the
	// record into pipeline_stats in the same atomic scope. Returns the
	// updated record.
	UpdateStatus(ctx context.Context, id string, to models.ExecutionStatus, patch *models.ExecutionPatch) (*models.ExecutionRecord, error)

	// Get returns the record by execution id.
	Get(ctx context.Context, id string) (*models.ExecutionRecord, error)

	// GetByJobID returns the record for a queue job id. Used by the
	// executor's startup idempotency check on redelivery.
	GetByJobID(ctx context.Context, jobID string) (*models.ExecutionRecord, error)

	// List returns records matching the filter, newest first. A zero
	// filter limit applies models.DefaultHistoryLimit.
	List(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error)

	// Stats returns aggregates for one pipeline (name set) or all
	// pipelines sorted by totalExecutions descending (name empty).
	Stats(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error)

	// MarkStale fails records stuck in processing since before the cutoff.
	// Crash recovery for workers that died without reporting. Returns the
	// number of records transitioned.
	MarkStale(ctx context.Context, cutoff time.Time, reason string) (int, error)

	// Close releases the backend.
	Close() error
}
