package interfaces

import (
	"context"
	"time"

	"github.com/dproc-io/dproc/internal/models"
	"github.com/dproc-io/dproc/internal/queue"
)

// Queue is the priority-ordered durable hand-off between the submitter and
// the workers. Implementations: embedded badger queue (default) and redis
// (selected by REDIS_HOST). Both serialize claim/ack/nack internally.
type Queue interface {
	// Enqueue places an envelope on its priority lane. Durable before
	// return.
	Enqueue(ctx context.Context, env *models.JobEnvelope, opts queue.EnqueueOptions) error

	// Claim hands the oldest envelope from the highest-priority non-empty
	// lane to a worker and starts its visibility window. Returns nil when
	// every lane is empty.
	Claim(ctx context.Context, workerID string) (*queue.Delivery, error)

	// Ack acknowledges success; the envelope moves to the completed tier.
	Ack(ctx context.Context, d *queue.Delivery) error

	// Nack reports failure. Transient causes reschedule with exponential
	// backoff until the attempt cap; non-transient causes and exhausted
	// attempts move the envelope to the failed tier.
	Nack(ctx context.Context, d *queue.Delivery, cause error) error

	// Extend renews the visibility deadline of a claimed delivery
	// (worker heartbeat).
	Extend(ctx context.Context, d *queue.Delivery, dur time.Duration) error

	// Remove pulls a still-queued envelope (pre-start cancellation).
	// Returns false when the envelope is no longer queued.
	Remove(ctx context.Context, jobID string) (bool, error)

	// Stats reports per-tier depths.
	Stats(ctx context.Context) (*queue.Stats, error)

	// Sweep redelivers expired claims and enforces tier retention. Runs on
	// the janitor schedule.
	Sweep(ctx context.Context) (*queue.SweepResult, error)

	// Close releases the backend.
	Close() error
}
