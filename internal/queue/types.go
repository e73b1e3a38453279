package queue

import (
	"time"

	"github.com/dproc-io/dproc/internal/models"
)

// Queue defaults. Retries back off exponentially from RetryBaseDelay, and a
// job moves to the failed tier once it has been claimed MaxAttempts times
// without an ack. Acked and failed envelopes are retained for inspection
// until their tier window lapses.
const (
	DefaultVisibilityTimeout = 60 * time.Second
	DefaultMaxAttempts       = 3
	RetryBaseDelay           = 2 * time.Second
	RetryFactor              = 2
	CompletedRetention       = 24 * time.Hour
	FailedRetention          = 7 * 24 * time.Hour
)

// RetryDelay returns the backoff applied before retry attempt n (1-based):
// 2s, 4s, 8s, ...
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(RetryFactor)
	}
	return delay
}

// EnqueueOptions control placement of a single envelope.
type EnqueueOptions struct {
	// Priority selects the lane. Zero value means normal.
	Priority models.Priority

	// MaxAttempts caps how many times the job may be claimed before it is
	// moved to the failed tier. Zero means DefaultMaxAttempts.
	MaxAttempts int

	// Delay postpones first visibility.
	Delay time.Duration
}

func (o EnqueueOptions) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Delivery is one claimed envelope together with the bookkeeping a worker
// needs to ack, nack, or extend it. Receipt identifies the claim to the
// backend; Attempts includes the claim that produced this delivery.
type Delivery struct {
	Envelope    *models.JobEnvelope
	Receipt     string
	Lane        int
	Attempts    int
	MaxAttempts int
	WorkerID    string
	ClaimedAt   time.Time
	Deadline    time.Time
}

// Stats reports queue depths per tier.
type Stats struct {
	Backend     string      `json:"backend"`
	Ready       int         `json:"ready"`
	ReadyByLane map[int]int `json:"readyByLane"`
	Delayed     int         `json:"delayed"`
	Claimed     int         `json:"claimed"`
	Completed   int         `json:"completed"`
	Failed      int         `json:"failed"`
}

// SweepResult reports what a janitor pass changed.
type SweepResult struct {
	// Redelivered counts claims whose visibility lapsed and whose jobs
	// were returned to their lanes.
	Redelivered int `json:"redelivered"`

	// MovedToFailed counts jobs that exhausted their attempts during the
	// sweep.
	MovedToFailed int `json:"movedToFailed"`
}

// message is the stored wrapper around an envelope. Both backends persist
// it as JSON keyed by job ID.
type message struct {
	Envelope    *models.JobEnvelope `json:"envelope"`
	Lane        int                 `json:"lane"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"maxAttempts"`
	EnqueuedAt  time.Time           `json:"enqueuedAt"`
	VisibleAt   time.Time           `json:"visibleAt"`
	Claimed     bool                `json:"claimed"`
	WorkerID    string              `json:"workerId,omitempty"`
}

// tierRecord is what the completed and failed tiers retain for inspection.
type tierRecord struct {
	Envelope *models.JobEnvelope `json:"envelope"`
	Lane     int                 `json:"lane"`
	Attempts int                 `json:"attempts"`
	Reason   string              `json:"reason,omitempty"`
	At       time.Time           `json:"at"`
}
