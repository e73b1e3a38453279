package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

func newTestBadgerQueue(t *testing.T, visibility time.Duration) *BadgerQueue {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := NewBadgerQueue(db, visibility, arbor.NewLogger())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return q
}

func testEnvelope(jobID string, priority models.Priority) *models.JobEnvelope {
	return models.NewJobEnvelope(jobID, "company-profile", map[string]models.InputValue{
		"companyName": models.TextValue("Acme Corp"),
	}, "html", priority, "")
}

func TestBadgerQueuePriorityOrdering(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)
	ctx := context.Background()

	// Enqueue across lanes out of delivery order. The small sleeps keep
	// the index timestamps strictly increasing.
	if err := q.Enqueue(ctx, testEnvelope("job-low", models.PriorityLow), EnqueueOptions{Priority: models.PriorityLow}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Enqueue(ctx, testEnvelope("job-normal-1", models.PriorityNormal), EnqueueOptions{Priority: models.PriorityNormal}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Enqueue(ctx, testEnvelope("job-high", models.PriorityHigh), EnqueueOptions{Priority: models.PriorityHigh}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Enqueue(ctx, testEnvelope("job-normal-2", models.PriorityNormal), EnqueueOptions{Priority: models.PriorityNormal}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// High lane first, then the normal lane oldest first, then low.
	want := []string{"job-high", "job-normal-1", "job-normal-2", "job-low"}
	for i, expected := range want {
		d, err := q.Claim(ctx, "worker-1")
		if err != nil {
			t.Fatalf("Claim %d failed: %v", i, err)
		}
		if d == nil {
			t.Fatalf("Claim %d returned nothing, expected %s", i, expected)
		}
		if d.Envelope.JobID != expected {
			t.Errorf("Claim %d: expected %s, got %s", i, expected, d.Envelope.JobID)
		}
		if err := q.Ack(ctx, d); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}

	d, err := q.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Final claim failed: %v", err)
	}
	if d != nil {
		t.Errorf("Expected empty queue, got %s", d.Envelope.JobID)
	}
}

func TestBadgerQueueClaimEmpty(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)

	d, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d != nil {
		t.Errorf("Expected nil delivery from empty queue, got %+v", d)
	}
}

func TestBadgerQueueDuplicateEnqueueRejected(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err == nil {
		t.Error("Expected duplicate enqueue to fail")
	}
}

func TestBadgerQueueAckMovesToCompletedTier(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d, err := q.Claim(ctx, "worker-1")
	if err != nil || d == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d.Attempts != 1 {
		t.Errorf("Expected attempt 1, got %d", d.Attempts)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Ready != 0 || stats.Claimed != 0 {
		t.Errorf("Expected empty active tiers, got ready=%d claimed=%d", stats.Ready, stats.Claimed)
	}
	if stats.Completed != 1 {
		t.Errorf("Expected 1 completed, got %d", stats.Completed)
	}

	// Acking again is a no-op.
	if err := q.Ack(ctx, d); err != nil {
		t.Errorf("Second ack should be a no-op, got %v", err)
	}
}

func TestBadgerQueueNackTransientReschedules(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	d, err := q.Claim(ctx, "worker-1")
	if err != nil || d == nil {
		t.Fatalf("Claim failed: %v", err)
	}

	cause := errdefs.RateLimit("openai", 2*time.Second, errors.New("429"))
	if err := q.Nack(ctx, d, cause); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	// The retry delay puts the job in the future, so it is delayed rather
	// than claimable.
	d2, err := q.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d2 != nil {
		t.Errorf("Expected job to be delayed, claimed %s", d2.Envelope.JobID)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Delayed != 1 {
		t.Errorf("Expected 1 delayed job, got %d", stats.Delayed)
	}
	if stats.Failed != 0 {
		t.Errorf("Expected no failed jobs, got %d", stats.Failed)
	}
}

func TestBadgerQueueNackPermanentBuries(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	d, err := q.Claim(ctx, "worker-1")
	if err != nil || d == nil {
		t.Fatalf("Claim failed: %v", err)
	}

	cause := errdefs.ProcessingError("render", errors.New("template not found"))
	if err := q.Nack(ctx, d, cause); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed job, got %d", stats.Failed)
	}
	if stats.Ready != 0 || stats.Delayed != 0 || stats.Claimed != 0 {
		t.Errorf("Expected job off active tiers, got %+v", stats)
	}
}

func TestBadgerQueueAttemptCapBuries(t *testing.T) {
	q := newTestBadgerQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Burn both attempts through visibility expiry.
	for attempt := 1; attempt <= 2; attempt++ {
		d, err := q.Claim(ctx, "worker-1")
		if err != nil || d == nil {
			t.Fatalf("Claim %d failed: %v", attempt, err)
		}
		if d.Attempts != attempt {
			t.Errorf("Expected attempt %d, got %d", attempt, d.Attempts)
		}
		time.Sleep(40 * time.Millisecond)
	}

	// The next claim finds the job out of attempts and buries it.
	d, err := q.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d != nil {
		t.Errorf("Expected exhausted job to be buried, claimed %s", d.Envelope.JobID)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed job, got %d", stats.Failed)
	}
}

func TestBadgerQueueVisibilityRedelivery(t *testing.T) {
	q := newTestBadgerQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d1, err := q.Claim(ctx, "worker-1")
	if err != nil || d1 == nil {
		t.Fatalf("First claim failed: %v", err)
	}

	// Still claimed, nothing to hand out.
	d2, err := q.Claim(ctx, "worker-2")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d2 != nil {
		t.Fatalf("Expected nothing claimable inside the visibility window")
	}

	time.Sleep(40 * time.Millisecond)

	d3, err := q.Claim(ctx, "worker-2")
	if err != nil {
		t.Fatalf("Claim after expiry failed: %v", err)
	}
	if d3 == nil {
		t.Fatal("Expected redelivery after visibility expired")
	}
	if d3.Envelope.JobID != "job-1" {
		t.Errorf("Expected job-1, got %s", d3.Envelope.JobID)
	}
	if d3.Attempts != 2 {
		t.Errorf("Expected attempt 2 on redelivery, got %d", d3.Attempts)
	}
}

func TestBadgerQueueExtendKeepsClaim(t *testing.T) {
	q := newTestBadgerQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	d, err := q.Claim(ctx, "worker-1")
	if err != nil || d == nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := q.Extend(ctx, d, time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	// Past the original window the job must still be invisible.
	time.Sleep(40 * time.Millisecond)
	d2, err := q.Claim(ctx, "worker-2")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d2 != nil {
		t.Errorf("Expected extended claim to hold, claimed %s", d2.Envelope.JobID)
	}
}

func TestBadgerQueueSweepRestoresStalledClaim(t *testing.T) {
	q := newTestBadgerQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	result, err := q.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.Redelivered != 1 {
		t.Errorf("Expected 1 redelivered, got %d", result.Redelivered)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Claimed != 0 {
		t.Errorf("Expected no claimed jobs after sweep, got %d", stats.Claimed)
	}
	if stats.Ready != 1 {
		t.Errorf("Expected job back on its lane, got ready=%d", stats.Ready)
	}
}

func TestBadgerQueueRemove(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	removed, err := q.Remove(ctx, "job-1")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Error("Expected queued job to be removed")
	}

	removed, err = q.Remove(ctx, "job-1")
	if err != nil {
		t.Fatalf("Second remove failed: %v", err)
	}
	if removed {
		t.Error("Expected second remove to report false")
	}

	// A claimed job cannot be pulled back.
	if err := q.Enqueue(ctx, testEnvelope("job-2", models.PriorityNormal), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	removed, err = q.Remove(ctx, "job-2")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed {
		t.Error("Expected claimed job to stay put")
	}
}

func TestBadgerQueueEnqueueDelay(t *testing.T) {
	q := newTestBadgerQueue(t, time.Minute)
	ctx := context.Background()

	err := q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{Delay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d, err := q.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d != nil {
		t.Fatal("Expected delayed job to be invisible")
	}

	time.Sleep(60 * time.Millisecond)

	d, err = q.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if d == nil {
		t.Fatal("Expected delayed job to become claimable")
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := RetryDelay(tc.attempt); got != tc.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
