package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

func newTestRedisQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(mr.Addr(), "", 0, visibility, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestRedisQueuePriorityOrdering(t *testing.T) {
	q, _ := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-low", models.PriorityLow), EnqueueOptions{Priority: models.PriorityLow}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-normal-1", models.PriorityNormal), EnqueueOptions{Priority: models.PriorityNormal}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-high", models.PriorityHigh), EnqueueOptions{Priority: models.PriorityHigh}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-normal-2", models.PriorityNormal), EnqueueOptions{Priority: models.PriorityNormal}))

	want := []string{"job-high", "job-normal-1", "job-normal-2", "job-low"}
	for _, expected := range want {
		d, err := q.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, d, "expected %s", expected)
		assert.Equal(t, expected, d.Envelope.JobID)
		require.NoError(t, q.Ack(ctx, d))
	}

	d, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisQueueAckCompletedTier(t *testing.T) {
	q, _ := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}))

	d, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, "Acme Corp", d.Envelope.Inputs["companyName"].Text)

	require.NoError(t, q.Ack(ctx, d))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, "redis", stats.Backend)
}

func TestRedisQueueCompletedTierExpires(t *testing.T) {
	q, mr := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}))
	d, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Ack(ctx, d))

	// Past the retention window the completed record is gone.
	mr.FastForward(CompletedRetention + time.Hour)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Completed)
}

func TestRedisQueueNackTransientDelays(t *testing.T) {
	q, _ := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}))
	d, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d)

	cause := errdefs.APITimeout("anthropic", 120*time.Second)
	require.NoError(t, q.Nack(ctx, d, cause))

	d2, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, d2, "retry backoff should keep the job invisible")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)
	assert.Equal(t, 0, stats.Failed)
}

func TestRedisQueueNackPermanentBuries(t *testing.T) {
	q, _ := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}))
	d, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Nack(ctx, d, errdefs.ProcessingError("generate", errors.New("boom"))))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 0, stats.Delayed)
}

func TestRedisQueueSweepReclaims(t *testing.T) {
	q, _ := newTestRedisQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}))
	d, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d)

	time.Sleep(40 * time.Millisecond)

	result, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Redelivered)

	d2, err := q.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, d2, "swept job should be claimable again")
	assert.Equal(t, "job-1", d2.Envelope.JobID)
	assert.Equal(t, 2, d2.Attempts)
}

func TestRedisQueueRemove(t *testing.T) {
	q, _ := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-1", models.PriorityNormal), EnqueueOptions{}))

	removed, err := q.Remove(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Remove(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, removed)

	// Claimed jobs stay put.
	require.NoError(t, q.Enqueue(ctx, testEnvelope("job-2", models.PriorityNormal), EnqueueOptions{}))
	d, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d)

	removed, err = q.Remove(ctx, "job-2")
	require.NoError(t, err)
	assert.False(t, removed)
}
