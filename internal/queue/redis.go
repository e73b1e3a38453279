// -------------------------------------------------------------------------
// Redis queue - shared backend for multi-process deployments
// -------------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

const (
	redisReadyKey   = "dproc:queue:ready:"
	redisClaimedKey = "dproc:queue:claimed"
	redisMsgKey     = "dproc:queue:msg:"
	redisDoneKey    = "dproc:queue:done:"
	redisDeadKey    = "dproc:queue:dead:"

	// claimBatch bounds how many ready candidates a single claim attempt
	// races for before giving up on a lane.
	claimBatch = 8
)

// RedisQueue keeps one sorted set per lane scored by visibility time and a
// claimed set scored by deadline. Claiming uses ZREM as the arbiter: the
// client that removes the member owns the job, so several workers can share
// the queue without locks. Tier retention uses key expiry.
type RedisQueue struct {
	client     *redis.Client
	visibility time.Duration
	logger     arbor.ILogger
}

// NewRedisQueue connects and verifies the server is reachable.
func NewRedisQueue(addr, password string, db int, visibility time.Duration, logger arbor.ILogger) (*RedisQueue, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	if logger == nil {
		logger = common.GetLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisQueue{client: client, visibility: visibility, logger: logger}, nil
}

// Enqueue stores the envelope and scores it on its lane.
func (q *RedisQueue) Enqueue(ctx context.Context, env *models.JobEnvelope, opts EnqueueOptions) error {
	if env == nil || env.JobID == "" {
		return errors.New("envelope with job id is required")
	}

	now := time.Now()
	msg := message{
		Envelope:    env,
		Lane:        opts.Priority.Lane(),
		Attempts:    0,
		MaxAttempts: opts.maxAttempts(),
		EnqueuedAt:  now,
		VisibleAt:   now.Add(opts.Delay),
	}

	exists, err := q.client.Exists(ctx, redisMsgKey+env.JobID).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("job %s is already queued", env.JobID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisMsgKey+env.JobID, data, 0)
		pipe.ZAdd(ctx, laneKey(msg.Lane), redis.Z{
			Score:  float64(msg.VisibleAt.UnixMilli()),
			Member: env.JobID,
		})
		return nil
	})
	if err != nil {
		return err
	}

	q.logger.Debug().
		Str("job_id", env.JobID).
		Int("lane", msg.Lane).
		Msg("job enqueued")
	return nil
}

// Claim races for the oldest visible job, highest-priority lane first.
// Returns nil when nothing is ready.
func (q *RedisQueue) Claim(ctx context.Context, workerID string) (*Delivery, error) {
	now := time.Now()
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	for _, lane := range models.Lanes() {
		candidates, err := q.client.ZRangeByScore(ctx, laneKey(lane), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: claimBatch,
		}).Result()
		if err != nil {
			return nil, err
		}

		for _, jobID := range candidates {
			won, err := q.client.ZRem(ctx, laneKey(lane), jobID).Result()
			if err != nil {
				return nil, err
			}
			if won == 0 {
				// Another worker got there first.
				continue
			}

			msg, err := q.loadMessage(ctx, jobID)
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, err
			}

			if msg.Attempts >= msg.MaxAttempts {
				if err := q.bury(ctx, jobID, msg, "attempts exhausted"); err != nil {
					return nil, err
				}
				continue
			}

			msg.Attempts++
			msg.Claimed = true
			msg.WorkerID = workerID
			msg.VisibleAt = now.Add(q.visibility)

			if err := q.storeClaimed(ctx, jobID, msg); err != nil {
				return nil, err
			}

			q.logger.Debug().
				Str("job_id", jobID).
				Str("worker_id", workerID).
				Int("attempt", msg.Attempts).
				Msg("job claimed")

			return &Delivery{
				Envelope:    msg.Envelope,
				Receipt:     jobID,
				Lane:        lane,
				Attempts:    msg.Attempts,
				MaxAttempts: msg.MaxAttempts,
				WorkerID:    workerID,
				ClaimedAt:   now,
				Deadline:    msg.VisibleAt,
			}, nil
		}
	}

	return nil, nil
}

// Ack removes the job and retains it on the completed tier for a day.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("delivery is required")
	}

	msg, err := q.loadMessage(ctx, d.Receipt)
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	rec, err := json.Marshal(tierRecord{
		Envelope: msg.Envelope,
		Lane:     msg.Lane,
		Attempts: msg.Attempts,
		At:       time.Now(),
	})
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisClaimedKey, d.Receipt)
		pipe.Del(ctx, redisMsgKey+d.Receipt)
		pipe.Set(ctx, redisDoneKey+d.Receipt, rec, CompletedRetention)
		return nil
	})
	return err
}

// Nack reschedules transient failures with backoff while attempts remain,
// and buries everything else with the cause recorded.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, cause error) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	reason := "unspecified failure"
	if cause != nil {
		reason = cause.Error()
	}

	msg, err := q.loadMessage(ctx, d.Receipt)
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	if err := q.client.ZRem(ctx, redisClaimedKey, d.Receipt).Err(); err != nil {
		return err
	}

	if errdefs.IsTransient(cause) && msg.Attempts < msg.MaxAttempts {
		delay := RetryDelay(msg.Attempts)
		msg.Claimed = false
		msg.WorkerID = ""
		msg.VisibleAt = time.Now().Add(delay)

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisMsgKey+d.Receipt, data, 0)
			pipe.ZAdd(ctx, laneKey(msg.Lane), redis.Z{
				Score:  float64(msg.VisibleAt.UnixMilli()),
				Member: d.Receipt,
			})
			return nil
		})
		if err != nil {
			return err
		}

		q.logger.Warn().
			Str("job_id", d.Receipt).
			Int("attempt", d.Attempts).
			Dur("delay", delay).
			Msg("job rescheduled after transient failure")
		return nil
	}

	if err := q.bury(ctx, d.Receipt, msg, reason); err != nil {
		return err
	}
	q.logger.Warn().
		Str("job_id", d.Receipt).
		Int("attempts", d.Attempts).
		Str("reason", reason).
		Msg("job moved to failed tier")
	return nil
}

// Extend pushes the visibility deadline of a claimed job further out.
func (q *RedisQueue) Extend(ctx context.Context, d *Delivery, dur time.Duration) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	if dur <= 0 {
		dur = q.visibility
	}

	if err := q.client.ZScore(ctx, redisClaimedKey, d.Receipt).Err(); err != nil {
		if err == redis.Nil {
			return fmt.Errorf("job %s is not claimed", d.Receipt)
		}
		return err
	}

	msg, err := q.loadMessage(ctx, d.Receipt)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(dur)
	msg.VisibleAt = deadline

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisMsgKey+d.Receipt, data, 0)
		pipe.ZAdd(ctx, redisClaimedKey, redis.Z{
			Score:  float64(deadline.UnixMilli()),
			Member: d.Receipt,
		})
		return nil
	})
	if err != nil {
		return err
	}

	d.Deadline = deadline
	return nil
}

// Remove deletes a job that has not been claimed yet.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	msg, err := q.loadMessage(ctx, jobID)
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if msg.Claimed {
		return false, nil
	}

	won, err := q.client.ZRem(ctx, laneKey(msg.Lane), jobID).Result()
	if err != nil {
		return false, err
	}
	if won == 0 {
		return false, nil
	}

	if err := q.client.Del(ctx, redisMsgKey+jobID).Err(); err != nil {
		return false, err
	}
	q.logger.Debug().Str("job_id", jobID).Msg("queued job removed")
	return true, nil
}

// Stats counts jobs per tier.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Backend:     "redis",
		ReadyByLane: make(map[int]int),
	}
	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for _, lane := range models.Lanes() {
		ready, err := q.client.ZCount(ctx, laneKey(lane), "-inf", nowMs).Result()
		if err != nil {
			return nil, err
		}
		delayed, err := q.client.ZCount(ctx, laneKey(lane), "("+nowMs, "+inf").Result()
		if err != nil {
			return nil, err
		}
		if ready > 0 {
			stats.ReadyByLane[lane] = int(ready)
		}
		stats.Ready += int(ready)
		stats.Delayed += int(delayed)
	}

	claimed, err := q.client.ZCard(ctx, redisClaimedKey).Result()
	if err != nil {
		return nil, err
	}
	stats.Claimed = int(claimed)

	if stats.Completed, err = q.scanCount(ctx, redisDoneKey+"*"); err != nil {
		return nil, err
	}
	if stats.Failed, err = q.scanCount(ctx, redisDeadKey+"*"); err != nil {
		return nil, err
	}
	return stats, nil
}

// Sweep returns expired claims to their lanes and buries jobs with no
// attempts left. Tier expiry is handled by key TTLs.
func (q *RedisQueue) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	now := time.Now()
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	expired, err := q.client.ZRangeByScore(ctx, redisClaimedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, jobID := range expired {
		won, err := q.client.ZRem(ctx, redisClaimedKey, jobID).Result()
		if err != nil {
			return nil, err
		}
		if won == 0 {
			continue
		}

		msg, err := q.loadMessage(ctx, jobID)
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}

		if msg.Attempts >= msg.MaxAttempts {
			if err := q.bury(ctx, jobID, msg, "visibility expired with no attempts left"); err != nil {
				return nil, err
			}
			result.MovedToFailed++
			continue
		}

		msg.Claimed = false
		msg.WorkerID = ""
		msg.VisibleAt = now

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisMsgKey+jobID, data, 0)
			pipe.ZAdd(ctx, laneKey(msg.Lane), redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: jobID,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		result.Redelivered++
	}

	if result.Redelivered > 0 || result.MovedToFailed > 0 {
		q.logger.Info().
			Int("redelivered", result.Redelivered).
			Int("failed", result.MovedToFailed).
			Msg("queue sweep reclaimed stalled jobs")
	}
	return result, nil
}

// Close releases the client connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) loadMessage(ctx context.Context, jobID string) (*message, error) {
	data, err := q.client.Get(ctx, redisMsgKey+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (q *RedisQueue) storeClaimed(ctx context.Context, jobID string, msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisMsgKey+jobID, data, 0)
		pipe.ZAdd(ctx, redisClaimedKey, redis.Z{
			Score:  float64(msg.VisibleAt.UnixMilli()),
			Member: jobID,
		})
		return nil
	})
	return err
}

func (q *RedisQueue) bury(ctx context.Context, jobID string, msg *message, reason string) error {
	rec, err := json.Marshal(tierRecord{
		Envelope: msg.Envelope,
		Lane:     msg.Lane,
		Attempts: msg.Attempts,
		Reason:   reason,
		At:       time.Now(),
	})
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisMsgKey+jobID)
		pipe.Set(ctx, redisDeadKey+jobID, rec, FailedRetention)
		return nil
	})
	return err
}

func (q *RedisQueue) scanCount(ctx context.Context, match string) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := q.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return 0, err
		}
		n += len(keys)
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

func laneKey(lane int) string {
	return fmt.Sprintf("%s%02d", redisReadyKey, lane)
}
