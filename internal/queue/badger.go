// -------------------------------------------------------------------------
// Badger queue - embedded priority queue with visibility timeouts
// -------------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

const (
	badgerMsgPrefix   = "queue:msg:"
	badgerReadyPrefix = "queue:ready:"
	badgerDonePrefix  = "queue:done:"
	badgerDeadPrefix  = "queue:dead:"
)

// BadgerQueue is the embedded queue backend. The lane and the visibility
// deadline are encoded in index keys, so a prefix scan per lane yields
// claimable jobs oldest first and stops at the first future deadline. The
// completed and failed tiers ride on Badger's native TTL support.
type BadgerQueue struct {
	db         *badger.DB
	visibility time.Duration
	logger     arbor.ILogger
}

// NewBadgerQueue wraps an existing Badger handle. The database stays owned
// by the caller, so Close is a no-op.
func NewBadgerQueue(db *badger.DB, visibility time.Duration, logger arbor.ILogger) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	if logger == nil {
		logger = common.GetLogger()
	}
	return &BadgerQueue{db: db, visibility: visibility, logger: logger}, nil
}

// Enqueue stores the envelope and indexes it on its lane. Enqueueing a job
// ID that is already queued is an error.
func (q *BadgerQueue) Enqueue(ctx context.Context, env *models.JobEnvelope, opts EnqueueOptions) error {
	if env == nil || env.JobID == "" {
		return errors.New("envelope with job id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
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

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		msgKey := badgerMsgKey(env.JobID)
		if _, err := txn.Get(msgKey); err == nil {
			return fmt.Errorf("job %s is already queued", env.JobID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(msgKey, data); err != nil {
			return err
		}
		return txn.Set(badgerReadyKey(msg.Lane, msg.VisibleAt, env.JobID), []byte{})
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

// Claim walks the lanes in priority order and hands out the oldest visible
// job, starting its visibility window. Returns nil when nothing is ready.
// Jobs that already spent their attempts are moved to the failed tier
// instead of being handed out again.
func (q *BadgerQueue) Claim(ctx context.Context, workerID string) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var delivery *Delivery
	now := time.Now()

	err := q.db.Update(func(txn *badger.Txn) error {
		for _, lane := range models.Lanes() {
			d, err := q.claimFromLane(txn, lane, workerID, now)
			if err != nil {
				return err
			}
			if d != nil {
				delivery = d
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if delivery != nil {
		q.logger.Debug().
			Str("job_id", delivery.Envelope.JobID).
			Str("worker_id", workerID).
			Int("attempt", delivery.Attempts).
			Msg("job claimed")
	}
	return delivery, nil
}

func (q *BadgerQueue) claimFromLane(txn *badger.Txn, lane int, workerID string, now time.Time) (*Delivery, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := badgerLanePrefix(lane)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		ts, jobID, err := parseReadyKey(key, prefix)
		if err != nil {
			continue
		}
		if ts.After(now) {
			// Index keys sort by deadline, nothing later in this lane is
			// ready either.
			return nil, nil
		}

		item, err := txn.Get(badgerMsgKey(jobID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				// Orphaned index entry, clean it up and keep scanning.
				if err := txn.Delete(key); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		var msg message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return nil, err
		}

		if msg.Attempts >= msg.MaxAttempts {
			if err := q.buryInTxn(txn, key, jobID, &msg, "attempts exhausted"); err != nil {
				return nil, err
			}
			continue
		}

		msg.Attempts++
		msg.Claimed = true
		msg.WorkerID = workerID
		msg.VisibleAt = now.Add(q.visibility)

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		if err := txn.Set(badgerMsgKey(jobID), data); err != nil {
			return nil, err
		}
		if err := txn.Delete(key); err != nil {
			return nil, err
		}
		if err := txn.Set(badgerReadyKey(lane, msg.VisibleAt, jobID), []byte{}); err != nil {
			return nil, err
		}

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

	return nil, nil
}

// Ack removes the job and retains it on the completed tier for a day.
// Acking a job that is already gone is a no-op.
func (q *BadgerQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("delivery is required")
	}

	return q.db.Update(func(txn *badger.Txn) error {
		msg, err := loadMessage(txn, d.Receipt)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		if err := deleteMessage(txn, d.Receipt, msg); err != nil {
			return err
		}
		return setTier(txn, badgerDoneKey(d.Receipt), tierRecord{
			Envelope: msg.Envelope,
			Lane:     msg.Lane,
			Attempts: msg.Attempts,
			At:       time.Now(),
		}, CompletedRetention)
	})
}

// Nack reports a failed attempt. Transient causes are rescheduled with
// exponential backoff while attempts remain; everything else lands on the
// failed tier with the cause recorded.
func (q *BadgerQueue) Nack(ctx context.Context, d *Delivery, cause error) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	reason := "unspecified failure"
	if cause != nil {
		reason = cause.Error()
	}

	retried := false
	var delay time.Duration

	err := q.db.Update(func(txn *badger.Txn) error {
		msg, err := loadMessage(txn, d.Receipt)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		if errdefs.IsTransient(cause) && msg.Attempts < msg.MaxAttempts {
			delay = RetryDelay(msg.Attempts)
			oldKey := badgerReadyKey(msg.Lane, msg.VisibleAt, d.Receipt)
			msg.Claimed = false
			msg.WorkerID = ""
			msg.VisibleAt = time.Now().Add(delay)

			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(badgerMsgKey(d.Receipt), data); err != nil {
				return err
			}
			if err := txn.Delete(oldKey); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(badgerReadyKey(msg.Lane, msg.VisibleAt, d.Receipt), []byte{}); err != nil {
				return err
			}
			retried = true
			return nil
		}

		oldKey := badgerReadyKey(msg.Lane, msg.VisibleAt, d.Receipt)
		return q.buryInTxn(txn, oldKey, d.Receipt, msg, reason)
	})
	if err != nil {
		return err
	}

	if retried {
		q.logger.Warn().
			Str("job_id", d.Receipt).
			Int("attempt", d.Attempts).
			Dur("delay", delay).
			Msg("job rescheduled after transient failure")
	} else {
		q.logger.Warn().
			Str("job_id", d.Receipt).
			Int("attempts", d.Attempts).
			Str("reason", reason).
			Msg("job moved to failed tier")
	}
	return nil
}

// Extend pushes the visibility deadline of a claimed job further out and
// updates the delivery in place.
func (q *BadgerQueue) Extend(ctx context.Context, d *Delivery, dur time.Duration) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	if dur <= 0 {
		dur = q.visibility
	}

	deadline := time.Now().Add(dur)
	err := q.db.Update(func(txn *badger.Txn) error {
		msg, err := loadMessage(txn, d.Receipt)
		if err != nil {
			return err
		}
		if !msg.Claimed {
			return fmt.Errorf("job %s is not claimed", d.Receipt)
		}

		oldKey := badgerReadyKey(msg.Lane, msg.VisibleAt, d.Receipt)
		msg.VisibleAt = deadline

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(badgerMsgKey(d.Receipt), data); err != nil {
			return err
		}
		if err := txn.Delete(oldKey); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(badgerReadyKey(msg.Lane, msg.VisibleAt, d.Receipt), []byte{})
	})
	if err != nil {
		return err
	}

	d.Deadline = deadline
	return nil
}

// Remove deletes a job that has not been claimed yet. Returns false when
// the job is unknown or already running.
func (q *BadgerQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed := false
	err := q.db.Update(func(txn *badger.Txn) error {
		msg, err := loadMessage(txn, jobID)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		if msg.Claimed {
			return nil
		}
		if err := deleteMessage(txn, jobID, msg); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if removed {
		q.logger.Debug().Str("job_id", jobID).Msg("queued job removed")
	}
	return removed, nil
}

// Stats counts jobs per tier.
func (q *BadgerQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Backend:     "badger",
		ReadyByLane: make(map[int]int),
	}
	now := time.Now()

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerMsgPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			switch {
			case msg.Claimed:
				stats.Claimed++
			case msg.VisibleAt.After(now):
				stats.Delayed++
			default:
				stats.Ready++
				stats.ReadyByLane[msg.Lane]++
			}
		}

		stats.Completed = countPrefix(txn, []byte(badgerDonePrefix))
		stats.Failed = countPrefix(txn, []byte(badgerDeadPrefix))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Sweep returns expired claims to their lanes and buries jobs that have no
// attempts left. Tier expiry itself is handled by Badger TTLs.
func (q *BadgerQueue) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	now := time.Now()

	err := q.db.Update(func(txn *badger.Txn) error {
		type stalled struct {
			jobID string
			msg   message
		}
		var found []stalled

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(badgerMsgPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				it.Close()
				return err
			}
			if msg.Claimed && !msg.VisibleAt.After(now) {
				jobID := string(it.Item().Key()[len(badgerMsgPrefix):])
				found = append(found, stalled{jobID: jobID, msg: msg})
			}
		}
		it.Close()

		for _, s := range found {
			if s.msg.Attempts >= s.msg.MaxAttempts {
				oldKey := badgerReadyKey(s.msg.Lane, s.msg.VisibleAt, s.jobID)
				if err := q.buryInTxn(txn, oldKey, s.jobID, &s.msg, "visibility expired with no attempts left"); err != nil {
					return err
				}
				result.MovedToFailed++
				continue
			}

			s.msg.Claimed = false
			s.msg.WorkerID = ""
			data, err := json.Marshal(s.msg)
			if err != nil {
				return err
			}
			// The index entry already sits at the lapsed deadline, so the
			// job is immediately claimable again.
			if err := txn.Set(badgerMsgKey(s.jobID), data); err != nil {
				return err
			}
			result.Redelivered++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Redelivered > 0 || result.MovedToFailed > 0 {
		q.logger.Info().
			Int("redelivered", result.Redelivered).
			Int("failed", result.MovedToFailed).
			Msg("queue sweep reclaimed stalled jobs")
	}
	return result, nil
}

// Close is a no-op; the Badger handle is owned by the caller.
func (q *BadgerQueue) Close() error {
	return nil
}

// buryInTxn moves a job to the failed tier inside an open transaction.
func (q *BadgerQueue) buryInTxn(txn *badger.Txn, indexKey []byte, jobID string, msg *message, reason string) error {
	if err := txn.Delete(indexKey); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(badgerMsgKey(jobID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	return setTier(txn, badgerDeadKey(jobID), tierRecord{
		Envelope: msg.Envelope,
		Lane:     msg.Lane,
		Attempts: msg.Attempts,
		Reason:   reason,
		At:       time.Now(),
	}, FailedRetention)
}

// Helpers

func badgerMsgKey(jobID string) []byte {
	return []byte(badgerMsgPrefix + jobID)
}

func badgerDoneKey(jobID string) []byte {
	return []byte(badgerDonePrefix + jobID)
}

func badgerDeadKey(jobID string) []byte {
	return []byte(badgerDeadPrefix + jobID)
}

func badgerLanePrefix(lane int) []byte {
	return []byte(fmt.Sprintf("%s%02d:", badgerReadyPrefix, lane))
}

func badgerReadyKey(lane int, visibleAt time.Time, jobID string) []byte {
	// Zero pad the timestamp to 20 digits so byte order matches time order.
	return []byte(fmt.Sprintf("%s%02d:%020d:%s", badgerReadyPrefix, lane, visibleAt.UnixNano(), jobID))
}

func parseReadyKey(key, prefix []byte) (time.Time, string, error) {
	if len(key) <= len(prefix) {
		return time.Time{}, "", errors.New("invalid index key length")
	}
	suffix := string(key[len(prefix):])
	if len(suffix) < 21 {
		return time.Time{}, "", errors.New("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}

func loadMessage(txn *badger.Txn, jobID string) (*message, error) {
	item, err := txn.Get(badgerMsgKey(jobID))
	if err != nil {
		return nil, err
	}
	var msg message
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, err
	}
	return &msg, nil
}

func deleteMessage(txn *badger.Txn, jobID string, msg *message) error {
	if err := txn.Delete(badgerReadyKey(msg.Lane, msg.VisibleAt, jobID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	return txn.Delete(badgerMsgKey(jobID))
}

func setTier(txn *badger.Txn, key []byte, rec tierRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.SetEntry(badger.NewEntry(key, data).WithTTL(ttl))
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}
