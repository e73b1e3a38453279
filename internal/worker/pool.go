// -------------------------------------------------------------------------
// Worker pool - bounded claim/execute/ack loops over the job queue
// -------------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/queue"
)

const (
	idleBackoffMin = 100 * time.Millisecond
	idleBackoffMax = 5 * time.Second

	// ackTimeout bounds the queue settlement calls that run after the
	// execution context is already gone.
	ackTimeout = 10 * time.Second

	// cancelGrace is how long in-flight executions get to observe their
	// fired cancellation tokens during a forced shutdown.
	cancelGrace = 10 * time.Second
)

// Options tune the pool. Zero values fall back to the defaults.
type Options struct {
	Concurrency     int
	PollInterval    time.Duration
	Heartbeat       time.Duration
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = idleBackoffMin
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 20 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	return o
}

// Pool runs a fixed number of workers that claim deliveries, run them
// through the executor, and settle them against the queue. Executions
// survive the first shutdown phase; only the shutdown timeout fires their
// cancellation tokens.
type Pool struct {
	queue    interfaces.Queue
	executor interfaces.Executor
	events   interfaces.EventService
	logger   arbor.ILogger
	opts     Options

	claimCtx    context.Context
	claimCancel context.CancelFunc
	execCtx     context.Context
	execCancel  context.CancelFunc
	wg          sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a worker pool over the queue and executor.
func NewPool(q interfaces.Queue, executor interfaces.Executor, events interfaces.EventService, logger arbor.ILogger, opts Options) *Pool {
	claimCtx, claimCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())

	return &Pool{
		queue:       q,
		executor:    executor,
		events:      events,
		logger:      logger,
		opts:        opts.withDefaults(),
		claimCtx:    claimCtx,
		claimCancel: claimCancel,
		execCtx:     execCtx,
		execCancel:  execCancel,
	}
}

// Start launches the worker goroutines. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 1; i <= p.opts.Concurrency; i++ {
		workerID := common.NewWorkerID(i)
		p.wg.Add(1)
		go p.run(workerID)
	}

	p.logger.Info().
		Int("concurrency", p.opts.Concurrency).
		Dur("heartbeat", p.opts.Heartbeat).
		Msg("worker pool started")
	p.publishState("started")
}

// Stop shuts the pool down: claiming stops immediately, in-flight
// executions get the shutdown timeout to finish on their own, and whatever
// is still running after that has its cancellation token fired.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	p.claimCancel()
	if !started {
		p.execCancel()
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.opts.ShutdownTimeout):
		p.logger.Warn().
			Int("active", p.executor.Active()).
			Msg("shutdown timeout reached, cancelling in-flight executions")
		p.executor.CancelAll()

		select {
		case <-done:
		case <-time.After(cancelGrace):
			p.logger.Error().Msg("workers still running after cancellation grace")
		}
	}

	p.execCancel()
	p.logger.Info().Msg("worker pool stopped")
	p.publishState("stopped")
}

// run is one worker loop: claim, execute, settle, with exponential idle
// backoff between empty polls.
func (p *Pool) run(workerID string) {
	defer p.wg.Done()

	backoff := p.opts.PollInterval
	for {
		select {
		case <-p.claimCtx.Done():
			return
		default:
		}

		delivery, err := p.queue.Claim(p.claimCtx, workerID)
		if err != nil {
			if p.claimCtx.Err() != nil {
				return
			}
			p.logger.Error().
				Err(err).
				Str("worker_id", workerID).
				Msg("claim failed")
			p.publishError(workerID, err)
			if !p.idle(&backoff) {
				return
			}
			continue
		}
		if delivery == nil {
			if !p.idle(&backoff) {
				return
			}
			continue
		}

		backoff = p.opts.PollInterval
		p.process(workerID, delivery)
	}
}

// idle sleeps for the current backoff and doubles it up to the cap.
// Returns false when the pool is shutting down.
func (p *Pool) idle(backoff *time.Duration) bool {
	select {
	case <-p.claimCtx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > idleBackoffMax {
		*backoff = idleBackoffMax
	}
	return true
}

// process runs one delivery through the executor and settles it. Panics
// become failed deliveries instead of dead workers.
func (p *Pool) process(workerID string, d *queue.Delivery) {
	if d.Attempts > 1 {
		p.logger.Warn().
			Str("worker_id", workerID).
			Str("job_id", d.Envelope.JobID).
			Int("attempt", d.Attempts).
			Msg("processing redelivered job")
		p.publishJob(interfaces.EventJobStalled, workerID, d)
	}

	p.logger.Info().
		Str("worker_id", workerID).
		Str("job_id", d.Envelope.JobID).
		Str("pipeline", d.Envelope.PipelineName).
		Int("attempt", d.Attempts).
		Msg("job claimed")

	stopBeat := p.startHeartbeat(workerID, d)
	execErr := p.execute(workerID, d)
	stopBeat()

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	switch {
	case execErr == nil:
		if err := p.queue.Ack(ctx, d); err != nil {
			p.logger.Error().Err(err).Str("job_id", d.Envelope.JobID).Msg("ack failed")
			p.publishError(workerID, err)
		}
	case errors.Is(execErr, context.Canceled):
		// A cancelled run is settled; there is nothing left to redeliver.
		if err := p.queue.Ack(ctx, d); err != nil {
			p.logger.Error().Err(err).Str("job_id", d.Envelope.JobID).Msg("ack after cancel failed")
			p.publishError(workerID, err)
		}
	default:
		if err := p.queue.Nack(ctx, d, execErr); err != nil {
			p.logger.Error().Err(err).Str("job_id", d.Envelope.JobID).Msg("nack failed")
			p.publishError(workerID, err)
		}
	}
}

// execute isolates the executor call so a panic settles the delivery.
func (p *Pool) execute(workerID string, d *queue.Delivery) (execErr error) {
	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("worker panic: %v", r)
			p.logger.Error().
				Str("worker_id", workerID).
				Str("job_id", d.Envelope.JobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("job execution panicked")
			p.publishError(workerID, execErr)
		}
	}()
	return p.executor.Execute(p.execCtx, d.Envelope)
}

// startHeartbeat extends the delivery's visibility window on an interval
// until the returned stop function runs.
func (p *Pool) startHeartbeat(workerID string, d *queue.Delivery) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(p.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := p.queue.Extend(ctx, d, 0)
				cancel()
				if err != nil {
					p.logger.Warn().
						Err(err).
						Str("worker_id", workerID).
						Str("job_id", d.Envelope.JobID).
						Msg("heartbeat extend failed")
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func (p *Pool) publishState(state string) {
	_ = p.events.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventWorkerState,
		Payload: map[string]any{
			"state":   state,
			"workers": p.opts.Concurrency,
		},
	})
}

func (p *Pool) publishJob(eventType interfaces.EventType, workerID string, d *queue.Delivery) {
	_ = p.events.Publish(context.Background(), interfaces.Event{
		Type: eventType,
		Payload: map[string]any{
			"jobId":    d.Envelope.JobID,
			"pipeline": d.Envelope.PipelineName,
			"workerId": workerID,
			"attempt":  d.Attempts,
		},
	})
}

func (p *Pool) publishError(workerID string, err error) {
	_ = p.events.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventJobError,
		Payload: map[string]any{
			"workerId": workerID,
			"error":    err.Error(),
		},
	})
}
