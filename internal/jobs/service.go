// -------------------------------------------------------------------------
// Job submitter - validated submission, idempotent cancellation, history
// -------------------------------------------------------------------------

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
	"github.com/dproc-io/dproc/internal/queue"
	"github.com/dproc-io/dproc/internal/validation"
)

const cancelledMessage = "Job cancelled by user"

// Service implements interfaces.JobSubmitter. Submission is validate-first:
// an invalid request never touches the store or the queue.
type Service struct {
	store     interfaces.ExecutionStore
	queue     interfaces.Queue
	pipelines interfaces.PipelineService
	validator *validation.Validator
	executor  interfaces.Executor
	events    interfaces.EventService
	logger    arbor.ILogger
}

// NewService wires the submitter over its collaborators.
func NewService(
	store interfaces.ExecutionStore,
	q interfaces.Queue,
	pipelines interfaces.PipelineService,
	validator *validation.Validator,
	executor interfaces.Executor,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		store:     store,
		queue:     q,
		pipelines: pipelines,
		validator: validator,
		executor:  executor,
		events:    events,
		logger:    logger,
	}
}

// Submit validates and normalizes the request, inserts the queued record,
// and enqueues the envelope on its priority lane. Returns the execution and
// job ids.
func (s *Service) Submit(ctx context.Context, req models.JobRequest) (*models.SubmitResult, error) {
	if req.PipelineName == "" {
		return nil, errdefs.ValidationError("pipelineName", "pipeline name is required")
	}

	spec, err := s.pipelines.LoadSpec(req.PipelineName)
	if err != nil {
		return nil, err
	}
	config, err := s.pipelines.LoadConfig(req.PipelineName)
	if err != nil {
		return nil, err
	}

	format, err := resolveFormat(spec, req.OutputFormat)
	if err != nil {
		return nil, err
	}
	priority, err := resolvePriority(config, req.Priority)
	if err != nil {
		return nil, err
	}

	outputDir, err := s.pipelines.OutputDir()
	if err != nil {
		return nil, err
	}
	result := s.validator.ValidateExecution(spec, config, models.InputValuesFromAny(req.Inputs), outputDir)
	if err := result.ErrOrNil(); err != nil {
		return nil, err
	}

	jobID := common.NewJobID()
	executionID := common.NewExecutionID(jobID)
	envelope := models.NewJobEnvelope(jobID, req.PipelineName, result.NormalizedInputs, format, priority, req.UserID)

	rec := models.NewExecutionRecord(executionID, envelope)
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	opts := queue.EnqueueOptions{
		Priority:    priority,
		MaxAttempts: config.Execution.RetryAttempts,
	}
	if err := s.queue.Enqueue(ctx, envelope, opts); err != nil {
		unavailable := errdefs.WorkerUnavailable(err)
		patch := &models.ExecutionPatch{Error: models.StrPtr(unavailable.UserMessage)}
		if _, uerr := s.store.UpdateStatus(ctx, executionID, models.StatusFailed, patch); uerr != nil {
			s.logger.Error().
				Err(uerr).
				Str("execution_id", executionID).
				Msg("failed to mark unenqueued execution failed")
		}
		return nil, unavailable
	}

	s.publish(interfaces.EventJobQueued, executionID, envelope)
	s.logger.Info().
		Str("execution_id", executionID).
		Str("job_id", jobID).
		Str("pipeline", req.PipelineName).
		Str("priority", string(priority)).
		Msg("job submitted")

	return &models.SubmitResult{ExecutionID: executionID, JobID: jobID}, nil
}

// Cancel aborts an execution. Queued records transition directly and leave
// the queue, processing executions get their token fired, terminal records
// are left alone. Idempotent across repeats.
func (s *Service) Cancel(ctx context.Context, executionID string) error {
	rec, err := s.store.Get(ctx, executionID)
	if err != nil {
		return err
	}

	if rec.Status.IsTerminal() {
		return nil
	}

	if rec.Status == models.StatusQueued {
		patch := &models.ExecutionPatch{Error: models.StrPtr(cancelledMessage)}
		if _, err := s.store.UpdateStatus(ctx, executionID, models.StatusCancelled, patch); err != nil {
			if !errors.Is(err, interfaces.ErrIllegalTransition) {
				return err
			}
			// Claimed between the read and the write; fall through to the
			// token path.
		} else {
			if _, rerr := s.queue.Remove(ctx, rec.JobID); rerr != nil {
				s.logger.Warn().
					Err(rerr).
					Str("job_id", rec.JobID).
					Msg("failed to remove cancelled job from queue")
			}
			s.publish(interfaces.EventJobCancelled, executionID, nil)
			s.logger.Info().
				Str("execution_id", executionID).
				Str("job_id", rec.JobID).
				Msg("queued job cancelled")
			return nil
		}
	}

	if s.executor.Cancel(executionID) {
		s.logger.Info().
			Str("execution_id", executionID).
			Msg("cancellation signalled to running execution")
	} else {
		// Not running in this process; the stale janitor covers lost ones.
		s.logger.Warn().
			Str("execution_id", executionID).
			Msg("cancellation requested for execution not running here")
	}
	return nil
}

// History lists execution records, newest first.
func (s *Service) History(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error) {
	return s.store.List(ctx, filter)
}

// Stats returns per-pipeline aggregates, optionally narrowed to one name.
func (s *Service) Stats(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error) {
	return s.store.Stats(ctx, pipelineName)
}

// resolveFormat applies the request format or falls back to the pipeline's
// first declared output. A requested format the spec does not declare is a
// validation error.
func resolveFormat(spec *models.PipelineSpec, requested string) (string, error) {
	if requested == "" {
		if len(spec.Outputs) > 0 {
			return spec.Outputs[0], nil
		}
		return models.CanonicalFormat, nil
	}
	for _, format := range spec.Outputs {
		if format == requested {
			return requested, nil
		}
	}
	return "", errdefs.ValidationError("outputFormat",
		fmt.Sprintf("pipeline %s does not declare output format %q", spec.Pipeline.Name, requested))
}

// resolvePriority applies the request priority, then the pipeline default,
// then normal.
func resolvePriority(config *models.PipelineConfig, requested models.Priority) (models.Priority, error) {
	if requested != "" {
		p, err := models.ParsePriority(string(requested))
		if err != nil {
			return "", errdefs.ValidationError("priority", err.Error())
		}
		return p, nil
	}
	if config.Execution.QueuePriority != "" {
		if p, err := models.ParsePriority(string(config.Execution.QueuePriority)); err == nil {
			return p, nil
		}
	}
	return models.PriorityNormal, nil
}

func (s *Service) publish(eventType interfaces.EventType, executionID string, env *models.JobEnvelope) {
	payload := map[string]any{"executionId": executionID}
	if env != nil {
		payload["jobId"] = env.JobID
		payload["pipeline"] = env.PipelineName
		payload["priority"] = string(env.Priority)
	}
	_ = s.events.Publish(context.Background(), interfaces.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
