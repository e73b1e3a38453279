// -------------------------------------------------------------------------
// Executor - drives one job envelope through the staged pipeline run
// -------------------------------------------------------------------------

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
	"github.com/dproc-io/dproc/internal/pipeline"
	"github.com/dproc-io/dproc/internal/processors"
	"github.com/dproc-io/dproc/internal/render"
	"github.com/dproc-io/dproc/internal/validation"
	"github.com/dproc-io/dproc/pkg/processor"
)

const cancelledMessage = "Job cancelled by user"

// Executor implements interfaces.Executor: one envelope runs through load,
// validate, process, prompt, enrich, compose, render, persist. The executor
// never retries; redelivery is the queue's job.
type Executor struct {
	store     interfaces.ExecutionStore
	pipelines interfaces.PipelineService
	validator *validation.Validator
	llm       interfaces.LLMService
	renderer  *render.Engine
	registry  *processor.Registry
	cache     processor.Cache
	events    interfaces.EventService
	logger    arbor.ILogger
	client    *http.Client
	cancels   *Cancels
}

// NewExecutor wires the staged executor over its collaborators.
func NewExecutor(
	store interfaces.ExecutionStore,
	pipelines interfaces.PipelineService,
	validator *validation.Validator,
	llmService interfaces.LLMService,
	renderer *render.Engine,
	registry *processor.Registry,
	cache processor.Cache,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Executor {
	return &Executor{
		store:     store,
		pipelines: pipelines,
		validator: validator,
		llm:       llmService,
		renderer:  renderer,
		registry:  registry,
		cache:     cache,
		events:    events,
		logger:    logger,
		client:    &http.Client{Timeout: 30 * time.Second},
		cancels:   NewCancels(),
	}
}

// Cancel fires the cancellation token for an active execution.
func (e *Executor) Cancel(executionID string) bool {
	return e.cancels.Cancel(executionID)
}

// CancelAll fires every active token. Shutdown path.
func (e *Executor) CancelAll() {
	e.cancels.CancelAll()
}

// Active reports the number of executions currently running here.
func (e *Executor) Active() int {
	return e.cancels.Active()
}

// Execute runs one envelope end to end. The returned error is nil on
// success, context.Canceled when the run was cancelled, and a taxonomy
// variant otherwise. The terminal record state is written before returning.
func (e *Executor) Execute(ctx context.Context, env *models.JobEnvelope) error {
	if env == nil || env.JobID == "" {
		return fmt.Errorf("job envelope with job id is required")
	}

	rec, err := e.startRecord(ctx, env)
	if err != nil {
		return err
	}
	if rec == nil {
		// Redelivery of a job that already reached a terminal state.
		e.logger.Debug().
			Str("job_id", env.JobID).
			Msg("skipping redelivered job, record already terminal")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancels.register(rec.ID, cancel)
	defer e.cancels.remove(rec.ID)

	e.publish(interfaces.EventJobActive, rec.ID, env, nil)
	e.logger.Info().
		Str("execution_id", rec.ID).
		Str("job_id", env.JobID).
		Str("pipeline", env.PipelineName).
		Msg("execution started")

	patch := &models.ExecutionPatch{}
	runErr := e.run(runCtx, rec, env, patch)
	return e.finalize(rec.ID, env, patch, runErr)
}

// startRecord resolves the execution record for an envelope. Exactly one
// record exists per job id: the submitter's queued record is claimed, a
// stalled redelivery reuses the processing record, and a direct run (no
// submitter) inserts a fresh one. Returns nil when the record is already
// terminal.
func (e *Executor) startRecord(ctx context.Context, env *models.JobEnvelope) (*models.ExecutionRecord, error) {
	rec, err := e.store.GetByJobID(ctx, env.JobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}

		fresh := models.NewExecutionRecord(common.NewExecutionID(env.JobID), env)
		if err := e.store.Insert(ctx, fresh); err != nil {
			if !errors.Is(err, interfaces.ErrDuplicateID) {
				return nil, err
			}
			// Lost a race against another worker; fall through to its record.
			if rec, err = e.store.GetByJobID(ctx, env.JobID); err != nil {
				return nil, err
			}
		} else {
			rec = fresh
		}
	}

	if rec.Status.IsTerminal() {
		return nil, nil
	}
	if rec.Status == models.StatusProcessing {
		// Stall redelivery while a previous attempt died mid-run.
		return rec, nil
	}

	claimed, err := e.store.UpdateStatus(ctx, rec.ID, models.StatusProcessing, nil)
	if err != nil {
		if errors.Is(err, interfaces.ErrIllegalTransition) {
			// Concurrently finalized, most likely a cancel racing the claim.
			if current, gerr := e.store.Get(ctx, rec.ID); gerr == nil && current.Status.IsTerminal() {
				return nil, nil
			}
		}
		return nil, err
	}
	return claimed, nil
}

// run walks the stages and accumulates the terminal patch. Every stage is
// preceded by a cancellation checkpoint; errors come back classified
// (context.Canceled for cancellation, taxonomy variants otherwise).
func (e *Executor) run(ctx context.Context, rec *models.ExecutionRecord, env *models.JobEnvelope, patch *models.ExecutionPatch) error {
	executionID := rec.ID

	// Stage 1: load configuration.
	if err := ctx.Err(); err != nil {
		return e.classify(ctx, ctx, executionID, 0, err)
	}
	spec, err := e.pipelines.LoadSpec(env.PipelineName)
	if err != nil {
		return e.classify(ctx, ctx, executionID, 0, err)
	}
	config, err := e.pipelines.LoadConfig(env.PipelineName)
	if err != nil {
		return e.classify(ctx, ctx, executionID, 0, err)
	}

	// The pipeline budget starts once the config is known.
	budget := config.Execution.Timeout()
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	fail := func(err error) error {
		return e.classify(ctx, runCtx, executionID, budget, err)
	}
	checkpoint := func() error {
		if err := runCtx.Err(); err != nil {
			return fail(err)
		}
		return nil
	}

	// Stage 2: validate and normalize inputs.
	if err := checkpoint(); err != nil {
		return err
	}
	outputDir, err := e.pipelines.OutputDir()
	if err != nil {
		return fail(err)
	}
	result := e.validator.ValidateExecution(spec, config, env.Inputs, outputDir)
	if err := result.ErrOrNil(); err != nil {
		return fail(err)
	}
	inputs := result.NormalizedInputs
	patch.Inputs = inputs
	native := models.NativeInputs(inputs)
	vars := make(map[string]any, len(spec.Variables))
	for k, v := range spec.Variables {
		vars[k] = v
	}

	// Stage 3: data processor.
	if err := checkpoint(); err != nil {
		return err
	}
	data, err := e.runProcessor(runCtx, executionID, env, outputDir, native, patch)
	if err != nil {
		return fail(err)
	}

	// Stage 4: prompt rendering.
	if err := checkpoint(); err != nil {
		return err
	}
	promptText, err := e.renderPrompts(env.PipelineName, native, vars, data)
	if err != nil {
		return fail(err)
	}

	// Stage 5: LLM enrichment.
	if err := checkpoint(); err != nil {
		return err
	}
	enriched, err := e.llm.Enrich(runCtx, &config.LLM, promptText, true)
	if err != nil {
		return fail(err)
	}
	patch.LLMMetadata = enriched.Map()
	patch.TokensUsed = models.Int64Ptr(enriched.Usage.TotalTokens)

	// Stage 6: compose the template context.
	if err := checkpoint(); err != nil {
		return err
	}
	var elapsed int64
	if rec.StartedAt != nil {
		elapsed = time.Since(*rec.StartedAt).Milliseconds()
	}
	outputCtx := render.OutputContext(native, vars, data, enriched.Map(), render.Metadata{
		ExecutionTime: elapsed,
		Model:         enriched.Model,
		Timestamp:     time.Now().UTC(),
		PipelineName:  env.PipelineName,
		Version:       spec.Pipeline.Version,
		TokensUsed:    enriched.Usage.TotalTokens,
	})

	// Stage 7: render outputs.
	if err := checkpoint(); err != nil {
		return err
	}
	if err := e.renderOutputs(env, executionID, outputDir, outputCtx, patch); err != nil {
		return fail(err)
	}

	// Stage 8: the terminal transition in finalize persists the patch.
	return checkpoint()
}

// runProcessor resolves and runs the pipeline's data processor, persists
// the attribute bundle, and returns the attributes for templates.
func (e *Executor) runProcessor(ctx context.Context, executionID string, env *models.JobEnvelope, outputDir string, native map[string]any, patch *models.ExecutionPatch) (map[string]any, error) {
	ref, err := e.pipelines.LoadProcessorRef(env.PipelineName)
	if err != nil {
		return nil, err
	}
	proc, ok := e.registry.Get(ref.Name)
	if !ok {
		return nil, errdefs.ProcessorMissing(ref.Name, fmt.Sprintf("no processor registered under %q", ref.Name))
	}

	pctx := processors.NewRunContext(
		e.logger,
		e.pipelines.DataDir(env.PipelineName),
		pipeline.BundleDir(outputDir, executionID),
		processors.ScopeCache(e.cache, env.PipelineName),
		e.client,
	)

	result, err := proc.Run(ctx, native, pctx, ref.Options)
	if err != nil {
		return nil, errdefs.WrapStep("data-processor", err)
	}
	if result == nil || result.Attributes == nil {
		return nil, errdefs.ProcessingError("data-processor", fmt.Errorf("processor %s returned no attributes", ref.Name))
	}

	bundlePath := pipeline.BundlePath(outputDir, executionID)
	encoded, err := json.MarshalIndent(result.Attributes, "", "  ")
	if err != nil {
		return nil, errdefs.ProcessingError("data-processor", fmt.Errorf("attributes not serializable: %w", err))
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		return nil, errdefs.OutputDirectoryError(bundlePath, err)
	}

	patch.BundlePath = models.StrPtr(bundlePath)
	patch.ProcessorMetadata = result.Metadata

	e.logger.Debug().
		Str("execution_id", executionID).
		Str("processor", ref.Name).
		Int("attributes", len(result.Attributes)).
		Msg("data processor finished")
	return result.Attributes, nil
}

// renderPrompts renders every prompt file and returns the primary prompt
// text: the file named main, or the first by name.
func (e *Executor) renderPrompts(pipelineName string, native map[string]any, vars map[string]any, data map[string]any) (string, error) {
	prompts, err := e.pipelines.Prompts(pipelineName)
	if err != nil {
		return "", err
	}

	promptCtx := render.PromptContext(native, vars, data)
	rendered := make(map[string]string, len(prompts))
	for _, p := range prompts {
		text, err := e.renderer.Prompt(p.Name, p.Content, promptCtx)
		if err != nil {
			return "", err
		}
		rendered[p.Name] = text
	}

	if text, ok := rendered["main"]; ok {
		return text, nil
	}
	return rendered[prompts[0].Name], nil
}

// renderOutputs writes the canonical mdx report and, when the requested
// format differs and its template exists, the user-format report. The
// record's outputPath carries the requested-format artifact when one was
// rendered, otherwise the canonical one.
func (e *Executor) renderOutputs(env *models.JobEnvelope, executionID, outputDir string, outputCtx map[string]any, patch *models.ExecutionPatch) error {
	canonicalPath, err := e.renderOutput(env.PipelineName, models.CanonicalFormat, executionID, outputDir, outputCtx)
	if err != nil {
		return err
	}
	outputPath := canonicalPath

	format := env.OutputFormat
	if format != "" && format != models.CanonicalFormat {
		userPath, err := e.renderOutput(env.PipelineName, format, executionID, outputDir, outputCtx)
		switch {
		case err == nil:
			patch.UserOutputPath = models.StrPtr(userPath)
			outputPath = userPath
		case errdefs.Is(err, errdefs.CodeTemplateMissing):
			// No template for the requested format: the canonical mdx
			// artifact stands in and downstream converts on demand.
			e.logger.Debug().
				Str("execution_id", executionID).
				Str("format", format).
				Msg("no template for requested format, keeping canonical output")
		default:
			return err
		}
	}

	patch.OutputPath = models.StrPtr(outputPath)
	return nil
}

func (e *Executor) renderOutput(pipelineName, format, executionID, outputDir string, outputCtx map[string]any) (string, error) {
	templatePath, err := e.pipelines.TemplatePath(pipelineName, format)
	if err != nil {
		return "", err
	}
	body, err := e.renderer.File(templatePath, outputCtx)
	if err != nil {
		return "", err
	}

	path := pipeline.ReportPath(outputDir, executionID, format)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", errdefs.OutputDirectoryError(path, err)
	}
	return path, nil
}

// classify maps a stage failure to its terminal meaning. Cancellation of
// the outer context wins over a coincident budget expiry, which wins over
// whatever the stage reported.
func (e *Executor) classify(parent, run context.Context, executionID string, budget time.Duration, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(run.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		if budget <= 0 {
			budget = models.DefaultExecutionTimeout
		}
		return errdefs.ExecutionTimeout(executionID, budget)
	default:
		return errdefs.WrapStep("execution", err)
	}
}

// finalize writes the terminal record state and re-raises the classified
// error for the queue adapter. Terminal writes use a fresh context: the
// run context is usually already dead on the failure paths.
func (e *Executor) finalize(executionID string, env *models.JobEnvelope, patch *models.ExecutionPatch, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case runErr == nil:
		rec, err := e.store.UpdateStatus(ctx, executionID, models.StatusCompleted, patch)
		if err != nil {
			return e.finalizeConflict(ctx, executionID, err)
		}
		e.publish(interfaces.EventJobCompleted, executionID, env, nil)
		e.logger.Info().
			Str("execution_id", executionID).
			Str("pipeline", env.PipelineName).
			Int64("execution_time_ms", rec.ExecutionTime).
			Str("output", rec.OutputPath).
			Msg("execution completed")
		return nil

	case errors.Is(runErr, context.Canceled):
		patch.Error = models.StrPtr(cancelledMessage)
		if _, err := e.store.UpdateStatus(ctx, executionID, models.StatusCancelled, patch); err != nil {
			if cerr := e.finalizeConflict(ctx, executionID, err); cerr != nil {
				return cerr
			}
			return context.Canceled
		}
		e.publish(interfaces.EventJobCancelled, executionID, env, nil)
		e.logger.Info().
			Str("execution_id", executionID).
			Str("pipeline", env.PipelineName).
			Msg("execution cancelled")
		return context.Canceled

	default:
		terr := errdefs.WrapStep("execution", runErr)
		patch.Error = models.StrPtr(terr.UserMessage)
		if _, err := e.store.UpdateStatus(ctx, executionID, models.StatusFailed, patch); err != nil {
			if cerr := e.finalizeConflict(ctx, executionID, err); cerr != nil {
				return cerr
			}
			return terr
		}
		e.publish(interfaces.EventJobFailed, executionID, env, terr)
		e.logger.Warn().
			Str("execution_id", executionID).
			Str("pipeline", env.PipelineName).
			Str("code", string(terr.Code)).
			Str("error", terr.TechnicalMessage).
			Msg("execution failed")
		return terr
	}
}

// finalizeConflict tolerates a terminal write losing against a concurrent
// finalizer (a cancel racing the last stage). Any other failure surfaces.
func (e *Executor) finalizeConflict(ctx context.Context, executionID string, err error) error {
	if errors.Is(err, interfaces.ErrIllegalTransition) {
		if current, gerr := e.store.Get(ctx, executionID); gerr == nil && current.Status.IsTerminal() {
			e.logger.Debug().
				Str("execution_id", executionID).
				Str("status", string(current.Status)).
				Msg("terminal state already written elsewhere")
			return nil
		}
	}
	return err
}

func (e *Executor) publish(eventType interfaces.EventType, executionID string, env *models.JobEnvelope, cause *errdefs.Error) {
	payload := map[string]any{
		"executionId": executionID,
		"jobId":       env.JobID,
		"pipeline":    env.PipelineName,
	}
	if cause != nil {
		payload["error"] = cause.UserMessage
		payload["code"] = string(cause.Code)
	}
	_ = e.events.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
}
