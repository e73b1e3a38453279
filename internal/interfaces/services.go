package interfaces

import (
	"context"
	"time"

	"github.com/dproc-io/dproc/internal/models"
)

// JobSubmitter is the public entry point wrapped by the HTTP and CLI
// surfaces: validated submission, idempotent cancellation, and the
// read-side passthroughs they share.
type JobSubmitter interface {
	// Submit validates and normalizes the request, inserts a queued
	// record, and enqueues the envelope. Invalid requests leave no trace.
	Submit(ctx context.Context, req models.JobRequest) (*models.SubmitResult, error)

	// Cancel aborts an execution: queued records transition directly to
	// cancelled and leave the queue; processing executions get their
	// cancellation token fired. Terminal executions are left untouched.
	// Idempotent.
	Cancel(ctx context.Context, executionID string) error

	// History lists execution records, newest first.
	History(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error)

	// Stats returns pipeline aggregates.
	Stats(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error)
}

// Executor runs one job envelope end to end through the staged pipeline.
type Executor interface {
	// Execute is single-shot: retries are queue-level. The returned error
	// is a taxonomy variant when the run failed.
	Execute(ctx context.Context, env *models.JobEnvelope) error

	// Cancel fires the cancellation token for an active execution.
	// Returns false when the execution is not running here.
	Cancel(executionID string) bool

	// CancelAll fires every active token (shutdown path).
	CancelAll()

	// Active reports the number of executions currently running.
	Active() int
}

// PipelineService resolves named pipelines to their on-disk artifacts.
type PipelineService interface {
	LoadSpec(name string) (*models.PipelineSpec, error)
	LoadConfig(name string) (*models.PipelineConfig, error)
	LoadProcessorRef(name string) (*models.ProcessorRef, error)

	// Prompts returns every prompt file under prompts/, sorted by name.
	Prompts(name string) ([]models.PromptFile, error)

	// TemplatePath resolves the template for an output format, trying
	// report.{format}.tmpl, {format}.tmpl, template.{format}.tmpl.
	TemplatePath(name, format string) (string, error)

	// OutputDir returns the output root with its reports and bundles
	// subdirectories, creating them if needed.
	OutputDir() (string, error)

	// DataDir returns the pipeline's bundled data directory.
	DataDir(name string) string

	// Validate checks the pipeline layout and definition files without
	// throwing; structural errors accumulate into the result.
	Validate(name string) (*models.PipelineValidation, error)

	// List returns every pipeline with its validity.
	List() ([]models.PipelineInfo, error)

	// Scaffold creates a new pipeline directory from the starter assets.
	Scaffold(name string) error
}

// SecretsService resolves provider API keys. Environment variables take
// precedence over the secrets file.
type SecretsService interface {
	// APIKey returns the key for a provider and whether one is configured.
	APIKey(provider string) (string, bool)

	// SetAPIKey stores a key in the secrets file (user-readable only).
	SetAPIKey(provider, key string) error

	// Masked returns configured providers with redacted keys for display.
	Masked() map[string]string

	// LastUpdated reports when the secrets file last changed.
	LastUpdated() time.Time
}
