package errdefs

import (
	"fmt"
	"strings"
	"time"
)

// PipelineNotFound indicates no pipeline directory exists for the name.
func PipelineNotFound(name string, available []string) *Error {
	e := newError(CodePipelineNotFound, SeverityError,
		fmt.Sprintf("pipeline %q not found", name),
		fmt.Sprintf("Pipeline '%s' does not exist", name),
		"Run 'dproc list' to see available pipelines",
		fmt.Sprintf("Run 'dproc init %s' to create it", name),
	)
	e.Context["pipeline"] = name
	if len(available) > 0 {
		e.Context["available"] = available
	}
	return e
}

// PipelineSpecMissing indicates the pipeline directory exists but spec.yml
// is absent.
func PipelineSpecMissing(name, path string) *Error {
	e := newError(CodePipelineSpecMissing, SeverityError,
		fmt.Sprintf("spec.yml missing for pipeline %q at %s", name, path),
		fmt.Sprintf("Pipeline '%s' has no spec.yml", name),
		fmt.Sprintf("Create %s describing the pipeline inputs and outputs", path),
		fmt.Sprintf("Run 'dproc validate %s' after adding the file", name),
	)
	e.Context["pipeline"] = name
	e.Context["path"] = path
	return e
}

// ProcessorMissing indicates the processor artifact is absent or names a
// processor that is not registered in this build.
func ProcessorMissing(name, detail string) *Error {
	e := newError(CodeProcessorMissing, SeverityError,
		fmt.Sprintf("processor unavailable for pipeline %q: %s", name, detail),
		fmt.Sprintf("Pipeline '%s' has no usable processor", name),
		"Add a processor.yml naming a registered processor",
		"Run 'dproc validate' to list the processors this build registers",
	)
	e.Context["pipeline"] = name
	e.Context["detail"] = detail
	return e
}

// TemplateMissing indicates no template could be resolved for a format.
func TemplateMissing(name, format string) *Error {
	e := newError(CodeTemplateMissing, SeverityError,
		fmt.Sprintf("no %s template for pipeline %q", format, name),
		fmt.Sprintf("Pipeline '%s' has no template for format '%s'", name, format),
		fmt.Sprintf("Add templates/report.%s.tmpl to the pipeline directory", format),
	)
	e.Context["pipeline"] = name
	e.Context["format"] = format
	return e
}

// InvalidPipeline carries the accumulated schema violations from
// validating a pipeline definition.
func InvalidPipeline(name string, violations []string) *Error {
	e := newError(CodeInvalidPipeline, SeverityError,
		fmt.Sprintf("pipeline %q failed validation: %s", name, strings.Join(violations, "; ")),
		fmt.Sprintf("Pipeline '%s' is invalid", name),
		fmt.Sprintf("Run 'dproc validate %s' to see every violation", name),
		"Fix spec.yml and config.yml, then retry",
	)
	e.Context["pipeline"] = name
	e.Context["violations"] = violations
	return e
}

// APIKeyMissing indicates no key is configured for the provider, in the
// environment or the secrets file.
func APIKeyMissing(provider string) *Error {
	envVar := providerEnvVar(provider)
	e := newError(CodeAPIKeyMissing, SeverityError,
		fmt.Sprintf("no API key configured for provider %q", provider),
		fmt.Sprintf("No API key configured for %s", provider),
		fmt.Sprintf("Set the %s environment variable", envVar),
		fmt.Sprintf("Or run 'dproc configure --%s <key>' to store one", provider),
	)
	e.Context["provider"] = provider
	e.Context["envVar"] = envVar
	return e
}

// APIKeyInvalid indicates the provider rejected the configured key.
func APIKeyInvalid(provider string, cause error) *Error {
	e := newError(CodeAPIKeyInvalid, SeverityError,
		fmt.Sprintf("provider %q rejected the API key", provider),
		fmt.Sprintf("The %s API key was rejected", provider),
		"Verify the key has not expired or been revoked",
		fmt.Sprintf("Run 'dproc configure --%s <key>' with a fresh key", provider),
	)
	e.Context["provider"] = provider
	e.Cause = cause
	return e
}

// RateLimit indicates the provider returned HTTP 429. retryAfter is zero
// when the provider sent no hint.
func RateLimit(provider string, retryAfter time.Duration, cause error) *Error {
	e := newError(CodeRateLimit, SeverityWarning,
		fmt.Sprintf("provider %q rate limited the request", provider),
		fmt.Sprintf("%s is rate limiting requests", provider),
		"Wait a moment and retry",
		"Reduce worker concurrency if this recurs",
	)
	e.Context["provider"] = provider
	if retryAfter > 0 {
		e.Context["retryAfter"] = retryAfter.String()
	}
	e.Cause = cause
	return e
}

// QuotaExceeded indicates the provider account is out of quota.
func QuotaExceeded(provider string, cause error) *Error {
	e := newError(CodeQuotaExceeded, SeverityError,
		fmt.Sprintf("provider %q quota exceeded", provider),
		fmt.Sprintf("The %s account has exhausted its quota", provider),
		"Check the provider billing dashboard",
		"Switch the pipeline to a different provider in config.yml",
	)
	e.Context["provider"] = provider
	e.Cause = cause
	return e
}

// APITimeout indicates a provider call exceeded its wall-clock budget.
func APITimeout(provider string, timeout time.Duration) *Error {
	e := newError(CodeAPITimeout, SeverityWarning,
		fmt.Sprintf("provider %q call exceeded %s", provider, timeout),
		fmt.Sprintf("The %s request timed out after %s", provider, timeout),
		"Retry the job",
		"Reduce maxTokens or prompt size in config.yml",
	)
	e.Context["provider"] = provider
	e.Context["timeout"] = timeout.String()
	return e
}

// APIResponseError indicates an unexpected provider response. status is the
// HTTP status when known, zero otherwise.
func APIResponseError(provider string, status int, cause error) *Error {
	e := newError(CodeAPIResponseError, SeverityError,
		fmt.Sprintf("provider %q returned an unexpected response (status %d)", provider, status),
		fmt.Sprintf("%s returned an unexpected response", provider),
		"Retry the job",
		"Check the provider status page if the failure persists",
	)
	e.Context["provider"] = provider
	if status != 0 {
		e.Context["status"] = status
	}
	e.Cause = cause
	return e
}

// ValidationError reports a single input problem.
func ValidationError(field, issue string) *Error {
	e := newError(CodeValidationError, SeverityError,
		fmt.Sprintf("input %q invalid: %s", field, issue),
		issue,
		fmt.Sprintf("Correct the '%s' input and resubmit", field),
	)
	e.Context["field"] = field
	return e
}

// InputRequired reports a missing required input. label is the
// human-readable name shown to the user.
func InputRequired(field, label string) *Error {
	if label == "" {
		label = field
	}
	e := newError(CodeInputRequired, SeverityError,
		fmt.Sprintf("required input %q missing", field),
		fmt.Sprintf("%s is required", label),
		fmt.Sprintf("Provide a value for '%s'", field),
	)
	e.Context["field"] = field
	return e
}

// InvalidInputType reports a value that failed coercion to its declared type.
func InvalidInputType(field, expected string, got any) *Error {
	e := newError(CodeInvalidInputType, SeverityError,
		fmt.Sprintf("input %q expected %s, got %T (%v)", field, expected, got, got),
		fmt.Sprintf("'%s' must be a %s", field, expected),
		fmt.Sprintf("Provide a %s value for '%s'", expected, field),
	)
	e.Context["field"] = field
	e.Context["expected"] = expected
	return e
}

// MultipleValidationErrors aggregates several input problems into one
// variant; issues holds "field: problem" strings.
func MultipleValidationErrors(issues []string) *Error {
	e := newError(CodeMultipleValidationErrors, SeverityError,
		fmt.Sprintf("%d validation errors: %s", len(issues), strings.Join(issues, "; ")),
		fmt.Sprintf("%d inputs failed validation", len(issues)),
		"Fix the listed inputs and resubmit",
	)
	e.Context["issues"] = issues
	e.Context["count"] = len(issues)
	return e
}

// ExecutionTimeout indicates the pipeline-wide deadline fired.
func ExecutionTimeout(executionID string, limit time.Duration) *Error {
	e := newError(CodeExecutionTimeout, SeverityError,
		fmt.Sprintf("execution %s exceeded %s", executionID, limit),
		fmt.Sprintf("Execution exceeded the %s time limit", limit),
		"Increase execution.timeoutMinutes in config.yml",
		"Check whether the data processor is stuck on external I/O",
	)
	e.Context["executionId"] = executionID
	e.Context["limit"] = limit.String()
	return e
}

// ProcessingError wraps an unexpected failure at a named pipeline step.
func ProcessingError(step string, cause error) *Error {
	e := newError(CodeProcessingError, SeverityError,
		fmt.Sprintf("step %q failed", step),
		fmt.Sprintf("Processing failed during '%s'", step),
		"Check the execution logs for the underlying error",
		"Retry the job; transient failures often clear",
	)
	e.Context["step"] = step
	e.Cause = cause
	return e
}

// OutputDirectoryError indicates the output directory is missing or not
// writable.
func OutputDirectoryError(path string, cause error) *Error {
	e := newError(CodeOutputDirectoryError, SeverityError,
		fmt.Sprintf("output directory %q unusable", path),
		"The output directory cannot be written",
		fmt.Sprintf("Ensure %s exists and is writable", path),
		"Check free disk space and permissions",
	)
	e.Context["path"] = path
	e.Cause = cause
	return e
}

// TemplateRenderError wraps a prompt or template rendering failure.
func TemplateRenderError(template string, cause error) *Error {
	e := newError(CodeTemplateRenderError, SeverityError,
		fmt.Sprintf("template %q failed to render", template),
		fmt.Sprintf("Template '%s' failed to render", template),
		"Check the template for references to missing context fields",
	)
	e.Context["template"] = template
	e.Cause = cause
	return e
}

// WorkerUnavailable indicates the job could not be handed to the queue.
func WorkerUnavailable(cause error) *Error {
	e := newError(CodeWorkerUnavailable, SeverityError,
		"job queue unavailable",
		"No worker is available to accept the job",
		"Check that the worker process is running",
		"Check the queue backend connection (REDIS_HOST or local data dir)",
	)
	e.Cause = cause
	return e
}

func providerEnvVar(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}
