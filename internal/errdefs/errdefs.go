// -----------------------------------------------------------------------
// Error Taxonomy - structured errors shared by HTTP and CLI surfaces
// -----------------------------------------------------------------------

// Package errdefs defines the closed set of error variants the system
// produces. Every variant carries an error code, a user-facing message,
// remediation steps, and optional context. Variants survive process and
// queue boundaries through the transport serialization and are never
// downgraded: wrapping an existing variant returns it unchanged.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies an error variant across process boundaries.
type Code string

const (
	CodePipelineNotFound         Code = "PIPELINE_NOT_FOUND"
	CodePipelineSpecMissing      Code = "PIPELINE_SPEC_MISSING"
	CodeProcessorMissing         Code = "PROCESSOR_MISSING"
	CodeTemplateMissing          Code = "TEMPLATE_MISSING"
	CodeInvalidPipeline          Code = "INVALID_PIPELINE"
	CodeAPIKeyMissing            Code = "API_KEY_MISSING"
	CodeAPIKeyInvalid            Code = "API_KEY_INVALID"
	CodeRateLimit                Code = "RATE_LIMIT"
	CodeQuotaExceeded            Code = "QUOTA_EXCEEDED"
	CodeAPITimeout               Code = "API_TIMEOUT"
	CodeAPIResponseError         Code = "API_RESPONSE_ERROR"
	CodeValidationError          Code = "VALIDATION_ERROR"
	CodeInputRequired            Code = "INPUT_REQUIRED"
	CodeInvalidInputType         Code = "INVALID_INPUT_TYPE"
	CodeMultipleValidationErrors Code = "MULTIPLE_VALIDATION_ERRORS"
	CodeExecutionTimeout         Code = "EXECUTION_TIMEOUT"
	CodeProcessingError          Code = "PROCESSING_ERROR"
	CodeOutputDirectoryError     Code = "OUTPUT_DIRECTORY_ERROR"
	CodeTemplateRenderError      Code = "TEMPLATE_RENDER_ERROR"
	CodeWorkerUnavailable        Code = "WORKER_UNAVAILABLE"
)

// Severity classifies how an error should be presented.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Error is the single taxonomy type. One constructor exists per variant;
// the Code field is the discriminant.
type Error struct {
	Code             Code
	TechnicalMessage string
	UserMessage      string
	Fixes            []string
	Severity         Severity
	Context          map[string]any
	Cause            error
	Timestamp        time.Time
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.TechnicalMessage, e.Cause)
	}
	return e.TechnicalMessage
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds a context entry and returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(code Code, severity Severity, technical, user string, fixes ...string) *Error {
	return &Error{
		Code:             code,
		TechnicalMessage: technical,
		UserMessage:      user,
		Fixes:            fixes,
		Severity:         severity,
		Context:          make(map[string]any),
		Timestamp:        time.Now().UTC(),
	}
}

// As extracts a taxonomy error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is (or wraps) a taxonomy error with the given code.
func Is(err error, code Code) bool {
	if e, ok := As(err); ok {
		return e.Code == code
	}
	return false
}

// WrapStep applies the propagation rule at stage boundaries: taxonomy
// variants pass through unchanged, anything else becomes a ProcessingError
// for the named step with the original error as cause.
func WrapStep(step string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return ProcessingError(step, err)
}

// IsTransient reports whether the queue should retry the job. Rate limits
// and timeouts are retryable, as are upstream 5xx responses. Everything
// else fails fast.
func IsTransient(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Code {
	case CodeRateLimit, CodeAPITimeout:
		return true
	case CodeAPIResponseError:
		if status, ok := e.Context["status"].(int); ok {
			return status >= 500
		}
		return false
	default:
		return false
	}
}

// VariantName returns the human-readable variant name for a code, used in
// the transport serialization.
func VariantName(code Code) string {
	switch code {
	case CodePipelineNotFound:
		return "PipelineNotFound"
	case CodePipelineSpecMissing:
		return "PipelineSpecMissing"
	case CodeProcessorMissing:
		return "ProcessorMissing"
	case CodeTemplateMissing:
		return "TemplateMissing"
	case CodeInvalidPipeline:
		return "InvalidPipeline"
	case CodeAPIKeyMissing:
		return "APIKeyMissing"
	case CodeAPIKeyInvalid:
		return "APIKeyInvalid"
	case CodeRateLimit:
		return "RateLimit"
	case CodeQuotaExceeded:
		return "QuotaExceeded"
	case CodeAPITimeout:
		return "APITimeout"
	case CodeAPIResponseError:
		return "APIResponseError"
	case CodeValidationError:
		return "ValidationError"
	case CodeInputRequired:
		return "InputRequired"
	case CodeInvalidInputType:
		return "InvalidInputType"
	case CodeMultipleValidationErrors:
		return "MultipleValidationErrors"
	case CodeExecutionTimeout:
		return "ExecutionTimeout"
	case CodeProcessingError:
		return "ProcessingError"
	case CodeOutputDirectoryError:
		return "OutputDirectoryError"
	case CodeTemplateRenderError:
		return "TemplateRenderError"
	case CodeWorkerUnavailable:
		return "WorkerUnavailable"
	default:
		return string(code)
	}
}
