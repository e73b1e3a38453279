package errdefs

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapStepPreservesTaxonomyVariants(t *testing.T) {
	inner := APIKeyMissing("openai")
	wrapped := WrapStep("llm-call", inner)

	assert.Same(t, inner, wrapped, "taxonomy variants must pass through unchanged")
	assert.Equal(t, CodeAPIKeyMissing, wrapped.Code)
}

func TestWrapStepWrapsUnknownErrors(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := WrapStep("data-processor", cause)

	require.NotNil(t, wrapped)
	assert.Equal(t, CodeProcessingError, wrapped.Code)
	assert.Equal(t, "data-processor", wrapped.Context["step"])
	assert.ErrorIs(t, wrapped, cause)
}

func TestWrapStepNil(t *testing.T) {
	assert.Nil(t, WrapStep("any", nil))
}

func TestAsFindsNestedVariant(t *testing.T) {
	inner := RateLimit("anthropic", 2*time.Second, nil)
	outer := fmt.Errorf("stage failed: %w", inner)

	e, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, CodeRateLimit, e.Code)
	assert.Equal(t, "2s", e.Context["retryAfter"])
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limit", RateLimit("openai", 0, nil), true},
		{"api timeout", APITimeout("openai", 120*time.Second), true},
		{"response 503", APIResponseError("openai", 503, nil), true},
		{"response 400", APIResponseError("openai", 400, nil), false},
		{"response unknown status", APIResponseError("openai", 0, nil), false},
		{"key missing", APIKeyMissing("openai"), false},
		{"invalid pipeline", InvalidPipeline("demo", []string{"no outputs"}), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(PipelineNotFound("x", nil)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InputRequired("companyName", "Company Name")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(APIKeyMissing("google")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(MultipleValidationErrors([]string{"a", "b"})))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ProcessingError("s", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("raw")))
}

func TestToTransport(t *testing.T) {
	tr := ToTransport(InputRequired("companyName", "Company Name"))

	assert.Equal(t, "InputRequired", tr.Name)
	assert.Equal(t, CodeInputRequired, tr.Code)
	assert.Equal(t, "Company Name is required", tr.UserMessage)
	assert.NotEmpty(t, tr.Fixes)
	assert.Equal(t, SeverityError, tr.Severity)
}

func TestToTransportWrapsPlainErrors(t *testing.T) {
	tr := ToTransport(errors.New("disk full"))
	assert.Equal(t, CodeProcessingError, tr.Code)
}

func TestRenderCLINumbersFixes(t *testing.T) {
	var buf bytes.Buffer
	RenderCLI(&buf, APIKeyMissing("anthropic"), false)

	out := buf.String()
	assert.Contains(t, out, "Error: No API key configured for anthropic")
	assert.Contains(t, out, "Code:  API_KEY_MISSING")
	assert.Contains(t, out, "1. Set the ANTHROPIC_API_KEY environment variable")
	assert.Contains(t, out, "2. Or run 'dproc configure --anthropic <key>' to store one")
	assert.NotContains(t, out, "Technical:", "technical detail only under debug")
}

func TestRenderCLIDebugShowsCauseChain(t *testing.T) {
	cause := errors.New("tcp dial refused")
	var buf bytes.Buffer
	RenderCLI(&buf, ProcessingError("llm-call", cause), true)

	out := buf.String()
	assert.Contains(t, out, "Technical:")
	assert.Contains(t, out, "tcp dial refused")
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := TemplateRenderError("report.mdx.tmpl", errors.New("bad range"))
	assert.True(t, strings.Contains(err.Error(), "bad range"))
}

func TestVariantNameCoversAllCodes(t *testing.T) {
	codes := []Code{
		CodePipelineNotFound, CodePipelineSpecMissing, CodeProcessorMissing,
		CodeTemplateMissing, CodeInvalidPipeline, CodeAPIKeyMissing,
		CodeAPIKeyInvalid, CodeRateLimit, CodeQuotaExceeded, CodeAPITimeout,
		CodeAPIResponseError, CodeValidationError, CodeInputRequired,
		CodeInvalidInputType, CodeMultipleValidationErrors,
		CodeExecutionTimeout, CodeProcessingError, CodeOutputDirectoryError,
		CodeTemplateRenderError, CodeWorkerUnavailable,
	}
	for _, c := range codes {
		name := VariantName(c)
		assert.NotEqual(t, string(c), name, "code %s should map to a camel-case name", c)
		assert.NotEmpty(t, name)
	}
}
