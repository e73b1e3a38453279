package interfaces

import (
	"context"

	"github.com/dproc-io/dproc/internal/llm"
	"github.com/dproc-io/dproc/internal/models"
)

// LLMService runs one enrichment call against the provider named by the
// pipeline config, honoring the per-call wall-clock timeout, per-provider
// rate limits, and the single-shot fallback provider. Failures are taxonomy
// variants (APIKeyMissing, APIKeyInvalid, RateLimit, QuotaExceeded,
// APITimeout, APIResponseError).
type LLMService interface {
	Enrich(ctx context.Context, config *models.LLMConfig, prompt string, extractJSON bool) (*llm.Result, error)
}
