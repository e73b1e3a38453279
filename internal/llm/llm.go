// -----------------------------------------------------------------------
// LLM Service - provider-agnostic report enrichment
// -----------------------------------------------------------------------

package llm

import (
	"context"
)

// Request is a provider-agnostic generation request. Model parameters
// come from the pipeline's config.yml.
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage mirrors the provider's token accounting.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// Result is the recorded outcome of an enrichment call. JSON is set when
// extraction was requested and the reply contained a JSON document.
type Result struct {
	Text     string `json:"text"`
	JSON     any    `json:"json,omitempty"`
	Usage    Usage  `json:"usage"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// Map lowers the result into the `.llm` block templates render with.
// The json key is always present so templates can test it.
func (r *Result) Map() map[string]any {
	return map[string]any{
		"text":     r.Text,
		"json":     r.JSON,
		"model":    r.Model,
		"provider": r.Provider,
		"usage": map[string]any{
			"promptTokens":     r.Usage.PromptTokens,
			"completionTokens": r.Usage.CompletionTokens,
			"totalTokens":      r.Usage.TotalTokens,
		},
	}
}

// Provider is one configured upstream. Generate returns taxonomy errors
// for the provider failure classes the framework reacts to (bad key,
// rate limit, quota) and plain errors otherwise.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}
