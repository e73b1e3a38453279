package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
)

// AnthropicProvider generates content through the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	logger arbor.ILogger
}

// NewAnthropicProvider creates a provider bound to one API key.
func NewAnthropicProvider(apiKey string, logger arbor.ILogger) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errdefs.APIResponseError("anthropic", 0, fmt.Errorf("empty response"))
	}

	return &Result{
		Text: text.String(),
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Model:    req.Model,
		Provider: p.Name(),
	}, nil
}

// classify maps Anthropic API failures onto the taxonomy. Context errors
// pass through untouched so cancellation keeps its meaning.
func (p *AnthropicProvider) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return errdefs.APIKeyInvalid("anthropic", err)
	case http.StatusTooManyRequests:
		return errdefs.RateLimit("anthropic", retryAfterHeader(apiErr.Response), err)
	case http.StatusForbidden:
		if mentionsQuota(err) {
			return errdefs.QuotaExceeded("anthropic", err)
		}
	}
	return errdefs.APIResponseError("anthropic", apiErr.StatusCode, err)
}
