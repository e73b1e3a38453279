package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
)

// OpenAIProvider generates content through the OpenAI chat completions
// API.
type OpenAIProvider struct {
	client *openai.Client
	logger arbor.ILogger
}

// NewOpenAIProvider creates a provider bound to one API key.
func NewOpenAIProvider(apiKey string, logger arbor.ILogger) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		logger: logger,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, errdefs.APIResponseError("openai", 0, fmt.Errorf("empty response"))
	}

	return &Result{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:      int64(resp.Usage.TotalTokens),
		},
		Model:    req.Model,
		Provider: p.Name(),
	}, nil
}

func (p *OpenAIProvider) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.HTTPStatusCode {
	case http.StatusUnauthorized:
		return errdefs.APIKeyInvalid("openai", err)
	case http.StatusTooManyRequests:
		return errdefs.RateLimit("openai", 0, err)
	case http.StatusForbidden:
		if mentionsQuota(err) {
			return errdefs.QuotaExceeded("openai", err)
		}
	}
	return errdefs.APIResponseError("openai", apiErr.HTTPStatusCode, err)
}
