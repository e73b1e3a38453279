package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/dproc-io/dproc/internal/errdefs"
)

// GoogleProvider generates content through the Gemini API.
type GoogleProvider struct {
	client *genai.Client
	logger arbor.ILogger
}

// NewGoogleProvider creates a provider bound to one API key.
func NewGoogleProvider(ctx context.Context, apiKey string, logger arbor.ILogger) (*GoogleProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GoogleProvider{client: client, logger: logger}, nil
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return "google" }

// Generate implements Provider.
func (p *GoogleProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, p.classify(err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.APIResponseError("google", 0, fmt.Errorf("empty response"))
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int64(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return &Result{
		Text:     text,
		Usage:    usage,
		Model:    req.Model,
		Provider: p.Name(),
	}, nil
}

// classify maps Gemini failures onto the taxonomy. The API reports rate
// limiting as 429 RESOURCE_EXHAUSTED with a suggested delay embedded in
// the message text.
func (p *GoogleProvider) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return errdefs.APIKeyInvalid("google", err)
		case http.StatusTooManyRequests:
			return errdefs.RateLimit("google", retryDelayFromMessage(err), err)
		case http.StatusForbidden:
			if mentionsQuota(err) {
				return errdefs.QuotaExceeded("google", err)
			}
		case http.StatusBadRequest:
			if strings.Contains(apiErr.Message, "API key not valid") {
				return errdefs.APIKeyInvalid("google", err)
			}
		}
		return errdefs.APIResponseError("google", apiErr.Code, err)
	}

	// Transport-level failures surface as plain errors with the status
	// embedded in the text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return errdefs.RateLimit("google", retryDelayFromMessage(err), err)
	case strings.Contains(msg, "API key not valid") || strings.Contains(msg, "UNAUTHENTICATED"):
		return errdefs.APIKeyInvalid("google", err)
	}
	return err
}
