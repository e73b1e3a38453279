package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
)

const (
	// DefaultCallTimeout is the wall-clock budget for one provider call.
	DefaultCallTimeout = 120 * time.Second

	defaultMaxTokens = 4096

	// Provider calls are slow; one request per second with a small
	// burst keeps concurrent workers inside free-tier limits.
	requestsPerSecond = 1
	requestBurst      = 2
)

// builderFunc constructs a provider for a name/key pair.
type builderFunc func(ctx context.Context, provider, apiKey string, logger arbor.ILogger) (Provider, error)

type cachedProvider struct {
	key string
	p   Provider
}

// Service resolves providers from stored API keys and runs enrichment
// calls with per-provider rate limiting, a wall-clock timeout, and a
// single fallback attempt.
type Service struct {
	secrets interfaces.SecretsService
	logger  arbor.ILogger
	timeout time.Duration
	build   builderFunc

	mu        sync.Mutex
	providers map[string]cachedProvider
	limiters  map[string]*rate.Limiter
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithCallTimeout overrides the per-call wall-clock budget.
func WithCallTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService creates the LLM service.
func NewService(secrets interfaces.SecretsService, logger arbor.ILogger, opts ...ServiceOption) *Service {
	s := &Service{
		secrets:   secrets,
		logger:    logger,
		timeout:   DefaultCallTimeout,
		build:     buildProvider,
		providers: make(map[string]cachedProvider),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enrich sends the prompt to the configured provider. When the primary
// call fails with anything other than an auth problem or cancellation
// and a fallback is configured, the fallback provider is tried exactly
// once. extractJSON additionally parses a JSON document out of the
// reply when one is present.
func (s *Service) Enrich(ctx context.Context, config *models.LLMConfig, prompt string, extractJSON bool) (*Result, error) {
	if config == nil {
		return nil, errdefs.InvalidPipeline("", []string{"llm configuration missing"})
	}

	result, err := s.call(ctx, config.Provider, Request{
		Prompt:      prompt,
		Model:       config.Model,
		Temperature: config.Temperature,
		MaxTokens:   config.MaxTokens,
	})
	if err == nil {
		s.finish(result, extractJSON)
		return result, nil
	}

	if config.Fallback == nil || !canFallback(err) || ctx.Err() != nil {
		return nil, err
	}

	s.logger.Warn().
		Err(err).
		Str("provider", config.Provider).
		Str("fallback", config.Fallback.Provider).
		Msg("Primary LLM call failed, trying fallback provider")

	result, fbErr := s.call(ctx, config.Fallback.Provider, Request{
		Prompt:      prompt,
		Model:       config.Fallback.Model,
		Temperature: config.Temperature,
		MaxTokens:   config.MaxTokens,
	})
	if fbErr != nil {
		return nil, fbErr
	}
	s.finish(result, extractJSON)
	return result, nil
}

func (s *Service) call(ctx context.Context, provider string, req Request) (*Result, error) {
	p, err := s.provider(ctx, provider)
	if err != nil {
		return nil, err
	}

	if err := s.limiter(provider).Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := p.Generate(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errdefs.APITimeout(provider, s.timeout)
		}
		return nil, err
	}

	s.logger.Info().
		Str("provider", provider).
		Str("model", req.Model).
		Int64("tokens", result.Usage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("LLM call completed")
	return result, nil
}

func (s *Service) finish(result *Result, extractJSON bool) {
	if !extractJSON {
		return
	}
	if parsed, ok := ExtractJSON(result.Text); ok {
		result.JSON = parsed
	}
}

// provider returns a cached provider for name, rebuilding it when the
// stored key has changed since construction.
func (s *Service) provider(ctx context.Context, name string) (Provider, error) {
	key, ok := s.secrets.APIKey(name)
	if !ok || key == "" {
		return nil, errdefs.APIKeyMissing(name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, exists := s.providers[name]; exists && cached.key == key {
		return cached.p, nil
	}
	p, err := s.build(ctx, name, key, s.logger)
	if err != nil {
		return nil, err
	}
	s.providers[name] = cachedProvider{key: key, p: p}
	return p, nil
}

func (s *Service) limiter(name string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[name]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst)
	s.limiters[name] = l
	return l
}

// canFallback reports whether a failure class is worth a second
// provider. Auth problems would fail identically and cancellation must
// win immediately.
func canFallback(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errdefs.Is(err, errdefs.CodeAPIKeyMissing) || errdefs.Is(err, errdefs.CodeAPIKeyInvalid) {
		return false
	}
	return true
}

func buildProvider(ctx context.Context, name, apiKey string, logger arbor.ILogger) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey, logger), nil
	case "openai":
		return NewOpenAIProvider(apiKey, logger), nil
	case "google":
		return NewGoogleProvider(ctx, apiKey, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
