package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/evaplatform/ragd/llm/retry"
)

// HybridProvider tries the primary provider with exponential backoff and
// substitutes the fallback once retries exhaust. This is the only layer in
// the system that retries embedding calls; callers above it fail fast.
type HybridProvider struct {
	primary  Provider
	fallback Provider
	retryer  retry.Retryer
	logger   *zap.Logger
}

// NewHybridProvider composes a primary and fallback provider. A nil policy
// uses retry.DefaultPolicy.
func NewHybridProvider(primary, fallback Provider, policy *retry.Policy, logger *zap.Logger) *HybridProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridProvider{
		primary:  primary,
		fallback: fallback,
		retryer:  retry.NewBackoffRetryer(policy, logger),
		logger:   logger.With(zap.String("component", "hybrid_embedding")),
	}
}

func (p *HybridProvider) Name() string {
	return fmt.Sprintf("hybrid(%s,%s)", p.primary.Name(), p.fallback.Name())
}

// Dimensions reports the primary's dimensionality; callers that care about
// the fallback's differing dimensions must reindex when a fallback kicks in.
func (p *HybridProvider) Dimensions() int { return p.primary.Dimensions() }

// Embed runs the primary under the retry policy, then falls back.
func (p *HybridProvider) Embed(ctx context.Context, req *Request) (*Response, error) {
	resp, err := retry.DoWithResultTyped(p.retryer, ctx, func() (*Response, error) {
		return p.primary.Embed(ctx, req)
	})
	if err == nil {
		return resp, nil
	}

	p.logger.Warn("primary embedding provider failed, using fallback",
		zap.String("primary", p.primary.Name()),
		zap.String("fallback", p.fallback.Name()),
		zap.Error(err),
	)

	resp, ferr := p.fallback.Embed(ctx, req)
	if ferr != nil {
		return nil, fmt.Errorf("embedding fallback %s failed after primary error (%v): %w", p.fallback.Name(), err, ferr)
	}
	return resp, nil
}

// EmbedQuery embeds a single query string.
func (p *HybridProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return embedQuery(ctx, p, query)
}

// FactoryConfig selects and configures the embedding provider stack.
type FactoryConfig struct {
	// Provider is "openai", "ollama", or "hybrid" (default).
	Provider string        `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig  `json:"openai" yaml:"openai"`
	Ollama   OllamaConfig  `json:"ollama" yaml:"ollama"`
	Retry    *retry.Policy `json:"-" yaml:"-"`
}

// NewProvider builds the configured provider. Hybrid wires OpenAI as primary
// with Ollama as local fallback.
func NewProvider(cfg FactoryConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI), nil
	case "ollama":
		return NewOllamaProvider(cfg.Ollama), nil
	case "", "hybrid":
		return NewHybridProvider(
			NewOpenAIProvider(cfg.OpenAI),
			NewOllamaProvider(cfg.Ollama),
			cfg.Retry,
			logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
