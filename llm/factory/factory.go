// Package factory constructs llm.Provider instances from configuration.
// It lives outside package llm so that provider packages can import llm
// without a cycle.
package factory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evaplatform/ragd/llm"
	"github.com/evaplatform/ragd/llm/providers/anthropic"
	"github.com/evaplatform/ragd/llm/providers/openai"
)

// Config selects and configures a chat provider.
type Config struct {
	// Provider: openai (default) or anthropic.
	Provider string        `json:"provider" yaml:"provider"`
	APIKey   string        `json:"api_key" yaml:"api_key"`
	BaseURL  string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model    string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// New creates the configured provider.
func New(cfg Config, logger *zap.Logger) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return openai.New(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil

	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
