// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/config"
)

// ErrNotConfigured is returned when no models are configured.
var ErrNotConfigured = errors.New("no LLM models configured")

// NewClient builds the tier router from the configured model aliases.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	if len(cfg.Models) == 0 {
		return nil, ErrNotConfigured
	}

	built := make(map[string]schemas.LLMClient)
	get := func(alias string) (schemas.LLMClient, error) {
		if c, ok := built[alias]; ok {
			return c, nil
		}
		mc, ok := cfg.Models[alias]
		if !ok {
			return nil, fmt.Errorf("model alias %q is not defined under llm.models", alias)
		}
		c, err := NewModelClient(ctx, mc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize model %q: %w", alias, err)
		}
		built[alias] = c
		return c, nil
	}

	fast, err := get(cfg.DefaultFastModel)
	if err != nil {
		return nil, err
	}
	powerful, err := get(cfg.DefaultPowerfulModel)
	if err != nil {
		return nil, err
	}
	return NewLLMRouter(logger, fast, powerful)
}

// NewModelClient is a factory function that creates an LLMClient for a single model configuration.
func NewModelClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGoogleClient(ctx, cfg, logger)
	case config.ProviderOllama:
		return NewOllamaClient(cfg, logger)
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOllama, config.ProviderAnthropic)
	}
}
