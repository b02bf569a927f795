// internal/llmclient/anthropic_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/config"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient implements schemas.LLMClient for the Anthropic Messages API.
type AnthropicClient struct {
	inner          anthropic.Client
	config         config.LLMModelConfig
	logger         *zap.Logger
	backoffFactory func() backoff.BackOff
}

var _ schemas.LLMClient = (*AnthropicClient)(nil)

func NewAnthropicClient(cfg config.LLMModelConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API Key is required")
	}
	// Retries are driven by our own backoff policy.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.APITimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.APITimeout))
	}

	return &AnthropicClient{
		inner:          anthropic.NewClient(opts...),
		config:         cfg,
		logger:         logger.Named("llm_client.anthropic"),
		backoffFactory: defaultBackoff,
	}, nil
}

func (c *AnthropicClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	o := mergeOptions(c.config, req.Options)
	maxTokens := int64(o.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	user := req.UserPrompt
	if o.ForceJSONFormat {
		user += "\n\nRespond with a single JSON document and nothing else."
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.config.Model),
		MaxTokens:   maxTokens,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
		Temperature: anthropic.Float(o.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if o.TopP > 0 {
		params.TopP = anthropic.Float(o.TopP)
	}
	if o.TopK > 0 {
		params.TopK = anthropic.Int(int64(o.TopK))
	}

	var responseContent string
	operation := func() error {
		startTime := time.Now()
		resp, err := c.inner.Messages.New(ctx, params)
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				c.logger.Error("Anthropic API returned error status", zap.Int("status", apiErr.StatusCode))
				return classify(apiErr.StatusCode, fmt.Errorf("anthropic API error: %w", err))
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("anthropic request failed: %w", err)
		}

		var sb strings.Builder
		for _, block := range resp.Content {
			if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
				sb.WriteString(tb.Text)
			}
		}
		if sb.Len() == 0 {
			return backoff.Permanent(fmt.Errorf("anthropic API returned no text content (stop reason: %s)", resp.StopReason))
		}

		c.logger.Info("LLM generation complete (Anthropic)",
			zap.Duration("duration", time.Since(startTime)),
			zap.String("model", c.config.Model),
			zap.Int64("prompt_tokens", resp.Usage.InputTokens),
			zap.Int64("completion_tokens", resp.Usage.OutputTokens))
		responseContent = sb.String()
		return nil
	}

	if err := retry(ctx, c.backoffFactory(), operation); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (c *AnthropicClient) Close() error { return nil }
