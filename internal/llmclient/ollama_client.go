// internal/llmclient/ollama_client.go
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/config"
)

// OllamaClient implements schemas.LLMClient against a local or remote Ollama server.
type OllamaClient struct {
	client         *api.Client
	config         config.LLMModelConfig
	logger         *zap.Logger
	backoffFactory func() backoff.BackOff
}

var _ schemas.LLMClient = (*OllamaClient)(nil)

// NewOllamaClient uses cfg.Endpoint when set, otherwise OLLAMA_HOST or the default local address.
func NewOllamaClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OllamaClient, error) {
	var c *api.Client
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("ollama: bad host %q: %w", cfg.Endpoint, err)
		}
		c = api.NewClient(u, &http.Client{Timeout: cfg.APITimeout})
	} else {
		var err error
		if c, err = api.ClientFromEnvironment(); err != nil {
			return nil, fmt.Errorf("ollama client init: %w", err)
		}
	}

	return &OllamaClient{
		client:         c,
		config:         cfg,
		logger:         logger.Named("llm_client.ollama"),
		backoffFactory: defaultBackoff,
	}, nil
}

func (c *OllamaClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	o := mergeOptions(c.config, req.Options)
	stream := false
	greq := &api.GenerateRequest{
		Model:   c.config.Model,
		Prompt:  req.UserPrompt,
		System:  req.SystemPrompt,
		Stream:  &stream,
		Options: map[string]interface{}{"temperature": o.Temperature},
	}
	if o.TopP > 0 {
		greq.Options["top_p"] = o.TopP
	}
	if o.TopK > 0 {
		greq.Options["top_k"] = o.TopK
	}
	if o.MaxTokens > 0 {
		greq.Options["num_predict"] = o.MaxTokens
	}
	if o.ForceJSONFormat {
		greq.Format = json.RawMessage(`"json"`)
	}

	var out strings.Builder
	operation := func() error {
		out.Reset()
		startTime := time.Now()
		var final api.GenerateResponse
		err := c.client.Generate(ctx, greq, func(gr api.GenerateResponse) error {
			out.WriteString(gr.Response)
			if gr.Done {
				final = gr
			}
			return nil
		})
		if err != nil {
			var statusErr api.StatusError
			if errors.As(err, &statusErr) {
				c.logger.Error("Ollama returned error status", zap.Int("status", statusErr.StatusCode), zap.String("message", statusErr.ErrorMessage))
				return classify(statusErr.StatusCode, fmt.Errorf("ollama generate: %w", err))
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("ollama generate: %w", err)
		}
		if out.Len() == 0 {
			return backoff.Permanent(fmt.Errorf("ollama returned an empty response"))
		}
		c.logger.Info("LLM generation complete (Ollama)",
			zap.Duration("duration", time.Since(startTime)),
			zap.String("model", c.config.Model),
			zap.Int("prompt_tokens", final.PromptEvalCount),
			zap.Int("completion_tokens", final.EvalCount))
		return nil
	}

	if err := retry(ctx, c.backoffFactory(), operation); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (c *OllamaClient) Close() error { return nil }
