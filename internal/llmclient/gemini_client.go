// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/config"
)

// GoogleClient implements schemas.LLMClient for the Gemini API.
type GoogleClient struct {
	client         *genai.Client
	config         config.LLMModelConfig
	logger         *zap.Logger
	backoffFactory func() backoff.BackOff
}

var _ schemas.LLMClient = (*GoogleClient)(nil)

// NewGoogleClient initializes the client. cfg.Endpoint overrides the API base URL.
func NewGoogleClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Google/Gemini API Key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}

	return &GoogleClient{
		client:         c,
		config:         cfg,
		logger:         logger.Named("llm_client.gemini"),
		backoffFactory: defaultBackoff,
	}, nil
}

// Generate sends the prompts to Gemini and returns the generated text, retrying transient failures.
func (c *GoogleClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	gcfg := c.buildConfig(req)
	contents := genai.Text(req.UserPrompt)

	var responseContent string
	operation := func() error {
		startTime := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, gcfg)
		duration := time.Since(startTime)
		if err != nil {
			return c.handleAPIError(err)
		}

		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		candidate := resp.Candidates[0]
		var sb strings.Builder
		for _, p := range candidate.Content.Parts {
			if p != nil {
				sb.WriteString(p.Text)
			}
		}
		if sb.Len() == 0 {
			if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		fields := []zap.Field{zap.Duration("duration", duration), zap.String("model", c.config.Model)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount))
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)

		responseContent = sb.String()
		return nil
	}

	if err := retry(ctx, c.backoffFactory(), operation); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (c *GoogleClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	o := mergeOptions(c.config, req.Options)
	gcfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(o.Temperature)),
	}
	if o.TopP > 0 {
		gcfg.TopP = genai.Ptr(float32(o.TopP))
	}
	if o.TopK > 0 {
		gcfg.TopK = genai.Ptr(float32(o.TopK))
	}
	if o.MaxTokens > 0 {
		gcfg.MaxOutputTokens = int32(o.MaxTokens)
	}
	if o.ForceJSONFormat {
		gcfg.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		gcfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	return gcfg
}

func (c *GoogleClient) handleAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		return classify(apiErr.Code, fmt.Errorf("gemini API error: status %d: %w", apiErr.Code, err))
	}
	c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
	return fmt.Errorf("gemini request failed: %w", err)
}

// Close is a no-op; the genai client holds no resources beyond its HTTP client.
func (c *GoogleClient) Close() error { return nil }

// mergeOptions overlays non-zero request options on the model defaults.
func mergeOptions(cfg config.LLMModelConfig, o schemas.GenerationOptions) schemas.GenerationOptions {
	if o.Temperature == 0 {
		o.Temperature = float64(cfg.Temperature)
	}
	if o.TopP == 0 {
		o.TopP = float64(cfg.TopP)
	}
	if o.TopK == 0 {
		o.TopK = cfg.TopK
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = cfg.MaxTokens
	}
	return o
}
