// internal/llmclient/router.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
)

// LLMRouter sends each request to the client for its tier. When that client
// fails and the other tier is served by a different model, the request is
// retried once there, so planning survives a single provider outage.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
}

var _ schemas.LLMClient = (*LLMRouter)(nil)

// NewLLMRouter creates a new router with the specified clients for each tier.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient schemas.LLMClient) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	return &LLMRouter{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
	}, nil
}

// otherTier returns the tier tried after a failure on t.
func otherTier(t schemas.ModelTier) schemas.ModelTier {
	if t == schemas.TierFast {
		return schemas.TierPowerful
	}
	return schemas.TierFast
}

// Generate selects the client for the request's tier, defaulting to
// TierPowerful, and falls back to the other tier on failure.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful
	}

	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	out, err := client.Generate(ctx, req)
	if err == nil {
		return out, nil
	}

	alt := otherTier(tier)
	fallback := r.clients[alt]
	if fallback == client || ctx.Err() != nil {
		return "", err
	}

	r.logger.Warn("LLM request failed, falling back to the other tier.",
		zap.String("tier", string(tier)),
		zap.String("fallback_tier", string(alt)),
		zap.Error(err))
	req.Tier = alt
	out, ferr := fallback.Generate(ctx, req)
	if ferr != nil {
		return "", fmt.Errorf("%s tier failed: %w; %s tier fallback failed: %w", tier, err, alt, ferr)
	}
	return out, nil
}

// Close closes each distinct underlying client once.
func (r *LLMRouter) Close() error {
	seen := make(map[schemas.LLMClient]struct{}, len(r.clients))
	var errs []error
	for _, c := range r.clients {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
