// File: api/schemas/llm.go
package schemas

import "context"

// ModelTier selects a language model by preference for speed versus capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions controls sampling and output format of a generation.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // Ask the provider for a JSON-only response.
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
}

// GenerationRequest is a complete request to a language model.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts a text-generation provider.
type LLMClient interface {
	// Generate produces a completion for req.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases provider resources.
	Close() error
}
