// internal/tools/builtins.go
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mission"
)

const (
	LLMGenerateName        = "llm.generate"
	PlannerUnavailableName = "planner.unavailable"
	EchoName               = "echo"
)

type llmGenerateInput struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Tier   string `json:"tier,omitempty"`
	JSON   bool   `json:"json,omitempty"`
}

type llmGenerateOutput struct {
	Text string `json:"text"`
}

// NewLLMGenerate returns an asynchronous capability that prompts the language model.
func NewLLMGenerate(client schemas.LLMClient) *Async {
	return &Async{
		Desc: Descriptor{
			Name:        LLMGenerateName,
			Description: "Asks the language model to answer a prompt; long-running.",
			Schema: Schema{
				Required: []string{"prompt"},
				Properties: map[string]string{
					"prompt": "user prompt",
					"system": "optional system prompt",
					"tier":   "fast | powerful",
					"json":   "request a JSON-only answer",
				},
			},
		},
		Fn: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in llmGenerateInput
			if err := decodeInput(LLMGenerateName, input, &in); err != nil {
				return nil, err
			}
			tier := schemas.TierFast
			if in.Tier == string(schemas.TierPowerful) {
				tier = schemas.TierPowerful
			}
			text, err := client.Generate(ctx, schemas.GenerationRequest{
				SystemPrompt: in.System,
				UserPrompt:   in.Prompt,
				Tier:         tier,
				Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: in.JSON},
			})
			if err != nil {
				return nil, mission.E(mission.CodeToolExecution, LLMGenerateName, err)
			}
			return encodeOutput(LLMGenerateName, llmGenerateOutput{Text: strings.TrimSpace(text)})
		},
	}
}

// NewPlannerUnavailable returns the capability bound to the degenerate plan
// produced when planning is unreachable. It always fails permanently.
func NewPlannerUnavailable() *Func {
	return &Func{
		Desc: Descriptor{
			Name:        PlannerUnavailableName,
			Description: "Placeholder task used when no plan could be produced. Always fails.",
			Schema:      Schema{Properties: map[string]string{"reason": "why planning was unavailable"}},
		},
		Fn: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Reason string `json:"reason"`
			}
			_ = codec.Unmarshal(input, &in)
			if in.Reason == "" {
				in.Reason = "planning capability unavailable"
			}
			return nil, Permanent(mission.E(mission.CodeUpstreamUnavailable, PlannerUnavailableName, errors.New(in.Reason)))
		},
	}
}

// NewEcho returns a capability that returns its input unchanged.
func NewEcho() *Func {
	return &Func{
		Desc: Descriptor{
			Name:        EchoName,
			Description: "Returns its input unchanged; useful for wiring and for carrying values between tasks.",
		},
		Fn: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			if len(input) == 0 {
				return json.RawMessage("{}"), nil
			}
			return append(json.RawMessage{}, input...), nil
		},
	}
}

// RegisterBuiltins registers every built-in tool. The LLM tool is skipped
// when llm is nil.
func RegisterBuiltins(r *Registry, cfg config.ToolsConfig, llm schemas.LLMClient, logger *zap.Logger) error {
	caps := []Capability{
		NewHTTPFetch(cfg.HTTP, logger),
		NewHTMLExtract(),
		NewPlannerUnavailable(),
		NewEcho(),
	}
	if llm != nil {
		caps = append(caps, NewLLMGenerate(llm))
	}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
