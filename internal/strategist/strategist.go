// internal/strategist/strategist.go
package strategist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/enricher"
	"github.com/xkilldash9x/overmind/internal/llmutil"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/tools"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxTasks caps plan size when no limit is configured.
const DefaultMaxTasks = 32

// FallbackTaskKey is the key of the single task in the degenerate plan.
const FallbackTaskKey = "unavailable"

// ToolLister exposes the tool catalogue offered to the model.
type ToolLister interface {
	List() []tools.Descriptor
}

// Request is everything the Strategist knows when planning.
type Request struct {
	Objective string
	Context   enricher.Context
	// Failures of the previous revision, set when re-planning.
	Failures []mission.TaskFailure
	Revision int
}

// Result is a proposed plan. Fallback marks the degenerate plan produced when
// the planning capability was unreachable.
type Result struct {
	Spec     mission.PlanSpec
	Fallback bool
	Reason   string
}

// Strategist turns an objective and research context into a task plan.
type Strategist struct {
	llm      schemas.LLMClient
	tools    ToolLister
	maxTasks int
	logger   *zap.Logger
}

// New creates a Strategist. llm may be nil, in which case every request
// yields the fallback plan.
func New(llm schemas.LLMClient, lister ToolLister, maxTasks int, logger *zap.Logger) *Strategist {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	return &Strategist{
		llm:      llm,
		tools:    lister,
		maxTasks: maxTasks,
		logger:   logger.Named("strategist"),
	}
}

// Plan asks the model for a plan. Upstream failures, including an expired
// planning deadline, produce the fallback plan with a nil error. A malformed or
// cyclic plan returns PLAN_INVALID. A cancelled context returns its error.
func (s *Strategist) Plan(ctx context.Context, req Request) (Result, error) {
	if s.llm == nil {
		return s.fallback("no planning model configured"), nil
	}

	genReq := schemas.GenerationRequest{
		SystemPrompt: s.systemPrompt(),
		UserPrompt:   s.userPrompt(req),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	}

	response, err := s.llm.Generate(ctx, genReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, ctx.Err()
		}
		s.logger.Warn("Planning model unavailable, using fallback plan.", zap.Error(err))
		return s.fallback(err.Error()), nil
	}

	spec, err := ParsePlan(response, s.maxTasks)
	if err != nil {
		s.logger.Warn("Rejected plan from model.",
			zap.String("extracted", llmutil.Truncate(response, 500)),
			zap.Error(err))
		return Result{}, err
	}
	s.logger.Debug("Plan proposed.", zap.Int("tasks", len(spec.Tasks)), zap.Int("revision", req.Revision))
	return Result{Spec: spec}, nil
}

func (s *Strategist) fallback(reason string) Result {
	input, _ := codec.Marshal(map[string]string{"reason": reason})
	return Result{
		Spec: mission.PlanSpec{Tasks: []mission.TaskSpec{{
			Key:         FallbackTaskKey,
			Description: "Planning capability unavailable",
			Tool:        tools.PlannerUnavailableName,
			Input:       input,
		}}},
		Fallback: true,
		Reason:   reason,
	}
}

type planDoc struct {
	Tasks []taskDoc `json:"tasks"`
}

type taskDoc struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Tool        string          `json:"tool"`
	DependsOn   []string        `json:"depends_on"`
	Input       json.RawMessage `json:"input"`
}

// ParsePlan decodes and validates a model response. Every failure is a
// PLAN_INVALID error.
func ParsePlan(response string, maxTasks int) (mission.PlanSpec, error) {
	const op = "strategist.ParsePlan"
	doc, err := llmutil.ParseJSONResponse[planDoc](response)
	if err != nil {
		return mission.PlanSpec{}, mission.E(mission.CodePlanInvalid, op, err)
	}
	if maxTasks > 0 && len(doc.Tasks) > maxTasks {
		return mission.PlanSpec{}, mission.Errorf(mission.CodePlanInvalid, op, "plan has %d tasks, limit is %d", len(doc.Tasks), maxTasks)
	}

	spec := mission.PlanSpec{Tasks: make([]mission.TaskSpec, 0, len(doc.Tasks))}
	for _, t := range doc.Tasks {
		input := json.RawMessage(strings.TrimSpace(string(t.Input)))
		switch {
		case len(input) == 0 || string(input) == "null":
			input = json.RawMessage("{}")
		case input[0] != '{':
			return mission.PlanSpec{}, mission.Errorf(mission.CodePlanInvalid, op, "task %q input must be a JSON object", t.Key)
		}
		deps := make([]string, 0, len(t.DependsOn))
		for _, d := range t.DependsOn {
			deps = append(deps, strings.TrimSpace(d))
		}
		spec.Tasks = append(spec.Tasks, mission.TaskSpec{
			Key:         strings.TrimSpace(t.Key),
			Description: strings.TrimSpace(t.Description),
			Tool:        strings.TrimSpace(t.Tool),
			DependsOn:   deps,
			Input:       input,
		})
	}
	if err := mission.ValidatePlan(spec); err != nil {
		return mission.PlanSpec{}, err
	}
	return spec, nil
}

func (s *Strategist) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You are the Strategist of a mission orchestration engine.
Break the user's objective into a small set of tasks. Each task is executed by exactly one tool.

Available tools:
`)
	if s.tools != nil {
		for _, d := range s.tools.List() {
			if d.Name == tools.PlannerUnavailableName {
				continue
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", d.Name, d.Mode, d.Description)
			for _, req := range d.Schema.Required {
				fmt.Fprintf(&b, "    required input %q: %s\n", req, d.Schema.Properties[req])
			}
		}
	}
	fmt.Fprintf(&b, `
Rules:
- Use only the tools listed above.
- Task keys are short unique identifiers.
- depends_on lists the keys of tasks that must succeed first. No cycles.
- A string input value "@results.<key>.<field>" is replaced by that field of a dependency's result.
- At most %d tasks.

Respond with a single JSON object of the form:
{"tasks":[{"key":"...","description":"...","tool":"...","depends_on":["..."],"input":{}}]}`, s.maxTasks)
	return b.String()
}

func (s *Strategist) userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission Objective: %s\n", req.Objective)

	if len(req.Context.Snippets) > 0 {
		b.WriteString("\nResearch:\n")
		for i, sn := range req.Context.Snippets {
			fmt.Fprintf(&b, "%d. %s: %s", i+1, sn.Title, sn.Text)
			if sn.Source != "" {
				fmt.Fprintf(&b, " (%s)", sn.Source)
			}
			b.WriteString("\n")
		}
	}

	if len(req.Failures) > 0 {
		fmt.Fprintf(&b, "\nThe previous plan (revision %d) failed. Avoid repeating these failures:\n", req.Revision-1)
		for _, f := range req.Failures {
			fmt.Fprintf(&b, "- task %s using %s: [%s] %s\n", f.TaskKey, f.Tool, f.ErrorCode, f.Error)
		}
	}

	b.WriteString("\nDetermine the plan. Respond with a single JSON object.")
	return b.String()
}
