// File: internal/mcp/tools.go
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Tool input/output types --

type submitMissionInput struct {
	Objective string `json:"objective" jsonschema:"the natural-language objective to accomplish"`
	OwnerID   string `json:"owner_id,omitempty" jsonschema:"opaque reference to the submitting user"`
}

type submitMissionOutput struct {
	MissionID string `json:"mission_id"`
}

type missionIDInput struct {
	MissionID string `json:"mission_id" jsonschema:"the mission id returned by submit_mission"`
}

type taskOutput struct {
	Key        string   `json:"key"`
	Tool       string   `json:"tool"`
	Status     string   `json:"status"`
	DependsOn  []string `json:"depends_on,omitempty"`
	RetryCount int      `json:"retry_count"`
	Result     any      `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
}

type missionOutput struct {
	ID            string       `json:"id"`
	Objective     string       `json:"objective"`
	Status        string       `json:"status"`
	ReplanCount   int          `json:"replan_count"`
	FailureReason string       `json:"failure_reason,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     string       `json:"created_at"`
	CompletedAt   string       `json:"completed_at,omitempty"`
	PlanRevision  int          `json:"plan_revision,omitempty"`
	Tasks         []taskOutput `json:"tasks"`
}

type cancelMissionOutput struct {
	MissionID string `json:"mission_id"`
	Outcome   string `json:"outcome"`
}

type listToolsInput struct{}

type toolOutput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Mode        string   `json:"mode"`
	Required    []string `json:"required,omitempty"`
}

type listToolsOutput struct {
	Tools []toolOutput `json:"tools"`
	Count int          `json:"count"`
}

// -- Tool handlers --

func (s *Server) handleSubmitMission(ctx context.Context, _ *gomcp.CallToolRequest, input submitMissionInput) (*gomcp.CallToolResult, submitMissionOutput, error) {
	if strings.TrimSpace(input.Objective) == "" {
		return errorResult("objective is required"), submitMissionOutput{}, nil
	}
	id, err := s.missions.Submit(ctx, input.Objective, input.OwnerID)
	if err != nil {
		return errorResult(fmt.Sprintf("submitting mission: %s", err)), submitMissionOutput{}, nil
	}
	s.logger.Info("Mission submitted via MCP", zap.String("mission_id", id))
	return nil, submitMissionOutput{MissionID: id}, nil
}

func (s *Server) handleGetMission(ctx context.Context, _ *gomcp.CallToolRequest, input missionIDInput) (*gomcp.CallToolResult, missionOutput, error) {
	if input.MissionID == "" {
		return errorResult("mission_id is required"), missionOutput{}, nil
	}
	snap, err := s.missions.GetMission(ctx, input.MissionID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting mission %s: %s", input.MissionID, err)), missionOutput{}, nil
	}
	return nil, snapshotToOutput(snap), nil
}

func (s *Server) handleCancelMission(ctx context.Context, _ *gomcp.CallToolRequest, input missionIDInput) (*gomcp.CallToolResult, cancelMissionOutput, error) {
	if input.MissionID == "" {
		return errorResult("mission_id is required"), cancelMissionOutput{}, nil
	}
	outcome, err := s.missions.Cancel(ctx, input.MissionID)
	if err != nil {
		return errorResult(fmt.Sprintf("cancelling mission %s: %s", input.MissionID, err)), cancelMissionOutput{}, nil
	}
	return nil, cancelMissionOutput{MissionID: input.MissionID, Outcome: string(outcome)}, nil
}

func (s *Server) handleListTools(_ context.Context, _ *gomcp.CallToolRequest, _ listToolsInput) (*gomcp.CallToolResult, listToolsOutput, error) {
	descs := s.missions.Tools()
	out := listToolsOutput{Tools: make([]toolOutput, len(descs)), Count: len(descs)}
	for i, d := range descs {
		out.Tools[i] = toolOutput{
			Name:        d.Name,
			Description: d.Description,
			Mode:        string(d.Mode),
			Required:    d.Schema.Required,
		}
	}
	return nil, out, nil
}

func snapshotToOutput(snap *mission.Snapshot) missionOutput {
	m := snap.Mission
	out := missionOutput{
		ID:            m.ID,
		Objective:     m.Objective,
		Status:        string(m.Status),
		ReplanCount:   m.ReplanCount,
		FailureReason: m.FailureReason,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt.Format(time.RFC3339),
		Tasks:         []taskOutput{},
	}
	if m.CompletedAt != nil {
		out.CompletedAt = m.CompletedAt.Format(time.RFC3339)
	}
	plan := snap.ActivePlan()
	if plan == nil {
		return out
	}
	out.PlanRevision = plan.Revision
	for _, t := range plan.Tasks {
		to := taskOutput{
			Key:        t.Key,
			Tool:       t.Tool,
			Status:     string(t.Status),
			DependsOn:  t.DependsOn,
			RetryCount: t.RetryCount,
			Error:      t.Error,
			ErrorCode:  string(t.ErrorCode),
		}
		if len(t.Result) > 0 {
			var result any
			if err := codec.Unmarshal(t.Result, &result); err == nil {
				to.Result = result
			}
		}
		out.Tasks = append(out.Tasks, to)
	}
	return out
}
