// File: internal/mcp/server_test.go
package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/tools"
)

type mockMissionService struct {
	mock.Mock
}

func (m *mockMissionService) Submit(ctx context.Context, objective, ownerID string) (string, error) {
	args := m.Called(ctx, objective, ownerID)
	return args.String(0), args.Error(1)
}

func (m *mockMissionService) GetMission(ctx context.Context, id string) (*mission.Snapshot, error) {
	args := m.Called(ctx, id)
	snap, _ := args.Get(0).(*mission.Snapshot)
	return snap, args.Error(1)
}

func (m *mockMissionService) Cancel(ctx context.Context, id string) (state.CancelOutcome, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(state.CancelOutcome), args.Error(1)
}

func (m *mockMissionService) Tools() []tools.Descriptor {
	return m.Called().Get(0).([]tools.Descriptor)
}

// callTool connects an in-memory client to srv and calls one tool.
func callTool(t *testing.T, srv *Server, name string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	serverT, clientT := gomcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer().Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return result
}

func extractText(result *gomcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decode[T any](t *testing.T, result *gomcp.CallToolResult) T {
	t.Helper()
	var out T
	data, err := json.Marshal(result.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func setupTest(t *testing.T) (*Server, *mockMissionService) {
	t.Helper()
	svc := new(mockMissionService)
	srv, err := NewServer(svc, "test", zaptest.NewLogger(t))
	require.NoError(t, err)
	return srv, svc
}

func TestSubmitMission(t *testing.T) {
	srv, svc := setupTest(t)
	svc.On("Submit", mock.Anything, "summarize the news", "agent-7").Return("m-1", nil)

	result := callTool(t, srv, "submit_mission", map[string]any{"objective": "summarize the news", "owner_id": "agent-7"})

	require.False(t, result.IsError, extractText(result))
	assert.Equal(t, "m-1", decode[submitMissionOutput](t, result).MissionID)
	svc.AssertExpectations(t)
}

func TestSubmitMissionRejectsBlankObjective(t *testing.T) {
	srv, svc := setupTest(t)

	result := callTool(t, srv, "submit_mission", map[string]any{"objective": "  "})

	assert.True(t, result.IsError)
	svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetMission(t *testing.T) {
	srv, svc := setupTest(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &mission.Snapshot{
		Mission: mission.Mission{ID: "m-1", Objective: "o", Status: mission.MissionExecuting, CreatedAt: created},
		Plans: []mission.Plan{{
			Revision: 1,
			Active:   true,
			Tasks: []mission.Task{
				{Key: "a", Tool: tools.EchoName, Status: mission.TaskSucceeded, Result: json.RawMessage(`{"n":1}`)},
				{Key: "b", Tool: tools.EchoName, Status: mission.TaskPending, DependsOn: []string{"a"}},
			},
		}},
	}
	svc.On("GetMission", mock.Anything, "m-1").Return(snap, nil)

	result := callTool(t, srv, "get_mission", map[string]any{"mission_id": "m-1"})

	require.False(t, result.IsError, extractText(result))
	out := decode[missionOutput](t, result)
	assert.Equal(t, "EXECUTING", out.Status)
	assert.Equal(t, 1, out.PlanRevision)
	require.Len(t, out.Tasks, 2)
	assert.Equal(t, map[string]any{"n": float64(1)}, out.Tasks[0].Result)
	assert.Equal(t, []string{"a"}, out.Tasks[1].DependsOn)
}

func TestGetMissionNotFound(t *testing.T) {
	srv, svc := setupTest(t)
	svc.On("GetMission", mock.Anything, "missing").
		Return(nil, mission.Errorf(mission.CodeMissionNotFound, "state.Snapshot", "mission missing"))

	result := callTool(t, srv, "get_mission", map[string]any{"mission_id": "missing"})

	assert.True(t, result.IsError)
	assert.Contains(t, extractText(result), "MISSION_NOT_FOUND")
}

func TestCancelMission(t *testing.T) {
	tests := []struct {
		name    string
		outcome state.CancelOutcome
	}{
		{"accepted", state.CancelAccepted},
		{"already terminal", state.CancelAlreadyTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, svc := setupTest(t)
			svc.On("Cancel", mock.Anything, "m-1").Return(tt.outcome, nil)

			result := callTool(t, srv, "cancel_mission", map[string]any{"mission_id": "m-1"})

			require.False(t, result.IsError, extractText(result))
			assert.Equal(t, string(tt.outcome), decode[cancelMissionOutput](t, result).Outcome)
		})
	}
}

func TestListTools(t *testing.T) {
	srv, svc := setupTest(t)
	svc.On("Tools").Return([]tools.Descriptor{
		{Name: tools.EchoName, Mode: tools.ModeSync},
		{Name: tools.HTTPFetchName, Mode: tools.ModeSync, Schema: tools.Schema{Required: []string{"url"}}},
	})

	result := callTool(t, srv, "list_tools", map[string]any{})

	require.False(t, result.IsError, extractText(result))
	out := decode[listToolsOutput](t, result)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, []string{"url"}, out.Tools[1].Required)
}

func TestNewServer_RejectsMissingDependencies(t *testing.T) {
	_, err := NewServer(nil, "", zaptest.NewLogger(t))
	assert.Error(t, err)
}
