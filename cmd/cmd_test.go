// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/tools"
)

// runCommand executes a fresh command tree and captures its output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OVERMIND_DATABASE_DRIVER", "memory")
	t.Setenv("OVERMIND_ENRICHER_ENABLED", "false")
	t.Setenv("OVERMIND_LOGGER_LEVEL", "error")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeEnvelope(w http.ResponseWriter, status int, env schemas.CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.NewEncoder(w).Encode(env)
}

// fakeAPI serves canned responses for a single mission "m-1".
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := mission.Snapshot{
		Mission: mission.Mission{ID: "m-1", Objective: "summarize the news", Status: mission.MissionCompleted, CreatedAt: now, UpdatedAt: now},
		Plans: []mission.Plan{{
			ID: "p-1", MissionID: "m-1", Revision: 1, Active: true,
			Tasks: []mission.Task{
				{Key: "fetch", Tool: "http.fetch", Status: mission.TaskSucceeded},
				{Key: "summarize", Tool: "llm.generate", Status: mission.TaskSucceeded, DependsOn: []string{"fetch"}},
			},
		}},
	}
	e1, err := mission.NewEvent("m-1", 1, mission.EventPlanCreated, mission.PlanCreatedPayload{Plan: snap.Plans[0]}, now)
	require.NoError(t, err)
	e2, err := mission.NewEvent("m-1", 2, mission.EventMissionCompleted, mission.MissionCompletedPayload{}, now)
	require.NoError(t, err)
	events := []mission.Event{e1, e2}

	r := chi.NewRouter()
	r.Post("/api/v1/missions", func(w http.ResponseWriter, r *http.Request) {
		var req schemas.SubmitMissionRequest
		if err := codec.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Objective) == "" {
			writeEnvelope(w, http.StatusBadRequest, schemas.CommandResponse{Status: "error", Error: "objective is required", Code: "INVALID_INPUT"})
			return
		}
		writeEnvelope(w, http.StatusAccepted, schemas.CommandResponse{Status: "success", Data: schemas.SubmitMissionResponse{MissionID: "m-1"}})
	})
	r.Get("/api/v1/missions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "m-1" {
			writeEnvelope(w, http.StatusNotFound, schemas.CommandResponse{Status: "error", Error: "mission not found", Code: "MISSION_NOT_FOUND"})
			return
		}
		writeEnvelope(w, http.StatusOK, schemas.CommandResponse{Status: "success", Data: snap})
	})
	r.Post("/api/v1/missions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusConflict, schemas.CommandResponse{
			Status: "error",
			Error:  "mission already terminal",
			Code:   "MISSION_ALREADY_TERMINAL",
			Data:   schemas.CancelMissionResponse{MissionID: "m-1", Outcome: schemas.CancelAlreadyTerminal},
		})
	})
	r.Get("/api/v1/missions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		out := events
		if r.URL.Query().Get("after") == "1" {
			out = events[1:]
		}
		writeEnvelope(w, http.StatusOK, schemas.CommandResponse{Status: "success", Data: map[string]interface{}{"count": len(out), "events": out}})
	})
	r.Get("/ws/v1/missions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, e := range events {
			data, _ := codec.Marshal(map[string]interface{}{"type": "MissionEvent", "data": e})
			if conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "mission finished"))
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "overmind "+Version+"\n", out)
}

func TestToolsCmd_ListsBuiltins(t *testing.T) {
	out, err := runCommand(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, tools.HTTPFetchName)
	assert.Contains(t, out, tools.PlannerUnavailableName)
	assert.NotContains(t, out, tools.LLMGenerateName)
}

func TestStatusCmd(t *testing.T) {
	ts := fakeAPI(t)

	t.Run("Table", func(t *testing.T) {
		out, err := runCommand(t, "status", "m-1", "--server", ts.URL)
		require.NoError(t, err)
		assert.Contains(t, out, "COMPLETED")
		assert.Contains(t, out, "Plan revision 1")
		assert.Contains(t, out, "summarize")
	})

	t.Run("JSON", func(t *testing.T) {
		out, err := runCommand(t, "status", "m-1", "--server", ts.URL, "--json")
		require.NoError(t, err)
		var snap mission.Snapshot
		require.NoError(t, codec.UnmarshalFromString(out, &snap))
		assert.Equal(t, "m-1", snap.Mission.ID)
		assert.Len(t, snap.ActivePlan().Tasks, 2)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := runCommand(t, "status", "nope", "--server", ts.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MISSION_NOT_FOUND")
	})
}

func TestCancelCmd_AlreadyTerminalIsNotAnError(t *testing.T) {
	ts := fakeAPI(t)
	out, err := runCommand(t, "cancel", "m-1", "--server", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "alreadyTerminal\n", out)
}

func TestEventsCmd(t *testing.T) {
	ts := fakeAPI(t)

	t.Run("After", func(t *testing.T) {
		out, err := runCommand(t, "events", "m-1", "--server", ts.URL, "--after", "1")
		require.NoError(t, err)
		assert.NotContains(t, out, string(mission.EventPlanCreated))
		assert.Contains(t, out, string(mission.EventMissionCompleted))
	})

	t.Run("Follow", func(t *testing.T) {
		out, err := runCommand(t, "events", "m-1", "--server", ts.URL, "--follow", "--json")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		var last mission.Event
		require.NoError(t, codec.UnmarshalFromString(lines[1], &last))
		assert.Equal(t, int64(2), last.Sequence)
		assert.True(t, last.Type.IsTerminal())
	})
}

func TestSubmitCmd_RemoteWait(t *testing.T) {
	ts := fakeAPI(t)
	out, err := runCommand(t, "submit", "summarize the news", "--server", ts.URL, "--wait")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "m-1\n"))
	assert.Contains(t, out, string(mission.EventMissionCompleted))
}

func TestSubmitCmd_RemoteRejectsBlankObjective(t *testing.T) {
	ts := fakeAPI(t)
	_, err := runCommand(t, "submit", "  ", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_INPUT")
}

// Without a configured model the planner is unavailable, so the in-process
// run ends in a failed mission and a non-nil error.
func TestSubmitCmd_InProcessWithoutModels(t *testing.T) {
	out, err := runCommand(t, "submit", "research something")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, string(mission.EventDiagnostic))
	assert.Contains(t, out, string(mission.EventMissionFailed))
}

func TestMissionOutcome(t *testing.T) {
	assert.NoError(t, missionOutcome(&mission.Snapshot{Mission: mission.Mission{ID: "a", Status: mission.MissionCompleted}}))
	err := missionOutcome(&mission.Snapshot{Mission: mission.Mission{ID: "a", Status: mission.MissionFailed, FailureReason: "cancelled"}})
	assert.EqualError(t, err, "mission a failed: cancelled")
	assert.Error(t, missionOutcome(&mission.Snapshot{Mission: mission.Mission{ID: "a", Status: mission.MissionExecuting}}))
}
