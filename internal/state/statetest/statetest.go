// internal/state/statetest/statetest.go
package statetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
)

// Clock returns a deterministic, strictly increasing time source.
func Clock(start time.Time) func() time.Time {
	now := start.UTC().Truncate(time.Microsecond)
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

// Spec builds a plan spec of echo tasks; each entry is key followed by deps.
func Spec(tasks ...[]string) mission.PlanSpec {
	var s mission.PlanSpec
	for _, t := range tasks {
		s.Tasks = append(s.Tasks, mission.TaskSpec{
			Key:         t[0],
			Description: "step " + t[0],
			Tool:        "echo",
			DependsOn:   t[1:],
			Input:       json.RawMessage(`{"value":"` + t[0] + `"}`),
		})
	}
	return s
}

// RunRepositoryTests drives a Manager backed by the repository returned from
// newRepo through complete mission lifecycles and checks that the repository
// returns exactly what was committed.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) state.Repository) {
	t.Run("LifecycleRoundTrip", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		m, err := state.NewManager(repo, nil, zaptest.NewLogger(t), state.WithClock(Clock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))))
		require.NoError(t, err)

		ms, err := m.CreateMission(ctx, "collect and summarize", "owner-1")
		require.NoError(t, err)

		_, err = m.TransitionMission(ctx, ms.ID, state.MissionTransition{To: mission.MissionPlanning})
		require.NoError(t, err)
		_, err = m.AttachPlan(ctx, ms.ID, Spec([]string{"fetch"}, []string{"sum", "fetch"}), false)
		require.NoError(t, err)

		_, err = m.TransitionTask(ctx, ms.ID, state.TaskTransition{Key: "fetch", To: mission.TaskRunning})
		require.NoError(t, err)
		_, err = m.RecordRetry(ctx, ms.ID, "fetch", 1, errors.New("connection reset"), 10*time.Millisecond)
		require.NoError(t, err)
		_, err = m.TransitionTask(ctx, ms.ID, state.TaskTransition{Key: "fetch", To: mission.TaskFailed, Error: "tool missing", ErrorCode: mission.CodeToolNotFound, RetryCount: 1})
		require.NoError(t, err)
		_, err = m.TransitionTask(ctx, ms.ID, state.TaskTransition{Key: "sum", To: mission.TaskSkipped})
		require.NoError(t, err)

		_, err = m.TransitionMission(ctx, ms.ID, state.MissionTransition{To: mission.MissionPlanning})
		require.NoError(t, err)
		_, err = m.AttachPlan(ctx, ms.ID, Spec([]string{"fetch2"}), false)
		require.NoError(t, err)
		_, err = m.RecordDiagnostic(ctx, ms.ID, mission.DiagContextDegraded, "search offline")
		require.NoError(t, err)
		_, err = m.TransitionTask(ctx, ms.ID, state.TaskTransition{Key: "fetch2", To: mission.TaskRunning})
		require.NoError(t, err)
		_, err = m.TransitionTask(ctx, ms.ID, state.TaskTransition{Key: "fetch2", To: mission.TaskSucceeded, Result: json.RawMessage(`{"body":"ok"}`)})
		require.NoError(t, err)
		_, err = m.TransitionMission(ctx, ms.ID, state.MissionTransition{To: mission.MissionCompleted})
		require.NoError(t, err)

		want, err := m.Snapshot(ctx, ms.ID)
		require.NoError(t, err)

		got, err := repo.LoadMission(ctx, ms.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("LoadMission mismatch (-committed +loaded):\n%s", diff)
		}

		events, err := repo.LoadEvents(ctx, ms.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, int(want.Mission.LastSequence))
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}

		replayed, err := mission.Replay(got.Mission, events)
		require.NoError(t, err)
		if diff := cmp.Diff(want, replayed); diff != "" {
			t.Errorf("replay mismatch (-committed +replayed):\n%s", diff)
		}

		tail, err := repo.LoadEvents(ctx, ms.ID, int64(len(events)-2))
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, mission.EventMissionCompleted, tail[1].Type)
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.LoadMission(context.Background(), "missing")
		assert.ErrorIs(t, err, mission.ErrMissionNotFound)
	})

	t.Run("ListMissions", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		m, err := state.NewManager(repo, nil, zaptest.NewLogger(t), state.WithClock(Clock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))))
		require.NoError(t, err)

		var ids []string
		for _, obj := range []string{"one", "two", "three"} {
			ms, err := m.CreateMission(ctx, obj, "")
			require.NoError(t, err)
			ids = append(ids, ms.ID)
		}
		_, err = m.TransitionMission(ctx, ids[1], state.MissionTransition{To: mission.MissionFailed, Reason: "test"})
		require.NoError(t, err)

		all, err := repo.ListMissions(ctx, state.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, ms := range all {
			assert.Equal(t, ids[i], ms.ID)
		}

		failed, err := repo.ListMissions(ctx, state.ListFilter{Statuses: []mission.MissionStatus{mission.MissionFailed}})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, ids[1], failed[0].ID)
		assert.Equal(t, "test", failed[0].FailureReason)

		limited, err := repo.ListMissions(ctx, state.ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("RejectsSequenceGap", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		ms := mission.Mission{ID: "gap", Objective: "x", Status: mission.MissionPending, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, repo.CreateMission(ctx, ms))

		ev, err := mission.NewEvent("gap", 2, mission.EventDiagnostic, mission.DiagnosticPayload{Code: "X"}, now)
		require.NoError(t, err)
		ms.LastSequence = 2
		err = repo.Commit(ctx, &state.Commit{Mission: ms, Events: []mission.Event{ev}})
		require.Error(t, err)

		events, err := repo.LoadEvents(ctx, "gap", 0)
		require.NoError(t, err)
		assert.Empty(t, events)
		got, err := repo.LoadMission(ctx, "gap")
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Mission.LastSequence)
	})
}
