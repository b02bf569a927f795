// internal/state/manager_test.go
package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/state/statetest"
)

type recorder struct {
	mu     sync.Mutex
	events []mission.Event
}

func (r *recorder) Publish(e mission.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []mission.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mission.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	m    *state.Manager
	repo *state.MemoryRepository
	pub  *recorder
}

func setup(t zaptest.TestingT) fixture {
	repo := state.NewMemoryRepository()
	pub := &recorder{}
	m, err := state.NewManager(repo, pub, zaptest.NewLogger(t), state.WithClock(statetest.Clock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	return fixture{m: m, repo: repo, pub: pub}
}

// executing creates a mission and attaches spec.
func (f fixture) executing(t zaptest.TestingT, spec mission.PlanSpec) string {
	ctx := context.Background()
	ms, err := f.m.CreateMission(ctx, "objective", "")
	require.NoError(t, err)
	_, err = f.m.TransitionMission(ctx, ms.ID, state.MissionTransition{To: mission.MissionPlanning})
	require.NoError(t, err)
	_, err = f.m.AttachPlan(ctx, ms.ID, spec, false)
	require.NoError(t, err)
	return ms.ID
}

func (f fixture) task(t zaptest.TestingT, id, key string, to mission.TaskStatus) error {
	_, err := f.m.TransitionTask(context.Background(), id, state.TaskTransition{Key: key, To: to})
	return err
}

func TestManager_CreateMissionRejectsEmptyObjective(t *testing.T) {
	f := setup(t)
	_, err := f.m.CreateMission(context.Background(), "   ", "")
	assert.ErrorIs(t, err, mission.ErrInvalidInput)
}

func TestManager_NotFound(t *testing.T) {
	f := setup(t)
	_, err := f.m.Snapshot(context.Background(), "nope")
	assert.ErrorIs(t, err, mission.ErrMissionNotFound)
	_, err = f.m.RequestCancel(context.Background(), "nope")
	assert.ErrorIs(t, err, mission.ErrMissionNotFound)
}

func TestManager_HappyPathEventOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.executing(t, statetest.Spec([]string{"t1"}, []string{"t2", "t1"}))

	require.NoError(t, f.task(t, id, "t1", mission.TaskRunning))
	_, err := f.m.TransitionTask(ctx, id, state.TaskTransition{Key: "t1", To: mission.TaskSucceeded, Result: json.RawMessage(`1`)})
	require.NoError(t, err)
	require.NoError(t, f.task(t, id, "t2", mission.TaskRunning))
	require.NoError(t, f.task(t, id, "t2", mission.TaskSucceeded))
	ev, err := f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionCompleted})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, int64(6), ev.Sequence)

	assert.Equal(t, []mission.EventType{
		mission.EventPlanCreated,
		mission.EventTaskStarted, mission.EventTaskSucceeded,
		mission.EventTaskStarted, mission.EventTaskSucceeded,
		mission.EventMissionCompleted,
	}, f.pub.types())

	snap, err := f.m.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionCompleted, snap.Mission.Status)
	assert.NotNil(t, snap.Mission.CompletedAt)
	assert.Equal(t, json.RawMessage(`1`), snap.Task("t1").Result)
	assert.Equal(t, json.RawMessage(`null`), snap.Task("t2").Result)

	_, err = f.m.RecordDiagnostic(ctx, id, "X", "late")
	assert.ErrorIs(t, err, mission.ErrMissionAlreadyTerminal)
}

func TestManager_DependencyGating(t *testing.T) {
	f := setup(t)
	id := f.executing(t, statetest.Spec([]string{"a"}, []string{"b", "a"}))

	err := f.task(t, id, "b", mission.TaskRunning)
	assert.ErrorIs(t, err, mission.ErrInvalidTransition)

	err = f.task(t, id, "b", mission.TaskSkipped)
	assert.ErrorIs(t, err, mission.ErrInvalidTransition, "skip needs a failed dependency")

	require.NoError(t, f.task(t, id, "a", mission.TaskRunning))
	err = f.task(t, id, "a", mission.TaskRunning)
	assert.ErrorIs(t, err, mission.ErrInvalidTransition)

	_, err = f.m.TransitionTask(context.Background(), id, state.TaskTransition{Key: "a", To: mission.TaskFailed, Error: "boom", ErrorCode: mission.CodeToolExecution})
	require.NoError(t, err)
	require.NoError(t, f.task(t, id, "b", mission.TaskSkipped))

	snap, err := f.m.Snapshot(context.Background(), id)
	require.NoError(t, err)
	b := snap.Task("b")
	assert.Equal(t, mission.TaskSkipped, b.Status)
	assert.Equal(t, mission.CodeDependencyFailed, b.ErrorCode)
	assert.Equal(t, "dependency failed: a", b.Error)

	err = f.task(t, id, "ghost", mission.TaskRunning)
	assert.ErrorIs(t, err, mission.ErrInvalidTransition)
}

func TestManager_CompletionRequiresAllSucceeded(t *testing.T) {
	f := setup(t)
	id := f.executing(t, statetest.Spec([]string{"a"}, []string{"b"}))
	require.NoError(t, f.task(t, id, "a", mission.TaskRunning))
	require.NoError(t, f.task(t, id, "a", mission.TaskSucceeded))

	_, err := f.m.TransitionMission(context.Background(), id, state.MissionTransition{To: mission.MissionCompleted})
	assert.ErrorIs(t, err, mission.ErrInvalidTransition)
}

func TestManager_FailWithRunningTaskRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.executing(t, statetest.Spec([]string{"a"}))
	require.NoError(t, f.task(t, id, "a", mission.TaskRunning))

	_, err := f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionFailed, Reason: "x"})
	assert.ErrorIs(t, err, mission.ErrInvalidTransition)
	_, err = f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionPlanning})
	assert.ErrorIs(t, err, mission.ErrInvalidTransition)

	_, err = f.m.TransitionTask(ctx, id, state.TaskTransition{Key: "a", To: mission.TaskFailed, Error: "bad", ErrorCode: mission.CodeToolExecution})
	require.NoError(t, err)
	_, err = f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionFailed, Reason: "task failures"})
	require.NoError(t, err)

	snap, err := f.m.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "task failures", snap.Mission.FailureReason)
	assert.Equal(t, "task a: bad", snap.Mission.LastError)
}

func TestManager_AttachPlanValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ms, err := f.m.CreateMission(ctx, "o", "")
	require.NoError(t, err)

	_, err = f.m.AttachPlan(ctx, ms.ID, statetest.Spec([]string{"a"}), false)
	assert.ErrorIs(t, err, mission.ErrInvalidTransition, "mission is still PENDING")

	_, err = f.m.TransitionMission(ctx, ms.ID, state.MissionTransition{To: mission.MissionPlanning})
	require.NoError(t, err)
	_, err = f.m.AttachPlan(ctx, ms.ID, statetest.Spec([]string{"a", "b"}, []string{"b", "a"}), false)
	assert.ErrorIs(t, err, mission.ErrPlanInvalid)

	events, err := f.m.Events(ctx, ms.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "rejected plans write nothing")

	plan, err := f.m.AttachPlan(ctx, ms.ID, mission.PlanSpec{Tasks: []mission.TaskSpec{{Key: "a", Tool: "echo", DependsOn: []string{"b", "b"}}, {Key: "b", Tool: "echo"}}}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Revision)
	assert.True(t, plan.Active)
	assert.Equal(t, []string{"b"}, plan.Tasks[0].DependsOn)
	assert.Equal(t, json.RawMessage(`{}`), plan.Tasks[0].Input)

	var p mission.PlanCreatedPayload
	require.NoError(t, f.pub.events[0].Decode(&p))
	assert.True(t, p.Fallback)
}

func TestManager_ReplanKeepsHistory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.executing(t, statetest.Spec([]string{"a"}))
	require.NoError(t, f.task(t, id, "a", mission.TaskRunning))
	_, err := f.m.TransitionTask(ctx, id, state.TaskTransition{Key: "a", To: mission.TaskFailed, Error: "no such tool", ErrorCode: mission.CodeToolNotFound})
	require.NoError(t, err)

	ev, err := f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionPlanning})
	require.NoError(t, err)
	require.NotNil(t, ev)
	var rp mission.ReplannedPayload
	require.NoError(t, ev.Decode(&rp))
	assert.Equal(t, 1, rp.ReplanCount)
	require.Len(t, rp.Failures, 1)
	assert.Equal(t, mission.CodeToolNotFound, rp.Failures[0].ErrorCode)

	plan, err := f.m.AttachPlan(ctx, id, statetest.Spec([]string{"a"}), false)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Revision)

	snap, err := f.m.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.Plans, 2)
	assert.False(t, snap.Plans[0].Active)
	assert.Equal(t, mission.TaskFailed, snap.Plans[0].Tasks[0].Status)
	assert.Equal(t, mission.TaskPending, snap.Task("a").Status)
	assert.Equal(t, 1, snap.Mission.ReplanCount)
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.executing(t, statetest.Spec([]string{"a"}, []string{"b", "a"}))
	require.NoError(t, f.task(t, id, "a", mission.TaskRunning))

	out, err := f.m.RequestCancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.CancelAccepted, out)

	out, err = f.m.RequestCancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.CancelAlreadyTerminal, out)

	_, err = f.m.TransitionTask(ctx, id, state.TaskTransition{Key: "a", To: mission.TaskFailed, Error: "cancelled", ErrorCode: mission.CodeCancelled})
	require.NoError(t, err)
	err = f.task(t, id, "b", mission.TaskRunning)
	assert.ErrorIs(t, err, mission.ErrCancelled)

	_, err = f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionFailed, Reason: "cancelled", Cancelled: true})
	require.NoError(t, err)

	out, err = f.m.RequestCancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.CancelAlreadyTerminal, out)
}

func TestManager_CancelBlocksNewTasks(t *testing.T) {
	f := setup(t)
	id := f.executing(t, statetest.Spec([]string{"a"}))
	_, err := f.m.RequestCancel(context.Background(), id)
	require.NoError(t, err)

	err = f.task(t, id, "a", mission.TaskRunning)
	assert.ErrorIs(t, err, mission.ErrCancelled)
}

// Once a cancel is accepted the mission can only end FAILED, even when
// every task already succeeded.
func TestManager_CancelRefusesCompletionAndReplan(t *testing.T) {
	ctx := context.Background()

	t.Run("Completion", func(t *testing.T) {
		f := setup(t)
		id := f.executing(t, statetest.Spec([]string{"a"}))
		require.NoError(t, f.task(t, id, "a", mission.TaskRunning))
		require.NoError(t, f.task(t, id, "a", mission.TaskSucceeded))

		out, err := f.m.RequestCancel(ctx, id)
		require.NoError(t, err)
		require.Equal(t, state.CancelAccepted, out)

		_, err = f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionCompleted})
		assert.ErrorIs(t, err, mission.ErrCancelled)

		_, err = f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionFailed, Reason: "cancelled", Cancelled: true})
		require.NoError(t, err)
		snap, err := f.m.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, mission.MissionFailed, snap.Mission.Status)
		assert.Equal(t, "cancelled", snap.Mission.FailureReason)
	})

	t.Run("Replan", func(t *testing.T) {
		f := setup(t)
		id := f.executing(t, statetest.Spec([]string{"a"}))
		require.NoError(t, f.task(t, id, "a", mission.TaskRunning))
		_, err := f.m.TransitionTask(ctx, id, state.TaskTransition{Key: "a", To: mission.TaskFailed, Error: "boom", ErrorCode: mission.CodeToolExecution})
		require.NoError(t, err)
		_, err = f.m.RequestCancel(ctx, id)
		require.NoError(t, err)

		_, err = f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionPlanning})
		assert.ErrorIs(t, err, mission.ErrCancelled)
	})

	t.Run("AttachPlan", func(t *testing.T) {
		f := setup(t)
		ms, err := f.m.CreateMission(ctx, "objective", "")
		require.NoError(t, err)
		_, err = f.m.TransitionMission(ctx, ms.ID, state.MissionTransition{To: mission.MissionPlanning})
		require.NoError(t, err)
		_, err = f.m.RequestCancel(ctx, ms.ID)
		require.NoError(t, err)

		_, err = f.m.AttachPlan(ctx, ms.ID, statetest.Spec([]string{"a"}), false)
		assert.ErrorIs(t, err, mission.ErrCancelled)
		snap, err := f.m.Snapshot(ctx, ms.ID)
		require.NoError(t, err)
		assert.Nil(t, snap.ActivePlan())
	})
}

type failingRepo struct {
	*state.MemoryRepository
	fail bool
}

func (r *failingRepo) Commit(ctx context.Context, c *state.Commit) error {
	if r.fail {
		return errors.New("disk full")
	}
	return r.MemoryRepository.Commit(ctx, c)
}

func TestManager_FailedCommitLeavesStateUntouched(t *testing.T) {
	repo := &failingRepo{MemoryRepository: state.NewMemoryRepository()}
	pub := &recorder{}
	m, err := state.NewManager(repo, pub, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	ms, err := m.CreateMission(ctx, "o", "")
	require.NoError(t, err)
	_, err = m.TransitionMission(ctx, ms.ID, state.MissionTransition{To: mission.MissionPlanning})
	require.NoError(t, err)

	repo.fail = true
	_, err = m.AttachPlan(ctx, ms.ID, statetest.Spec([]string{"a"}), false)
	require.Error(t, err)

	snap, err := m.Snapshot(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionPlanning, snap.Mission.Status)
	assert.Empty(t, snap.Plans)
	assert.Empty(t, pub.types())

	repo.fail = false
	_, err = m.AttachPlan(ctx, ms.ID, statetest.Spec([]string{"a"}), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pub.events[0].Sequence)
}

func TestManager_ConcurrentTasksKeepSequenceGapless(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var specs [][]string
	for i := 0; i < 16; i++ {
		specs = append(specs, []string{fmt.Sprintf("t%d", i)})
	}
	id := f.executing(t, statetest.Spec(specs...))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			assert.NoError(t, f.task(t, id, key, mission.TaskRunning))
			assert.NoError(t, f.task(t, id, key, mission.TaskSucceeded))
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	events, err := f.m.Events(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 33)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	for i, e := range f.pub.events {
		assert.Equal(t, int64(i+1), e.Sequence, "publish order follows sequence order")
	}
}

// Any sequence of accepted operations yields a gapless log whose replay equals
// the committed snapshot.
func TestManager_ReplayProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := setup(rt)
		ctx := context.Background()

		n := rapid.IntRange(1, 6).Draw(rt, "tasks")
		var specs [][]string
		for i := 0; i < n; i++ {
			s := []string{fmt.Sprintf("t%d", i)}
			if i > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("dep%d", i)) {
				s = append(s, fmt.Sprintf("t%d", rapid.IntRange(0, i-1).Draw(rt, fmt.Sprintf("dep_on%d", i))))
			}
			specs = append(specs, s)
		}
		id := f.executing(rt, statetest.Spec(specs...))

		steps := rapid.IntRange(0, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			key := fmt.Sprintf("t%d", rapid.IntRange(0, n-1).Draw(rt, "key"))
			switch rapid.IntRange(0, 6).Draw(rt, "op") {
			case 0:
				_ = f.task(rt, id, key, mission.TaskRunning)
			case 1:
				_ = f.task(rt, id, key, mission.TaskSucceeded)
			case 2:
				_, _ = f.m.TransitionTask(ctx, id, state.TaskTransition{Key: key, To: mission.TaskFailed, Error: "e", ErrorCode: mission.CodeToolNotFound})
			case 3:
				_ = f.task(rt, id, key, mission.TaskSkipped)
			case 4:
				_, _ = f.m.RecordRetry(ctx, id, key, i, errors.New("flaky"), time.Millisecond)
			case 5:
				if _, err := f.m.TransitionMission(ctx, id, state.MissionTransition{To: mission.MissionPlanning}); err == nil {
					_, _ = f.m.AttachPlan(ctx, id, statetest.Spec(specs...), false)
				}
			case 6:
				_, _ = f.m.RecordDiagnostic(ctx, id, "NOTE", "step")
			}
		}

		want, err := f.m.Snapshot(ctx, id)
		if err != nil {
			rt.Fatal(err)
		}
		events, err := f.m.Events(ctx, id, 0)
		if err != nil {
			rt.Fatal(err)
		}
		for i, e := range events {
			if e.Sequence != int64(i+1) {
				rt.Fatalf("gap at %d: sequence %d", i, e.Sequence)
			}
		}
		got, err := mission.Replay(want.Mission, events)
		if err != nil {
			rt.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			rt.Fatalf("replay mismatch:\n%s", diff)
		}
	})
}
