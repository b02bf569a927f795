// internal/orchestrator/orchestrator_test.go
package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/overmind/internal/bus"
	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/enricher"
	"github.com/xkilldash9x/overmind/internal/executor"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/mocks"
	"github.com/xkilldash9x/overmind/internal/orchestrator"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/strategist"
	"github.com/xkilldash9x/overmind/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Harness --

// scriptedPlanner returns one scripted result per call, repeating the last.
type scriptedPlanner struct {
	mu       sync.Mutex
	results  []func(strategist.Request) (strategist.Result, error)
	requests []strategist.Request
}

func (p *scriptedPlanner) Plan(_ context.Context, req strategist.Request) (strategist.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	return p.results[i](req)
}

func (p *scriptedPlanner) calls() []strategist.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]strategist.Request{}, p.requests...)
}

func planOf(tasks ...mission.TaskSpec) func(strategist.Request) (strategist.Result, error) {
	return func(strategist.Request) (strategist.Result, error) {
		return strategist.Result{Spec: mission.PlanSpec{Tasks: tasks}}, nil
	}
}

type harness struct {
	orch     *orchestrator.Orchestrator
	manager  *state.Manager
	repo     state.Repository
	registry *tools.Registry
}

type harnessOptions struct {
	cfg      config.OrchestratorConfig
	planner  orchestrator.Planner
	enricher orchestrator.Enricher
	repo     state.Repository
}

func baseConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxConcurrentMissions: 4,
		MaxInFlightTasks:      4,
		MaxRetries:            3,
		ToolTimeout:           5 * time.Second,
		PlanningTimeout:       5 * time.Second,
		MaxReplans:            0,
		ReplanOn:              []string{string(mission.CodeToolNotFound), string(mission.CodeToolExecution)},
		ShutdownTimeout:       5 * time.Second,
	}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if opts.repo == nil {
		opts.repo = state.NewMemoryRepository()
	}
	if opts.enricher == nil {
		opts.enricher = enricher.New(config.EnricherConfig{}, nil, logger)
	}
	eventBus := bus.New(logger, 256)
	manager, err := state.NewManager(opts.repo, eventBus, logger)
	require.NoError(t, err)

	registry := tools.NewRegistry(logger)
	require.NoError(t, registry.Register(tools.NewEcho()))
	require.NoError(t, registry.Register(tools.NewPlannerUnavailable()))

	op := executor.New(manager, registry, executor.ConfigFrom(opts.cfg), logger,
		executor.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))

	orch, err := orchestrator.New(opts.cfg, logger, orchestrator.Dependencies{
		State:    manager,
		Bus:      eventBus,
		Enricher: opts.enricher,
		Planner:  opts.planner,
		Runner:   op,
		Tools:    registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, orch.Shutdown(context.Background()))
		eventBus.Shutdown()
	})
	return &harness{orch: orch, manager: manager, repo: opts.repo, registry: registry}
}

// collect streams the mission from the start until its terminal event.
func (h *harness) collect(t *testing.T, id string) []mission.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := h.orch.Subscribe(ctx, id, 0)
	require.NoError(t, err)
	defer stream.Close()

	var events []mission.Event
	for e := range stream.Events() {
		events = append(events, e)
	}
	require.NoError(t, stream.Err(), "stream ended before the terminal event")
	return events
}

func types(events []mission.Event) []mission.EventType {
	out := make([]mission.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func taskKeys(t *testing.T, events []mission.Event) []string {
	t.Helper()
	var keys []string
	for _, e := range events {
		switch e.Type {
		case mission.EventTaskStarted, mission.EventTaskSucceeded:
			var p struct {
				TaskKey string `json:"task_key"`
			}
			require.NoError(t, e.Decode(&p))
			keys = append(keys, p.TaskKey)
		}
	}
	return keys
}

func assertGapless(t *testing.T, events []mission.Event) {
	t.Helper()
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence, "event %d (%s)", i, e.Type)
	}
}

func failingTool(name string, err error) *tools.Func {
	return &tools.Func{
		Desc: tools.Descriptor{Name: name},
		Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, err
		},
	}
}

// gate blocks every invocation until released and reports each start.
type gate struct {
	started chan string
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) tool(name string) *tools.Func {
	return &tools.Func{
		Desc: tools.Descriptor{Name: name},
		Fn: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			n := g.active.Add(1)
			for {
				p := g.peak.Load()
				if n <= p || g.peak.CompareAndSwap(p, n) {
					break
				}
			}
			g.started <- string(input)
			<-g.release
			g.active.Add(-1)
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
}

func (g *gate) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d invocations started", i, n)
		}
	}
}

// -- Execution --

func TestOrchestrator_DependentTasksComplete(t *testing.T) {
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "T1", Tool: tools.EchoName, Input: json.RawMessage(`{"n":1}`)},
		mission.TaskSpec{Key: "T2", Tool: tools.EchoName, DependsOn: []string{"T1"}, Input: json.RawMessage(`{"prev":"@results.T1.n"}`)},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})

	id, err := h.orch.Submit(context.Background(), "do two things", "user-1")
	require.NoError(t, err)
	events := h.collect(t, id)

	assert.Equal(t, []mission.EventType{
		mission.EventPlanCreated,
		mission.EventTaskStarted, mission.EventTaskSucceeded,
		mission.EventTaskStarted, mission.EventTaskSucceeded,
		mission.EventMissionCompleted,
	}, types(events))
	assert.Equal(t, []string{"T1", "T1", "T2", "T2"}, taskKeys(t, events))
	assertGapless(t, events)

	snap, err := h.orch.GetMission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionCompleted, snap.Mission.Status)
	assert.Equal(t, "user-1", snap.Mission.OwnerID)
	assert.NotNil(t, snap.Mission.CompletedAt)
	assert.JSONEq(t, `{"prev":1}`, string(snap.Task("T2").Result))
}

func TestOrchestrator_RetriesExhaustedFailsMission(t *testing.T) {
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "T1", Tool: "broken"},
		mission.TaskSpec{Key: "T2", Tool: tools.EchoName, DependsOn: []string{"T1"}},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})
	require.NoError(t, h.registry.Register(failingTool("broken", errors.New("upstream 500"))))

	id, err := h.orch.Submit(context.Background(), "fail please", "")
	require.NoError(t, err)
	events := h.collect(t, id)

	assert.Equal(t, []mission.EventType{
		mission.EventPlanCreated,
		mission.EventTaskStarted,
		mission.EventTaskRetrying, mission.EventTaskRetrying,
		mission.EventTaskFailed,
		mission.EventTaskSkipped,
		mission.EventMissionFailed,
	}, types(events))
	assertGapless(t, events)

	snap, err := h.orch.GetMission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionFailed, snap.Mission.Status)
	assert.Equal(t, 0, snap.Mission.ReplanCount)
	assert.Equal(t, "task T1: upstream 500", snap.Mission.LastError)
	assert.Equal(t, mission.TaskFailed, snap.Task("T1").Status)
	assert.Equal(t, 3, snap.Task("T1").RetryCount)
	assert.Equal(t, mission.TaskSkipped, snap.Task("T2").Status)
	assert.Len(t, planner.calls(), 1)
}

func TestOrchestrator_DegradedContextStillPlans(t *testing.T) {
	retriever := new(mocks.MockRetriever)
	retriever.On("Retrieve", mock.Anything, "research it").Return(nil, errors.New("dial tcp: connection refused"))
	enr := enricher.New(config.EnricherConfig{Enabled: true, Timeout: time.Second, MaxSnippets: 5}, retriever, zaptest.NewLogger(t))

	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "only", Tool: tools.EchoName},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner, enricher: enr})

	id, err := h.orch.Submit(context.Background(), "research it", "")
	require.NoError(t, err)
	events := h.collect(t, id)

	require.NotEmpty(t, events)
	assert.Equal(t, mission.EventDiagnostic, events[0].Type)
	var diag mission.DiagnosticPayload
	require.NoError(t, events[0].Decode(&diag))
	assert.Equal(t, mission.DiagContextDegraded, diag.Code)
	assert.Contains(t, diag.Message, "connection refused")
	assert.Equal(t, mission.EventPlanCreated, events[1].Type)
	assert.Equal(t, mission.EventMissionCompleted, events[len(events)-1].Type)

	calls := planner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "research it", calls[0].Objective)
	assert.True(t, calls[0].Context.Degraded)
	assert.Empty(t, calls[0].Context.Snippets)
	retriever.AssertExpectations(t)
}

func TestOrchestrator_CancelWaitsForInFlightTasks(t *testing.T) {
	g := newGate()
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "a", Tool: "gate"},
		mission.TaskSpec{Key: "b", Tool: "gate"},
		mission.TaskSpec{Key: "c", Tool: tools.EchoName, DependsOn: []string{"a", "b"}},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})
	require.NoError(t, h.registry.Register(g.tool("gate")))

	ctx := context.Background()
	id, err := h.orch.Submit(ctx, "long running", "")
	require.NoError(t, err)
	g.waitStarted(t, 2)

	outcome, err := h.orch.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.CancelAccepted, outcome)

	outcome, err = h.orch.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.CancelAlreadyTerminal, outcome)

	// Both invocations are still in flight, so the mission must not have failed yet.
	snap, err := h.orch.GetMission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionExecuting, snap.Mission.Status)
	assert.Equal(t, 2, snap.ActivePlan().Counts()[mission.TaskRunning])

	close(g.release)
	events := h.collect(t, id)
	assertGapless(t, events)

	last := events[len(events)-1]
	require.Equal(t, mission.EventMissionFailed, last.Type)
	var failed mission.MissionFailedPayload
	require.NoError(t, last.Decode(&failed))
	assert.True(t, failed.Cancelled)
	assert.Equal(t, "cancelled", failed.Reason)

	snap, err = h.orch.GetMission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mission.TaskSucceeded, snap.Task("a").Status)
	assert.Equal(t, mission.TaskSucceeded, snap.Task("b").Status)
	assert.Equal(t, mission.TaskPending, snap.Task("c").Status)

	outcome, err = h.orch.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.CancelAlreadyTerminal, outcome)
}

// -- Re-planning --

func TestOrchestrator_ReplanAfterFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxReplans = 1
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){
		planOf(mission.TaskSpec{Key: "first", Tool: "no.such.tool"}),
		planOf(mission.TaskSpec{Key: "second", Tool: tools.EchoName}),
	}}
	h := newHarness(t, harnessOptions{cfg: cfg, planner: planner})

	id, err := h.orch.Submit(context.Background(), "adapt", "")
	require.NoError(t, err)
	events := h.collect(t, id)

	assert.Equal(t, []mission.EventType{
		mission.EventPlanCreated, mission.EventTaskStarted, mission.EventTaskFailed,
		mission.EventReplanned,
		mission.EventPlanCreated, mission.EventTaskStarted, mission.EventTaskSucceeded,
		mission.EventMissionCompleted,
	}, types(events))

	calls := planner.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].Revision)
	require.Len(t, calls[1].Failures, 1)
	assert.Equal(t, mission.CodeToolNotFound, calls[1].Failures[0].ErrorCode)

	snap, err := h.orch.GetMission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Mission.ReplanCount)
	require.Len(t, snap.Plans, 2)
	assert.False(t, snap.Plans[0].Active)
	assert.Equal(t, mission.TaskFailed, snap.Plans[0].Tasks[0].Status)
}

func TestOrchestrator_ReplanPolicy(t *testing.T) {
	tests := []struct {
		name       string
		maxReplans int
		replanOn   []string
		wantCalls  int
		wantCount  int
	}{
		{"attempts exhausted", 1, []string{string(mission.CodeToolNotFound)}, 2, 1},
		{"code not eligible", 3, []string{string(mission.CodeToolExecution)}, 1, 0},
		{"disabled", 0, []string{string(mission.CodeToolNotFound)}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.MaxReplans = tt.maxReplans
			cfg.ReplanOn = tt.replanOn
			planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){
				planOf(mission.TaskSpec{Key: "x", Tool: "no.such.tool"}),
			}}
			h := newHarness(t, harnessOptions{cfg: cfg, planner: planner})

			id, err := h.orch.Submit(context.Background(), "never works", "")
			require.NoError(t, err)
			events := h.collect(t, id)

			assert.Equal(t, mission.EventMissionFailed, events[len(events)-1].Type)
			assert.Len(t, planner.calls(), tt.wantCalls)
			snap, err := h.orch.GetMission(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, snap.Mission.ReplanCount)
		})
	}
}

// -- Planning failures --

func TestOrchestrator_FallbackPlanFailsCleanly(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxReplans = 2
	planner := strategist.New(nil, nil, 0, zaptest.NewLogger(t))
	h := newHarness(t, harnessOptions{cfg: cfg, planner: planner})

	id, err := h.orch.Submit(context.Background(), "needs a model", "")
	require.NoError(t, err)
	events := h.collect(t, id)

	assert.Equal(t, []mission.EventType{
		mission.EventDiagnostic,
		mission.EventPlanCreated, mission.EventTaskStarted, mission.EventTaskFailed,
		mission.EventMissionFailed,
	}, types(events))

	var diag mission.DiagnosticPayload
	require.NoError(t, events[0].Decode(&diag))
	assert.Equal(t, mission.DiagPlannerUnavailable, diag.Code)

	var created mission.PlanCreatedPayload
	require.NoError(t, events[1].Decode(&created))
	assert.True(t, created.Fallback)

	snap, err := h.orch.GetMission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mission.CodeUpstreamUnavailable, snap.Task(strategist.FallbackTaskKey).ErrorCode)
	assert.Contains(t, snap.Mission.LastError, "task unavailable:")
}

func TestOrchestrator_InvalidPlanFailsBeforeExecution(t *testing.T) {
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){
		planOf(
			mission.TaskSpec{Key: "a", Tool: tools.EchoName, DependsOn: []string{"b"}},
			mission.TaskSpec{Key: "b", Tool: tools.EchoName, DependsOn: []string{"a"}},
		),
	}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})

	id, err := h.orch.Submit(context.Background(), "cyclic", "")
	require.NoError(t, err)
	events := h.collect(t, id)

	assert.Equal(t, []mission.EventType{mission.EventMissionFailed}, types(events))
	snap, err := h.orch.GetMission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "planning failed", snap.Mission.FailureReason)
	assert.Contains(t, snap.Mission.LastError, "cycle")
	assert.Empty(t, snap.Plans)
}

// -- Concurrency --

func TestOrchestrator_BoundsInFlightTasks(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInFlightTasks = 2
	g := newGate()
	var specs []mission.TaskSpec
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		specs = append(specs, mission.TaskSpec{Key: k, Tool: "gate"})
	}
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(specs...)}}
	h := newHarness(t, harnessOptions{cfg: cfg, planner: planner})
	require.NoError(t, h.registry.Register(g.tool("gate")))

	id, err := h.orch.Submit(context.Background(), "fan out", "")
	require.NoError(t, err)
	g.waitStarted(t, 2)
	// A third invocation must not start while two are held.
	select {
	case <-g.started:
		t.Fatal("more than two tasks in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(g.release)

	events := h.collect(t, id)
	assert.Equal(t, mission.EventMissionCompleted, events[len(events)-1].Type)
	assert.LessOrEqual(t, g.peak.Load(), int32(2))
}

func TestOrchestrator_ManyMissionsInParallel(t *testing.T) {
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "a", Tool: tools.EchoName},
		mission.TaskSpec{Key: "b", Tool: tools.EchoName},
		mission.TaskSpec{Key: "c", Tool: tools.EchoName, DependsOn: []string{"a", "b"}},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})

	ids := make([]string, 12)
	for i := range ids {
		id, err := h.orch.Submit(context.Background(), "parallel", "")
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		events := h.collect(t, id)
		assertGapless(t, events)
		assert.Equal(t, mission.EventMissionCompleted, events[len(events)-1].Type)
	}

	done, err := h.orch.ListMissions(context.Background(), state.ListFilter{Statuses: []mission.MissionStatus{mission.MissionCompleted}})
	require.NoError(t, err)
	assert.Len(t, done, len(ids))
}

// -- Streams --

func TestOrchestrator_SubscribeFromPosition(t *testing.T) {
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "a", Tool: tools.EchoName},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, "short", "")
	require.NoError(t, err)
	all := h.collect(t, id)
	require.Len(t, all, 4)

	stream, err := h.orch.Subscribe(ctx, id, 2)
	require.NoError(t, err)
	var tail []int64
	for e := range stream.Events() {
		tail = append(tail, e.Sequence)
	}
	stream.Close()
	assert.Equal(t, []int64{3, 4}, tail)

	// Nothing is left after the terminal event; the stream closes immediately.
	stream, err = h.orch.Subscribe(ctx, id, 4)
	require.NoError(t, err)
	_, open := <-stream.Events()
	assert.False(t, open)
	stream.Close()

	_, err = h.orch.Subscribe(ctx, "missing", 0)
	assert.ErrorIs(t, err, mission.ErrMissionNotFound)
}

func TestOrchestrator_StreamCloseStopsDelivery(t *testing.T) {
	g := newGate()
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "a", Tool: "gate"},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})
	require.NoError(t, h.registry.Register(g.tool("gate")))

	id, err := h.orch.Submit(context.Background(), "hold", "")
	require.NoError(t, err)
	g.waitStarted(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.orch.Subscribe(ctx, id, 0)
	require.NoError(t, err)
	<-stream.Events()
	cancel()
	stream.Close()
	assert.ErrorIs(t, stream.Err(), context.Canceled)

	close(g.release)
	h.collect(t, id)
}

// -- Lifecycle --

func TestOrchestrator_RecoverFailsInterruptedMissions(t *testing.T) {
	repo := state.NewMemoryRepository()
	ctx := context.Background()

	// A previous process left one mission mid-execution and one completed.
	prev, err := state.NewManager(repo, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	interrupted, err := prev.CreateMission(ctx, "interrupted", "")
	require.NoError(t, err)
	_, err = prev.TransitionMission(ctx, interrupted.ID, state.MissionTransition{To: mission.MissionPlanning})
	require.NoError(t, err)
	_, err = prev.AttachPlan(ctx, interrupted.ID, mission.PlanSpec{Tasks: []mission.TaskSpec{
		{Key: "a", Tool: tools.EchoName},
		{Key: "b", Tool: tools.EchoName, DependsOn: []string{"a"}},
	}}, false)
	require.NoError(t, err)
	_, err = prev.TransitionTask(ctx, interrupted.ID, state.TaskTransition{Key: "a", To: mission.TaskRunning})
	require.NoError(t, err)

	finished, err := prev.CreateMission(ctx, "finished", "")
	require.NoError(t, err)
	_, err = prev.TransitionMission(ctx, finished.ID, state.MissionTransition{To: mission.MissionFailed, Reason: "done"})
	require.NoError(t, err)
	pending, err := prev.CreateMission(ctx, "queued", "")
	require.NoError(t, err)

	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(mission.TaskSpec{Key: "x", Tool: tools.EchoName})}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner, repo: repo})

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := h.orch.GetMission(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionFailed, snap.Mission.Status)
	assert.Equal(t, "interrupted", snap.Mission.FailureReason)
	assert.Equal(t, mission.TaskFailed, snap.Task("a").Status)
	assert.Equal(t, mission.CodeCancelled, snap.Task("a").ErrorCode)
	assert.Equal(t, mission.TaskPending, snap.Task("b").Status)

	snap, err = h.orch.GetMission(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionFailed, snap.Mission.Status)

	snap, err = h.orch.GetMission(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", snap.Mission.FailureReason)

	n, err = h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrchestrator_ShutdownInterruptsMissions(t *testing.T) {
	g := newGate()
	planner := &scriptedPlanner{results: []func(strategist.Request) (strategist.Result, error){planOf(
		mission.TaskSpec{Key: "a", Tool: "gate"},
		mission.TaskSpec{Key: "b", Tool: tools.EchoName, DependsOn: []string{"a"}},
	)}}
	h := newHarness(t, harnessOptions{cfg: baseConfig(), planner: planner})
	require.NoError(t, h.registry.Register(g.tool("gate")))
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, "interrupted", "")
	require.NoError(t, err)
	g.waitStarted(t, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- h.orch.Shutdown(ctx) }()
	// An empty objective creates nothing; it only reveals whether shutdown began.
	require.Eventually(t, func() bool {
		_, err := h.orch.Submit(ctx, "", "")
		return errors.Is(err, orchestrator.ErrShuttingDown)
	}, 5*time.Second, time.Millisecond)
	close(g.release)
	require.NoError(t, <-errCh)

	snap, err := h.orch.GetMission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionFailed, snap.Mission.Status)
	assert.Equal(t, "interrupted by shutdown", snap.Mission.FailureReason)
	assert.Equal(t, mission.TaskSucceeded, snap.Task("a").Status)
	assert.Equal(t, mission.TaskPending, snap.Task("b").Status)

	_, err = h.orch.Submit(ctx, "too late", "")
	assert.ErrorIs(t, err, orchestrator.ErrShuttingDown)
}

func TestNew_RejectsMissingDependencies(t *testing.T) {
	_, err := orchestrator.New(baseConfig(), zaptest.NewLogger(t), orchestrator.Dependencies{})
	assert.Error(t, err)
}
