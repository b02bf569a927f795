// File: internal/orchestrator/orchestrator.go
// Description: Drives missions through planning and execution. Each mission
// runs on its own worker; every state change goes through the State Manager.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/overmind/internal/bus"
	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/enricher"
	"github.com/xkilldash9x/overmind/internal/executor"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/strategist"
	"github.com/xkilldash9x/overmind/internal/tools"
)

// -- Interfaces for Dependency Inversion --

// Enricher gathers research for an objective. It never fails.
type Enricher interface {
	Enrich(ctx context.Context, objective string) enricher.Context
}

// Planner produces a plan for an objective.
type Planner interface {
	Plan(ctx context.Context, req strategist.Request) (strategist.Result, error)
}

// Runner executes one task to a terminal state.
type Runner interface {
	Execute(ctx context.Context, missionID string, task mission.Task, snap *mission.Snapshot) (executor.Result, error)
}

// ToolLister lists registered tools.
type ToolLister interface {
	List() []tools.Descriptor
}

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Dependencies are the collaborators an Orchestrator is built from.
type Dependencies struct {
	State    *state.Manager
	Bus      *bus.EventBus
	Enricher Enricher
	Planner  Planner
	Runner   Runner
	Tools    ToolLister
}

// Orchestrator runs missions. It is constructed once at startup and shared
// by every surface.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	logger   *zap.Logger
	state    *state.Manager
	bus      *bus.EventBus
	enricher Enricher
	planner  Planner
	runner   Runner
	tools    ToolLister
	replanOn map[mission.ErrorCode]struct{}

	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	shutdown bool
}

// New creates an Orchestrator.
func New(cfg config.OrchestratorConfig, logger *zap.Logger, deps Dependencies) (*Orchestrator, error) {
	if logger == nil ||
		deps.State == nil ||
		deps.Bus == nil ||
		deps.Enricher == nil ||
		deps.Planner == nil ||
		deps.Runner == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if cfg.MaxConcurrentMissions <= 0 {
		cfg.MaxConcurrentMissions = 16
	}
	if cfg.MaxInFlightTasks <= 0 {
		cfg.MaxInFlightTasks = 4
	}

	replanOn := make(map[mission.ErrorCode]struct{}, len(cfg.ReplanOn))
	for _, c := range cfg.ReplanOn {
		replanOn[mission.ErrorCode(c)] = struct{}{}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		state:      deps.State,
		bus:        deps.Bus,
		enricher:   deps.Enricher,
		planner:    deps.Planner,
		runner:     deps.Runner,
		tools:      deps.Tools,
		replanOn:   replanOn,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentMissions)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		active:     make(map[string]context.CancelFunc),
	}, nil
}

// Submit records a mission and starts its worker. It returns as soon as the
// mission is durable; orchestration continues in the background.
func (o *Orchestrator) Submit(ctx context.Context, objective, ownerID string) (string, error) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	o.mu.Unlock()

	m, err := o.state.CreateMission(ctx, objective, ownerID)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown {
		o.failDetached(m.ID, "orchestrator shut down before the mission started", false)
		return m.ID, nil
	}
	missionCtx, cancel := context.WithCancel(o.baseCtx)
	o.active[m.ID] = cancel
	o.wg.Add(1)
	go o.worker(missionCtx, m.ID)

	o.logger.Info("Mission submitted.", zap.String("mission_id", m.ID), zap.String("objective", m.Objective))
	return m.ID, nil
}

// GetMission returns a snapshot of the mission and every plan revision.
func (o *Orchestrator) GetMission(ctx context.Context, id string) (*mission.Snapshot, error) {
	return o.state.Snapshot(ctx, id)
}

// ListMissions returns missions matching f.
func (o *Orchestrator) ListMissions(ctx context.Context, f state.ListFilter) ([]mission.Mission, error) {
	return o.state.ListMissions(ctx, f)
}

// Events returns the committed events with sequence > after.
func (o *Orchestrator) Events(ctx context.Context, id string, after int64) ([]mission.Event, error) {
	return o.state.Events(ctx, id, after)
}

// Tools lists the registered tools.
func (o *Orchestrator) Tools() []tools.Descriptor {
	if o.tools == nil {
		return []tools.Descriptor{}
	}
	return o.tools.List()
}

// Cancel requests cooperative cancellation. In-flight invocations finish or
// time out, nothing new is dispatched, and the mission fails once no task is
// RUNNING.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (state.CancelOutcome, error) {
	outcome, err := o.state.RequestCancel(ctx, id)
	if err != nil {
		return "", err
	}
	if outcome == state.CancelAccepted {
		o.mu.Lock()
		cancel, ok := o.active[id]
		o.mu.Unlock()
		if ok {
			cancel()
		}
	}
	return outcome, nil
}

// Shutdown stops accepting missions, cancels every worker and waits for them
// up to the configured shutdown timeout or until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shutdown = true
	o.baseCancel()
	o.mu.Unlock()

	timeout := o.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("Orchestrator stopped gracefully.")
		return nil
	case <-waitCtx.Done():
		o.mu.Lock()
		n := len(o.active)
		o.mu.Unlock()
		return fmt.Errorf("shutdown timed out with %d mission(s) still running: %w", n, waitCtx.Err())
	}
}

// worker owns one mission from PENDING to a terminal state.
func (o *Orchestrator) worker(ctx context.Context, id string) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.active[id]; ok {
			cancel()
			delete(o.active, id)
		}
		o.mu.Unlock()
		o.state.Forget(id)
	}()
	logger := o.logger.With(zap.String("mission_id", id))

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finishInterrupted(id, logger)
		return
	}
	defer o.sem.Release(1)

	if err := o.drive(ctx, id, logger); err != nil {
		logger.Error("Mission worker stopped on a state error.", zap.Error(err))
		o.failDetached(id, fmt.Sprintf("internal error: %v", err), false)
	}
}

// drive is the mission state machine.
func (o *Orchestrator) drive(ctx context.Context, id string, logger *zap.Logger) error {
	wctx := context.WithoutCancel(ctx)

	if _, err := o.state.TransitionMission(wctx, id, state.MissionTransition{To: mission.MissionPlanning}); err != nil {
		return err
	}
	snap, err := o.state.Snapshot(wctx, id)
	if err != nil {
		return err
	}
	objective := snap.Mission.Objective

	research, err := o.enrich(ctx, id, objective, logger)
	if err != nil {
		return err
	}

	var failures []mission.TaskFailure
	for revision := 1; ; revision++ {
		if o.stopping(ctx, snap) {
			return o.finishCancelled(wctx, id, logger)
		}

		result, err := o.plan(ctx, strategist.Request{
			Objective: objective,
			Context:   research,
			Failures:  failures,
			Revision:  revision,
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.finishCancelled(wctx, id, logger)
			}
			return o.failPlanning(wctx, id, err, logger)
		}
		if result.Fallback {
			if _, err := o.state.RecordDiagnostic(wctx, id, mission.DiagPlannerUnavailable, result.Reason); err != nil {
				return err
			}
		}

		if snap, err = o.state.Snapshot(wctx, id); err != nil {
			return err
		}
		if o.stopping(ctx, snap) {
			return o.finishCancelled(wctx, id, logger)
		}
		plan, err := o.state.AttachPlan(wctx, id, result.Spec, result.Fallback)
		if err != nil {
			if errors.Is(err, mission.ErrCancelled) {
				return o.finishCancelled(wctx, id, logger)
			}
			if errors.Is(err, mission.ErrPlanInvalid) {
				return o.failPlanning(wctx, id, err, logger)
			}
			return err
		}
		logger.Info("Plan attached.", zap.Int("revision", plan.Revision), zap.Int("tasks", len(plan.Tasks)), zap.Bool("fallback", result.Fallback))

		if err := o.execute(ctx, id); err != nil {
			return err
		}

		if snap, err = o.state.Snapshot(wctx, id); err != nil {
			return err
		}
		if o.stopping(ctx, snap) {
			return o.finishCancelled(wctx, id, logger)
		}

		active := snap.ActivePlan()
		if active.Counts()[mission.TaskSucceeded] == len(active.Tasks) {
			_, err := o.state.TransitionMission(wctx, id, state.MissionTransition{To: mission.MissionCompleted})
			if errors.Is(err, mission.ErrCancelled) {
				// A cancel landed after the last snapshot.
				return o.finishCancelled(wctx, id, logger)
			}
			if err == nil {
				logger.Info("Mission completed.", zap.Int("revision", active.Revision))
			}
			return err
		}

		failures = state.Failures(active)
		if o.shouldReplan(snap.Mission, failures) {
			if _, err := o.state.TransitionMission(wctx, id, state.MissionTransition{To: mission.MissionPlanning}); err != nil {
				if errors.Is(err, mission.ErrCancelled) {
					return o.finishCancelled(wctx, id, logger)
				}
				return err
			}
			logger.Info("Re-planning after task failures.", zap.Int("failures", len(failures)), zap.Int("from_revision", active.Revision))
			continue
		}

		_, err = o.state.TransitionMission(wctx, id, state.MissionTransition{
			To:     mission.MissionFailed,
			Reason: fmt.Sprintf("%d task(s) failed in plan revision %d", len(failures), active.Revision),
		})
		if err == nil {
			logger.Warn("Mission failed.", zap.Int("failures", len(failures)))
		}
		return err
	}
}

// stopping reports whether the mission must stop dispatching.
func (o *Orchestrator) stopping(ctx context.Context, snap *mission.Snapshot) bool {
	return ctx.Err() != nil || snap.Mission.CancelRequested
}

// shouldReplan applies the bounded re-plan policy: re-plan only while
// attempts remain and every failure's code is eligible.
func (o *Orchestrator) shouldReplan(m mission.Mission, failures []mission.TaskFailure) bool {
	if m.ReplanCount >= o.cfg.MaxReplans || len(failures) == 0 {
		return false
	}
	for _, f := range failures {
		if _, ok := o.replanOn[f.ErrorCode]; !ok {
			return false
		}
	}
	return true
}

func (o *Orchestrator) enrich(ctx context.Context, id, objective string, logger *zap.Logger) (enricher.Context, error) {
	research := o.enricher.Enrich(ctx, objective)
	if research.Degraded {
		logger.Warn("Planning without research context.", zap.String("reason", research.Reason))
		if _, err := o.state.RecordDiagnostic(context.WithoutCancel(ctx), id, mission.DiagContextDegraded, research.Reason); err != nil {
			return research, err
		}
	}
	return research, nil
}

func (o *Orchestrator) plan(ctx context.Context, req strategist.Request) (strategist.Result, error) {
	if o.cfg.PlanningTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.PlanningTimeout)
		defer cancel()
	}
	return o.planner.Plan(ctx, req)
}

type taskDone struct {
	res executor.Result
	err error
}

// execute dispatches runnable and blocked tasks of the active plan until
// nothing is in flight. Dependency completion re-evaluates the runnable set;
// there is no polling.
func (o *Orchestrator) execute(ctx context.Context, id string) error {
	wctx := context.WithoutCancel(ctx)
	limit := o.cfg.MaxInFlightTasks

	var g errgroup.Group
	g.SetLimit(limit)
	done := make(chan taskDone, limit)
	dispatched := make(map[string]struct{})
	inFlight := 0
	var firstErr error

	for {
		snap, err := o.state.Snapshot(wctx, id)
		if err != nil {
			firstErr = err
		} else if firstErr == nil && !o.stopping(ctx, snap) {
			plan := snap.ActivePlan()
			ready := append(plan.Blocked(), plan.Runnable()...)
			for _, t := range ready {
				if inFlight >= limit {
					break
				}
				if _, ok := dispatched[t.Key]; ok {
					continue
				}
				dispatched[t.Key] = struct{}{}
				inFlight++
				task, view := t, snap
				g.Go(func() error {
					res, err := o.runner.Execute(ctx, id, task, view)
					done <- taskDone{res: res, err: err}
					return nil
				})
			}
		}

		if inFlight == 0 {
			break
		}
		d := <-done
		inFlight--
		if d.err != nil && firstErr == nil {
			firstErr = d.err
		}
	}
	_ = g.Wait()
	return firstErr
}

func (o *Orchestrator) failPlanning(ctx context.Context, id string, cause error, logger *zap.Logger) error {
	logger.Warn("Planning failed.", zap.Error(cause))
	_, err := o.state.TransitionMission(ctx, id, state.MissionTransition{
		To:        mission.MissionFailed,
		Reason:    "planning failed",
		LastError: cause.Error(),
	})
	return err
}

// finishCancelled fails a mission whose worker was told to stop, once no
// task is RUNNING.
func (o *Orchestrator) finishCancelled(ctx context.Context, id string, logger *zap.Logger) error {
	snap, err := o.state.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	reason := "cancelled"
	if !snap.Mission.CancelRequested {
		reason = "interrupted by shutdown"
	}
	_, err = o.state.TransitionMission(ctx, id, state.MissionTransition{
		To:        mission.MissionFailed,
		Reason:    reason,
		Cancelled: true,
	})
	if err == nil {
		logger.Info("Mission stopped.", zap.String("reason", reason))
	}
	return err
}

func (o *Orchestrator) finishInterrupted(id string, logger *zap.Logger) {
	if err := o.finishCancelled(context.Background(), id, logger); err != nil && !errors.Is(err, mission.ErrMissionAlreadyTerminal) {
		logger.Error("Failed to record mission interruption.", zap.Error(err))
	}
}

// failDetached is the last-resort failure path when the worker cannot
// continue normally.
func (o *Orchestrator) failDetached(id, reason string, cancelled bool) {
	_, err := o.state.TransitionMission(context.Background(), id, state.MissionTransition{
		To:        mission.MissionFailed,
		Reason:    reason,
		Cancelled: cancelled,
	})
	if err != nil && !errors.Is(err, mission.ErrMissionAlreadyTerminal) {
		o.logger.Error("Failed to record mission failure.", zap.String("mission_id", id), zap.Error(err))
	}
}
