// internal/state/manager.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
)

// Publisher receives committed events. It must not block.
type Publisher interface {
	Publish(e mission.Event)
}

// CancelOutcome is the result of RequestCancel.
type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "accepted"
	CancelAlreadyTerminal CancelOutcome = "alreadyTerminal"
)

const defaultCommitTimeout = 30 * time.Second

// Manager owns every mutation of missions, plans and tasks. Transitions of one
// mission are serialized by a per-mission lock; sequence numbers are assigned
// under that lock, committed to the repository, and published before it is
// released, so subscribers see events in sequence order.
type Manager struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	commitTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	snap *mission.Snapshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. publisher may be nil.
func NewManager(repo Repository, publisher Publisher, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		repo:          repo,
		publisher:     publisher,
		logger:        logger.Named("state_manager"),
		now:           mission.Now,
		commitTimeout: defaultCommitTimeout,
		entries:       make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// lock returns the locked entry for id, loading it from the repository on a
// cache miss. The caller must call the returned unlock.
func (m *Manager) lock(ctx context.Context, id string) (*entry, func(), error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	if e.snap == nil {
		snap, err := m.repo.LoadMission(ctx, id)
		if err != nil {
			e.mu.Unlock()
			if errors.Is(err, mission.ErrMissionNotFound) {
				m.mu.Lock()
				if m.entries[id] == e {
					delete(m.entries, id)
				}
				m.mu.Unlock()
			}
			return nil, nil, err
		}
		e.snap = snap
	}
	return e, e.mu.Unlock, nil
}

// tx accumulates the events and row changes of one transition.
type tx struct {
	m       *Manager
	next    *mission.Snapshot
	ts      time.Time
	newPlan *mission.Plan
	tasks   map[string]struct{} // keys of active-plan tasks that changed
	events  []mission.Event
}

func (m *Manager) begin(cur *mission.Snapshot) *tx {
	return &tx{m: m, next: cur.Clone(), ts: m.now(), tasks: make(map[string]struct{})}
}

// emit assigns the next sequence number, folds the event into the pending
// snapshot and queues it for commit.
func (t *tx) emit(typ mission.EventType, payload interface{}) error {
	ev, err := mission.NewEvent(t.next.Mission.ID, t.next.Mission.LastSequence+1, typ, payload, t.ts)
	if err != nil {
		return err
	}
	if err := mission.Apply(t.next, ev); err != nil {
		return err
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *tx) touch(key string) { t.tasks[key] = struct{}{} }

// commit persists the transition, swaps it into e and publishes its events.
// e.mu must be held.
func (t *tx) commit(ctx context.Context, e *entry) error {
	c := &Commit{Mission: t.next.Mission, NewPlan: t.newPlan, Events: t.events}
	if t.newPlan != nil {
		c.NewPlan = t.next.ActivePlan()
	}
	if len(t.tasks) > 0 {
		active := t.next.ActivePlan()
		for _, task := range active.Tasks {
			if _, ok := t.tasks[task.Key]; ok {
				c.Tasks = append(c.Tasks, task)
			}
		}
	}

	// Cancellation of the caller must not tear a transition in half.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.m.commitTimeout)
	defer cancel()
	if err := t.m.repo.Commit(cctx, c); err != nil {
		return fmt.Errorf("failed to commit transition for mission %s: %w", t.next.Mission.ID, err)
	}

	e.snap = t.next
	if t.m.publisher != nil {
		for _, ev := range t.events {
			t.m.publisher.Publish(ev)
		}
	}
	return nil
}

func alreadyTerminal(op string, s *mission.Snapshot) error {
	return mission.Errorf(mission.CodeMissionAlreadyTerminal, op, "mission %s is %s", s.Mission.ID, s.Mission.Status)
}

// CreateMission records a new PENDING mission.
func (m *Manager) CreateMission(ctx context.Context, objective, ownerID string) (mission.Mission, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return mission.Mission{}, mission.Errorf(mission.CodeInvalidInput, "state.CreateMission", "objective cannot be empty")
	}
	now := m.now()
	ms := mission.Mission{
		ID:        uuid.NewString(),
		Objective: objective,
		OwnerID:   ownerID,
		Status:    mission.MissionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.CreateMission(ctx, ms); err != nil {
		return mission.Mission{}, fmt.Errorf("failed to create mission: %w", err)
	}

	m.mu.Lock()
	m.entries[ms.ID] = &entry{snap: &mission.Snapshot{Mission: ms.Clone()}}
	m.mu.Unlock()

	m.logger.Info("Mission created.", zap.String("mission_id", ms.ID))
	return ms, nil
}

// MissionTransition describes a requested mission status change.
type MissionTransition struct {
	To        mission.MissionStatus
	Reason    string // FAILED only.
	LastError string // FAILED only; defaults to the error of the last failed task.
	Cancelled bool   // FAILED only.
}

// TransitionMission validates and commits a mission status change and
// returns the event it produced. PENDING -> PLANNING produces no event.
// EXECUTING is reached only through AttachPlan.
func (m *Manager) TransitionMission(ctx context.Context, id string, tr MissionTransition) (*mission.Event, error) {
	const op = "state.TransitionMission"
	e, unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur := e.snap
	if cur.Mission.Status.IsTerminal() {
		return nil, alreadyTerminal(op, cur)
	}
	if tr.To == mission.MissionExecuting {
		return nil, mission.Errorf(mission.CodeInvalidTransition, op, "EXECUTING is entered by attaching a plan")
	}
	if !mission.CanTransitionMission(cur.Mission.Status, tr.To) {
		return nil, mission.Errorf(mission.CodeInvalidTransition, op, "mission %s cannot move from %s to %s", id, cur.Mission.Status, tr.To)
	}

	t := m.begin(cur)
	active := cur.ActivePlan()
	switch tr.To {
	case mission.MissionPlanning:
		if cur.Mission.Status == mission.MissionPending {
			t.next.Mission.Status = mission.MissionPlanning
			t.next.Mission.UpdatedAt = t.ts
			break
		}
		if cur.Mission.CancelRequested {
			return nil, mission.Errorf(mission.CodeCancelled, op, "mission %s is being cancelled; re-plan refused", id)
		}
		if n := active.Counts()[mission.TaskRunning]; n > 0 {
			return nil, mission.Errorf(mission.CodeInvalidTransition, op, "cannot re-plan with %d task(s) still running", n)
		}
		err = t.emit(mission.EventReplanned, mission.ReplannedPayload{
			FromRevision: active.Revision,
			ReplanCount:  cur.Mission.ReplanCount + 1,
			Failures:     Failures(active),
		})

	case mission.MissionCompleted:
		if cur.Mission.CancelRequested {
			return nil, mission.Errorf(mission.CodeCancelled, op, "mission %s is being cancelled; completion refused", id)
		}
		if active == nil {
			return nil, mission.Errorf(mission.CodeInvalidTransition, op, "mission %s has no plan", id)
		}
		for _, task := range active.Tasks {
			if task.Status != mission.TaskSucceeded {
				return nil, mission.Errorf(mission.CodeInvalidTransition, op, "task %q is %s; every task must succeed before completion", task.Key, task.Status)
			}
		}
		err = t.emit(mission.EventMissionCompleted, mission.MissionCompletedPayload{PlanRevision: active.Revision})

	case mission.MissionFailed:
		if active != nil {
			if n := active.Counts()[mission.TaskRunning]; n > 0 {
				return nil, mission.Errorf(mission.CodeInvalidTransition, op, "cannot fail mission with %d task(s) still running", n)
			}
		}
		lastErr := tr.LastError
		if lastErr == "" && active != nil {
			lastErr = lastTaskError(active)
		}
		err = t.emit(mission.EventMissionFailed, mission.MissionFailedPayload{
			Reason:    tr.Reason,
			LastError: lastErr,
			Cancelled: tr.Cancelled,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := t.commit(ctx, e); err != nil {
		return nil, err
	}
	m.logger.Info("Mission transitioned.",
		zap.String("mission_id", id),
		zap.String("from", string(cur.Mission.Status)),
		zap.String("to", string(tr.To)))
	return t.lastEvent(), nil
}

func (t *tx) lastEvent() *mission.Event {
	if len(t.events) == 0 {
		return nil
	}
	ev := t.events[len(t.events)-1]
	return &ev
}

// AttachPlan validates spec and makes it the active plan revision, moving the
// mission from PLANNING to EXECUTING. Invalid plans are rejected with
// PLAN_INVALID before anything is written.
func (m *Manager) AttachPlan(ctx context.Context, id string, spec mission.PlanSpec, fallback bool) (*mission.Plan, error) {
	const op = "state.AttachPlan"
	if err := mission.ValidatePlan(spec); err != nil {
		return nil, err
	}

	e, unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur := e.snap
	if cur.Mission.Status.IsTerminal() {
		return nil, alreadyTerminal(op, cur)
	}
	if cur.Mission.Status != mission.MissionPlanning {
		return nil, mission.Errorf(mission.CodeInvalidTransition, op, "plans can only be attached while PLANNING, mission is %s", cur.Mission.Status)
	}
	if cur.Mission.CancelRequested {
		return nil, mission.Errorf(mission.CodeCancelled, op, "mission %s is being cancelled; plan not attached", id)
	}

	t := m.begin(cur)
	plan := mission.Plan{
		ID:        uuid.NewString(),
		MissionID: id,
		Revision:  len(cur.Plans) + 1,
		CreatedAt: t.ts,
		Tasks:     make([]mission.Task, len(spec.Tasks)),
	}
	for i, ts := range spec.Tasks {
		input := ts.Input
		if len(input) == 0 || string(input) == "null" {
			input = json.RawMessage("{}")
		}
		plan.Tasks[i] = mission.Task{
			ID:          uuid.NewString(),
			PlanID:      plan.ID,
			MissionID:   id,
			Key:         strings.TrimSpace(ts.Key),
			Description: ts.Description,
			Status:      mission.TaskPending,
			DependsOn:   mission.NormalizeDeps(ts.DependsOn),
			Tool:        ts.Tool,
			Input:       append(json.RawMessage{}, input...),
			Position:    i,
		}
	}
	t.newPlan = &plan
	if err := t.emit(mission.EventPlanCreated, mission.PlanCreatedPayload{Plan: plan, Fallback: fallback}); err != nil {
		return nil, err
	}
	if err := t.commit(ctx, e); err != nil {
		return nil, err
	}

	m.logger.Info("Plan attached.",
		zap.String("mission_id", id),
		zap.Int("revision", plan.Revision),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Bool("fallback", fallback))
	out := e.snap.ActivePlan().Clone()
	return &out, nil
}

// TaskTransition describes a requested task status change.
type TaskTransition struct {
	Key        string
	To         mission.TaskStatus
	Result     json.RawMessage   // SUCCEEDED
	Error      string            // FAILED
	ErrorCode  mission.ErrorCode // FAILED
	RetryCount int               // SUCCEEDED, FAILED
}

// TransitionTask validates and commits a task status change in the active
// plan. RUNNING requires every dependency SUCCEEDED and no pending
// cancellation; SKIPPED requires a FAILED or SKIPPED dependency.
func (m *Manager) TransitionTask(ctx context.Context, id string, tr TaskTransition) (mission.Event, error) {
	const op = "state.TransitionTask"
	e, unlock, err := m.lock(ctx, id)
	if err != nil {
		return mission.Event{}, err
	}
	defer unlock()

	cur := e.snap
	task, err := runningPlanTask(op, cur, tr.Key)
	if err != nil {
		return mission.Event{}, err
	}
	if !mission.CanTransitionTask(task.Status, tr.To) {
		return mission.Event{}, mission.Errorf(mission.CodeInvalidTransition, op, "task %q cannot move from %s to %s", tr.Key, task.Status, tr.To)
	}

	status := cur.ActivePlan().StatusByKey()
	t := m.begin(cur)
	switch tr.To {
	case mission.TaskRunning:
		if cur.Mission.CancelRequested {
			return mission.Event{}, mission.Errorf(mission.CodeCancelled, op, "mission %s is being cancelled; task %q not started", id, tr.Key)
		}
		for _, d := range task.DependsOn {
			if status[d] != mission.TaskSucceeded {
				return mission.Event{}, mission.Errorf(mission.CodeInvalidTransition, op, "task %q dependency %q is %s", tr.Key, d, status[d])
			}
		}
		err = t.emit(mission.EventTaskStarted, mission.TaskStartedPayload{TaskID: task.ID, TaskKey: task.Key, Tool: task.Tool})

	case mission.TaskSkipped:
		failed := mission.FailedDependencies(*task, status)
		if len(failed) == 0 {
			return mission.Event{}, mission.Errorf(mission.CodeInvalidTransition, op, "task %q has no failed dependency to skip on", tr.Key)
		}
		err = t.emit(mission.EventTaskSkipped, mission.TaskSkippedPayload{TaskID: task.ID, TaskKey: task.Key, FailedDependencies: failed})

	case mission.TaskSucceeded:
		result := tr.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		err = t.emit(mission.EventTaskSucceeded, mission.TaskSucceededPayload{TaskID: task.ID, TaskKey: task.Key, Result: result, RetryCount: tr.RetryCount})

	case mission.TaskFailed:
		code := tr.ErrorCode
		if code == "" {
			code = mission.CodeToolExecution
		}
		err = t.emit(mission.EventTaskFailed, mission.TaskFailedPayload{TaskID: task.ID, TaskKey: task.Key, Error: tr.Error, ErrorCode: code, RetryCount: tr.RetryCount})
	}
	if err != nil {
		return mission.Event{}, err
	}
	t.touch(tr.Key)
	if err := t.commit(ctx, e); err != nil {
		return mission.Event{}, err
	}

	m.logger.Debug("Task transitioned.",
		zap.String("mission_id", id),
		zap.String("task_key", tr.Key),
		zap.String("from", string(task.Status)),
		zap.String("to", string(tr.To)))
	return *t.lastEvent(), nil
}

// RecordRetry records a failed attempt of a RUNNING task that will be retried.
func (m *Manager) RecordRetry(ctx context.Context, id, key string, retryCount int, cause error, wait time.Duration) (mission.Event, error) {
	const op = "state.RecordRetry"
	e, unlock, err := m.lock(ctx, id)
	if err != nil {
		return mission.Event{}, err
	}
	defer unlock()

	task, err := runningPlanTask(op, e.snap, key)
	if err != nil {
		return mission.Event{}, err
	}
	if task.Status != mission.TaskRunning {
		return mission.Event{}, mission.Errorf(mission.CodeInvalidTransition, op, "task %q is %s, not RUNNING", key, task.Status)
	}

	t := m.begin(e.snap)
	code := mission.CodeOf(cause)
	if code == "" {
		code = mission.CodeToolExecution
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := t.emit(mission.EventTaskRetrying, mission.TaskRetryingPayload{
		TaskID: task.ID, TaskKey: key, RetryCount: retryCount, Error: msg, ErrorCode: code, Backoff: wait,
	}); err != nil {
		return mission.Event{}, err
	}
	t.touch(key)
	if err := t.commit(ctx, e); err != nil {
		return mission.Event{}, err
	}
	return *t.lastEvent(), nil
}

// RequestCancel marks a mission for cooperative cancellation. The first
// request on a live mission is accepted; any later request, or one on a
// terminal mission, reports alreadyTerminal.
func (m *Manager) RequestCancel(ctx context.Context, id string) (CancelOutcome, error) {
	e, unlock, err := m.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	cur := e.snap
	if cur.Mission.Status.IsTerminal() || cur.Mission.CancelRequested {
		return CancelAlreadyTerminal, nil
	}
	t := m.begin(cur)
	if err := t.emit(mission.EventCancelRequested, mission.CancelRequestedPayload{Status: cur.Mission.Status}); err != nil {
		return "", err
	}
	if err := t.commit(ctx, e); err != nil {
		return "", err
	}
	m.logger.Info("Cancellation requested.", zap.String("mission_id", id), zap.String("status", string(cur.Mission.Status)))
	return CancelAccepted, nil
}

// RecordDiagnostic appends a diagnostic event to a live mission.
func (m *Manager) RecordDiagnostic(ctx context.Context, id, code, message string) (mission.Event, error) {
	const op = "state.RecordDiagnostic"
	e, unlock, err := m.lock(ctx, id)
	if err != nil {
		return mission.Event{}, err
	}
	defer unlock()

	if e.snap.Mission.Status.IsTerminal() {
		return mission.Event{}, alreadyTerminal(op, e.snap)
	}
	t := m.begin(e.snap)
	if err := t.emit(mission.EventDiagnostic, mission.DiagnosticPayload{Code: code, Message: message}); err != nil {
		return mission.Event{}, err
	}
	if err := t.commit(ctx, e); err != nil {
		return mission.Event{}, err
	}
	m.logger.Warn("Diagnostic recorded.", zap.String("mission_id", id), zap.String("code", code), zap.String("message", message))
	return *t.lastEvent(), nil
}

// Snapshot returns a deep copy of the mission's current state.
func (m *Manager) Snapshot(ctx context.Context, id string) (*mission.Snapshot, error) {
	e, unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.snap.Clone(), nil
}

// Events returns the mission's committed events with sequence > after.
func (m *Manager) Events(ctx context.Context, id string, after int64) ([]mission.Event, error) {
	return m.repo.LoadEvents(ctx, id, after)
}

// ListMissions returns missions matching f.
func (m *Manager) ListMissions(ctx context.Context, f ListFilter) ([]mission.Mission, error) {
	return m.repo.ListMissions(ctx, f)
}

// Forget drops a terminal mission from the in-memory cache; it is reloaded
// from the repository on next access.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.mu.Lock()
		terminal := e.snap != nil && e.snap.Mission.Status.IsTerminal()
		e.mu.Unlock()
		if terminal {
			delete(m.entries, id)
		}
	}
}

func runningPlanTask(op string, s *mission.Snapshot, key string) (*mission.Task, error) {
	if s.Mission.Status.IsTerminal() {
		return nil, alreadyTerminal(op, s)
	}
	if s.Mission.Status != mission.MissionExecuting {
		return nil, mission.Errorf(mission.CodeInvalidTransition, op, "mission %s is %s, not EXECUTING", s.Mission.ID, s.Mission.Status)
	}
	task := s.Task(key)
	if task == nil {
		return nil, mission.Errorf(mission.CodeInvalidTransition, op, "task %q is not part of the active plan", key)
	}
	return task, nil
}

// Failures summarizes the failed tasks of a plan, in plan order.
func Failures(p *mission.Plan) []mission.TaskFailure {
	if p == nil {
		return nil
	}
	var out []mission.TaskFailure
	for _, t := range p.Tasks {
		if t.Status == mission.TaskFailed {
			out = append(out, mission.TaskFailure{TaskKey: t.Key, Tool: t.Tool, Error: t.Error, ErrorCode: t.ErrorCode})
		}
	}
	return out
}

func lastTaskError(p *mission.Plan) string {
	var last *mission.Task
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Status != mission.TaskFailed || t.FinishedAt == nil {
			continue
		}
		if last == nil || t.FinishedAt.After(*last.FinishedAt) {
			last = t
		}
	}
	if last == nil {
		return ""
	}
	return fmt.Sprintf("task %s: %s", last.Key, last.Error)
}
