// internal/mission/replay.go
package mission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Replay rebuilds a snapshot by applying events, in order, to the mission as
// it was created. The result of replaying a mission's full log equals the
// state the State Manager committed.
func Replay(base Mission, events []Event) (*Snapshot, error) {
	s := &Snapshot{Mission: base.Clone()}
	s.Mission.Status = MissionPending
	s.Mission.LastSequence = 0
	s.Mission.UpdatedAt = base.CreatedAt
	s.Mission.CompletedAt = nil
	for _, e := range events {
		if err := Apply(s, e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apply folds a single event into s. It enforces sequence continuity and the
// mission and task state machines; s is left untouched on error.
func Apply(s *Snapshot, e Event) error {
	const op = "mission.Apply"
	m := &s.Mission
	if e.MissionID != m.ID {
		return Errorf(CodeInvalidTransition, op, "event for mission %s applied to %s", e.MissionID, m.ID)
	}
	if e.Sequence != m.LastSequence+1 {
		return Errorf(CodeInvalidTransition, op, "sequence gap: expected %d, got %d", m.LastSequence+1, e.Sequence)
	}
	if m.Status.IsTerminal() {
		return Errorf(CodeMissionAlreadyTerminal, op, "mission %s is %s", m.ID, m.Status)
	}

	if err := applyPayload(s, e); err != nil {
		return err
	}
	m.LastSequence = e.Sequence
	m.UpdatedAt = e.Timestamp
	return nil
}

func applyPayload(s *Snapshot, e Event) error {
	const op = "mission.Apply"
	m := &s.Mission
	ts := e.Timestamp

	switch e.Type {
	case EventPlanCreated:
		var p PlanCreatedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if m.Status != MissionPending && m.Status != MissionPlanning {
			return Errorf(CodeInvalidTransition, op, "plan attached while mission is %s", m.Status)
		}
		for i := range s.Plans {
			s.Plans[i].Active = false
		}
		plan := p.Plan.Clone()
		plan.Active = true
		s.Plans = append(s.Plans, plan)
		m.Status = MissionExecuting

	case EventTaskStarted:
		var p TaskStartedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		t, err := taskFor(s, p.TaskKey, TaskRunning)
		if err != nil {
			return err
		}
		t.Status = TaskRunning
		t.StartedAt = &ts

	case EventTaskRetrying:
		var p TaskRetryingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		t := s.Task(p.TaskKey)
		if t == nil || t.Status != TaskRunning {
			return Errorf(CodeInvalidTransition, op, "retry recorded for task %q that is not running", p.TaskKey)
		}
		t.RetryCount = p.RetryCount
		t.Error = p.Error
		t.ErrorCode = p.ErrorCode

	case EventTaskSucceeded:
		var p TaskSucceededPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		t, err := taskFor(s, p.TaskKey, TaskSucceeded)
		if err != nil {
			return err
		}
		t.Status = TaskSucceeded
		t.Result = cloneRaw(p.Result)
		if len(t.Result) == 0 {
			t.Result = json.RawMessage("null")
		}
		t.RetryCount = p.RetryCount
		t.Error = ""
		t.ErrorCode = ""
		t.FinishedAt = &ts

	case EventTaskFailed:
		var p TaskFailedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		t, err := taskFor(s, p.TaskKey, TaskFailed)
		if err != nil {
			return err
		}
		t.Status = TaskFailed
		t.Error = p.Error
		t.ErrorCode = p.ErrorCode
		t.RetryCount = p.RetryCount
		t.FinishedAt = &ts

	case EventTaskSkipped:
		var p TaskSkippedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		t, err := taskFor(s, p.TaskKey, TaskSkipped)
		if err != nil {
			return err
		}
		t.Status = TaskSkipped
		t.ErrorCode = CodeDependencyFailed
		t.Error = SkipReason(p.FailedDependencies)
		t.FinishedAt = &ts

	case EventMissionCompleted:
		if !CanTransitionMission(m.Status, MissionCompleted) {
			return Errorf(CodeInvalidTransition, op, "cannot complete mission in %s", m.Status)
		}
		m.Status = MissionCompleted
		m.CompletedAt = &ts

	case EventMissionFailed:
		var p MissionFailedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if !CanTransitionMission(m.Status, MissionFailed) {
			return Errorf(CodeInvalidTransition, op, "cannot fail mission in %s", m.Status)
		}
		m.Status = MissionFailed
		m.FailureReason = p.Reason
		m.LastError = p.LastError
		m.CompletedAt = &ts

	case EventReplanned:
		var p ReplannedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if !CanTransitionMission(m.Status, MissionPlanning) {
			return Errorf(CodeInvalidTransition, op, "cannot re-plan mission in %s", m.Status)
		}
		m.Status = MissionPlanning
		m.ReplanCount = p.ReplanCount

	case EventCancelRequested:
		m.CancelRequested = true

	case EventDiagnostic:
		// Log-only.

	default:
		return Errorf(CodeInvalidTransition, op, "unknown event type %q", e.Type)
	}
	return nil
}

func taskFor(s *Snapshot, key string, to TaskStatus) (*Task, error) {
	t := s.Task(key)
	if t == nil {
		return nil, Errorf(CodeInvalidTransition, "mission.Apply", "task %q is not part of the active plan", key)
	}
	if !CanTransitionTask(t.Status, to) {
		return nil, Errorf(CodeInvalidTransition, "mission.Apply", "task %q cannot move from %s to %s", key, t.Status, to)
	}
	return t, nil
}

// SkipReason renders the error detail stored on a skipped task.
func SkipReason(failedDeps []string) string {
	return fmt.Sprintf("dependency failed: %s", strings.Join(failedDeps, ", "))
}
