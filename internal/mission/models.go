// internal/mission/models.go
package mission

import (
	"encoding/json"
	"time"
)

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionPending   MissionStatus = "PENDING"   // Recorded, not yet started.
	MissionPlanning  MissionStatus = "PLANNING"  // Enricher and Strategist are running.
	MissionExecuting MissionStatus = "EXECUTING" // A plan is attached and tasks are being dispatched.
	MissionCompleted MissionStatus = "COMPLETED" // Every task of the active plan succeeded.
	MissionFailed    MissionStatus = "FAILED"    // Planning failed, tasks failed, or the mission was cancelled.
)

// IsTerminal reports whether no further transition is possible.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionCompleted || s == MissionFailed
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskSkipped   TaskStatus = "SKIPPED" // An upstream dependency failed or was skipped.
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// Mission is one user-initiated unit of orchestrated work.
type Mission struct {
	ID              string        `json:"id"`
	Objective       string        `json:"objective"`
	OwnerID         string        `json:"owner_id,omitempty"` // Opaque reference to the submitting user.
	Status          MissionStatus `json:"status"`
	ReplanCount     int           `json:"replan_count"`
	CancelRequested bool          `json:"cancel_requested"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	LastSequence    int64         `json:"last_sequence"` // Sequence of the newest event in the mission log.
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Plan is one revision of the Strategist's output for a mission.
type Plan struct {
	ID        string    `json:"id"`
	MissionID string    `json:"mission_id"`
	Revision  int       `json:"revision"` // 1-based; a re-plan creates revision n+1.
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	Tasks     []Task    `json:"tasks"`
}

// Task is one executable step of a plan, bound to exactly one tool.
type Task struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	MissionID   string          `json:"mission_id"`
	Key         string          `json:"key"` // Unique within the plan; dependency edges refer to keys.
	Description string          `json:"description"`
	Status      TaskStatus      `json:"status"`
	DependsOn   []string        `json:"depends_on"`
	Tool        string          `json:"tool"`
	Input       json.RawMessage `json:"input"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   ErrorCode       `json:"error_code,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Position    int             `json:"position"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// TaskSpec is a task as proposed by the Strategist, before it is attached.
type TaskSpec struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Tool        string          `json:"tool"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// PlanSpec is an ordered list of proposed tasks.
type PlanSpec struct {
	Tasks []TaskSpec `json:"tasks"`
}

// Snapshot is a consistent read-only view of a mission and every plan revision.
type Snapshot struct {
	Mission Mission `json:"mission"`
	Plans   []Plan  `json:"plans"` // Ascending by revision.
}

// ActivePlan returns the active plan revision, or nil before planning finished.
func (s *Snapshot) ActivePlan() *Plan {
	for i := len(s.Plans) - 1; i >= 0; i-- {
		if s.Plans[i].Active {
			return &s.Plans[i]
		}
	}
	return nil
}

// Task returns the task with the given key in the active plan.
func (s *Snapshot) Task(key string) *Task {
	p := s.ActivePlan()
	if p == nil {
		return nil
	}
	return p.Task(key)
}

// Task returns the task with the given key, or nil.
func (p *Plan) Task(key string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].Key == key {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{Mission: s.Mission.Clone()}
	if s.Plans != nil {
		out.Plans = make([]Plan, len(s.Plans))
		for i := range s.Plans {
			out.Plans[i] = s.Plans[i].Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the mission.
func (m Mission) Clone() Mission {
	m.CompletedAt = cloneTime(m.CompletedAt)
	return m
}

// Clone returns a deep copy of the plan and its tasks.
func (p Plan) Clone() Plan {
	if p.Tasks != nil {
		tasks := make([]Task, len(p.Tasks))
		for i := range p.Tasks {
			tasks[i] = p.Tasks[i].Clone()
		}
		p.Tasks = tasks
	}
	return p
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	if t.DependsOn != nil {
		t.DependsOn = append([]string{}, t.DependsOn...)
	}
	t.Input = cloneRaw(t.Input)
	t.Result = cloneRaw(t.Result)
	t.StartedAt = cloneTime(t.StartedAt)
	t.FinishedAt = cloneTime(t.FinishedAt)
	return t
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage{}, r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Now returns the current time in the precision every repository round-trips: UTC, microseconds.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
