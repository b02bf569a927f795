// internal/mission/events.go
package mission

import (
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType names the kind of state change an event records.
type EventType string

const (
	EventPlanCreated      EventType = "plan-created"
	EventTaskStarted      EventType = "task-started"
	EventTaskSucceeded    EventType = "task-succeeded"
	EventTaskFailed       EventType = "task-failed"
	EventTaskSkipped      EventType = "task-skipped"
	EventTaskRetrying     EventType = "task-retrying"
	EventMissionCompleted EventType = "mission-completed"
	EventMissionFailed    EventType = "mission-failed"
	EventReplanned        EventType = "replanned"
	EventDiagnostic       EventType = "diagnostic"      // Observable degradation; never a failure.
	EventCancelRequested  EventType = "cancel-requested"
)

// IsTerminal reports whether the event closes the mission log.
func (t EventType) IsTerminal() bool {
	return t == EventMissionCompleted || t == EventMissionFailed
}

// Event is an immutable entry of a mission's append-only log.
type Event struct {
	MissionID string          `json:"mission_id"`
	Sequence  int64           `json:"sequence"` // Gapless per mission, starting at 1.
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// -- Payloads --

type PlanCreatedPayload struct {
	Plan     Plan `json:"plan"`
	Fallback bool `json:"fallback,omitempty"` // The degenerate plan produced when planning was unavailable.
}

type TaskStartedPayload struct {
	TaskID  string `json:"task_id"`
	TaskKey string `json:"task_key"`
	Tool    string `json:"tool"`
}

type TaskSucceededPayload struct {
	TaskID     string          `json:"task_id"`
	TaskKey    string          `json:"task_key"`
	Result     json.RawMessage `json:"result"`
	RetryCount int             `json:"retry_count"`
}

type TaskFailedPayload struct {
	TaskID     string    `json:"task_id"`
	TaskKey    string    `json:"task_key"`
	Error      string    `json:"error"`
	ErrorCode  ErrorCode `json:"error_code"`
	RetryCount int       `json:"retry_count"`
}

type TaskSkippedPayload struct {
	TaskID             string   `json:"task_id"`
	TaskKey            string   `json:"task_key"`
	FailedDependencies []string `json:"failed_dependencies"`
}

type TaskRetryingPayload struct {
	TaskID     string        `json:"task_id"`
	TaskKey    string        `json:"task_key"`
	RetryCount int           `json:"retry_count"`
	Error      string        `json:"error"`
	ErrorCode  ErrorCode     `json:"error_code"`
	Backoff    time.Duration `json:"backoff_ns"`
}

type MissionCompletedPayload struct {
	PlanRevision int `json:"plan_revision"`
}

type MissionFailedPayload struct {
	Reason    string `json:"reason"`
	LastError string `json:"last_error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// TaskFailure summarizes one failed task for the next planning round.
type TaskFailure struct {
	TaskKey   string    `json:"task_key"`
	Tool      string    `json:"tool"`
	Error     string    `json:"error"`
	ErrorCode ErrorCode `json:"error_code"`
}

type ReplannedPayload struct {
	FromRevision int           `json:"from_revision"`
	ReplanCount  int           `json:"replan_count"`
	Failures     []TaskFailure `json:"failures"`
}

type DiagnosticPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CancelRequestedPayload struct {
	Status MissionStatus `json:"status"` // Mission status when the request arrived.
}

// Diagnostic codes.
const (
	DiagContextDegraded     = "CONTEXT_DEGRADED"
	DiagPlannerUnavailable  = "PLANNER_UNAVAILABLE"
	DiagRecoveryInterrupted = "RECOVERY_INTERRUPTED"
)

// NewEvent encodes payload and stamps the event.
func NewEvent(missionID string, seq int64, typ EventType, payload interface{}, ts time.Time) (Event, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	return Event{MissionID: missionID, Sequence: seq, Type: typ, Payload: raw, Timestamp: ts}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload (seq %d): %w", e.Type, e.Sequence, err)
	}
	return nil
}
