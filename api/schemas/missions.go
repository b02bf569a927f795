// File: api/schemas/missions.go
package schemas

import "time"

// SubmitMissionRequest is the body of POST /api/v1/missions.
type SubmitMissionRequest struct {
	Objective string `json:"objective"`
	OwnerID   string `json:"owner_id,omitempty"`
}

// SubmitMissionResponse acknowledges a submission; the mission runs asynchronously.
type SubmitMissionResponse struct {
	MissionID string `json:"mission_id"`
}

// CancelOutcome is the result of a cancellation request.
type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "accepted"
	CancelAlreadyTerminal CancelOutcome = "alreadyTerminal"
)

// CancelMissionResponse is returned by POST /api/v1/missions/{id}/cancel.
type CancelMissionResponse struct {
	MissionID string        `json:"mission_id"`
	Outcome   CancelOutcome `json:"outcome"`
}

// MissionSummary is one row of GET /api/v1/missions.
type MissionSummary struct {
	ID          string     `json:"id"`
	Objective   string     `json:"objective"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CommandResponse is the uniform envelope for every API response.
type CommandResponse struct {
	Status string      `json:"status"` // "success" or "error"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"` // Error code when Status is "error".
}
