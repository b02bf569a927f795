// internal/state/repository.go
package state

import (
	"context"

	"github.com/xkilldash9x/overmind/internal/mission"
)

// Commit is one atomic write produced by a State Manager transition.
// Repositories must persist all of it or none of it.
type Commit struct {
	Mission mission.Mission // The full mission row after the transition.
	NewPlan *mission.Plan   // Inserted as the active revision; earlier revisions become inactive.
	Tasks   []mission.Task  // Task rows of existing plans that changed.
	Events  []mission.Event // Appended to the mission log, sequences already assigned.
}

// ListFilter narrows ListMissions. Zero values mean "no constraint".
type ListFilter struct {
	Statuses []mission.MissionStatus
	Limit    int
}

// Repository is the durable store behind the State Manager.
type Repository interface {
	// CreateMission inserts a new mission row.
	CreateMission(ctx context.Context, m mission.Mission) error
	// Commit applies a transition atomically.
	Commit(ctx context.Context, c *Commit) error
	// LoadMission returns the mission with every plan revision, or a
	// MISSION_NOT_FOUND error.
	LoadMission(ctx context.Context, id string) (*mission.Snapshot, error)
	// LoadEvents returns the events with sequence > after, ascending.
	LoadEvents(ctx context.Context, id string, after int64) ([]mission.Event, error)
	// ListMissions returns missions ordered by creation time.
	ListMissions(ctx context.Context, f ListFilter) ([]mission.Mission, error)
	Close() error
}

// Matches reports whether m passes the status constraint of f.
func (f ListFilter) Matches(m mission.Mission) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if m.Status == s {
			return true
		}
	}
	return false
}
