// internal/state/memory.go
package state

import (
	"context"
	"sort"
	"sync"

	"github.com/xkilldash9x/overmind/internal/mission"
)

type memoryRecord struct {
	snap   *mission.Snapshot
	events []mission.Event
}

// MemoryRepository keeps missions in process memory. State is lost on exit.
type MemoryRepository struct {
	mu       sync.RWMutex
	missions map[string]*memoryRecord
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{missions: make(map[string]*memoryRecord)}
}

func (r *MemoryRepository) CreateMission(_ context.Context, m mission.Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.missions[m.ID]; ok {
		return mission.Errorf(mission.CodeInvalidTransition, "memory.CreateMission", "mission %s already exists", m.ID)
	}
	r.missions[m.ID] = &memoryRecord{snap: &mission.Snapshot{Mission: m.Clone()}}
	return nil
}

func (r *MemoryRepository) Commit(_ context.Context, c *Commit) error {
	const op = "memory.Commit"
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.missions[c.Mission.ID]
	if !ok {
		return mission.Errorf(mission.CodeMissionNotFound, op, "mission %s", c.Mission.ID)
	}
	next := int64(len(rec.events)) + 1
	for _, e := range c.Events {
		if e.Sequence != next {
			return mission.Errorf(mission.CodeInvalidTransition, op, "event sequence %d does not follow %d", e.Sequence, next-1)
		}
		next++
	}
	// Validate task targets before mutating anything.
	for _, t := range c.Tasks {
		if findTask(rec.snap, t.PlanID, t.Key) == nil {
			return mission.Errorf(mission.CodeInvalidTransition, op, "task %s/%s does not exist", t.PlanID, t.Key)
		}
	}

	rec.snap.Mission = c.Mission.Clone()
	if c.NewPlan != nil {
		for i := range rec.snap.Plans {
			rec.snap.Plans[i].Active = false
		}
		rec.snap.Plans = append(rec.snap.Plans, c.NewPlan.Clone())
	}
	for _, t := range c.Tasks {
		*findTask(rec.snap, t.PlanID, t.Key) = t.Clone()
	}
	for _, e := range c.Events {
		e.Payload = append([]byte{}, e.Payload...)
		rec.events = append(rec.events, e)
	}
	return nil
}

func findTask(s *mission.Snapshot, planID, key string) *mission.Task {
	for i := range s.Plans {
		if s.Plans[i].ID == planID {
			return s.Plans[i].Task(key)
		}
	}
	return nil
}

func (r *MemoryRepository) LoadMission(_ context.Context, id string) (*mission.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.missions[id]
	if !ok {
		return nil, mission.Errorf(mission.CodeMissionNotFound, "memory.LoadMission", "mission %s", id)
	}
	return rec.snap.Clone(), nil
}

func (r *MemoryRepository) LoadEvents(_ context.Context, id string, after int64) ([]mission.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.missions[id]
	if !ok {
		return nil, mission.Errorf(mission.CodeMissionNotFound, "memory.LoadEvents", "mission %s", id)
	}
	if after < 0 {
		after = 0
	}
	if after >= int64(len(rec.events)) {
		return []mission.Event{}, nil
	}
	out := make([]mission.Event, len(rec.events)-int(after))
	copy(out, rec.events[after:])
	return out, nil
}

func (r *MemoryRepository) ListMissions(_ context.Context, f ListFilter) ([]mission.Mission, error) {
	r.mu.RLock()
	out := make([]mission.Mission, 0, len(r.missions))
	for _, rec := range r.missions {
		if f.Matches(rec.snap.Mission) {
			out = append(out, rec.snap.Mission.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Close() error { return nil }
