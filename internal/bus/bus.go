// internal/bus/bus.go
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
)

var (
	// ErrSubscriberLagged is reported by a subscription that was evicted because
	// its queue was full when an event arrived.
	ErrSubscriberLagged = errors.New("subscriber lagged behind and was evicted")
	// ErrBusShutdown is reported by subscriptions closed during Shutdown.
	ErrBusShutdown = errors.New("event bus is shut down")
)

// allMissions is the subscription key for observers of every mission.
const allMissions = ""

// EventBus fans mission events out to subscribers without ever blocking the
// publisher.
//
// Overflow policy: each subscriber owns a bounded queue. When an event finds
// the queue full the subscriber is evicted: its channel is closed and Err
// reports ErrSubscriberLagged. Events are never dropped from the middle of a
// stream, so whatever a subscriber receives is a gapless prefix and it can
// resume by re-subscribing after its last sequence.
type EventBus struct {
	logger     *zap.Logger
	bufferSize int

	mu         sync.RWMutex
	byMission  map[string]map[*Subscription]struct{}
	isShutdown bool

	published atomic.Int64
	evicted   atomic.Int64
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Evicted     int64 `json:"evicted"`
}

// New creates a bus whose subscriber queues hold bufferSize events.
func New(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &EventBus{
		logger:     logger.Named("event_bus"),
		bufferSize: bufferSize,
		byMission:  make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is a live feed of events for one mission, or all missions.
type Subscription struct {
	ID        string
	MissionID string

	bus *EventBus
	ch  chan mission.Event

	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan mission.Event { return s.ch }

// Err explains why the channel was closed: nil after Close, ErrSubscriberLagged
// after eviction, ErrBusShutdown after Shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.finish(nil)
}

// deliver attempts a non-blocking send and reports false if the subscriber
// had to be evicted.
func (s *Subscription) deliver(e mission.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		s.closed = true
		s.err = ErrSubscriberLagged
		close(s.ch)
		return false
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Subscribe registers a subscriber for missionID; an empty id receives every
// mission's events. After Shutdown the returned subscription is already closed.
func (b *EventBus) Subscribe(missionID string) *Subscription {
	s := &Subscription{
		ID:        uuid.NewString(),
		MissionID: missionID,
		bus:       b,
		ch:        make(chan mission.Event, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		s.closed = true
		s.err = ErrBusShutdown
		close(s.ch)
		return s
	}
	set, ok := b.byMission[missionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.byMission[missionID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish delivers e to the subscribers of its mission and to wildcard
// subscribers. It never blocks. Callers that need per-mission ordering must
// publish a mission's events sequentially.
func (b *EventBus) Publish(e mission.Event) {
	b.mu.RLock()
	if b.isShutdown {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.byMission[e.MissionID])+len(b.byMission[allMissions]))
	for s := range b.byMission[e.MissionID] {
		targets = append(targets, s)
	}
	if e.MissionID != allMissions {
		for s := range b.byMission[allMissions] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range targets {
		if !s.deliver(e) {
			b.evicted.Add(1)
			b.remove(s)
			b.logger.Warn("Evicted lagging subscriber.",
				zap.String("subscription_id", s.ID),
				zap.String("mission_id", e.MissionID),
				zap.Int64("sequence", e.Sequence))
		}
	}
}

func (b *EventBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.byMission[s.MissionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.byMission, s.MissionID)
		}
	}
}

// Stats returns current counters.
func (b *EventBus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, set := range b.byMission {
		n += len(set)
	}
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Evicted: b.evicted.Load()}
}

// Shutdown closes every subscription with ErrBusShutdown. Later publishes are
// ignored and later subscriptions start closed.
func (b *EventBus) Shutdown() {
	b.mu.Lock()
	if b.isShutdown {
		b.mu.Unlock()
		return
	}
	b.isShutdown = true
	var all []*Subscription
	for _, set := range b.byMission {
		for s := range set {
			all = append(all, s)
		}
	}
	b.byMission = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.finish(ErrBusShutdown)
	}
	b.logger.Info("Event bus shut down.", zap.Int("closed_subscriptions", len(all)))
}
