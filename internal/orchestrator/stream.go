// File: internal/orchestrator/stream.go
package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
)

// Stream is a gapless, ordered feed of one mission's events: committed
// history first, then live events. It ends after the mission's terminal
// event, when its context is done, or when the subscriber falls behind.
type Stream struct {
	ch     chan mission.Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Events returns the delivery channel, closed when the stream ends.
func (s *Stream) Events() <-chan mission.Event { return s.ch }

// Err reports why the stream ended early: nil after a terminal event or
// Close, bus.ErrSubscriberLagged when the consumer fell behind, or the
// context error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for its goroutine to exit.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe opens a stream of the mission's events with sequence > after.
// The bus subscription is taken before history is read, so no event falls
// between the two; duplicates are dropped by sequence.
func (o *Orchestrator) Subscribe(ctx context.Context, id string, after int64) (*Stream, error) {
	sub := o.bus.Subscribe(id)
	history, err := o.state.Events(ctx, id, after)
	if err != nil {
		sub.Close()
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan mission.Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.ch)
		defer sub.Close()

		last := after
		send := func(e mission.Event) bool {
			if e.Sequence <= last {
				return true
			}
			select {
			case s.ch <- e:
				last = e.Sequence
				return !e.Type.IsTerminal()
			case <-sctx.Done():
				s.setErr(sctx.Err())
				return false
			}
		}

		for _, e := range history {
			if !send(e) {
				return
			}
		}
		// A mission that finished before the requested position has nothing left to send.
		if snap, err := o.state.Snapshot(sctx, id); err == nil &&
			snap.Mission.Status.IsTerminal() && last >= snap.Mission.LastSequence {
			return
		}
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					s.setErr(sub.Err())
					o.logger.Debug("Event stream ended by bus.", zap.String("mission_id", id), zap.Error(sub.Err()))
					return
				}
				if !send(e) {
					return
				}
			case <-sctx.Done():
				s.setErr(sctx.Err())
				return
			}
		}
	}()
	return s, nil
}
