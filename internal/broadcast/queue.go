// Package broadcast implements the bounded-FIFO broadcast queue and the
// session registry it fans events out to. The dispatcher is lazy: it starts
// when the first session registers and stops when the last one leaves, and
// delivery asks each session whether it cares about a fingerprint rather
// than pushing every event to every client.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog"
)

// Collector receives observability hooks from the queue. Implementations
// live in internal/metrics; broadcast depends only on this narrow
// interface to avoid an import cycle.
type Collector interface {
	QueueDepthSet(n int)
	SessionCountSet(n int)
	EventPublished()
	EventDelivered()
	EventSuppressedNoop()
	SessionRemovedOnFailure()
}

type noopCollector struct{}

func (noopCollector) QueueDepthSet(int)        {}
func (noopCollector) SessionCountSet(int)      {}
func (noopCollector) EventPublished()          {}
func (noopCollector) EventDelivered()          {}
func (noopCollector) EventSuppressedNoop()     {}
func (noopCollector) SessionRemovedOnFailure() {}

// generation bundles one lifetime of the dispatcher: its event channel and
// the signal used to stop it. A fresh generation is created by the first
// Register after the queue has been idle, and torn down by the Unregister
// that empties the registry.
type generation struct {
	events chan Event
	done   chan struct{}
}

// Queue is the bounded-FIFO broadcast queue plus the registry of sessions
// it fans out to.
type Queue struct {
	mu       sync.Mutex
	sessions map[Subscriber]struct{}
	gen      *generation
	size     int
	logger   zerolog.Logger
	metrics  Collector
}

// New creates a broadcast queue with the given bounded capacity. The
// dispatcher is not started until the first session Registers.
func New(size int, logger zerolog.Logger, metrics Collector) *Queue {
	if metrics == nil {
		metrics = noopCollector{}
	}
	return &Queue{
		sessions: make(map[Subscriber]struct{}),
		size:     size,
		logger:   logger.With().Str("component", "broadcast_queue").Logger(),
		metrics:  metrics,
	}
}

// Register adds a session to the registry, lazily starting the dispatcher
// if this is the first live session.
func (q *Queue) Register(s Subscriber) {
	q.mu.Lock()
	q.sessions[s] = struct{}{}
	if q.gen == nil {
		gen := &generation{
			events: make(chan Event, q.size),
			done:   make(chan struct{}),
		}
		q.gen = gen
		go q.drain(gen)
		q.logger.Debug().Msg("dispatcher started")
	}
	q.metrics.SessionCountSet(len(q.sessions))
	q.mu.Unlock()
}

// Unregister removes a session from the registry, stopping the dispatcher
// if this was the last live session. The stop transition happens while
// holding the same lock Register checks, so no session can register into a
// queue mid-shutdown.
func (q *Queue) Unregister(s Subscriber) {
	q.mu.Lock()
	delete(q.sessions, s)
	q.metrics.SessionCountSet(len(q.sessions))
	var toStop *generation
	if len(q.sessions) == 0 && q.gen != nil {
		toStop = q.gen
		q.gen = nil
	}
	q.mu.Unlock()

	if toStop != nil {
		close(toStop.done)
		q.logger.Debug().Msg("dispatcher stopped")
	}
}

// SessionCount returns the number of currently registered sessions.
func (q *Queue) SessionCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions)
}

// Publish enqueues a bare fingerprint event. It blocks while the queue is
// full, which is the pinned back-pressure behavior. If no session is
// currently registered there is no dispatcher to receive it, and the event
// is dropped: best-effort delivery never targets a disconnected audience.
func (q *Queue) Publish(fingerprint string) {
	q.publish(Event{Fingerprint: fingerprint})
}

// PublishWithPayload enqueues a data-carrying event; see Publish for
// back-pressure and empty-registry semantics.
func (q *Queue) PublishWithPayload(fingerprint string, payload any) {
	q.publish(Event{Fingerprint: fingerprint, Payload: payload, HasPayload: true})
}

func (q *Queue) publish(ev Event) {
	q.mu.Lock()
	gen := q.gen
	q.mu.Unlock()
	if gen == nil {
		q.metrics.EventSuppressedNoop()
		return
	}

	q.metrics.EventPublished()
	select {
	case gen.events <- ev:
		q.metrics.QueueDepthSet(len(gen.events))
	case <-gen.done:
		// The last session unregistered while we were blocked on a full
		// queue; nobody remains to receive this event.
	}
}

// drain is the dispatcher's consumer loop: pop one event, snapshot the
// session list, ask each session whether it cares, and hand matching
// sessions their delivery. Continues until gen.done is closed.
func (q *Queue) drain(gen *generation) {
	for {
		select {
		case ev := <-gen.events:
			q.metrics.QueueDepthSet(len(gen.events))
			q.dispatch(ev)
		case <-gen.done:
			return
		}
	}
}

// dispatch recovers a panic raised by a session's IsSubscribed or Deliver,
// treating it as a failed delivery so the loop goes on to the next session.
func (q *Queue) dispatch(ev Event) {
	for _, s := range q.snapshot() {
		matched, delivered := func() (matched, delivered bool) {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error().Interface("panic", r).Msg("session delivery panicked")
					matched, delivered = true, false
				}
			}()
			if !s.IsSubscribed(ev.Fingerprint) {
				return false, false
			}
			return true, s.Deliver(ev)
		}()
		if !matched {
			continue
		}
		if delivered {
			q.metrics.EventDelivered()
			continue
		}
		q.metrics.SessionRemovedOnFailure()
		q.Unregister(s)
	}
}

func (q *Queue) snapshot() []Subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Subscriber, 0, len(q.sessions))
	for s := range q.sessions {
		out = append(out, s)
	}
	return out
}
