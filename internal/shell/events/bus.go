// Package events broadcasts engine lifecycle events to in-process
// subscribers, primarily the status API's event stream.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// Event Types
// =============================================================================

// Type names one kind of lifecycle event.
type Type string

const (
	TypeSessionStarted   Type = "session.started"
	TypeSessionFinished  Type = "session.finished"
	TypePhaseStarted     Type = "phase.started"
	TypePhaseFinished    Type = "phase.finished"
	TypeRollbackStarted  Type = "rollback.started"
	TypeRollbackFinished Type = "rollback.finished"
	TypeRolloutStarted   Type = "rollout.started"
	TypeRolloutFinished  Type = "rollout.finished"
)

// Event is one engine lifecycle notification. Events are advisory: the
// engine never blocks on them and slow consumers lose events rather than
// slowing a rollout down.
type Event struct {
	ID        string       `json:"id"`
	Type      Type         `json:"type"`
	RolloutID string       `json:"rollout_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Target    string       `json:"target,omitempty"`
	Phase     domain.Phase `json:"phase,omitempty"`
	Status    string       `json:"status,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	At        time.Time    `json:"at"`
}

// Sink consumes events. A nil *Bus satisfies it as a no-op so callers can
// publish unconditionally.
type Sink interface {
	Publish(event Event)
}

// =============================================================================
// Bus
// =============================================================================

// DefaultBuffer is the subscription channel capacity used when the
// subscriber does not choose one.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "events"),
	}
}

// Publish delivers the event to every live subscription, stamping the id
// and timestamp if the caller left them empty. Publishing on a nil or
// closed bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	publishedTotal.WithLabelValues(string(event.Type)).Inc()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			droppedTotal.Inc()
			b.logger.Debug("subscriber buffer full, dropping event",
				"subscription", sub.id,
				"type", event.Type)
		}
	}
}

// Subscribe registers a new subscription with the given channel buffer.
// A non-positive buffer falls back to DefaultBuffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		id:  uuid.New().String(),
		ch:  make(chan Event, buffer),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Close tears the bus down and closes every subscription channel. Further
// publishes are dropped and further subscriptions come back pre-closed.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription is one registered consumer. Its channel is closed by either
// side exactly once: by Close, or by the bus shutting down.
type Subscription struct {
	id  string
	ch  chan Event
	bus *Bus
}

// Events returns the receive channel. It is closed when the subscription
// or the bus closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}
