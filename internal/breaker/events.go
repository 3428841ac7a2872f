package breaker

import (
	"sync"

	"github.com/google/uuid"
)

// EventType enumerates everything the breaker announces.
type EventType string

const (
	EventOperationSuccess EventType = "operation_success"
	EventOperationFailure EventType = "operation_failure"
	EventFailureRecorded  EventType = "failure_recorded"
	EventCircuitOpened    EventType = "circuit_opened"
	EventCircuitHalfOpen  EventType = "circuit_half_open"
	EventCircuitClosed    EventType = "circuit_closed"
	EventEmergencyStop    EventType = "emergency_stop"
	EventTradeRecorded    EventType = "trade_recorded"
	EventDailyReset       EventType = "daily_reset"
	EventConfigUpdated    EventType = "config_updated"
)

// Event is one breaker notification. State is the state after the event.
type Event struct {
	Type      EventType `json:"type"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	OpType    string    `json:"op_type,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Metrics   *Metrics  `json:"metrics,omitempty"`
}

// EventSub is a bounded breaker event subscription. Slow consumers lose
// events instead of stalling the breaker.
type EventSub struct {
	id   uuid.UUID
	name string
	ch   chan Event
	b    *Breaker
	once sync.Once
}

// Events returns the receive channel. Closed by Close.
func (s *EventSub) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel. Idempotent.
func (s *EventSub) Close() {
	s.once.Do(func() {
		s.b.subMu.Lock()
		delete(s.b.subs, s.id)
		close(s.ch)
		s.b.subMu.Unlock()
	})
}

const defaultEventBuffer = 64

// Subscribe registers a bounded event subscription.
func (b *Breaker) Subscribe(name string, buffer int) *EventSub {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	sub := &EventSub{
		id:   uuid.New(),
		name: name,
		ch:   make(chan Event, buffer),
		b:    b,
	}
	b.subMu.Lock()
	b.subs[sub.id] = sub
	b.subMu.Unlock()
	return sub
}

// emit fans an event out to all subscribers without blocking. Called with
// b.mu held so events arrive in transition order.
func (b *Breaker) emit(ev Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
