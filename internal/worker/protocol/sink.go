package protocol

import (
	"context"

	"github.com/msagent/deepresearch/internal/events"
	"github.com/msagent/deepresearch/internal/events/bus"
)

// Sink is the one-way channel the supervisor relays decoded worker events
// into. Implementations must tolerate concurrent calls for different
// sessions.
type Sink interface {
	Emit(sessionID string, event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(sessionID string, event Event)

// Emit calls f(sessionID, event).
func (f SinkFunc) Emit(sessionID string, event Event) {
	f(sessionID, event)
}

// BusSink publishes worker events onto the event bus, one subject per
// session, so downstream consumers (WebSocket gateway, tests) can fan out.
type BusSink struct {
	bus    bus.EventBus
	source string
}

// NewBusSink creates a sink publishing to the given bus.
func NewBusSink(b bus.EventBus, source string) *BusSink {
	return &BusSink{bus: b, source: source}
}

// Emit publishes the event on the session's subject. Publish errors are
// intentionally dropped; the sink is fire-and-forget by contract.
func (s *BusSink) Emit(sessionID string, event Event) {
	if _, ok := event["session_id"]; !ok {
		event["session_id"] = sessionID
	}
	eventType, _ := event["type"].(string)
	env := bus.NewEvent(eventType, s.source, event)
	_ = s.bus.Publish(context.Background(), events.SessionSubject(sessionID), env)
}
