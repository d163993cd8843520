// Package eventizer provides the default history-to-event converter. It
// turns the turns a history snapshot gained since the previous snapshot
// into discrete message events on the session's channel. Richer converters
// can replace it through the same engine.Eventizer contract.
package eventizer

import (
	"github.com/msagent/deepresearch/internal/events"
	"github.com/msagent/deepresearch/internal/worker/engine"
	"github.com/msagent/deepresearch/internal/worker/protocol"
)

// HistoryEventizer converts incremental history snapshots into dr.message
// events. One instance per channel; not safe for concurrent use.
type HistoryEventizer struct {
	emit      func(protocol.Event)
	channel   string
	sessionID string
	cardID    string
	seen      int
}

// New creates an eventizer for one channel. cardID identifies a sub-agent
// invocation and is empty for the main channel.
func New(emit func(protocol.Event), channel, sessionID, cardID string) *HistoryEventizer {
	return &HistoryEventizer{
		emit:      emit,
		channel:   channel,
		sessionID: sessionID,
		cardID:    cardID,
	}
}

// Process emits one event for every turn the snapshot gained since the
// last call. Shrinking or unchanged snapshots emit nothing.
func (h *HistoryEventizer) Process(history engine.History) {
	for ; h.seen < len(history); h.seen++ {
		turn := history[h.seen]
		event := protocol.Event{
			"type": events.Message,
			"payload": map[string]interface{}{
				"channel": h.channel,
				"role":    turn.Role,
				"content": turn.Content,
				"index":   h.seen,
			},
			"session_id": h.sessionID,
		}
		if h.cardID != "" {
			event["card_id"] = h.cardID
		}
		h.emit(event)
	}
}

// Finalize flushes buffered state. The default converter buffers nothing.
func (h *HistoryEventizer) Finalize() {}
