// Package protocol implements the NDJSON wire protocol spoken between a
// worker process and its supervisor: one JSON object per line on the
// worker's stdout, UTF-8, newline-terminated, flushed after every write.
package protocol

import (
	"encoding/json"
	"io"
	"sync"
)

// Event is a single protocol event. Every event carries at least a "type"
// field; everything else is free-form.
type Event = map[string]interface{}

// Emitter serializes events onto an NDJSON channel. Writes are serialized
// and write errors are swallowed: a broken pipe must never take down the
// producer, the supervisor observes the exit code instead.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter creates an emitter writing to w, typically the worker's
// original stdout captured before redirection.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes one event as a single JSON line.
func (e *Emitter) Emit(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.w.Write(append(data, '\n'))
}
