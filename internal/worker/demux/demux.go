// Package demux fans synchronous, possibly cross-goroutine sub-agent
// notifications into per-call event streams. Producers hand pairs to an
// unbounded queue without ever blocking; a single consumer loop feeds each
// pair to the eventizer owned by its call id.
package demux

import (
	"sync"

	"github.com/msagent/deepresearch/internal/worker/engine"
)

// pair is one queued notification. A pair with done=true is the
// termination sentinel injected by Close.
type pair struct {
	eventType string
	data      map[string]interface{}
	done      bool
}

// Queue is an unbounded multi-producer single-consumer FIFO. Enqueue never
// blocks the caller, which may run on any goroutine.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []pair
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a notification. Pairs enqueued after Close are dropped.
func (q *Queue) Enqueue(eventType string, data map[string]interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, pair{eventType: eventType, data: data})
	q.cond.Signal()
}

// Close injects the termination sentinel. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = append(q.items, pair{done: true})
	q.cond.Signal()
}

// dequeue blocks until an item is available and removes it.
func (q *Queue) dequeue() pair {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// EventizerFactory creates the eventizer for a newly seen call id.
type EventizerFactory func(callID string) engine.Eventizer

// Demultiplexer consumes the queue and routes histories to per-call
// eventizers, created lazily on first sight and kept for the session's
// whole life.
type Demultiplexer struct {
	queue      *Queue
	factory    EventizerFactory
	eventizers map[string]engine.Eventizer
}

// New creates a demultiplexer over the given queue.
func New(queue *Queue, factory EventizerFactory) *Demultiplexer {
	return &Demultiplexer{
		queue:      queue,
		factory:    factory,
		eventizers: make(map[string]engine.Eventizer),
	}
}

// Callback returns the chunk callback producers invoke. It only enqueues;
// all processing happens on the consumer loop.
func (d *Demultiplexer) Callback() engine.ChunkCallback {
	return d.queue.Enqueue
}

// Run consumes pairs in FIFO order until the termination sentinel. Pairs
// without a call_id are dropped; histories are fed to the call's eventizer
// in enqueue order.
func (d *Demultiplexer) Run() {
	for {
		item := d.queue.dequeue()
		if item.done {
			return
		}
		callID, _ := item.data["call_id"].(string)
		if callID == "" {
			continue
		}
		eventizer, ok := d.eventizers[callID]
		if !ok {
			eventizer = d.factory(callID)
			d.eventizers[callID] = eventizer
		}
		if history, ok := asHistory(item.data["history"]); ok {
			eventizer.Process(history)
		}
	}
}

// asHistory coerces the history field of a notification into a snapshot.
// Engines hand over engine.History directly; decoded JSON arrives as
// []interface{} of maps.
func asHistory(v interface{}) (engine.History, bool) {
	switch h := v.(type) {
	case engine.History:
		return h, true
	case []engine.Turn:
		return engine.History(h), true
	case []interface{}:
		history := make(engine.History, 0, len(h))
		for _, item := range h {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, false
			}
			turn := engine.Turn{}
			turn.Role, _ = m["role"].(string)
			turn.Content, _ = m["content"].(string)
			turn.Name, _ = m["name"].(string)
			history = append(history, turn)
		}
		return history, true
	default:
		return nil, false
	}
}
