package demux

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/msagent/deepresearch/internal/worker/engine"
)

// recordingEventizer accumulates the snapshots routed to one call id.
type recordingEventizer struct {
	mu        sync.Mutex
	histories []engine.History
	finalized bool
}

func (r *recordingEventizer) Process(history engine.History) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories = append(r.histories, history)
}

func (r *recordingEventizer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
}

func (r *recordingEventizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.histories)
}

func runDemux(t *testing.T, d *Demultiplexer) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.Run()
		close(done)
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("demultiplexer did not terminate")
	}
}

func TestRoutesByCallID(t *testing.T) {
	eventizers := make(map[string]*recordingEventizer)
	queue := NewQueue()
	d := New(queue, func(callID string) engine.Eventizer {
		r := &recordingEventizer{}
		eventizers[callID] = r
		return r
	})
	done := runDemux(t, d)

	cb := d.Callback()
	cb("chunk", map[string]interface{}{
		"call_id": "call-a",
		"history": engine.History{{Role: "assistant", Content: "a1"}},
	})
	cb("chunk", map[string]interface{}{
		"call_id": "call-b",
		"history": engine.History{{Role: "assistant", Content: "b1"}},
	})
	cb("chunk", map[string]interface{}{
		"call_id": "call-a",
		"history": engine.History{{Role: "assistant", Content: "a1"}, {Role: "assistant", Content: "a2"}},
	})
	queue.Close()
	waitDone(t, done)

	if len(eventizers) != 2 {
		t.Fatalf("expected 2 eventizers, got %d", len(eventizers))
	}
	if got := eventizers["call-a"].count(); got != 2 {
		t.Fatalf("call-a received %d snapshots, want 2", got)
	}
	if got := eventizers["call-b"].count(); got != 1 {
		t.Fatalf("call-b received %d snapshots, want 1", got)
	}
}

func TestPreservesEnqueueOrderPerCall(t *testing.T) {
	eventizers := make(map[string]*recordingEventizer)
	queue := NewQueue()
	d := New(queue, func(callID string) engine.Eventizer {
		r := &recordingEventizer{}
		eventizers[callID] = r
		return r
	})
	done := runDemux(t, d)

	cb := d.Callback()
	const snapshots = 100
	for i := 0; i < snapshots; i++ {
		history := make(engine.History, i+1)
		for j := range history {
			history[j] = engine.Turn{Role: "assistant", Content: fmt.Sprintf("t%d", j)}
		}
		cb("chunk", map[string]interface{}{"call_id": "call-a", "history": history})
	}
	queue.Close()
	waitDone(t, done)

	r := eventizers["call-a"]
	if r.count() != snapshots {
		t.Fatalf("received %d snapshots, want %d", r.count(), snapshots)
	}
	for i, h := range r.histories {
		if len(h) != i+1 {
			t.Fatalf("snapshot %d has %d turns, want %d: order not preserved", i, len(h), i+1)
		}
	}
}

func TestConcurrentProducers(t *testing.T) {
	eventizers := make(map[string]*recordingEventizer)
	queue := NewQueue()
	d := New(queue, func(callID string) engine.Eventizer {
		r := &recordingEventizer{}
		eventizers[callID] = r
		return r
	})
	done := runDemux(t, d)

	const producers = 8
	const perProducer = 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			callID := fmt.Sprintf("call-%d", p)
			for i := 0; i < perProducer; i++ {
				d.Callback()("chunk", map[string]interface{}{
					"call_id": callID,
					"history": engine.History{{Role: "assistant", Content: "x"}},
				})
			}
		}(p)
	}
	wg.Wait()
	queue.Close()
	waitDone(t, done)

	if len(eventizers) != producers {
		t.Fatalf("expected %d eventizers, got %d", producers, len(eventizers))
	}
	for id, r := range eventizers {
		if r.count() != perProducer {
			t.Fatalf("%s received %d snapshots, want %d", id, r.count(), perProducer)
		}
	}
}

func TestDropsNotificationsWithoutCallID(t *testing.T) {
	created := 0
	queue := NewQueue()
	d := New(queue, func(callID string) engine.Eventizer {
		created++
		return &recordingEventizer{}
	})
	done := runDemux(t, d)

	d.Callback()("chunk", map[string]interface{}{
		"history": engine.History{{Role: "assistant", Content: "orphan"}},
	})
	d.Callback()("chunk", map[string]interface{}{"call_id": ""})
	queue.Close()
	waitDone(t, done)

	if created != 0 {
		t.Fatalf("notifications without call_id must not create eventizers, created %d", created)
	}
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	queue := NewQueue()
	queue.Close()
	queue.Close() // idempotent

	queue.Enqueue("chunk", map[string]interface{}{"call_id": "late"})

	created := 0
	d := New(queue, func(string) engine.Eventizer {
		created++
		return &recordingEventizer{}
	})
	done := runDemux(t, d)
	waitDone(t, done)

	if created != 0 {
		t.Fatalf("post-close enqueue must be dropped, created %d eventizers", created)
	}
}

func TestDecodedJSONHistory(t *testing.T) {
	eventizers := make(map[string]*recordingEventizer)
	queue := NewQueue()
	d := New(queue, func(callID string) engine.Eventizer {
		r := &recordingEventizer{}
		eventizers[callID] = r
		return r
	})
	done := runDemux(t, d)

	// History as it arrives after a JSON round trip.
	d.Callback()("chunk", map[string]interface{}{
		"call_id": "call-a",
		"history": []interface{}{
			map[string]interface{}{"role": "assistant", "content": "hello", "name": "searcher"},
		},
	})
	queue.Close()
	waitDone(t, done)

	r := eventizers["call-a"]
	if r.count() != 1 {
		t.Fatalf("expected 1 snapshot, got %d", r.count())
	}
	turn := r.histories[0][0]
	if turn.Role != "assistant" || turn.Content != "hello" || turn.Name != "searcher" {
		t.Fatalf("unexpected decoded turn %+v", turn)
	}
}
