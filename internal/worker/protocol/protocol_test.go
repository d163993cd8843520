package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/msagent/deepresearch/internal/events/bus"
)

func TestEmitterWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	e.Emit(Event{"type": "status", "status": "stopped"})
	e.Emit(Event{"type": "dr.message", "payload": map[string]interface{}{"content": "hi"}})

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	var lines []Event
	for scanner.Scan() {
		var decoded Event
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", scanner.Text(), err)
		}
		lines = append(lines, decoded)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d", len(lines))
	}
	if lines[0]["type"] != "status" || lines[1]["type"] != "dr.message" {
		t.Fatalf("events out of order: %v", lines)
	}
}

func TestEmitterConcurrentWritesStayLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Emit(Event{"type": "log", "message": "concurrent write with some padding to make interleaving visible"})
			}
		}()
	}
	wg.Wait()

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	count := 0
	for scanner.Scan() {
		var decoded Event
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("interleaved write produced invalid line: %v", err)
		}
		count++
	}
	if count != 16*50 {
		t.Fatalf("expected %d lines, got %d", 16*50, count)
	}
}

// brokenWriter fails every write.
type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestEmitterSwallowsWriteErrors(t *testing.T) {
	e := NewEmitter(brokenWriter{})
	// Must not panic or block.
	e.Emit(Event{"type": "status"})
}

func TestBusSinkPublishesOnSessionSubject(t *testing.T) {
	published := make(chan struct {
		subject string
		event   *bus.Event
	}, 1)
	sink := NewBusSink(publishFunc(func(ctx context.Context, subject string, event *bus.Event) error {
		published <- struct {
			subject string
			event   *bus.Event
		}{subject, event}
		return nil
	}), "worker-manager")

	sink.Emit("s1", Event{"type": "complete"})

	got := <-published
	if got.subject != "dr.session.s1" {
		t.Fatalf("unexpected subject %q", got.subject)
	}
	if got.event.Type != "complete" {
		t.Fatalf("unexpected envelope type %q", got.event.Type)
	}
	if got.event.Source != "worker-manager" {
		t.Fatalf("unexpected source %q", got.event.Source)
	}
	if got.event.Data["session_id"] != "s1" {
		t.Fatal("sink must stamp the session id into the event data")
	}
}

// publishFunc adapts a function into the EventBus interface for tests.
type publishFunc func(ctx context.Context, subject string, event *bus.Event) error

func (f publishFunc) Publish(ctx context.Context, subject string, event *bus.Event) error {
	return f(ctx, subject, event)
}

func (publishFunc) Subscribe(string, bus.EventHandler) (bus.Subscription, error) { return nil, nil }
func (publishFunc) Close()                                                       {}
func (publishFunc) IsConnected() bool                                            { return true }
