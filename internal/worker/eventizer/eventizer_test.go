package eventizer

import (
	"testing"

	"github.com/msagent/deepresearch/internal/worker/engine"
	"github.com/msagent/deepresearch/internal/worker/protocol"
)

func collect() (func(protocol.Event), *[]protocol.Event) {
	var events []protocol.Event
	return func(e protocol.Event) { events = append(events, e) }, &events
}

func TestProcessEmitsOnlyNewTurns(t *testing.T) {
	emit, events := collect()
	e := New(emit, "main", "s1", "")

	e.Process(engine.History{{Role: "assistant", Content: "one"}})
	e.Process(engine.History{
		{Role: "assistant", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "assistant", Content: "three"},
	})

	if len(*events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(*events))
	}
	for i, want := range []string{"one", "two", "three"} {
		payload := (*events)[i]["payload"].(map[string]interface{})
		if payload["content"] != want {
			t.Fatalf("event %d content = %v, want %q", i, payload["content"], want)
		}
		if payload["index"] != i {
			t.Fatalf("event %d index = %v", i, payload["index"])
		}
		if payload["channel"] != "main" {
			t.Fatalf("event %d channel = %v", i, payload["channel"])
		}
	}
}

func TestProcessIgnoresUnchangedAndShrunkSnapshots(t *testing.T) {
	emit, events := collect()
	e := New(emit, "main", "s1", "")

	full := engine.History{
		{Role: "assistant", Content: "one"},
		{Role: "assistant", Content: "two"},
	}
	e.Process(full)
	e.Process(full)
	e.Process(full[:1])

	if len(*events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*events))
	}
}

func TestCardIDOnlyOnSubagentChannel(t *testing.T) {
	emit, events := collect()
	main := New(emit, "main", "s1", "")
	sub := New(emit, "subagent", "s1", "call-3")

	main.Process(engine.History{{Role: "assistant", Content: "m"}})
	sub.Process(engine.History{{Role: "assistant", Content: "s"}})

	if _, ok := (*events)[0]["card_id"]; ok {
		t.Fatal("main channel events must not carry a card id")
	}
	if (*events)[1]["card_id"] != "call-3" {
		t.Fatalf("subagent event card_id = %v", (*events)[1]["card_id"])
	}
	if (*events)[1]["session_id"] != "s1" {
		t.Fatalf("subagent event session_id = %v", (*events)[1]["session_id"])
	}
}
