package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestNewUnknownEngine(t *testing.T) {
	if _, err := New("does-not-exist", Config{}); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestNameFromFile(t *testing.T) {
	if got := NameFromFile(""); got != "mock" {
		t.Fatalf("empty path should select mock, got %q", got)
	}
	if got := NameFromFile("/does/not/exist.yaml"); got != "mock" {
		t.Fatalf("missing file should select mock, got %q", got)
	}

	path := writeConfig(t, "engine: custom\n")
	if got := NameFromFile(path); got != "custom" {
		t.Fatalf("NameFromFile = %q, want custom", got)
	}
}

func TestMockRunnerStreamsCumulativeSnapshots(t *testing.T) {
	path := writeConfig(t, `
engine: mock
scenario:
  turns:
    - role: assistant
      content: first
    - role: assistant
      content: second
`)
	runner, err := New("mock", Config{ConfigPath: path})
	if err != nil {
		t.Fatalf("failed to construct mock engine: %v", err)
	}

	var snapshots []History
	err = runner.Run(context.Background(), "the question", func(h History) {
		snapshot := make(History, len(h))
		copy(snapshot, h)
		snapshots = append(snapshots, snapshot)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// Initial user turn plus one snapshot per scripted turn.
	if len(snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snapshots))
	}
	if snapshots[0][0].Role != "user" || snapshots[0][0].Content != "the question" {
		t.Fatalf("first snapshot must carry the query, got %+v", snapshots[0])
	}
	last := snapshots[len(snapshots)-1]
	if len(last) != 3 || last[2].Content != "second" {
		t.Fatalf("snapshots must be cumulative, got %+v", last)
	}
}

func TestMockRunnerScriptedFailure(t *testing.T) {
	path := writeConfig(t, `
engine: mock
scenario:
  fail: synthetic failure
`)
	runner, err := New("mock", Config{ConfigPath: path})
	if err != nil {
		t.Fatalf("failed to construct mock engine: %v", err)
	}

	err = runner.Run(context.Background(), "q", func(History) {})
	if err == nil || err.Error() != "synthetic failure" {
		t.Fatalf("expected scripted failure, got %v", err)
	}
}

func TestMockRunnerDeliversSubagentChunks(t *testing.T) {
	path := writeConfig(t, `
engine: mock
scenario:
  turns:
    - role: assistant
      content: main work
  subagents:
    - call_id: call-1
      tool: web_searcher
      turns:
        - role: assistant
          content: sub one
        - role: assistant
          content: sub two
`)
	runner, err := New("mock", Config{ConfigPath: path})
	if err != nil {
		t.Fatalf("failed to construct mock engine: %v", err)
	}

	var mu sync.Mutex
	var chunks []map[string]interface{}
	runner.OnToolsPrepared(func(tools []Tool) {
		if len(tools) != 1 {
			t.Errorf("expected 1 prepared tool, got %d", len(tools))
			return
		}
		invocation, ok := tools[0].(AgentInvocationTool)
		if !ok {
			t.Error("prepared tool must be an agent-invocation tool")
			return
		}
		if len(invocation.Specs()) != 1 || invocation.Specs()[0].Name != "web_searcher" {
			t.Errorf("unexpected specs %+v", invocation.Specs())
		}
		invocation.SetChunkCallback(func(eventType string, data map[string]interface{}) {
			mu.Lock()
			defer mu.Unlock()
			chunks = append(chunks, data)
		})
	})

	if err := runner.Run(context.Background(), "q", func(History) {}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 sub-agent chunks, got %d", len(chunks))
	}
	for _, chunk := range chunks {
		if chunk["call_id"] != "call-1" {
			t.Fatalf("unexpected call id %v", chunk["call_id"])
		}
	}
	history, ok := chunks[1]["history"].(History)
	if !ok || len(history) != 2 {
		t.Fatalf("expected cumulative sub-agent history, got %v", chunks[1]["history"])
	}
}
