package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

func init() {
	Register("mock", newMockRunner)
}

// MockScenario is a scripted task read from the worker's config file. It
// produces deterministic history snapshots for development and e2e tests.
type MockScenario struct {
	// Turns streamed on the main channel, one snapshot per turn.
	Turns []Turn `yaml:"turns"`
	// Subagents scripted through agent-invocation tools.
	Subagents []MockSubagent `yaml:"subagents,omitempty"`
	// Fail, when non-empty, makes the run fail with this message after all
	// turns have been streamed.
	Fail string `yaml:"fail,omitempty"`
	// DelayMS is the pause between snapshots.
	DelayMS int `yaml:"delay_ms,omitempty"`
}

// MockSubagent scripts one nested sub-agent invocation.
type MockSubagent struct {
	CallID string `yaml:"call_id"`
	Tool   string `yaml:"tool"`
	Turns  []Turn `yaml:"turns"`
}

// mockConfigFile is the on-disk shape of a mock engine config.
type mockConfigFile struct {
	Engine   string       `yaml:"engine"`
	Scenario MockScenario `yaml:"scenario"`
}

// mockTool is the scripted agent-invocation tool.
type mockTool struct {
	name  string
	specs []*ToolSpec

	mu sync.Mutex
	cb ChunkCallback
}

func (t *mockTool) Name() string { return t.name }

func (t *mockTool) SetChunkCallback(cb ChunkCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

func (t *mockTool) Specs() []*ToolSpec { return t.specs }

func (t *mockTool) callback() ChunkCallback {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cb
}

// mockRunner replays a scripted scenario as if an agent produced it.
type mockRunner struct {
	scenario MockScenario
	tool     *mockTool
	hook     ToolHook
}

func newMockRunner(cfg Config) (TaskRunner, error) {
	scenario := MockScenario{}
	if cfg.ConfigPath != "" {
		data, err := os.ReadFile(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("mock engine: read config: %w", err)
		}
		var file mockConfigFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("mock engine: parse config: %w", err)
		}
		scenario = file.Scenario
	}

	tool := &mockTool{name: "agent"}
	for _, sub := range scenario.Subagents {
		tool.specs = append(tool.specs, &ToolSpec{Name: sub.Tool})
	}

	return &mockRunner{scenario: scenario, tool: tool}, nil
}

func (r *mockRunner) OnToolsPrepared(hook ToolHook) {
	r.hook = hook
}

// Run streams the scripted turns as cumulative history snapshots. Scripted
// sub-agent turns are delivered through the chunk callback from a separate
// goroutine, the way a real engine invokes it off the main execution flow.
func (r *mockRunner) Run(ctx context.Context, query string, yield func(History)) error {
	if r.hook != nil {
		r.hook([]Tool{r.tool})
	}

	var wg sync.WaitGroup
	if cb := r.tool.callback(); cb != nil {
		for _, sub := range r.scenario.Subagents {
			wg.Add(1)
			go func(sub MockSubagent) {
				defer wg.Done()
				for i := range sub.Turns {
					cb("chunk", map[string]interface{}{
						"call_id": sub.CallID,
						"history": History(sub.Turns[:i+1]),
					})
				}
			}(sub)
		}
	}

	history := History{{Role: "user", Content: query}}
	yield(history)

	delay := time.Duration(r.scenario.DelayMS) * time.Millisecond
	for _, turn := range r.scenario.Turns {
		if delay > 0 {
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		history = append(history, turn)
		yield(history)
	}

	wg.Wait()

	if r.scenario.Fail != "" {
		return errors.New(r.scenario.Fail)
	}
	return nil
}
