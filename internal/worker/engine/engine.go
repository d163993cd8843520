// Package engine defines the contracts between the worker runtime and the
// agent-execution engine it drives. The engine itself is an external
// collaborator: it only needs to run a query while streaming incremental
// history snapshots, and to expose its prepared tools to a post-preparation
// hook before first use.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Turn is one conversation turn inside a history snapshot.
type Turn struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

// History is an incremental snapshot of the conversation so far. Snapshots
// grow monotonically; consumers diff against what they have already seen.
type History []Turn

// ToolHook is invoked by the engine after its tool-preparation step has
// run and before any tool is used. The hook may mutate the descriptors.
type ToolHook func(tools []Tool)

// TaskRunner runs one agentic task to completion.
type TaskRunner interface {
	// OnToolsPrepared registers the post-preparation hook. Must be called
	// before Run.
	OnToolsPrepared(hook ToolHook)

	// Run executes the task, calling yield with every incremental history
	// snapshot. It returns when the task is complete or failed.
	Run(ctx context.Context, query string, yield func(History)) error
}

// Tool is an opaque prepared tool descriptor.
type Tool interface {
	Name() string
}

// ChunkCallback receives sub-agent notifications. It may be invoked from
// arbitrary goroutines and must never block the caller.
type ChunkCallback func(eventType string, data map[string]interface{})

// AgentInvocationTool is a tool that spawns nested sub-agents. Its
// notifications are captured through the chunk callback, and it carries
// inline specifications for the sub-agents it can invoke.
type AgentInvocationTool interface {
	Tool
	SetChunkCallback(cb ChunkCallback)
	Specs() []*ToolSpec
}

// LLMSpec is the inline model configuration of a sub-agent specification.
type LLMSpec struct {
	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// WebSearchSpec configures the web-search summarizer of a sub-agent.
type WebSearchSpec struct {
	SummarizerModel   string `yaml:"summarizer_model,omitempty"`
	SummarizerAPIKey  string `yaml:"summarizer_api_key,omitempty"`
	SummarizerBaseURL string `yaml:"summarizer_base_url,omitempty"`
}

// ToolsSpec groups the inline tool configuration of a sub-agent.
type ToolsSpec struct {
	WebSearch WebSearchSpec `yaml:"web_search,omitempty"`
}

// ToolSpec is an inline sub-agent specification carried by an
// agent-invocation tool. The runtime rewrites it before first use.
type ToolSpec struct {
	Name      string            `yaml:"name"`
	OutputDir string            `yaml:"output_dir,omitempty"`
	LLM       LLMSpec           `yaml:"llm,omitempty"`
	Tools     ToolsSpec         `yaml:"tools,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// Eventizer converts incremental history snapshots into structured events
// as a side effect. Finalize flushes any buffered state.
type Eventizer interface {
	Process(history History)
	Finalize()
}

// Config carries everything an engine needs to construct a task runner.
type Config struct {
	// ConfigPath is the engine configuration file passed on the worker
	// command line.
	ConfigPath string
	// OutputDir is the session's artifact directory.
	OutputDir string
	// Override is the configuration override layered on top of the config
	// file (built from the environment-passed LLM settings).
	Override map[string]interface{}
}

// Factory constructs a task runner from an engine configuration.
type Factory func(cfg Config) (TaskRunner, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an engine available under a name. It panics on duplicate
// registration, mirroring database/sql driver registration.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("engine: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("engine: Register called twice for engine " + name)
	}
	factories[name] = factory
}

// New constructs a task runner for a registered engine.
func New(name string, cfg Config) (TaskRunner, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown engine %q (registered: %v)", name, registeredNames())
	}
	return factory(cfg)
}

func registeredNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NameFromFile reads the engine selector from the top of a config file.
// A missing file or selector falls back to the mock engine.
func NameFromFile(path string) string {
	if path == "" {
		return "mock"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "mock"
	}
	var header struct {
		Engine string `yaml:"engine"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil || header.Engine == "" {
		return "mock"
	}
	return header.Engine
}
