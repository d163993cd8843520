// Package runtime drives one worker run to completion inside the child
// process: it resolves configuration, rewrites the prepared tools, bridges
// the artifact watcher and the sub-agent demultiplexer, and guarantees that
// the NDJSON channel receives a well-formed terminal event sequence no
// matter how the task ends.
package runtime

import (
	"context"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/events"
	"github.com/msagent/deepresearch/internal/worker/demux"
	"github.com/msagent/deepresearch/internal/worker/engine"
	"github.com/msagent/deepresearch/internal/worker/eventizer"
	"github.com/msagent/deepresearch/internal/worker/llmconf"
	"github.com/msagent/deepresearch/internal/worker/protocol"
	"github.com/msagent/deepresearch/internal/worker/watcher"
)

// StopFlag is the cooperative notice of an external termination request.
// A signal handler sets it; the terminal-event selection consults it at a
// safe point. It does not interrupt in-flight work by itself.
type StopFlag struct {
	v atomic.Bool
}

// Set marks the stop request.
func (f *StopFlag) Set() { f.v.Store(true) }

// Stopped reports whether a stop was requested.
func (f *StopFlag) Stopped() bool { return f.v.Load() }

// Options configures one worker run.
type Options struct {
	SessionID string
	Query     string
	OutputDir string

	// Runner executes the task. Required.
	Runner engine.TaskRunner
	// Emitter writes the session's NDJSON channel. Required.
	Emitter *protocol.Emitter
	// Stop is the cooperative stop flag. Required.
	Stop *StopFlag
	// Logger for stderr diagnostics. Defaults to logger.Default().
	Logger *logger.Logger

	// NewEventizer overrides the history converter. Defaults to the
	// built-in incremental converter.
	NewEventizer func(channel, cardID string) engine.Eventizer
	// WatchInterval overrides the artifact poll interval. Zero keeps the
	// default.
	WatchInterval time.Duration
}

// Worker is one run of the agentic task.
type Worker struct {
	opts Options
	log  *logger.Logger

	llm llmconf.LLMConfig
	dr  llmconf.DeepResearchConfig

	queue *demux.Queue
}

// New creates a worker run. LLM and deep-research configuration are read
// from the environment; malformed blobs degrade to empty configuration.
func New(opts Options) *Worker {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	w := &Worker{
		opts:  opts,
		log:   log.WithSessionID(opts.SessionID),
		llm:   llmconf.LoadLLMConfig(),
		dr:    llmconf.LoadDeepResearchConfig(),
		queue: demux.NewQueue(),
	}
	if w.opts.NewEventizer == nil {
		w.opts.NewEventizer = func(channel, cardID string) engine.Eventizer {
			return eventizer.New(w.opts.Emitter.Emit, channel, opts.SessionID, cardID)
		}
	}
	return w
}

// Run executes the task and always emits a complete terminal sequence:
// the main eventizer is finalized, dr.worker.exited fires, and exactly one
// of status:stopped / complete:success / the error event pair identifies
// how the run ended. A task error is returned to the caller so the process
// exits non-zero; an error caused by a requested stop is returned without
// the error pair.
func (w *Worker) Run(ctx context.Context) (err error) {
	mainEventizer := w.opts.NewEventizer("main", "")
	d := demux.New(w.queue, func(callID string) engine.Eventizer {
		return w.opts.NewEventizer("subagent", callID)
	})

	bgCtx, cancelBg := context.WithCancel(context.Background())
	group, bgCtx := errgroup.WithContext(bgCtx)

	artifactWatcher := watcher.New(w.opts.OutputDir, w.opts.SessionID, w.opts.Emitter.Emit, w.log)
	if w.opts.WatchInterval > 0 {
		artifactWatcher.SetInterval(w.opts.WatchInterval)
	}
	group.Go(func() error {
		artifactWatcher.Run(bgCtx)
		return nil
	})
	group.Go(func() error {
		d.Run()
		return nil
	})

	defer func() {
		mainEventizer.Finalize()
		w.opts.Emitter.Emit(protocol.Event{
			"type":       events.WorkerExited,
			"payload":    map[string]interface{}{"status": "completed"},
			"session_id": w.opts.SessionID,
		})
		switch {
		case w.opts.Stop.Stopped():
			w.opts.Emitter.Emit(protocol.Event{
				"type":   events.TypeStatus,
				"status": events.StatusStopped,
			})
		case err == nil:
			w.opts.Emitter.Emit(protocol.Event{
				"type":   events.TypeComplete,
				"result": map[string]interface{}{"status": "success"},
			})
		}
		w.queue.Close()
		cancelBg()
		_ = group.Wait()
	}()

	w.opts.Runner.OnToolsPrepared(w.configureTools)

	runErr := w.opts.Runner.Run(ctx, w.opts.Query, func(history engine.History) {
		mainEventizer.Process(history)
	})
	if runErr != nil {
		if w.opts.Stop.Stopped() {
			// A stop request cancels the run context, so engines that honor
			// cancellation surface an error here. That interruption is not a
			// task failure; the deferred sequence reports status:stopped.
			w.log.Info("task interrupted by stop request")
			return runErr
		}
		// The structured error pair precedes the terminal sequence, exactly
		// like an exception raised mid-task.
		w.log.WithError(runErr).Error("task execution failed")
		w.opts.Emitter.Emit(protocol.Event{
			"type": events.WorkerError,
			"payload": map[string]interface{}{
				"error":     runErr.Error(),
				"traceback": string(debug.Stack()),
			},
			"session_id": w.opts.SessionID,
		})
		w.opts.Emitter.Emit(protocol.Event{
			"type":    events.TypeError,
			"message": runErr.Error(),
		})
		return runErr
	}
	return nil
}

// configureTools is the post-preparation hook. For every agent-invocation
// tool it registers the demultiplexer callback and rewrites each inline
// sub-agent specification: the output directory is forced to the session's,
// and specifications naming a searcher or reporter get that role's resolved
// model credentials merged into their inline llm block, their web-search
// summarizer (searcher only), and their process-environment overlay.
func (w *Worker) configureTools(tools []engine.Tool) {
	for _, tool := range tools {
		invocation, ok := tool.(engine.AgentInvocationTool)
		if !ok {
			continue
		}
		invocation.SetChunkCallback(w.queue.Enqueue)

		for _, spec := range invocation.Specs() {
			spec.OutputDir = w.opts.OutputDir

			role := roleForSpec(spec.Name)
			if role == "" {
				continue
			}
			resolved := llmconf.ResolveRole(w.dr, w.llm, role)
			if resolved.IsZero() {
				continue
			}

			mergeLLM(&spec.LLM, resolved)
			if role == llmconf.RoleSearcher {
				mergeWebSearch(&spec.Tools.WebSearch, llmconf.ResolveSummarizer(w.dr, w.llm))
			}
			if spec.Env == nil {
				spec.Env = make(map[string]string)
			}
			if resolved.APIKey != "" {
				spec.Env["OPENAI_API_KEY"] = resolved.APIKey
			}
			if resolved.BaseURL != "" {
				spec.Env["OPENAI_BASE_URL"] = resolved.BaseURL
			}
		}
	}
}

// roleForSpec maps a declared tool name onto a credential role.
func roleForSpec(name string) string {
	lowered := strings.ToLower(name)
	switch {
	case strings.Contains(lowered, "searcher"):
		return llmconf.RoleSearcher
	case strings.Contains(lowered, "reporter"):
		return llmconf.RoleReporter
	default:
		return ""
	}
}

func mergeLLM(dst *engine.LLMSpec, src llmconf.Resolved) {
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
}

func mergeWebSearch(dst *engine.WebSearchSpec, src llmconf.Resolved) {
	if src.Model != "" {
		dst.SummarizerModel = src.Model
	}
	if src.APIKey != "" {
		dst.SummarizerAPIKey = src.APIKey
	}
	if src.BaseURL != "" {
		dst.SummarizerBaseURL = src.BaseURL
	}
}
