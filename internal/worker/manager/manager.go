// Package manager supervises deep-research worker processes: one child per
// session, spawned with environment-encoded configuration in its own
// process group, with both output streams pumped in the background. The
// stdout pump relays the worker's NDJSON events to the sink; stop requests
// escalate from a graceful signal to a forced kill.
package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/events"
	"github.com/msagent/deepresearch/internal/tracing"
	"github.com/msagent/deepresearch/internal/worker/llmconf"
	"github.com/msagent/deepresearch/internal/worker/protocol"
)

// DefaultStopTimeout is how long Stop waits for a voluntary exit before
// escalating to a forced kill.
const DefaultStopTimeout = 5 * time.Second

// maxEventLine bounds a single NDJSON line from the worker.
const maxEventLine = 10 * 1024 * 1024

// StartRequest carries everything needed to launch a worker for a session.
type StartRequest struct {
	SessionID  string
	Query      string
	ConfigPath string
	OutputDir  string

	// EnvVars are caller-supplied extra variables; empty values do not
	// override the inherited environment.
	EnvVars map[string]string
	// LLMConfig, when set, is serialized into MS_AGENT_LLM_CONFIG and used
	// to derive OPENAI_API_KEY / OPENAI_BASE_URL if those are not already
	// present.
	LLMConfig *llmconf.LLMConfig
	// DeepResearchConfig, when set, is serialized into
	// MS_AGENT_DEEP_RESEARCH_CONFIG.
	DeepResearchConfig *llmconf.DeepResearchConfig
}

// workerProcess is one live child with its stream pumps.
type workerProcess struct {
	sessionID string
	cmd       *exec.Cmd

	pumps sync.WaitGroup
	done  chan struct{} // closed once the process has been reaped
}

// Manager owns the session → process table. Callers must serialize Start
// and Stop per session; operations on different sessions are independent.
type Manager struct {
	logger      *logger.Logger
	sink        protocol.Sink
	workerBin   string
	repoRoot    string
	stopTimeout time.Duration

	mu        sync.Mutex
	processes map[string]*workerProcess
	stopping  map[string]struct{}
}

// New creates a manager spawning workerBin for each session. repoRoot, when
// non-empty, is prepended to the child's PATH so sibling binaries resolve.
func New(workerBin, repoRoot string, sink protocol.Sink, log *logger.Logger) *Manager {
	return &Manager{
		logger:      log.WithFields(zap.String("component", "worker-manager")),
		sink:        sink,
		workerBin:   workerBin,
		repoRoot:    repoRoot,
		stopTimeout: DefaultStopTimeout,
		processes:   make(map[string]*workerProcess),
		stopping:    make(map[string]struct{}),
	}
}

// SetStopTimeout overrides the graceful-exit timeout. Intended for tests.
func (m *Manager) SetStopTimeout(d time.Duration) {
	m.stopTimeout = d
}

// Start launches a worker for the session. An existing worker for the same
// session is stopped first, sequentially. Spawn failures propagate to the
// caller; everything after a successful spawn is handled in the background.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	ctx, span := tracing.TraceSessionStart(ctx, req.SessionID)
	defer span.End()

	if req.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	m.mu.Lock()
	_, exists := m.processes[req.SessionID]
	m.mu.Unlock()
	if exists {
		if err := m.Stop(ctx, req.SessionID); err != nil {
			return fmt.Errorf("stop previous worker: %w", err)
		}
	}

	if req.OutputDir != "" {
		if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	cmd := exec.Command(m.workerBin,
		"--config", req.ConfigPath,
		"--query", req.Query,
		"--session_id", req.SessionID,
		"--output_dir", req.OutputDir,
	)
	cmd.Env = m.buildEnv(req)
	// New process group so one signal reaches any grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	proc := &workerProcess{
		sessionID: req.SessionID,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.processes[req.SessionID] = proc
	m.mu.Unlock()

	proc.pumps.Add(2)
	go m.pumpStdout(proc, stdout)
	go m.pumpStderr(proc, stderr)
	go m.wait(proc)

	m.logger.Info("worker started",
		zap.String("session_id", req.SessionID),
		zap.Int("pid", cmd.Process.Pid))
	m.sink.Emit(req.SessionID, protocol.Event{
		"type":      events.TypeLog,
		"level":     "info",
		"message":   fmt.Sprintf("Deep research worker started (pid=%d)", cmd.Process.Pid),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// Stop terminates the session's worker: the session is marked as stopping
// (which suppresses the abnormal-exit report), the whole process group gets
// a termination signal, and after the grace period a kill. Signal errors
// are swallowed; cleanup always runs. No-op for unknown sessions.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	_, span := tracing.TraceSessionStop(ctx, sessionID)
	defer span.End()

	m.mu.Lock()
	proc, ok := m.processes[sessionID]
	if ok {
		m.stopping[sessionID] = struct{}{}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	defer m.cleanup(sessionID)

	if proc.cmd.Process != nil {
		pid := proc.cmd.Process.Pid
		pgid, pgErr := syscall.Getpgid(pid)

		if pgErr == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = proc.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-proc.done:
			return nil
		case <-time.After(m.stopTimeout):
		}

		if pgErr == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = proc.cmd.Process.Kill()
		}
		// SIGKILL cannot be ignored; the reaper closes done shortly.
		<-proc.done
	}
	return nil
}

// StopAll stops every tracked session. Used on server shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Stop(ctx, id)
	}
}

// Running reports whether the session currently has a live worker.
func (m *Manager) Running(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processes[sessionID]
	return ok
}

// Sessions returns the ids of all tracked sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	return ids
}

// pumpStdout relays NDJSON events line by line until the pipe closes.
// Lines that fail to parse as a JSON object are dropped; the protocol must
// survive stray output. The pump keeps relaying through a stop request so
// events the worker emits during the grace period still reach the sink.
func (m *Manager) pumpStdout(proc *workerProcess, r io.Reader) {
	defer proc.pumps.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event protocol.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		m.sink.Emit(proc.sessionID, event)
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("stdout pump closed", zap.Error(err))
	}
}

// pumpStderr mirrors worker diagnostics to the supervisor log and relays
// each line to the sink as a tagged log event.
func (m *Manager) pumpStderr(proc *workerProcess, r io.Reader) {
	defer proc.pumps.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		m.logger.Error("worker stderr",
			zap.String("session_id", proc.sessionID),
			zap.String("line", line))
		m.sink.Emit(proc.sessionID, protocol.Event{
			"type":      events.TypeLog,
			"level":     "error",
			"message":   "[dr-worker] " + line,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// wait reaps the child after both pumps have drained their pipes. A
// non-zero exit for a session that was not asked to stop is reported once
// as an error event plus a status:error event; cleanup always follows.
func (m *Manager) wait(proc *workerProcess) {
	proc.pumps.Wait()

	err := proc.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			if code := exitErr.ExitCode(); code > 0 {
				exitCode = code
			}
		}
	}

	m.mu.Lock()
	_, stopRequested := m.stopping[proc.sessionID]
	m.mu.Unlock()

	m.logger.Info("worker exited",
		zap.String("session_id", proc.sessionID),
		zap.Int("exit_code", exitCode),
		zap.Bool("stop_requested", stopRequested))

	if exitCode != 0 && !stopRequested {
		m.sink.Emit(proc.sessionID, protocol.Event{
			"type":    events.TypeError,
			"message": fmt.Sprintf("Deep research worker exited with code %d", exitCode),
		})
		m.sink.Emit(proc.sessionID, protocol.Event{
			"type":   events.TypeStatus,
			"status": events.StatusError,
		})
	}

	close(proc.done)
	m.cleanup(proc.sessionID)
}

// cleanup removes the table entry and clears the stopping marker.
// Idempotent.
func (m *Manager) cleanup(sessionID string) {
	m.mu.Lock()
	delete(m.processes, sessionID)
	delete(m.stopping, sessionID)
	m.mu.Unlock()
}

// buildEnv layers the child's environment: inherited variables, caller
// overrides (non-empty values only), the two JSON configuration blobs,
// derived OpenAI variables when absent, the unbuffered flag, and the repo
// root prepended to PATH.
func (m *Manager) buildEnv(req StartRequest) []string {
	env := environMap(os.Environ())

	for k, v := range req.EnvVars {
		if v != "" {
			env[k] = v
		}
	}

	if req.LLMConfig != nil {
		if data, err := json.Marshal(req.LLMConfig); err == nil {
			env[llmconf.EnvLLMConfig] = string(data)
		}
	}
	if req.DeepResearchConfig != nil {
		if data, err := json.Marshal(req.DeepResearchConfig); err == nil {
			env[llmconf.EnvDeepResearchConfig] = string(data)
		}
	}

	if req.LLMConfig != nil {
		if req.LLMConfig.APIKey != "" && env["OPENAI_API_KEY"] == "" {
			env["OPENAI_API_KEY"] = req.LLMConfig.APIKey
		}
		if req.LLMConfig.BaseURL != "" && env["OPENAI_BASE_URL"] == "" {
			env["OPENAI_BASE_URL"] = req.LLMConfig.BaseURL
		}
	}

	env["MS_AGENT_UNBUFFERED"] = "1"

	if m.repoRoot != "" {
		env["PATH"] = prependPath(env["PATH"], m.repoRoot)
	}

	merged := make([]string, 0, len(env))
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, entry := range environ {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			env[entry[:eq]] = entry[eq+1:]
		}
	}
	return env
}

// prependPath puts dir at the front of a PATH-style list, de-duplicated.
func prependPath(path, dir string) string {
	parts := strings.Split(path, string(os.PathListSeparator))
	kept := parts[:0]
	for _, p := range parts {
		if p != dir && p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return dir
	}
	return dir + string(os.PathListSeparator) + strings.Join(kept, string(os.PathListSeparator))
}
