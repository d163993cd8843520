package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/worker/llmconf"
	"github.com/msagent/deepresearch/internal/worker/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *recordingSink) Emit(sessionID string, event protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) snapshot() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) ofType(eventType string) []protocol.Event {
	var out []protocol.Event
	for _, e := range s.snapshot() {
		if e["type"] == eventType {
			out = append(out, e)
		}
	}
	return out
}

// writeScript creates an executable shell script standing in for the
// worker binary. Spawn arguments are ignored by the script.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartRelaysEventsAndDropsNoise(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"dr.message","payload":{"content":"hi"}}'
echo 'not json at all'
echo '{"type":"complete","result":{"status":"success"}}'
`)
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(sink.ofType("complete")) == 1
	}, "complete event not relayed in time")

	if got := len(sink.ofType("dr.message")); got != 1 {
		t.Fatalf("expected 1 dr.message event, got %d", got)
	}
	// The noise line must disappear without producing any event.
	for _, e := range sink.snapshot() {
		if msg, ok := e["message"].(string); ok && strings.Contains(msg, "not json") {
			t.Fatalf("noise line leaked into the sink: %v", e)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return !mgr.Running("s1")
	}, "session not cleaned up after exit")
}

func TestStartEmitsSpawnLogEvent(t *testing.T) {
	script := writeScript(t, "exit 0")
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	logs := sink.ofType("log")
	if len(logs) == 0 {
		t.Fatal("expected a spawn log event")
	}
	msg, _ := logs[0]["message"].(string)
	if !strings.HasPrefix(msg, "Deep research worker started (pid=") {
		t.Fatalf("unexpected spawn message: %q", msg)
	}
}

func TestStderrRelayedAsTaggedLog(t *testing.T) {
	script := writeScript(t, `echo 'something broke' >&2`)
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		for _, e := range sink.ofType("log") {
			if msg, _ := e["message"].(string); msg == "[dr-worker] something broke" {
				return e["level"] == "error"
			}
		}
		return false
	}, "stderr line not relayed as tagged log event")
}

func TestAbnormalExitEmitsErrorPair(t *testing.T) {
	script := writeScript(t, "exit 3")
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(sink.ofType("status")) == 1
	}, "status event not emitted after abnormal exit")

	errs := sink.ofType("error")
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error event, got %d", len(errs))
	}
	msg, _ := errs[0]["message"].(string)
	if !strings.Contains(msg, "exited with code 3") {
		t.Fatalf("unexpected error message: %q", msg)
	}
	status := sink.ofType("status")[0]
	if status["status"] != "error" {
		t.Fatalf("expected status error, got %v", status["status"])
	}

	// The error pair must come after the exit, in order.
	events := sink.snapshot()
	var errIdx, statusIdx int
	for i, e := range events {
		switch e["type"] {
		case "error":
			errIdx = i
		case "status":
			statusIdx = i
		}
	}
	if errIdx > statusIdx {
		t.Fatal("error event must precede the status event")
	}
}

func TestStopSuppressesAbnormalExitReport(t *testing.T) {
	script := writeScript(t, "sleep 30")
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))
	mgr.SetStopTimeout(500 * time.Millisecond)

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mgr.Running("s1") }, "worker not tracked")

	if err := mgr.Stop(context.Background(), "s1"); err != nil {
		t.Fatalf("failed to stop worker: %v", err)
	}

	if mgr.Running("s1") {
		t.Fatal("session still tracked after stop")
	}
	// Let the reaper finish, then verify no abnormal-exit report surfaced.
	time.Sleep(200 * time.Millisecond)
	if errs := sink.ofType("error"); len(errs) != 0 {
		t.Fatalf("stop must suppress the abnormal-exit report, got %v", errs)
	}
	if statuses := sink.ofType("status"); len(statuses) != 0 {
		t.Fatalf("stop must suppress the status event, got %v", statuses)
	}
}

func TestStopRelaysGracefulTerminalEvents(t *testing.T) {
	// A cooperative worker answers the graceful signal with its terminal
	// pair before exiting; those events must still flow through the pump.
	script := writeScript(t, `
on_term() {
  echo '{"type":"dr.worker.exited","payload":{"status":"completed"}}'
  echo '{"type":"status","status":"stopped"}'
  exit 0
}
trap on_term TERM
echo '{"type":"dr.message","payload":{"content":"working"}}'
while true; do sleep 0.1; done
`)
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(sink.ofType("dr.message")) == 1
	}, "worker output not relayed before stop")

	if err := mgr.Stop(context.Background(), "s1"); err != nil {
		t.Fatalf("failed to stop worker: %v", err)
	}

	if got := len(sink.ofType("dr.worker.exited")); got != 1 {
		t.Fatalf("expected 1 dr.worker.exited after stop, got %d", got)
	}
	statuses := sink.ofType("status")
	if len(statuses) != 1 || statuses[0]["status"] != "stopped" {
		t.Fatalf("expected exactly one status:stopped, got %v", statuses)
	}
	if errs := sink.ofType("error"); len(errs) != 0 {
		t.Fatalf("graceful stop must not produce error events, got %v", errs)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	// The child ignores the graceful signal; Stop must still return after
	// the grace period by force-killing the process group.
	script := writeScript(t, `
trap '' TERM
while true; do sleep 0.1; done
`)
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))
	mgr.SetStopTimeout(300 * time.Millisecond)

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- mgr.Stop(context.Background(), "s1") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not complete after escalation")
	}
	if mgr.Running("s1") {
		t.Fatal("session still tracked after forced stop")
	}
}

func TestStopUnknownSessionIsNoop(t *testing.T) {
	mgr := New("/bin/true", "", &recordingSink{}, newTestLogger(t))
	if err := mgr.Stop(context.Background(), "missing"); err != nil {
		t.Fatalf("stop of unknown session must be a no-op, got %v", err)
	}
}

func TestStartRequiresSessionID(t *testing.T) {
	mgr := New("/bin/true", "", &recordingSink{}, newTestLogger(t))
	if err := mgr.Start(context.Background(), StartRequest{Query: "q"}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestStartReplacesExistingWorker(t *testing.T) {
	script := writeScript(t, "sleep 30")
	sink := &recordingSink{}
	mgr := New(script, "", sink, newTestLogger(t))
	mgr.SetStopTimeout(500 * time.Millisecond)

	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := mgr.Start(context.Background(), StartRequest{SessionID: "s1", Query: "q"}); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if !mgr.Running("s1") {
		t.Fatal("replacement worker not tracked")
	}
	_ = mgr.Stop(context.Background(), "s1")
}

func envToMap(t *testing.T, env []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(env))
	for _, entry := range env {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			t.Fatalf("malformed env entry %q", entry)
		}
		out[entry[:eq]] = entry[eq+1:]
	}
	return out
}

func TestBuildEnvLayering(t *testing.T) {
	t.Setenv("DR_TEST_INHERITED", "from-parent")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "preexisting")

	mgr := New("/bin/true", "/srv/deepresearch", &recordingSink{}, newTestLogger(t))
	env := envToMap(t, mgr.buildEnv(StartRequest{
		SessionID: "s1",
		EnvVars: map[string]string{
			"DR_TEST_INHERITED": "overridden",
			"DR_TEST_EMPTY":     "", // empty values must not override
		},
		LLMConfig: &llmconf.LLMConfig{
			Provider: "openai",
			APIKey:   "sk-derived",
			BaseURL:  "https://derived.example/v1",
		},
		DeepResearchConfig: &llmconf.DeepResearchConfig{
			Searcher: llmconf.RoleConfig{Model: "small"},
		},
	}))

	if env["DR_TEST_INHERITED"] != "overridden" {
		t.Fatalf("caller env var must override inherited, got %q", env["DR_TEST_INHERITED"])
	}
	if v, ok := env["DR_TEST_EMPTY"]; ok && v != "" {
		t.Fatalf("empty caller value must not introduce an override, got %q", v)
	}
	if !strings.Contains(env[llmconf.EnvLLMConfig], `"api_key":"sk-derived"`) {
		t.Fatalf("LLM config blob missing, got %q", env[llmconf.EnvLLMConfig])
	}
	if !strings.Contains(env[llmconf.EnvDeepResearchConfig], `"model":"small"`) {
		t.Fatalf("deep-research config blob missing, got %q", env[llmconf.EnvDeepResearchConfig])
	}
	// OPENAI_API_KEY was empty, so derivation fills it in; OPENAI_BASE_URL
	// was already set and must survive.
	if env["OPENAI_API_KEY"] != "sk-derived" {
		t.Fatalf("expected derived api key, got %q", env["OPENAI_API_KEY"])
	}
	if env["OPENAI_BASE_URL"] != "preexisting" {
		t.Fatalf("preexisting base url must not be overridden, got %q", env["OPENAI_BASE_URL"])
	}
	if env["MS_AGENT_UNBUFFERED"] != "1" {
		t.Fatal("unbuffered flag missing")
	}
	if !strings.HasPrefix(env["PATH"], "/srv/deepresearch"+string(os.PathListSeparator)) {
		t.Fatalf("repo root not prepended to PATH: %q", env["PATH"])
	}
}

func TestPrependPathDeduplicates(t *testing.T) {
	sep := string(os.PathListSeparator)
	got := prependPath("/usr/bin"+sep+"/srv/app"+sep+"/bin", "/srv/app")
	want := "/srv/app" + sep + "/usr/bin" + sep + "/bin"
	if got != want {
		t.Fatalf("prependPath = %q, want %q", got, want)
	}

	if got := prependPath("", "/srv/app"); got != "/srv/app" {
		t.Fatalf("prependPath on empty path = %q", got)
	}
}

func TestSessionsLists(t *testing.T) {
	script := writeScript(t, "sleep 30")
	mgr := New(script, "", &recordingSink{}, newTestLogger(t))
	mgr.SetStopTimeout(500 * time.Millisecond)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := mgr.Start(context.Background(), StartRequest{SessionID: id, Query: "q"}); err != nil {
			t.Fatalf("failed to start %s: %v", id, err)
		}
	}
	if got := len(mgr.Sessions()); got != 3 {
		t.Fatalf("expected 3 sessions, got %d", got)
	}

	mgr.StopAll(context.Background())
	if got := len(mgr.Sessions()); got != 0 {
		t.Fatalf("expected 0 sessions after StopAll, got %d", got)
	}
}
