package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentfleet/internal/channel/channeltest"
	"github.com/nextlevelbuilder/agentfleet/internal/config"
	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
	"github.com/nextlevelbuilder/agentfleet/internal/invoker/invokertest"
	"github.com/nextlevelbuilder/agentfleet/internal/subagent"
)

func subagentSpawn(sessionKey string) subagent.SpawnRequest {
	return subagent.SpawnRequest{ParentSessionKey: sessionKey, Task: "t", Label: "w", Notify: true}
}

func testWorkspace(t *testing.T) *config.Workspace {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.AgentFile), []byte("You are a test agent."), 0o644); err != nil {
		t.Fatal(err)
	}
	ws := &config.Workspace{Name: "testws", Path: dir, Model: "claude-sonnet-4-5", DebounceMs: 1}
	ws.ApplyDefaults(config.Workspace{})
	ws.DebounceMs = 1
	ws.StopGraceSeconds = 1
	return ws
}

func startRunner(t *testing.T, fake *invokertest.Fake) (*Runner, *channeltest.Fake) {
	t.Helper()
	ch := channeltest.New()
	r := New(Config{
		Workspace: testWorkspace(t),
		Channel:   ch,
		Invoker:   fake,
		Factory:   fake.Factory(),
	})
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)
	return r, ch
}

func waitForSent(t *testing.T, ch *channeltest.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(ch.Sent()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sent = %d, want >= %d", len(ch.Sent()), n)
}

func TestMessageRoundTrip(t *testing.T) {
	fake := invokertest.New(invokertest.Response{Text: "hello back", Metrics: invoker.Metrics{InputTokens: 5, OutputTokens: 3, LLMCalls: 1}})
	_, ch := startRunner(t, fake)

	ch.Deliver("test:1", "hello")
	waitForSent(t, ch, 1)

	sent := ch.Sent()
	if sent[0].SessionKey != "test:1" || sent[0].Content != "hello back" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestDoubleStartFails(t *testing.T) {
	fake := invokertest.New()
	r, _ := startRunner(t, fake)
	if err := r.Start(); err == nil {
		t.Error("second Start did not fail")
	}
}

func TestStopIdempotent(t *testing.T) {
	fake := invokertest.New()
	r, ch := startRunner(t, fake)

	r.Stop()
	if r.State() != StateStopped {
		t.Fatalf("state = %s", r.State())
	}
	r.Stop()
	if !ch.Closed() {
		t.Error("channel not closed")
	}
}

func TestStartFailsWithoutAgentFile(t *testing.T) {
	ws := &config.Workspace{Name: "bare", Path: t.TempDir()}
	ws.ApplyDefaults(config.Workspace{})
	r := New(Config{Workspace: ws, Channel: channeltest.New(), Invoker: invokertest.New(), Factory: invokertest.New().Factory()})
	if err := r.Start(); err == nil {
		t.Fatal("start succeeded without AGENT.md")
	}
}

func TestSilentReplySuppressed(t *testing.T) {
	fake := invokertest.New(
		invokertest.Response{Text: "NO_REPLY"},
		invokertest.Response{Text: "real reply"},
	)
	_, ch := startRunner(t, fake)

	ch.Deliver("test:1", "quiet one")
	// Wait for the first invocation to happen, then send another.
	deadline := time.Now().Add(2 * time.Second)
	for fake.CallCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ch.Deliver("test:1", "loud one")
	waitForSent(t, ch, 1)

	for _, m := range ch.Sent() {
		if m.Content == "NO_REPLY" {
			t.Error("silent reply delivered")
		}
	}
}

func TestCommandsHandledSynchronously(t *testing.T) {
	fake := invokertest.New()
	_, ch := startRunner(t, fake)

	ch.Deliver("test:1", "/help")
	waitForSent(t, ch, 1)
	if !strings.Contains(ch.Sent()[0].Content, "/queue") {
		t.Errorf("help = %q", ch.Sent()[0].Content)
	}
	if fake.CallCount() != 0 {
		t.Error("command triggered an invocation")
	}
}

func TestQueueCommandSetsMode(t *testing.T) {
	fake := invokertest.New()
	r, ch := startRunner(t, fake)

	ch.Deliver("test:1", "/queue steer")
	waitForSent(t, ch, 1)
	if got := r.machine.Mode("test:1"); string(got) != "steer" {
		t.Errorf("mode = %q", got)
	}

	ch.Deliver("test:1", "/queue default")
	waitForSent(t, ch, 2)
	if got := r.machine.Mode("test:1"); string(got) != "collect" {
		t.Errorf("mode after alias = %q", got)
	}
}

func TestNewRotatesConversation(t *testing.T) {
	fake := invokertest.New(invokertest.Response{Text: "hi"})
	r, ch := startRunner(t, fake)

	ch.Deliver("test:1", "hello")
	waitForSent(t, ch, 1)
	before := r.sessions.GetState("test:1").ConversationID

	ch.Deliver("test:1", "/new")
	waitForSent(t, ch, 2)

	after := r.sessions.GetState("test:1").ConversationID
	if before == after {
		t.Error("conversation did not rotate")
	}
	if !strings.Contains(ch.Sent()[1].Content, "Thread: test:1:"+after) {
		t.Errorf("reply = %q", ch.Sent()[1].Content)
	}
}

func TestSubagentResultReentersMainLane(t *testing.T) {
	fake := invokertest.New(
		invokertest.Response{Text: "subagent output"}, // sub-agent run
		invokertest.Response{Text: "acknowledged"},    // parent processing the notice
	)
	r, ch := startRunner(t, fake)

	if _, err := r.subs.Spawn(subagentSpawn("test:1")); err != nil {
		t.Fatal(err)
	}

	waitForSent(t, ch, 1)
	if ch.Sent()[0].Content != "acknowledged" {
		t.Errorf("sent = %+v", ch.Sent())
	}

	calls := fake.Calls()
	if len(calls) < 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	last := calls[len(calls)-1]
	if !strings.HasPrefix(last.UserMessage, "[SYSTEM] Sub-agent 'w' completed.") {
		t.Errorf("synthetic message = %q", last.UserMessage)
	}
}

func TestStatusCommand(t *testing.T) {
	fake := invokertest.New(invokertest.Response{Text: "hi"})
	_, ch := startRunner(t, fake)

	ch.Deliver("test:1", "hello")
	waitForSent(t, ch, 1)
	ch.Deliver("test:1", "/status")
	waitForSent(t, ch, 2)

	status := ch.Sent()[1].Content
	for _, want := range []string{"Workspace: testws", "Model: claude-sonnet-4-5", "Messages: 1", "Tasks:"} {
		if !strings.Contains(status, want) {
			t.Errorf("status missing %q:\n%s", want, status)
		}
	}
}
