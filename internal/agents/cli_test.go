package agents

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// mockRunner implements CommandRunner for testing.
type mockRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error

	mu    sync.Mutex
	calls []mockCall
}

type mockCall struct {
	name  string
	args  []string
	dir   string
	stdin string
}

func (m *mockRunner) Run(_ context.Context, name string, args []string, dir, stdin string) (string, string, int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockCall{name, args, dir, stdin})
	m.mu.Unlock()
	return m.stdout, m.stderr, m.exitCode, m.err
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestCLISessionSend(t *testing.T) {
	runner := &mockRunner{stdout: "done: summary\n"}
	s := NewCLISession("sess-1", "worker-1", "/tmp/work", WithRunner(runner), WithBinary("claude"))

	if err := s.Send(context.Background(), "do the thing"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(runner.calls))
	}
	call := runner.calls[0]
	if call.name != "claude" || call.stdin != "do the thing" || call.dir != "/tmp/work" {
		t.Errorf("unexpected call: %+v", call)
	}
	if s.LastMessage() != "done: summary" {
		t.Errorf("LastMessage() = %q", s.LastMessage())
	}
}

func TestCLISessionSendNonZeroExit(t *testing.T) {
	runner := &mockRunner{stderr: "boom", exitCode: 2}
	s := NewCLISession("sess-1", "worker-1", "", WithRunner(runner))

	err := s.Send(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "exited 2") {
		t.Errorf("Send() error = %v, want exit error", err)
	}
}

func TestCLISessionAbortBlocksSend(t *testing.T) {
	s := NewCLISession("sess-1", "worker-1", "", WithRunner(&mockRunner{}))

	if err := s.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if err := s.Send(context.Background(), "x"); err != ErrSessionClosed {
		t.Errorf("Send() after Abort = %v, want ErrSessionClosed", err)
	}
}

func TestStoreLookup(t *testing.T) {
	store := NewStore()
	s := NewCLISession("sess-1", "worker-1", "", WithRunner(&mockRunner{}))
	store.Put(s)

	got, ok := store.GetByID("sess-1")
	if !ok || got.Name() != "worker-1" {
		t.Errorf("GetByID = %v, %v", got, ok)
	}

	store.Remove("sess-1")
	if _, ok := store.GetByID("sess-1"); ok {
		t.Error("expected session removed")
	}
}

func TestCollectWorkingDiff(t *testing.T) {
	runner := &mockRunner{stdout: "diff --git a/x b/x\n+line\n"}
	diff, err := CollectWorkingDiff(context.Background(), runner, "/repo")
	if err != nil {
		t.Fatalf("CollectWorkingDiff() error = %v", err)
	}
	if !strings.HasPrefix(diff, "diff --git") {
		t.Errorf("diff = %q", diff)
	}

	call := runner.calls[0]
	if call.name != "git" || call.args[0] != "diff" {
		t.Errorf("unexpected command: %+v", call)
	}
}
