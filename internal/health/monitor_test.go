package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rowan/foreman/internal/agents"
	"github.com/rowan/foreman/internal/bus"
	"github.com/rowan/foreman/internal/config"
	"github.com/rowan/foreman/internal/team"
)

// fakeClock lets tests drive time by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSession struct {
	id   string
	name string

	mu       sync.Mutex
	aborts   int
	abortErr error
	received []string
}

func (s *fakeSession) ID() string   { return s.id }
func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, text)
	return nil
}

func (s *fakeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return s.abortErr
}

func (s *fakeSession) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

type fakeLookup struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{sessions: make(map[string]*fakeSession)}
}

func (l *fakeLookup) add(s *fakeSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.id] = s
}

func (l *fakeLookup) GetByID(id string) (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	return s, ok
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent map[string][]string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{sent: make(map[string][]string)}
}

func (m *fakeMessenger) SendToSession(_ context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[sessionID] = append(m.sent[sessionID], text)
	return nil
}

func (m *fakeMessenger) countContaining(sessionID, substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.sent[sessionID] {
		if strings.Contains(msg, substr) {
			n++
		}
	}
	return n
}

type fixture struct {
	monitor   *Monitor
	registry  *team.Registry
	lookup    *fakeLookup
	messenger *fakeMessenger
	clock     *fakeClock
	events    *bus.Bus[Issue]
	teamID    string
	leadID    string
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		StallNudge:           5 * time.Minute,
		StallKill:            8 * time.Minute,
		StallFailsafe:        15 * time.Minute,
		ErrorLoopCount:       3,
		RetryStormWindow:     4,
		RetryStormSimilarity: 0.85,
		ToolCallBudget:       50,
		ContextWarnPercent:   0.85,
		CheckInterval:        30 * time.Second,
		AlertFlushInterval:   90 * time.Second,
	}
}

func newFixture(t *testing.T, cfg config.HealthConfig) *fixture {
	t.Helper()
	clock := newFakeClock()
	registry := team.NewRegistry(team.WithClock(clock.Now))
	tm := registry.CreateTeam("lead-1", "team-lead")
	lookup := newFakeLookup()
	lookup.add(&fakeSession{id: "lead-1", name: "team-lead"})
	messenger := newFakeMessenger()
	events := bus.New[Issue]()
	monitor := New(cfg, registry, lookup, messenger, events, WithClock(clock.Now))
	return &fixture{
		monitor:   monitor,
		registry:  registry,
		lookup:    lookup,
		messenger: messenger,
		clock:     clock,
		events:    events,
		teamID:    tm.ID,
		leadID:    tm.LeadID,
	}
}

// addWorker registers a tracked worker with an in-progress task.
func (f *fixture) addWorker(t *testing.T, sessionID, name string) *fakeSession {
	t.Helper()
	sess := &fakeSession{id: sessionID, name: name}
	f.lookup.add(sess)
	if err := f.registry.AddMember(f.teamID, &team.Member{
		SessionID: sessionID,
		Name:      name,
		Role:      team.RoleWorker,
		ParentID:  f.leadID,
	}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	task := &team.Task{Title: name + " task"}
	if err := f.registry.CreateTask(f.teamID, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := f.registry.AssignTask(f.teamID, task.ID, sessionID); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	f.monitor.Track(f.teamID, sessionID, name, 0)
	return sess
}

func (f *fixture) toolEvent(sessionID, tool, input string, isError bool, tokens int64) agents.ToolEvent {
	return agents.ToolEvent{
		SessionID: sessionID,
		TeamID:    f.teamID,
		Tool:      tool,
		Input:     input,
		IsError:   isError,
		Tokens:    tokens,
		Time:      f.clock.Now(),
	}
}

// Thirteen minutes of silence: one nudge at minute 5, one termination
// with a lead notification at minute 8, nothing in between or after.
func TestStallLadderNudgeThenKill(t *testing.T) {
	f := newFixture(t, testConfig())
	worker := f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	for minute := 1; minute <= 13; minute++ {
		f.clock.Advance(time.Minute)
		f.monitor.CheckNow(ctx)
	}

	if got := f.messenger.countContaining("w-1", "inactive"); got != 1 {
		t.Fatalf("nudges = %d, want 1", got)
	}
	if got := worker.abortCount(); got != 1 {
		t.Fatalf("aborts = %d, want 1", got)
	}
	if got := f.messenger.countContaining(f.leadID, "was terminated"); got != 1 {
		t.Fatalf("termination notices = %d, want 1", got)
	}

	var failed int
	for _, task := range f.registry.Tasks(f.teamID) {
		if task.Status == team.TaskFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed tasks = %d, want 1", failed)
	}
}

func TestActivityReArmsStallLadder(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	f.clock.Advance(6 * time.Minute)
	f.monitor.CheckNow(ctx)
	if got := f.messenger.countContaining("w-1", "inactive"); got != 1 {
		t.Fatalf("nudges = %d, want 1", got)
	}

	// Activity resets the ladder; a short further idle stays quiet.
	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "read_file", `{"path":"main.go"}`, false, 0))
	f.clock.Advance(4 * time.Minute)
	f.monitor.CheckNow(ctx)
	if got := f.messenger.countContaining("w-1", "inactive"); got != 1 {
		t.Fatalf("nudges after activity = %d, want still 1", got)
	}

	f.clock.Advance(2 * time.Minute)
	f.monitor.CheckNow(ctx)
	if got := f.messenger.countContaining("w-1", "inactive"); got != 2 {
		t.Fatalf("nudges after second stall = %d, want 2", got)
	}
}

func TestWorkdirLivenessDefersStall(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	f.clock.Advance(4 * time.Minute)
	f.monitor.TouchLiveness("w-1")

	// 9 minutes of total silence would be past the kill line, but the
	// touch reset the clock: only 5 minutes idle, so a nudge at most.
	f.clock.Advance(5 * time.Minute)
	f.monitor.CheckNow(ctx)

	if got := f.messenger.countContaining("w-1", "inactive"); got != 1 {
		t.Fatalf("nudges = %d, want 1 (5m idle after touch)", got)
	}
	if got := f.messenger.countContaining(f.leadID, "was terminated"); got != 0 {
		t.Fatalf("terminations = %d, want 0", got)
	}
}

func TestFailsafeAfterAbortFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	worker := f.addWorker(t, "w-1", "builder")
	worker.mu.Lock()
	worker.abortErr = errors.New("process not responding")
	worker.mu.Unlock()
	ctx := context.Background()

	f.clock.Advance(9 * time.Minute)
	f.monitor.CheckNow(ctx)
	if got := f.messenger.countContaining(f.leadID, "was terminated"); got != 0 {
		t.Fatalf("lead notified before failsafe, notices = %d", got)
	}

	f.clock.Advance(7 * time.Minute) // 16m total, past the failsafe line
	f.monitor.CheckNow(ctx)
	if got := f.messenger.countContaining(f.leadID, "was terminated"); got != 1 {
		t.Fatalf("failsafe notices = %d, want 1", got)
	}
	if got := worker.abortCount(); got != 2 {
		t.Fatalf("abort attempts = %d, want 2", got)
	}
}

func TestToolBudgetBlocksThenKills(t *testing.T) {
	cfg := testConfig()
	cfg.ToolCallBudget = 3
	f := newFixture(t, cfg)
	worker := f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "web_search", `{"query":"golang"}`, false, 0))
	}
	if got := f.messenger.countContaining("w-1", "now blocked"); got != 1 {
		t.Fatalf("block notices = %d, want 1", got)
	}
	if !f.monitor.ToolBlocked("w-1", "web_search") {
		t.Fatal("web_search should be blocked")
	}
	if f.monitor.ToolBlocked("w-1", "read_file") {
		t.Fatal("read_file should not be blocked")
	}
	if got := worker.abortCount(); got != 0 {
		t.Fatalf("aborted at block threshold, aborts = %d", got)
	}

	// Ignoring the block long enough gets the session terminated.
	for i := 0; i < 3; i++ {
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "web_search", `{"query":"golang"}`, false, 0))
	}
	if got := worker.abortCount(); got != 1 {
		t.Fatalf("aborts = %d, want 1", got)
	}
	if got := f.messenger.countContaining(f.leadID, "blocked tool"); got != 1 {
		t.Fatalf("kill notices = %d, want 1", got)
	}
}

func TestErrorLoopWarnsAndStreakResetsOnSuccess(t *testing.T) {
	f := newFixture(t, testConfig())
	worker := f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "run_tests", `{"pkg":"./..."}`, true, 0))
	}
	if got := f.messenger.countContaining("w-1", "all failed"); got != 1 {
		t.Fatalf("loop warnings = %d, want 1", got)
	}

	// One success breaks the streak; three fresh failures warn again
	// instead of escalating to a kill.
	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "read_file", `{"path":"go.mod"}`, false, 0))
	for i := 0; i < 3; i++ {
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "run_tests", `{"pkg":"./..."}`, true, 0))
	}
	if got := f.messenger.countContaining("w-1", "all failed"); got != 2 {
		t.Fatalf("loop warnings = %d, want 2", got)
	}
	if got := worker.abortCount(); got != 0 {
		t.Fatalf("aborts = %d, want 0", got)
	}
}

func TestErrorLoopKillsAfterIgnoredWarning(t *testing.T) {
	f := newFixture(t, testConfig())
	worker := f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "run_tests", `{"pkg":"./..."}`, true, 0))
	}
	if got := worker.abortCount(); got != 1 {
		t.Fatalf("aborts = %d, want 1", got)
	}
	if got := f.messenger.countContaining(f.leadID, "consecutive failures"); got != 1 {
		t.Fatalf("kill notices = %d, want 1", got)
	}
}

func TestRetryStormAcrossToolsWarnsThenKills(t *testing.T) {
	f := newFixture(t, testConfig())
	worker := f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	// Alternating tools defeat the per-tool budget; the similarity
	// check is what catches this shape of storm.
	input := `{"url":"https://api.example.com/v1/items","retry":true}`
	tools := []string{"fetch", "fetch_cached"}
	for i := 0; i < 4; i++ {
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", tools[i%2], input, false, 0))
	}
	if got := f.messenger.countContaining("w-1", "near-identical"); got != 1 {
		t.Fatalf("storm warnings = %d, want 1", got)
	}
	if got := worker.abortCount(); got != 0 {
		t.Fatalf("aborts after warning = %d, want 0", got)
	}

	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "fetch", input, false, 0))
	if got := worker.abortCount(); got != 1 {
		t.Fatalf("aborts = %d, want 1", got)
	}
}

func TestDistinctInputsAreNotAStorm(t *testing.T) {
	f := newFixture(t, testConfig())
	worker := f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		input := fmt.Sprintf(`{"path":"internal/pkg%d/file%d.go","mode":"read"}`, i, i)
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "read_file", input, false, 0))
	}
	if got := f.messenger.countContaining("w-1", "near-identical"); got != 0 {
		t.Fatalf("storm warnings = %d, want 0", got)
	}
	if got := worker.abortCount(); got != 0 {
		t.Fatalf("aborts = %d, want 0", got)
	}
}

func TestContextExhaustionWarnsOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := &fakeSession{id: "w-1", name: "builder"}
	f.lookup.add(sess)
	if err := f.registry.AddMember(f.teamID, &team.Member{
		SessionID: "w-1", Name: "builder", Role: team.RoleWorker, ParentID: f.leadID,
	}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	f.monitor.Track(f.teamID, "w-1", "builder", 1000)
	ctx := context.Background()

	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "read_file", `{"path":"a.go"}`, false, 500))
	if got := f.messenger.countContaining("w-1", "context window"); got != 0 {
		t.Fatalf("warned at 50%%, warnings = %d", got)
	}

	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "read_file", `{"path":"b.go"}`, false, 400))
	if got := f.messenger.countContaining("w-1", "context window"); got != 1 {
		t.Fatalf("warnings at 90%% = %d, want 1", got)
	}

	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "read_file", `{"path":"c.go"}`, false, 100))
	if got := f.messenger.countContaining("w-1", "context window"); got != 1 {
		t.Fatalf("warnings = %d, want still 1", got)
	}
}

func TestAlertsCoalesceIntoOneSummary(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addWorker(t, "w-1", "builder")
	f.addWorker(t, "w-2", "tester")
	ctx := context.Background()

	f.clock.Advance(6 * time.Minute)
	f.monitor.CheckNow(ctx) // both workers nudged, two buffered issues
	if got := f.messenger.countContaining(f.leadID, "Health alert"); got != 0 {
		t.Fatalf("summary before flush = %d, want 0", got)
	}

	f.monitor.FlushAlerts(ctx)
	if got := f.messenger.countContaining(f.leadID, "Health alert"); got != 1 {
		t.Fatalf("summaries = %d, want 1", got)
	}
	if got := f.messenger.countContaining(f.leadID, "builder"); got != 1 {
		t.Fatalf("summaries naming builder = %d, want 1", got)
	}
	if got := f.messenger.countContaining(f.leadID, "tester"); got != 1 {
		t.Fatalf("summaries naming tester = %d, want 1", got)
	}

	// Buffer is cleared; an empty flush sends nothing.
	f.monitor.FlushAlerts(ctx)
	if got := f.messenger.countContaining(f.leadID, "Health alert"); got != 1 {
		t.Fatalf("summaries after empty flush = %d, want 1", got)
	}
}

func TestIssuesPublishedOnTeamTopic(t *testing.T) {
	f := newFixture(t, testConfig())
	f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Issue
	cancel := f.events.Subscribe(f.teamID, func(issue Issue) {
		mu.Lock()
		seen = append(seen, issue)
		mu.Unlock()
	})
	defer cancel()

	f.clock.Advance(6 * time.Minute)
	f.monitor.CheckNow(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("published issues = %d, want 1", len(seen))
	}
	if seen[0].Kind != IssueStall {
		t.Fatalf("kind = %q, want %q", seen[0].Kind, IssueStall)
	}
	if seen[0].SessionID != "w-1" {
		t.Fatalf("session = %q, want w-1", seen[0].SessionID)
	}
}

func TestTerminationNoticeCarriesPartialResults(t *testing.T) {
	cfg := testConfig()
	cfg.ToolCallBudget = 2
	f := newFixture(t, cfg)
	f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "read_file", `{"path":"main.go"}`, false, 0))
	f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "run_tests", `{"pkg":"./..."}`, true, 0))
	for i := 0; i < 4; i++ {
		f.monitor.ObserveTool(ctx, f.toolEvent("w-1", "web_search", `{"query":"flaky test"}`, false, 0))
	}

	msgs := f.messenger.sent[f.leadID]
	var notice string
	for _, msg := range msgs {
		if strings.Contains(msg, "was terminated") {
			notice = msg
		}
	}
	if notice == "" {
		t.Fatal("no termination notice sent to lead")
	}
	if !strings.Contains(notice, "Last successful results") {
		t.Fatalf("notice lacks partial results:\n%s", notice)
	}
	if !strings.Contains(notice, "read_file") {
		t.Fatalf("notice lacks the successful read_file call:\n%s", notice)
	}
	if strings.Contains(notice, "run_tests") {
		t.Fatalf("notice includes a failed call:\n%s", notice)
	}
}

func TestStopTeamFlushesAndDropsState(t *testing.T) {
	f := newFixture(t, testConfig())
	worker := f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	f.clock.Advance(6 * time.Minute)
	f.monitor.CheckNow(ctx) // one buffered nudge issue

	f.monitor.StopTeam(ctx, f.teamID)
	if got := f.messenger.countContaining(f.leadID, "Health alert"); got != 1 {
		t.Fatalf("teardown flush summaries = %d, want 1", got)
	}

	// No trackers remain: a long idle stretch triggers nothing.
	f.clock.Advance(20 * time.Minute)
	f.monitor.CheckNow(ctx)
	if got := worker.abortCount(); got != 0 {
		t.Fatalf("aborts after teardown = %d, want 0", got)
	}
}

func TestKillHookFires(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	var mu sync.Mutex
	var killed []string
	f.monitor.onKill = func(_, sessionID string) {
		mu.Lock()
		killed = append(killed, sessionID)
		mu.Unlock()
	}
	f.addWorker(t, "w-1", "builder")
	ctx := context.Background()

	f.clock.Advance(9 * time.Minute)
	f.monitor.CheckNow(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(killed) != 1 || killed[0] != "w-1" {
		t.Fatalf("kill hook calls = %v, want [w-1]", killed)
	}
}
