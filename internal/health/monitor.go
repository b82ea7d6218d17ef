package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rowan/foreman/internal/agents"
	"github.com/rowan/foreman/internal/bus"
	"github.com/rowan/foreman/internal/config"
	"github.com/rowan/foreman/internal/logging"
	"github.com/rowan/foreman/internal/team"
)

// Session is the monitor's view of a teammate session. Abort must be
// safe to call concurrently with Send.
type Session interface {
	ID() string
	Name() string
	Send(ctx context.Context, text string) error
	Abort() error
}

// SessionLookup resolves sessions by id.
type SessionLookup interface {
	GetByID(id string) (Session, bool)
}

// Messenger delivers notifications to a session.
type Messenger interface {
	SendToSession(ctx context.Context, sessionID, text string) error
}

// Releaser frees a terminated member's compute resource.
type Releaser interface {
	Release(sessionID string)
}

// stall ladder stages, strictly increasing.
const (
	stageNone = iota
	stageNudged
	stageKilled
	stageFailsafe
)

// historyWindow bounds the per-teammate rolling tool-event window. It
// must cover the retry-storm window plus slack for interleaved
// successes.
const historyWindow = 24

// alertCap bounds the per-team alert buffer; overflow forces an
// immediate flush so nothing is silently dropped.
const alertCap = 32

// tracker is the monitor's per-teammate state. All fields are guarded
// by Monitor.mu.
type tracker struct {
	teamID       string
	sessionID    string
	name         string
	lastActivity time.Time

	history      []agents.ToolEvent // rolling, newest last
	toolCalls    map[string]int     // lifetime per-tool call counts
	blockedTools map[string]bool    // tools past budget, blocked for good
	errorStreak  int
	errorTool    string

	contextTokens int64
	contextLimit  int64
	contextWarned bool

	stallStage  int
	stormWarned bool
	killed      bool
}

// Monitor watches teammate activity and intervenes when a teammate
// stalls, loops, or burns through its budget. One Monitor serves all
// teams.
type Monitor struct {
	cfg       config.HealthConfig
	registry  *team.Registry
	sessions  SessionLookup
	messenger Messenger
	releaser  Releaser
	events    *bus.Bus[Issue]
	logger    *logging.Logger
	now       func() time.Time

	// onKill is optional, fired after a teammate has been terminated.
	onKill func(teamID, sessionID string)

	mu       sync.Mutex
	trackers map[string]*tracker // by session id
	alerts   map[string][]Issue  // per-team coalescing buffer
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithReleaser installs a resource releaser invoked after termination.
func WithReleaser(r Releaser) Option {
	return func(m *Monitor) { m.releaser = r }
}

// WithKillHook installs a callback fired after any auto-kill.
func WithKillHook(fn func(teamID, sessionID string)) Option {
	return func(m *Monitor) { m.onKill = fn }
}

// New builds a Monitor. The bus carries detected issues on team-id
// topics; subscribe to bus.TopicAll for a global feed.
func New(cfg config.HealthConfig, registry *team.Registry, sessions SessionLookup, messenger Messenger, events *bus.Bus[Issue], opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		registry:  registry,
		sessions:  sessions,
		messenger: messenger,
		events:    events,
		logger:    logging.Component("health"),
		now:       time.Now,
		trackers:  make(map[string]*tracker),
		alerts:    make(map[string][]Issue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers a teammate for monitoring. contextLimit is the
// session's context window in tokens; zero disables exhaustion checks.
func (m *Monitor) Track(teamID, sessionID, name string, contextLimit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trackers[sessionID]; ok {
		return
	}
	m.trackers[sessionID] = &tracker{
		teamID:       teamID,
		sessionID:    sessionID,
		name:         name,
		lastActivity: m.now(),
		toolCalls:    make(map[string]int),
		blockedTools: make(map[string]bool),
		contextLimit: contextLimit,
	}
}

// Untrack stops monitoring a single teammate.
func (m *Monitor) Untrack(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, sessionID)
}

// StopTeam drops all monitoring state for a team, flushing any
// buffered alerts first so a teardown never swallows them.
func (m *Monitor) StopTeam(ctx context.Context, teamID string) {
	m.flushTeam(ctx, teamID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.trackers {
		if tr.teamID == teamID {
			delete(m.trackers, id)
		}
	}
	delete(m.alerts, teamID)
	m.events.DropTopic(teamID)
}

// TouchLiveness refreshes a teammate's activity clock without a tool
// event, used by the workdir watcher. It re-arms the stall ladder.
func (m *Monitor) TouchLiveness(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trackers[sessionID]
	if !ok || tr.killed {
		return
	}
	tr.lastActivity = m.now()
	tr.stallStage = stageNone
}

// ToolBlocked reports whether a tool has exceeded its call budget for
// the session. The host should refuse blocked calls.
func (m *Monitor) ToolBlocked(sessionID, tool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trackers[sessionID]
	return ok && tr.blockedTools[tool]
}

// Run drives periodic checks and alert flushes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	check := time.NewTicker(m.cfg.CheckInterval)
	defer check.Stop()
	flush := time.NewTicker(m.cfg.AlertFlushInterval)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			m.CheckNow(ctx)
		case <-flush.C:
			m.FlushAlerts(ctx)
		}
	}
}

// CheckNow evaluates the stall ladder for every tracked teammate.
// Exposed so the run loop and tests share one code path.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.Lock()
	var due []*tracker
	for _, tr := range m.trackers {
		if !tr.killed {
			due = append(due, tr)
		}
	}
	m.mu.Unlock()

	for _, tr := range due {
		m.checkStall(ctx, tr)
	}
}

func (m *Monitor) checkStall(ctx context.Context, tr *tracker) {
	m.mu.Lock()
	idle := m.now().Sub(tr.lastActivity)
	stage := tr.stallStage
	m.mu.Unlock()

	switch {
	case idle >= m.cfg.StallFailsafe && stage < stageFailsafe:
		// Backstop for a kill that did not take.
		m.setStage(tr, stageFailsafe)
		m.logger.Warnf("failsafe: %s idle %s after kill attempt", tr.name, idle.Round(time.Second))
		m.autoKill(ctx, tr, IssueStall, fmt.Sprintf("unresponsive for %s, failsafe termination", idle.Round(time.Second)), idle)
	case idle >= m.cfg.StallKill && stage < stageKilled:
		m.setStage(tr, stageKilled)
		m.autoKill(ctx, tr, IssueStall, fmt.Sprintf("no activity for %s, terminated", idle.Round(time.Second)), idle)
	case idle >= m.cfg.StallNudge && stage < stageNudged:
		m.setStage(tr, stageNudged)
		m.nudge(ctx, tr, idle)
	}
}

func (m *Monitor) setStage(tr *tracker, stage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stage > tr.stallStage {
		tr.stallStage = stage
	}
}

func (m *Monitor) nudge(ctx context.Context, tr *tracker, idle time.Duration) {
	m.logger.Infof("nudging %s after %s of inactivity", tr.name, idle.Round(time.Second))
	msg := "You have been inactive for a while. If you are blocked, report what is blocking you; otherwise continue with your assigned task."
	if err := m.messenger.SendToSession(ctx, tr.sessionID, msg); err != nil {
		m.logger.Err(err).Str("session", tr.sessionID).Msg("nudge delivery failed")
	}
	m.emit(ctx, Issue{
		TeamID:     tr.teamID,
		SessionID:  tr.sessionID,
		Name:       tr.name,
		Kind:       IssueStall,
		Duration:   idle,
		Detail:     "inactive, nudged",
		DetectedAt: m.now(),
	})
}

// ObserveTool ingests one tool call. It refreshes liveness, then runs
// the budget, error-loop, retry-storm, and context checks in that
// order. The budget check is the primary storm defense; similarity is
// the fallback for storms that rotate tools or inputs.
func (m *Monitor) ObserveTool(ctx context.Context, ev agents.ToolEvent) {
	m.mu.Lock()
	tr, ok := m.trackers[ev.SessionID]
	if !ok || tr.killed {
		m.mu.Unlock()
		return
	}

	tr.lastActivity = ev.Time
	if tr.lastActivity.IsZero() {
		tr.lastActivity = m.now()
	}
	tr.stallStage = stageNone

	tr.history = append(tr.history, ev)
	if len(tr.history) > historyWindow {
		tr.history = tr.history[len(tr.history)-historyWindow:]
	}
	tr.toolCalls[ev.Tool]++
	calls := tr.toolCalls[ev.Tool]

	if ev.IsError && ev.Tool == tr.errorTool {
		tr.errorStreak++
	} else if ev.IsError {
		tr.errorTool = ev.Tool
		tr.errorStreak = 1
	} else {
		tr.errorTool = ""
		tr.errorStreak = 0
	}
	streak := tr.errorStreak

	tr.contextTokens += ev.Tokens
	m.mu.Unlock()

	m.registry.Touch(ev.TeamID, ev.SessionID, tr.lastActivity)
	if ev.Tokens > 0 {
		m.registry.AddTokens(ev.TeamID, ev.SessionID, ev.Tokens)
	}

	if m.checkBudget(ctx, tr, ev.Tool, calls) {
		return
	}
	if m.checkErrorLoop(ctx, tr, ev.Tool, streak) {
		return
	}
	if m.checkRetryStorm(ctx, tr, ev.Tool) {
		return
	}
	m.checkContext(ctx, tr)
}

// emit publishes an issue on the team topic and buffers it for the
// next coalesced alert flush.
func (m *Monitor) emit(ctx context.Context, issue Issue) {
	m.events.Publish(issue.TeamID, issue)

	m.mu.Lock()
	m.alerts[issue.TeamID] = append(m.alerts[issue.TeamID], issue)
	full := len(m.alerts[issue.TeamID]) >= alertCap
	m.mu.Unlock()

	if full {
		m.flushTeam(ctx, issue.TeamID)
	}
}

// FlushAlerts sends one coalesced summary per team with buffered
// issues, then clears the buffers.
func (m *Monitor) FlushAlerts(ctx context.Context) {
	m.mu.Lock()
	teams := make([]string, 0, len(m.alerts))
	for teamID := range m.alerts {
		teams = append(teams, teamID)
	}
	m.mu.Unlock()
	for _, teamID := range teams {
		m.flushTeam(ctx, teamID)
	}
}

func (m *Monitor) flushTeam(ctx context.Context, teamID string) {
	m.mu.Lock()
	issues := m.alerts[teamID]
	delete(m.alerts, teamID)
	m.mu.Unlock()
	if len(issues) == 0 {
		return
	}

	t, err := m.registry.Team(teamID)
	if err != nil {
		m.logger.Err(err).Str("team", teamID).Msg("dropping alerts for unknown team")
		return
	}

	summary := fmt.Sprintf("Health alert: %d issue(s) detected on your team:\n", len(issues))
	for _, issue := range issues {
		summary += "- " + issue.String() + "\n"
	}
	if err := m.messenger.SendToSession(ctx, t.LeadID, summary); err != nil {
		m.logger.Err(err).Str("team", teamID).Msg("alert summary delivery failed")
	}
}
