// Package coordinator is the single authority for what happens when a
// teammate stops: it runs the per-team bounded quality-gate queue,
// enforces the reviewer QA gate, and decides when the lead may be told
// that all teammates are done.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rowan/foreman/internal/db"
	"github.com/rowan/foreman/internal/gate"
	"github.com/rowan/foreman/internal/logging"
	"github.com/rowan/foreman/internal/team"
)

// StopReason describes why a teammate stopped.
type StopReason string

const (
	StopComplete    StopReason = "complete"
	StopInterrupted StopReason = "interrupted"
	StopError       StopReason = "error"
	StopTimeout     StopReason = "timeout"
)

// Session is the coordinator's view of a teammate session.
type Session interface {
	ID() string
	Name() string
	Send(ctx context.Context, text string) error
	Abort() error
	Processing() bool
	LastMessage() string
	WorkingDir() string
}

// SessionLookup resolves sessions by id.
type SessionLookup interface {
	GetByID(id string) (Session, bool)
}

// Messenger delivers relayed messages and renders delivery metadata.
type Messenger interface {
	SendToSession(ctx context.Context, sessionID, text string) error
	DeliveryMetadata(outputPresent bool, receiverID string) string
}

// DiffCollector obtains a reviewable artifact from a working directory.
type DiffCollector interface {
	CollectWorkingDiff(ctx context.Context, workDir string) (string, error)
}

// Releaser frees a member's underlying compute resource once its result
// has been relayed.
type Releaser interface {
	Release(sessionID string)
}

// CycleStore persists review-cycle counters across restarts.
type CycleStore interface {
	Get(teammateID, purpose string) (int, error)
	Increment(teammateID, purpose string) (int, error)
	Clear(teammateID, purpose string) error
	Forget(teammateID string)
}

// ResultSink persists quality-gate verdicts.
type ResultSink interface {
	StoreGateResult(rec db.GateResultRecord) error
}

// Config holds coordinator tunables.
type Config struct {
	GatesEnabled       bool
	PassThreshold      int
	MaxReviewCycles    int
	MaxParallelReviews int
}

// Coordinator reacts to teammate stop events for all teams.
type Coordinator struct {
	registry  *team.Registry
	sessions  SessionLookup
	cycles    CycleStore
	results   ResultSink
	runner    gate.Runner
	escalator gate.Escalator
	messenger Messenger
	diffs     DiffCollector
	releaser  Releaser
	cfg       Config
	logger    *logging.Logger

	// stopHealth is optional, for callers that predate health monitoring.
	stopHealth func(teamID string)

	// onTeamComplete fires after the team-complete relay is sent.
	onTeamComplete func(teamID string)

	mu     sync.Mutex
	queues map[string]*reviewQueue // per-team queue bookkeeping, discarded on drain
	gates  map[string]*teamGates   // per-team QA/team-level gate state, dropped on teardown
}

// teamGates holds per-team gate flags for the team's lifetime.
type teamGates struct {
	teamLevelQgRunning bool
	teamLevelQgDone    bool
	completeNotified   bool
	qaBlockNotified    bool
	qaSettled          bool
	reviewerVerdicts   map[string]gate.Verdict // explicit cached verdicts by session id
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEscalator sets the stronger-reviewer escalation path.
func WithEscalator(e gate.Escalator) Option {
	return func(c *Coordinator) { c.escalator = e }
}

// WithReleaser sets the compute release hook.
func WithReleaser(r Releaser) Option {
	return func(c *Coordinator) { c.releaser = r }
}

// WithStopHealthHook sets the optional health-monitoring stop hook.
func WithStopHealthHook(fn func(teamID string)) Option {
	return func(c *Coordinator) { c.stopHealth = fn }
}

// WithTeamCompleteHook sets a callback fired when a team completes.
func WithTeamCompleteHook(fn func(teamID string)) Option {
	return func(c *Coordinator) { c.onTeamComplete = fn }
}

// WithResultSink sets the gate-result persistence sink.
func WithResultSink(sink ResultSink) Option {
	return func(c *Coordinator) { c.results = sink }
}

// New creates a coordinator.
func New(registry *team.Registry, sessions SessionLookup, cycles CycleStore, runner gate.Runner, messenger Messenger, diffs DiffCollector, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:  registry,
		sessions:  sessions,
		cycles:    cycles,
		runner:    runner,
		messenger: messenger,
		diffs:     diffs,
		cfg:       cfg,
		logger:    logging.Component("coordinator"),
		queues:    make(map[string]*reviewQueue),
		gates:     make(map[string]*teamGates),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTeammateStopped handles a teammate stop event. Safe to call
// re-entrantly for the same member; duplicate completions are dropped by
// the already-relayed flag, which is set before any asynchronous work.
func (c *Coordinator) OnTeammateStopped(ctx context.Context, teamID, sessionID string, reason StopReason) error {
	defer c.recoverBoundary("OnTeammateStopped")

	if reason != StopComplete {
		c.logger.DebugCtx("ignoring stop", map[string]any{"session": sessionID, "reason": string(reason)})
		return nil
	}

	member, err := c.registry.Member(teamID, sessionID)
	if err != nil {
		return fmt.Errorf("resolving member: %w", err)
	}
	if member.Role == team.RoleLead || member.ParentID == "" {
		return nil
	}

	first, err := c.registry.MarkRelayed(teamID, sessionID)
	if err != nil {
		return fmt.Errorf("marking relayed: %w", err)
	}
	if !first {
		c.logger.DebugCtx("duplicate stop ignored", map[string]any{"session": sessionID})
		return nil
	}

	if !c.cfg.GatesEnabled || c.memberExempt(teamID, member) {
		c.relayDirect(ctx, teamID, member)
		c.checkTeamCompletion(ctx, teamID)
		return nil
	}

	c.enqueueReview(ctx, teamID, sessionID)
	return nil
}

// memberExempt reports whether a member skips individual quality gates.
// Head and escalation roles defer to the team-level gate; documentation
// and other non-code tasks have nothing reviewable.
func (c *Coordinator) memberExempt(teamID string, member *team.Member) bool {
	if member.Role == team.RoleHead || member.Role == team.RoleEscalation || member.Role == team.RoleReviewer {
		return true
	}
	if task, ok := c.registry.ActiveTaskFor(teamID, member.SessionID); ok {
		return taskExempt(task)
	}
	return false
}

// taskExempt reports whether a task's type makes it quality-gate exempt.
func taskExempt(task *team.Task) bool {
	text := strings.ToLower(task.Title + " " + task.Description)
	for _, marker := range []string{"documentation", "docs only", "readme", "research", "investigate"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// relayDirect forwards a member's output to the lead without review.
func (c *Coordinator) relayDirect(ctx context.Context, teamID string, member *team.Member) {
	t, err := c.registry.Team(teamID)
	if err != nil {
		return
	}

	output := ""
	if session, ok := c.sessions.GetByID(member.SessionID); ok {
		output = session.LastMessage()
	}

	msg := fmt.Sprintf("%s finished.\n\n%s%s", member.Name, output,
		c.messenger.DeliveryMetadata(output != "", t.LeadID))
	if err := c.messenger.SendToSession(ctx, t.LeadID, msg); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("relay to lead failed")
	}

	if task, ok := c.registry.ActiveTaskFor(teamID, member.SessionID); ok {
		_ = c.registry.UpdateTaskStatus(teamID, task.ID, team.TaskCompleted)
	}
	c.registry.LogActivity(teamID, member.SessionID, member.Name, "relay", "result relayed to lead")
}

// gatesFor returns (creating if needed) the per-team gate state.
func (c *Coordinator) gatesFor(teamID string) *teamGates {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[teamID]
	if !ok {
		g = &teamGates{reviewerVerdicts: make(map[string]gate.Verdict)}
		c.gates[teamID] = g
	}
	return g
}

// TeardownTeam drops all coordinator state for a team: queue
// bookkeeping, gate flags, and cached cycle counters for its members.
func (c *Coordinator) TeardownTeam(teamID string) {
	t, err := c.registry.Team(teamID)

	c.mu.Lock()
	delete(c.queues, teamID)
	delete(c.gates, teamID)
	c.mu.Unlock()

	if err == nil {
		for _, m := range t.Members {
			c.cycles.Forget(m.SessionID)
		}
	}

	if c.stopHealth != nil {
		c.stopHealth(teamID)
	}
}

// recoverBoundary keeps panics inside coordinator entry points from
// crashing the host process.
func (c *Coordinator) recoverBoundary(entry string) {
	if r := recover(); r != nil {
		c.logger.ErrorCtx("recovered panic", map[string]any{"entry": entry, "panic": fmt.Sprint(r)})
	}
}

// release frees a member's compute resource, if a releaser is wired.
func (c *Coordinator) release(sessionID string) {
	if c.releaser != nil {
		c.releaser.Release(sessionID)
	}
}
