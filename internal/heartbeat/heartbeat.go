// Package heartbeat batches teammate activity into periodic snapshots
// and rate-limited lead summaries, so leads see team state without
// being interrupted on every tool call. It also soft-probes quiet
// teammates well before the health monitor's stall ladder would act.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rowan/foreman/internal/bus"
	"github.com/rowan/foreman/internal/config"
	"github.com/rowan/foreman/internal/logging"
	"github.com/rowan/foreman/internal/team"
)

// Messenger delivers summaries and probes to sessions.
type Messenger interface {
	SendToSession(ctx context.Context, sessionID, text string) error
}

// MemberStatus is one teammate's line in a snapshot.
type MemberStatus struct {
	SessionID  string
	Name       string
	Role       team.Role
	Idle       time.Duration
	TokensUsed int64
	Done       bool // completion already relayed
	Task       string
	TaskStatus team.TaskStatus
}

// Snapshot is a point-in-time view of one team, published on the
// snapshot bus under the team-id topic.
type Snapshot struct {
	TeamID  string
	TakenAt time.Time
	Members []MemberStatus
}

// Aggregator produces snapshots and summaries for all registered teams.
// It is deliberately independent of the health monitor: heartbeats keep
// working even when monitoring is disabled, and vice versa.
type Aggregator struct {
	cfg       config.HeartbeatConfig
	registry  *team.Registry
	messenger Messenger
	snapshots *bus.Bus[Snapshot]
	logger    *logging.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastSummary map[string]time.Time // team id -> last summary sent
	probed      map[string]bool      // session id -> soft probe outstanding
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the aggregator's time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New builds an Aggregator publishing on the given snapshot bus.
func New(cfg config.HeartbeatConfig, registry *team.Registry, messenger Messenger, snapshots *bus.Bus[Snapshot], opts ...Option) *Aggregator {
	a := &Aggregator{
		cfg:         cfg,
		registry:    registry,
		messenger:   messenger,
		snapshots:   snapshots,
		logger:      logging.Component("heartbeat"),
		now:         time.Now,
		lastSummary: make(map[string]time.Time),
		probed:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run ticks snapshots and summaries until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	snap := time.NewTicker(a.cfg.SnapshotInterval)
	defer snap.Stop()
	summarize := time.NewTicker(a.cfg.SummaryInterval)
	defer summarize.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-snap.C:
			a.SnapshotNow(ctx)
		case <-summarize.C:
			a.SummarizeNow(ctx)
		}
	}
}

// SnapshotNow publishes a snapshot per team and soft-probes teammates
// that have been silent past the probe threshold.
func (a *Aggregator) SnapshotNow(ctx context.Context) {
	for _, t := range a.registry.Teams() {
		snap := a.snapshotTeam(t.ID)
		a.snapshots.Publish(t.ID, snap)
		a.probeQuiet(ctx, snap)
	}
}

func (a *Aggregator) snapshotTeam(teamID string) Snapshot {
	now := a.now()
	snap := Snapshot{TeamID: teamID, TakenAt: now}
	for _, mv := range a.registry.MemberViews(teamID) {
		status := MemberStatus{
			SessionID:  mv.SessionID,
			Name:       mv.Name,
			Role:       mv.Role,
			Idle:       now.Sub(mv.LastActivity),
			TokensUsed: mv.TokensUsed,
			Done:       mv.Relayed,
		}
		if task, ok := a.registry.ActiveTaskFor(teamID, mv.SessionID); ok {
			status.Task = task.Title
			status.TaskStatus = task.Status
		}
		snap.Members = append(snap.Members, status)
	}
	sort.Slice(snap.Members, func(i, j int) bool {
		return snap.Members[i].Name < snap.Members[j].Name
	})
	return snap
}

// probeQuiet sends one gentle check-in to each teammate whose silence
// has passed SoftProbeAfter. A probe is cheaper than the stall ladder:
// no escalation, no issue, just a request for a status line. The probe
// flag clears once the teammate shows activity again.
func (a *Aggregator) probeQuiet(ctx context.Context, snap Snapshot) {
	for _, m := range snap.Members {
		if m.Role == team.RoleLead || m.Done {
			continue
		}
		a.mu.Lock()
		outstanding := a.probed[m.SessionID]
		quiet := m.Idle >= a.cfg.SoftProbeAfter
		switch {
		case quiet && !outstanding:
			a.probed[m.SessionID] = true
		case !quiet && outstanding:
			delete(a.probed, m.SessionID)
		}
		a.mu.Unlock()

		if !quiet || outstanding {
			continue
		}
		a.logger.Debugf("soft-probing %s after %s of silence", m.Name, m.Idle.Round(time.Second))
		msg := "Quick check-in: please post a one-line status update on your current task."
		if err := a.messenger.SendToSession(ctx, m.SessionID, msg); err != nil {
			a.logger.Err(err).Str("session", m.SessionID).Msg("soft probe delivery failed")
		}
	}
}

// SummarizeNow sends each lead a compact team summary, at most once per
// SummaryInterval regardless of how often it is called.
func (a *Aggregator) SummarizeNow(ctx context.Context) {
	now := a.now()
	for _, t := range a.registry.Teams() {
		a.mu.Lock()
		last, ok := a.lastSummary[t.ID]
		due := !ok || now.Sub(last) >= a.cfg.SummaryInterval
		if due {
			a.lastSummary[t.ID] = now
		}
		a.mu.Unlock()
		if !due {
			continue
		}

		snap := a.snapshotTeam(t.ID)
		text := renderSummary(snap)
		if text == "" {
			continue
		}
		if err := a.messenger.SendToSession(ctx, t.LeadID, text); err != nil {
			a.logger.Err(err).Str("team", t.ID).Msg("summary delivery failed")
		}
	}
}

// StopTeam drops rate-limit and probe state for a team.
func (a *Aggregator) StopTeam(teamID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastSummary, teamID)
	for _, mv := range a.registry.MemberViews(teamID) {
		delete(a.probed, mv.SessionID)
	}
	a.snapshots.DropTopic(teamID)
}

// renderSummary formats a snapshot as a lead-facing digest. Returns ""
// when the team has no teammates worth reporting.
func renderSummary(snap Snapshot) string {
	var lines []string
	for _, m := range snap.Members {
		if m.Role == team.RoleLead {
			continue
		}
		state := "working"
		if m.Done {
			state = "done"
		}
		line := fmt.Sprintf("- %s (%s): %s, idle %s, %d tokens", m.Name, m.Role, state, m.Idle.Round(time.Second), m.TokensUsed)
		if m.Task != "" {
			line += fmt.Sprintf(", task %q (%s)", m.Task, m.TaskStatus)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Team heartbeat:\n" + strings.Join(lines, "\n")
}
