package coordinator

import (
	"context"
	"fmt"

	"github.com/rowan/foreman/internal/gate"
	"github.com/rowan/foreman/internal/team"
)

// checkTeamCompletion decides whether the lead may be told the team is
// done: every non-lead member relayed and idle, the team-level gate run
// where needed, and the reviewer QA gate passing.
func (c *Coordinator) checkTeamCompletion(ctx context.Context, teamID string) {
	defer c.recoverBoundary("checkTeamCompletion")

	t, err := c.registry.Team(teamID)
	if err != nil {
		return
	}
	if !c.registry.AllNonLeadRelayed(teamID) {
		return
	}
	for _, m := range t.Members {
		if m.Role == team.RoleLead {
			continue
		}
		if session, ok := c.sessions.GetByID(m.SessionID); ok && session.Processing() {
			return
		}
	}

	if c.cfg.GatesEnabled && c.needsTeamGate(t) {
		if !c.RunTeamLevelQualityGate(ctx, teamID) {
			return // already running; the finishing run re-checks
		}
	}

	qa := c.EvaluateReviewerQaGate(ctx, teamID)
	if !qa.Passed {
		c.notifyQaBlock(ctx, t, qa.Reason)
		return
	}

	g := c.gatesFor(teamID)
	c.mu.Lock()
	already := g.completeNotified
	g.completeNotified = true
	c.mu.Unlock()
	if already {
		return
	}

	_ = c.registry.SetTeamStatus(teamID, team.TeamCompleted)
	msg := "All teammates are done. You can now synthesize the final result." +
		c.messenger.DeliveryMetadata(false, t.LeadID)
	if err := c.messenger.SendToSession(ctx, t.LeadID, msg); err != nil {
		c.logger.Err(err).Str("team", teamID).Msg("team-complete relay failed")
	}
	c.registry.LogActivity(teamID, "", "", "team-complete", "all teammates done")

	if c.onTeamComplete != nil {
		c.onTeamComplete(teamID)
	}
}

// needsTeamGate reports whether an aggregate review pass is still owed:
// some member deferred its individual gate — a head, escalation, or
// reviewer role — while doing non-exempt work, and the team-level gate
// has not run yet. Reviewers count here because code they wrote
// themselves otherwise reaches the lead unreviewed.
func (c *Coordinator) needsTeamGate(t *team.Team) bool {
	g := c.gatesFor(t.ID)
	c.mu.Lock()
	done := g.teamLevelQgDone
	c.mu.Unlock()
	if done {
		return false
	}

	for _, m := range t.Members {
		switch m.Role {
		case team.RoleHead, team.RoleEscalation, team.RoleReviewer:
		default:
			continue
		}
		if task, ok := c.registry.ActiveTaskFor(t.ID, m.SessionID); !ok || !taskExempt(task) {
			return true
		}
	}
	return false
}

// RunTeamLevelQualityGate runs one review pass over the aggregate diff
// of the team's working tree. Returns true when the gate has completed
// (now or previously); false when a concurrent run is already in flight.
// Failures surface as a report to the lead, never as a hard stop.
func (c *Coordinator) RunTeamLevelQualityGate(ctx context.Context, teamID string) bool {
	defer c.recoverBoundary("RunTeamLevelQualityGate")

	g := c.gatesFor(teamID)
	c.mu.Lock()
	if g.teamLevelQgDone {
		c.mu.Unlock()
		return true
	}
	if g.teamLevelQgRunning {
		c.mu.Unlock()
		return false
	}
	g.teamLevelQgRunning = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		g.teamLevelQgRunning = false
		g.teamLevelQgDone = true
		c.mu.Unlock()
	}()

	t, err := c.registry.Team(teamID)
	if err != nil {
		return true
	}

	workDir := ""
	if lead, ok := c.sessions.GetByID(t.LeadID); ok {
		workDir = lead.WorkingDir()
	}

	diff := ""
	if c.diffs != nil && workDir != "" {
		if d, err := c.diffs.CollectWorkingDiff(ctx, workDir); err == nil {
			diff = d
		}
	}

	input := gate.ResolveReviewInput(diff)
	if !input.UsesValidDiff {
		c.logger.WarnCtx("team-level gate skipped", map[string]any{"team": teamID, "reason": input.FailureReason})
		return true
	}

	result, err := c.runner.Run(ctx, gate.Request{TeamID: teamID, Diff: input.Text, Cycle: 1, MaxCycles: 1})
	if err != nil {
		c.logger.Err(err).Str("team", teamID).Msg("team-level gate errored")
		return true
	}
	result.Threshold = c.cfg.PassThreshold
	result.Passed = result.AggregateScore >= c.cfg.PassThreshold
	result.Cycle, result.MaxCycles = 1, 1
	c.storeResult(teamID, t.LeadID, result)

	var msg string
	if result.Passed {
		msg = gate.FormatPassReport("team-level review", result)
	} else {
		msg = "Team-level review found issues to address before merging:\n" + gate.FormatFailFeedback(result)
	}
	if err := c.messenger.SendToSession(ctx, t.LeadID, msg+c.messenger.DeliveryMetadata(false, t.LeadID)); err != nil {
		c.logger.Err(err).Str("team", teamID).Msg("team-level gate relay failed")
	}
	c.registry.LogActivity(teamID, "", "", "team-gate",
		fmt.Sprintf("team-level gate %s (%d%%)", passLabel(result.Passed), result.AggregateScore))
	return true
}

func passLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}
