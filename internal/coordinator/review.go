package coordinator

import (
	"context"
	"fmt"

	"github.com/rowan/foreman/internal/db"
	"github.com/rowan/foreman/internal/gate"
	"github.com/rowan/foreman/internal/team"
)

// runIndividualQualityGates executes one review cycle for a stopped
// member: obtain an artifact, run the pipeline, then relay, retry, or
// escalate. Any unhandled error force-relays the member's last output so
// the lead is never starved of a result.
func (c *Coordinator) runIndividualQualityGates(ctx context.Context, teamID, sessionID string) {
	member, err := c.registry.Member(teamID, sessionID)
	if err != nil {
		c.logger.Err(err).Str("session", sessionID).Msg("review job for unknown member")
		return
	}

	// Hard cap: one escalation attempt beyond the configured cycles, then
	// force-relay unconditionally without invoking the pipeline. The
	// counter is persisted, so runaway review loops stay capped across
	// process restarts. Checked before incrementing so the counter never
	// exceeds MaxReviewCycles+1.
	previous, err := c.cycles.Get(sessionID, db.PurposeReviewCycles)
	if err != nil {
		c.recoverWithRelay(ctx, teamID, member, fmt.Errorf("cycle counter: %w", err))
		return
	}
	if previous+1 > c.cfg.MaxReviewCycles+1 {
		c.logger.WarnCtx("review cycle hard cap exceeded, force-relaying", map[string]any{
			"session": sessionID, "cycle": previous + 1, "max": c.cfg.MaxReviewCycles,
		})
		c.relayDirect(ctx, teamID, member)
		c.release(sessionID)
		c.checkTeamCompletion(ctx, teamID)
		return
	}

	cycle, err := c.cycles.Increment(sessionID, db.PurposeReviewCycles)
	if err != nil {
		c.recoverWithRelay(ctx, teamID, member, fmt.Errorf("cycle counter: %w", err))
		return
	}

	workDir := ""
	if session, ok := c.sessions.GetByID(sessionID); ok {
		workDir = session.WorkingDir()
	}

	diff := ""
	if c.diffs != nil && workDir != "" {
		if d, err := c.diffs.CollectWorkingDiff(ctx, workDir); err == nil {
			diff = d
		} else {
			c.logger.Err(err).Str("session", sessionID).Msg("diff collection failed")
		}
	}

	input := gate.ResolveReviewInput(diff)
	if !input.UsesValidDiff {
		c.handleMissingEvidence(ctx, teamID, member, cycle, input.FailureReason)
		return
	}

	req := gate.Request{
		TeamID:    teamID,
		SessionID: sessionID,
		Diff:      input.Text,
		Cycle:     cycle,
		MaxCycles: c.cfg.MaxReviewCycles,
	}
	if task, ok := c.registry.ActiveTaskFor(teamID, sessionID); ok {
		req.TaskTitle = task.Title
		req.TaskDescription = task.Description
	}

	result, err := c.runner.Run(ctx, req)
	if err != nil {
		c.recoverWithRelay(ctx, teamID, member, fmt.Errorf("pipeline: %w", err))
		return
	}
	result.Cycle = cycle
	result.MaxCycles = c.cfg.MaxReviewCycles
	result.Threshold = c.cfg.PassThreshold
	result.Passed = result.AggregateScore >= c.cfg.PassThreshold

	switch {
	case result.Passed:
		c.handlePass(ctx, teamID, member, result)
	case cycle < c.cfg.MaxReviewCycles:
		c.handleRetry(ctx, teamID, member, result)
	default:
		c.handleEscalation(ctx, teamID, member, result,
			fmt.Sprintf("aggregate score %d%% below threshold %d%%", result.AggregateScore, result.Threshold))
	}
}

// handlePass relays a passing result to the lead and settles the task.
func (c *Coordinator) handlePass(ctx context.Context, teamID string, member *team.Member, result *gate.Result) {
	if err := c.cycles.Clear(member.SessionID, db.PurposeReviewCycles); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("clearing cycle counter")
	}

	if task, ok := c.registry.ActiveTaskFor(teamID, member.SessionID); ok {
		_ = c.registry.UpdateTaskStatus(teamID, task.ID, team.TaskCompleted)
	}
	c.storeResult(teamID, member.SessionID, result)

	original := ""
	if session, ok := c.sessions.GetByID(member.SessionID); ok {
		original = session.LastMessage()
	}

	t, err := c.registry.Team(teamID)
	if err != nil {
		return
	}
	msg := gate.FormatPassReport(member.Name, result)
	if original != "" {
		msg += "\n" + original
	}
	msg += c.messenger.DeliveryMetadata(original != "", t.LeadID)

	if err := c.messenger.SendToSession(ctx, t.LeadID, msg); err != nil {
		// Delivery errors are logged, not retried; re-queueing would risk
		// a duplicate relay.
		c.logger.Err(err).Str("session", member.SessionID).Msg("pass relay failed")
	}
	c.registry.LogActivity(teamID, member.SessionID, member.Name, "gate-pass",
		fmt.Sprintf("quality gate passed (%d%%)", result.AggregateScore))

	c.release(member.SessionID)
	c.checkTeamCompletion(ctx, teamID)
}

// handleRetry sends structured feedback to the member itself so it can
// fix and finish again. The relayed flag is cleared so the member's next
// stop event is processed as a fresh completion.
func (c *Coordinator) handleRetry(ctx context.Context, teamID string, member *team.Member, result *gate.Result) {
	c.storeResult(teamID, member.SessionID, result)

	if err := c.registry.ClearRelayed(teamID, member.SessionID); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("clearing relay flag")
	}

	feedback := gate.FormatFailFeedback(result)
	if err := c.messenger.SendToSession(ctx, member.SessionID, feedback); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("retry feedback delivery failed")
	}
	c.registry.LogActivity(teamID, member.SessionID, member.Name, "gate-fail",
		fmt.Sprintf("quality gate failed (%d%%), cycle %d/%d", result.AggregateScore, result.Cycle, result.MaxCycles))
}

// handleMissingEvidence treats a missing diff as a gate failure: on the
// final allowed cycle it escalates with the no-diff reason, otherwise
// the member is asked to make sure its changes are actually written.
func (c *Coordinator) handleMissingEvidence(ctx context.Context, teamID string, member *team.Member, cycle int, reason string) {
	if cycle >= c.cfg.MaxReviewCycles {
		result := &gate.Result{Cycle: cycle, MaxCycles: c.cfg.MaxReviewCycles, Threshold: c.cfg.PassThreshold}
		c.handleEscalation(ctx, teamID, member, result, reason)
		return
	}

	if err := c.registry.ClearRelayed(teamID, member.SessionID); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("clearing relay flag")
	}

	msg := fmt.Sprintf("Quality gate could not run: %s Make sure your changes are written to the working tree, then finish your task again. (cycle %d of %d)",
		reason, cycle, c.cfg.MaxReviewCycles)
	if err := c.messenger.SendToSession(ctx, member.SessionID, msg); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("no-diff feedback delivery failed")
	}
	c.registry.LogActivity(teamID, member.SessionID, member.Name, "gate-no-diff", reason)
}

// handleEscalation invokes the stronger-reviewer diagnosis and relays an
// ESCALATED report to the lead regardless of whether escalation worked.
func (c *Coordinator) handleEscalation(ctx context.Context, teamID string, member *team.Member, result *gate.Result, reason string) {
	diagnosis := ""
	if c.escalator != nil {
		req := gate.Request{TeamID: teamID, SessionID: member.SessionID, Cycle: result.Cycle, MaxCycles: result.MaxCycles}
		d, err := c.escalator.Escalate(ctx, req, result)
		if err != nil {
			c.logger.Err(err).Str("session", member.SessionID).Msg("escalation failed")
		} else {
			diagnosis = d
			result.EscalatedTo = "escalation"
		}
	}

	c.storeResult(teamID, member.SessionID, result)

	t, err := c.registry.Team(teamID)
	if err != nil {
		return
	}
	report := gate.FormatEscalationReport(member.Name, reason, diagnosis, result)
	report += c.messenger.DeliveryMetadata(true, t.LeadID)
	if err := c.messenger.SendToSession(ctx, t.LeadID, report); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("escalation relay failed")
	}
	c.registry.LogActivity(teamID, member.SessionID, member.Name, "gate-escalated", reason)

	c.release(member.SessionID)
	c.checkTeamCompletion(ctx, teamID)
}

// recoverWithRelay is the universal fallback: clear the cycle counter
// and relay the member's last output annotated as gate-skipped, so a
// pipeline failure never leaves the lead waiting.
func (c *Coordinator) recoverWithRelay(ctx context.Context, teamID string, member *team.Member, cause error) {
	c.logger.Err(cause).Str("session", member.SessionID).Msg("quality gate errored, force-relaying")

	if err := c.cycles.Clear(member.SessionID, db.PurposeReviewCycles); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("clearing cycle counter")
	}

	t, err := c.registry.Team(teamID)
	if err != nil {
		return
	}

	output := ""
	if session, ok := c.sessions.GetByID(member.SessionID); ok {
		output = session.LastMessage()
	}
	msg := fmt.Sprintf("%s finished (quality gate skipped due to error).\n\n%s%s",
		member.Name, output, c.messenger.DeliveryMetadata(output != "", t.LeadID))
	if err := c.messenger.SendToSession(ctx, t.LeadID, msg); err != nil {
		c.logger.Err(err).Str("session", member.SessionID).Msg("fallback relay failed")
	}

	if task, ok := c.registry.ActiveTaskFor(teamID, member.SessionID); ok {
		_ = c.registry.UpdateTaskStatus(teamID, task.ID, team.TaskCompleted)
	}

	c.release(member.SessionID)
	c.checkTeamCompletion(ctx, teamID)
}

func (c *Coordinator) storeResult(teamID, sessionID string, result *gate.Result) {
	if c.results == nil {
		return
	}
	rec := db.GateResultRecord{
		TeamID:         teamID,
		SessionID:      sessionID,
		AggregateScore: result.AggregateScore,
		Passed:         result.Passed,
		Cycle:          result.Cycle,
		MaxCycles:      result.MaxCycles,
		Stages:         result.StagesJSON(),
		EscalatedTo:    result.EscalatedTo,
	}
	if err := c.results.StoreGateResult(rec); err != nil {
		c.logger.Err(err).Str("session", sessionID).Msg("persisting gate result")
	}
}
