package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/rowan/foreman/internal/gate"
	"github.com/rowan/foreman/internal/team"
)

// QaGateStatus is the outcome of a reviewer QA gate evaluation.
type QaGateStatus struct {
	Passed   bool
	Reason   string
	Reviewer string // session id of the reviewer consulted, if any
	Verdict  gate.Verdict
}

// RecordReviewerVerdict caches an explicit reviewer verdict. A fail or
// unknown verdict re-arms the gate after a previous pass.
func (c *Coordinator) RecordReviewerVerdict(teamID, sessionID string, verdict gate.Verdict) {
	g := c.gatesFor(teamID)
	c.mu.Lock()
	defer c.mu.Unlock()
	g.reviewerVerdicts[sessionID] = verdict
	if verdict != gate.VerdictPass {
		g.qaSettled = false
		g.qaBlockNotified = false
	}
}

// EvaluateReviewerQaGate blocks synthesis until the most recently active
// reviewer has produced an explicit pass. With no reviewers the gate is
// vacuously satisfied. Once it passes it stays passed until a new fail
// or unknown verdict is recorded.
func (c *Coordinator) EvaluateReviewerQaGate(_ context.Context, teamID string) QaGateStatus {
	g := c.gatesFor(teamID)
	c.mu.Lock()
	settled := g.qaSettled
	c.mu.Unlock()
	if settled {
		return QaGateStatus{Passed: true}
	}

	reviewers := c.registry.MembersByRole(teamID, team.RoleReviewer)
	if len(reviewers) == 0 {
		c.markQaSettled(g)
		return QaGateStatus{Passed: true}
	}

	// Most recent activity wins; ties break on session id ascending so
	// the pick is deterministic.
	sort.Slice(reviewers, func(i, j int) bool {
		if !reviewers[i].LastActivity.Equal(reviewers[j].LastActivity) {
			return reviewers[i].LastActivity.After(reviewers[j].LastActivity)
		}
		return reviewers[i].SessionID < reviewers[j].SessionID
	})
	reviewer := reviewers[0]

	verdict := c.cachedVerdict(g, reviewer.SessionID)
	if verdict == "" {
		message := ""
		if session, ok := c.sessions.GetByID(reviewer.SessionID); ok {
			message = session.LastMessage()
		}
		verdict = gate.InferVerdict(message)
	}

	if verdict == gate.VerdictPass {
		c.markQaSettled(g)
		return QaGateStatus{Passed: true, Reviewer: reviewer.SessionID, Verdict: verdict}
	}

	reason := fmt.Sprintf("reviewer %s verdict is %s; an explicit PASS is required before synthesis", reviewer.Name, verdict)
	return QaGateStatus{Passed: false, Reason: reason, Reviewer: reviewer.SessionID, Verdict: verdict}
}

func (c *Coordinator) cachedVerdict(g *teamGates, sessionID string) gate.Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return g.reviewerVerdicts[sessionID]
}

func (c *Coordinator) markQaSettled(g *teamGates) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g.qaSettled = true
	g.qaBlockNotified = false
}

// notifyQaBlock sends the lead a one-time notice explaining what the QA
// gate requires. Repeat checks stay silent until the gate flips back.
func (c *Coordinator) notifyQaBlock(ctx context.Context, t *team.Team, reason string) {
	g := c.gatesFor(t.ID)
	c.mu.Lock()
	already := g.qaBlockNotified
	g.qaBlockNotified = true
	c.mu.Unlock()
	if already {
		return
	}

	msg := fmt.Sprintf("Synthesis is blocked by the reviewer QA gate: %s%s",
		reason, c.messenger.DeliveryMetadata(false, t.LeadID))
	if err := c.messenger.SendToSession(ctx, t.LeadID, msg); err != nil {
		c.logger.Err(err).Str("team", t.ID).Msg("qa block notice failed")
	}
	c.registry.LogActivity(t.ID, "", "", "qa-block", reason)
}
