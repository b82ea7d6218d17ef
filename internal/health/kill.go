package health

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rowan/foreman/internal/agents"
	"github.com/rowan/foreman/internal/team"
)

// partialResultCount is how many recent successful tool results are
// preserved in the termination notice.
const partialResultCount = 5

// autoKill terminates a misbehaving teammate. The partial-result
// snapshot is taken before the session is aborted, because teardown can
// drop transcript state the snapshot reads from. If the abort itself
// fails the tracker stays live so the failsafe stage can retry.
func (m *Monitor) autoKill(ctx context.Context, tr *tracker, kind IssueKind, detail string, idle time.Duration) {
	m.mu.Lock()
	if tr.killed {
		m.mu.Unlock()
		return
	}
	snapshot := partialResults(tr.history)
	failsafe := tr.stallStage >= stageFailsafe
	m.mu.Unlock()

	m.logger.Warnf("terminating %s: %s", tr.name, detail)

	aborted := true
	if sess, ok := m.sessions.GetByID(tr.sessionID); ok {
		if err := sess.Abort(); err != nil {
			aborted = false
			m.logger.Err(err).Str("session", tr.sessionID).Msg("abort failed")
		}
	}
	if !aborted && !failsafe {
		// Leave the tracker armed; the failsafe stage forces through.
		return
	}

	m.mu.Lock()
	tr.killed = true
	m.mu.Unlock()

	if task, ok := m.registry.ActiveTaskFor(tr.teamID, tr.sessionID); ok {
		if err := m.registry.UpdateTaskStatus(tr.teamID, task.ID, team.TaskFailed); err != nil {
			m.logger.Err(err).Str("task", task.ID).Msg("could not mark task failed")
		}
	}

	m.notifyTermination(ctx, tr, detail, snapshot)

	if m.releaser != nil {
		m.releaser.Release(tr.sessionID)
	}
	m.emit(ctx, Issue{
		TeamID:     tr.teamID,
		SessionID:  tr.sessionID,
		Name:       tr.name,
		Kind:       kind,
		Duration:   idle,
		Detail:     detail,
		DetectedAt: m.now(),
	})
	m.registry.LogActivity(tr.teamID, tr.sessionID, tr.name, "terminated", detail)
	if m.onKill != nil {
		m.onKill(tr.teamID, tr.sessionID)
	}
}

// notifyTermination tells the lead a teammate was killed and hands over
// whatever usable output it produced.
func (m *Monitor) notifyTermination(ctx context.Context, tr *tracker, detail string, snapshot []string) {
	t, err := m.registry.Team(tr.teamID)
	if err != nil {
		m.logger.Err(err).Str("team", tr.teamID).Msg("termination notice has no lead to go to")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Teammate %s was terminated: %s.\n", tr.name, detail)
	fmt.Fprintf(&b, "Its task was marked failed and may need reassignment.\n")
	if len(snapshot) > 0 {
		b.WriteString("Last successful results before termination:\n")
		for _, r := range snapshot {
			b.WriteString("- " + r + "\n")
		}
	} else {
		b.WriteString("No successful results were recovered.\n")
	}
	if err := m.messenger.SendToSession(ctx, t.LeadID, b.String()); err != nil {
		m.logger.Err(err).Str("team", tr.teamID).Msg("termination notice delivery failed")
	}
}

// partialResults summarizes the newest successful tool calls, newest
// first.
func partialResults(history []agents.ToolEvent) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < partialResultCount; i-- {
		ev := history[i]
		if ev.IsError {
			continue
		}
		out = append(out, fmt.Sprintf("%s(%s)", ev.Tool, truncateInput(ev.Input, 120)))
	}
	return out
}

// truncateInput shortens a tool input for display without splitting a
// multi-byte rune at the cut.
func truncateInput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
