package health

import (
	"context"
	"fmt"
	"strings"
)

// checkBudget enforces the hard per-tool call budget. At the budget the
// tool is blocked permanently and the teammate is told to stop; past
// twice the budget the teammate is clearly ignoring the block and gets
// terminated. Returns true when a kill happened.
func (m *Monitor) checkBudget(ctx context.Context, tr *tracker, tool string, calls int) bool {
	if m.cfg.ToolCallBudget <= 0 {
		return false
	}
	if calls == m.cfg.ToolCallBudget {
		m.mu.Lock()
		tr.blockedTools[tool] = true
		m.mu.Unlock()
		m.logger.Warnf("%s hit the %q call budget (%d), tool blocked", tr.name, tool, calls)
		msg := fmt.Sprintf("You have called %q %d times and it is now blocked for this session. Stop retrying it and finish your task with the results you already have.", tool, calls)
		if err := m.messenger.SendToSession(ctx, tr.sessionID, msg); err != nil {
			m.logger.Err(err).Str("session", tr.sessionID).Msg("budget notice delivery failed")
		}
		m.emit(ctx, Issue{
			TeamID:     tr.teamID,
			SessionID:  tr.sessionID,
			Name:       tr.name,
			Kind:       IssueRetryStormThrottled,
			Detail:     fmt.Sprintf("%q blocked after %d calls", tool, calls),
			DetectedAt: m.now(),
		})
		return false
	}
	if calls >= 2*m.cfg.ToolCallBudget {
		m.autoKill(ctx, tr, IssueRetryStormKill, fmt.Sprintf("kept calling blocked tool %q (%d calls)", tool, calls), 0)
		return true
	}
	return false
}

// checkErrorLoop flags a teammate repeating the same failing tool. The
// streak resets on any success, so this only trips on uninterrupted
// failure runs. Returns true when a kill happened.
func (m *Monitor) checkErrorLoop(ctx context.Context, tr *tracker, tool string, streak int) bool {
	if m.cfg.ErrorLoopCount <= 0 || streak < m.cfg.ErrorLoopCount {
		return false
	}
	// First trip warns the teammate; a second full streak after the
	// warning means it cannot recover on its own.
	if streak == m.cfg.ErrorLoopCount {
		m.logger.Warnf("%s failed %q %d times in a row", tr.name, tool, streak)
		msg := fmt.Sprintf("Your last %d calls to %q all failed. Try a different approach instead of retrying the same call.", streak, tool)
		if err := m.messenger.SendToSession(ctx, tr.sessionID, msg); err != nil {
			m.logger.Err(err).Str("session", tr.sessionID).Msg("error-loop notice delivery failed")
		}
		m.emit(ctx, Issue{
			TeamID:     tr.teamID,
			SessionID:  tr.sessionID,
			Name:       tr.name,
			Kind:       IssueErrorLoop,
			Detail:     fmt.Sprintf("%d consecutive failures of %q", streak, tool),
			DetectedAt: m.now(),
		})
		return false
	}
	if streak >= 2*m.cfg.ErrorLoopCount {
		m.autoKill(ctx, tr, IssueErrorLoop, fmt.Sprintf("%d consecutive failures of %q after warning", streak, tool), 0)
		return true
	}
	return false
}

// checkRetryStorm detects near-identical tool calls filling the storm
// window. It is the fallback for storms the per-tool budget misses,
// e.g. a teammate alternating between two tools with the same input.
// A tool already owned by a more specific ladder — blocked by its
// budget, or a failure streak the error-loop check has warned on —
// is skipped here so that ladder's escalation stays the one that
// fires. Returns true when a kill happened.
func (m *Monitor) checkRetryStorm(ctx context.Context, tr *tracker, tool string) bool {
	m.mu.Lock()
	window := m.cfg.RetryStormWindow
	if window <= 0 || len(tr.history) < window {
		m.mu.Unlock()
		return false
	}
	if tr.blockedTools[tool] ||
		(m.cfg.ErrorLoopCount > 0 && tr.errorTool == tool && tr.errorStreak >= m.cfg.ErrorLoopCount) {
		m.mu.Unlock()
		return false
	}
	recent := tr.history[len(tr.history)-window:]
	head := recent[0].Input
	stormy := true
	for _, ev := range recent[1:] {
		if similarity(head, ev.Input) < m.cfg.RetryStormSimilarity {
			stormy = false
			break
		}
	}
	warned := tr.stormWarned
	if stormy {
		tr.stormWarned = true
	}
	m.mu.Unlock()

	if !stormy {
		return false
	}
	if warned {
		m.autoKill(ctx, tr, IssueRetryStormKill, fmt.Sprintf("retry storm continued after warning (%d near-identical calls)", window), 0)
		return true
	}
	m.logger.Warnf("retry storm: %s issued %d near-identical calls", tr.name, window)
	msg := fmt.Sprintf("Your last %d tool calls are near-identical. Retrying the same call will not change the outcome; adjust your approach.", window)
	if err := m.messenger.SendToSession(ctx, tr.sessionID, msg); err != nil {
		m.logger.Err(err).Str("session", tr.sessionID).Msg("storm notice delivery failed")
	}
	m.emit(ctx, Issue{
		TeamID:     tr.teamID,
		SessionID:  tr.sessionID,
		Name:       tr.name,
		Kind:       IssueRetryStorm,
		Detail:     fmt.Sprintf("%d near-identical calls in a row", window),
		DetectedAt: m.now(),
	})
	return false
}

// checkContext warns once when cumulative token usage crosses the
// configured fraction of the session's context window.
func (m *Monitor) checkContext(ctx context.Context, tr *tracker) {
	m.mu.Lock()
	limit := tr.contextLimit
	used := tr.contextTokens
	warned := tr.contextWarned
	crossed := limit > 0 && !warned && float64(used) >= m.cfg.ContextWarnPercent*float64(limit)
	if crossed {
		tr.contextWarned = true
	}
	m.mu.Unlock()

	if !crossed {
		return
	}
	pct := int(100 * float64(used) / float64(limit))
	m.logger.Warnf("%s at %d%% of context window", tr.name, pct)
	msg := fmt.Sprintf("You have used roughly %d%% of your context window. Wrap up: summarize your findings and finish your task now.", pct)
	if err := m.messenger.SendToSession(ctx, tr.sessionID, msg); err != nil {
		m.logger.Err(err).Str("session", tr.sessionID).Msg("context notice delivery failed")
	}
	m.emit(ctx, Issue{
		TeamID:     tr.teamID,
		SessionID:  tr.sessionID,
		Name:       tr.name,
		Kind:       IssueContextExhaustion,
		Detail:     fmt.Sprintf("%d%% of context window used", pct),
		DetectedAt: m.now(),
	})
}

// similarity is the Jaccard index over whitespace-delimited tokens.
// Cheap and insensitive to argument order, which is what a storm of
// re-serialized identical inputs looks like.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	inter := 0
	for tok := range as {
		if bs[tok] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = true
	}
	return set
}
