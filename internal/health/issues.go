// Package health monitors teammate liveness: stalls, error loops, retry
// storms, and context exhaustion. Detected issues are published on a
// team-scoped bus and coalesced into periodic alert summaries for the
// lead; misbehaving teammates are terminated with their partial results
// preserved.
package health

import (
	"fmt"
	"time"
)

// IssueKind classifies a detected health issue.
type IssueKind string

const (
	IssueStall               IssueKind = "stall"
	IssueErrorLoop           IssueKind = "error-loop"
	IssueRetryStorm          IssueKind = "retry-storm"
	IssueRetryStormThrottled IssueKind = "retry-storm-throttled"
	IssueRetryStormKill      IssueKind = "retry-storm-kill"
	IssueContextExhaustion   IssueKind = "context-exhaustion"
)

// Issue is one detected health event. Issues are events, not persisted
// state; the monitor keeps only a rolling window per teammate.
type Issue struct {
	TeamID     string
	SessionID  string
	Name       string
	Kind       IssueKind
	Duration   time.Duration
	Detail     string
	DetectedAt time.Time
}

// String renders a compact one-line description for alert summaries.
func (i Issue) String() string {
	if i.Duration > 0 {
		return fmt.Sprintf("%s: %s (%s) — %s", i.Name, i.Kind, i.Duration.Round(time.Second), i.Detail)
	}
	return fmt.Sprintf("%s: %s — %s", i.Name, i.Kind, i.Detail)
}
