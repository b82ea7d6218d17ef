// Package gate defines the quality-gate review pipeline boundary: the
// driver interface a review backend implements, the structured verdict
// it returns, and the report text composed for leads and workers. The
// content of the checks themselves (how syntax or tests are scored) is
// the backend's business; this package only sequences data in and out.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Stage identifies one scored dimension of a review.
type Stage string

const (
	StageSyntax         Stage = "syntax"
	StageTests          Stage = "tests"
	StageArchitecture   Stage = "architecture"
	StageSimplicity     Stage = "simplicity"
	StageErrorHandling  Stage = "error-handling"
	StageCompleteness   Stage = "completeness"
	StageSpecCompliance Stage = "spec-compliance"
	StageTraceability   Stage = "traceability"
	StageRolloutSafety  Stage = "rollout-safety"
)

// Stages lists all review stages in report order.
var Stages = []Stage{
	StageSyntax,
	StageTests,
	StageArchitecture,
	StageSimplicity,
	StageErrorHandling,
	StageCompleteness,
	StageSpecCompliance,
	StageTraceability,
	StageRolloutSafety,
}

// Result is the structured verdict of one review attempt.
type Result struct {
	AggregateScore int           `json:"aggregate_score"` // 0-100
	StageScores    map[Stage]int `json:"stage_scores"`
	Passed         bool          `json:"passed"`
	Threshold      int           `json:"threshold"`
	Cycle          int           `json:"cycle"`
	MaxCycles      int           `json:"max_cycles"`
	EscalatedTo    string        `json:"escalated_to,omitempty"`
	Summary        string        `json:"summary,omitempty"`
}

// NewResult derives the pass flag from the aggregate score and threshold.
func NewResult(aggregate int, stageScores map[Stage]int, threshold int) *Result {
	return &Result{
		AggregateScore: aggregate,
		StageScores:    stageScores,
		Passed:         aggregate >= threshold,
		Threshold:      threshold,
	}
}

// StagesJSON serializes per-stage scores for persistence.
func (r *Result) StagesJSON() string {
	if r.StageScores == nil {
		return "{}"
	}
	data, err := json.Marshal(r.StageScores)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Request carries one review attempt's inputs to the driver.
type Request struct {
	TeamID          string
	SessionID       string
	TaskTitle       string
	TaskDescription string
	Diff            string // unified diff of the work under review
	Cycle           int
	MaxCycles       int
}

// Runner executes a single review attempt. Implementations are provided
// by the caller (an LLM-backed reviewer in production, fakes in tests).
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Escalator diagnoses an exhausted review with a stronger reviewer.
type Escalator interface {
	Escalate(ctx context.Context, req Request, lastResult *Result) (diagnosis string, err error)
}

// ReviewInput is the resolved artifact for a review attempt.
type ReviewInput struct {
	UsesValidDiff bool
	Text          string
	FailureReason string
}

// ResolveReviewInput validates a collected diff for review. An empty or
// whitespace-only diff is a missing-evidence failure, reported with the
// reason string the retry/escalate ladder distinguishes on.
func ResolveReviewInput(diff string) ReviewInput {
	trimmed := strings.TrimSpace(diff)
	if trimmed == "" {
		return ReviewInput{
			UsesValidDiff: false,
			FailureReason: "No verifiable git diff was found.",
		}
	}
	return ReviewInput{UsesValidDiff: true, Text: trimmed}
}

// FormatPassReport renders the lead-facing report for a passing review.
func FormatPassReport(name string, r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quality gate PASSED (%d%%) for %s (cycle %d/%d)\n", r.AggregateScore, name, r.Cycle, r.MaxCycles)
	writeStageTable(&b, r)
	if r.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", r.Summary)
	}
	return b.String()
}

// FormatFailFeedback renders the worker-facing retry feedback for a
// failing review, listing the weakest stages first.
func FormatFailFeedback(r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quality gate FAILED (%d%%, needs %d%%) — cycle %d of %d.\n", r.AggregateScore, r.Threshold, r.Cycle, r.MaxCycles)
	b.WriteString("Address the weakest areas and finish your task again:\n")

	type scored struct {
		stage Stage
		score int
	}
	var weak []scored
	for stage, score := range r.StageScores {
		weak = append(weak, scored{stage, score})
	}
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].score != weak[j].score {
			return weak[i].score < weak[j].score
		}
		return weak[i].stage < weak[j].stage
	})
	for _, s := range weak {
		fmt.Fprintf(&b, "  - %s: %d%%\n", s.stage, s.score)
	}
	if r.Summary != "" {
		fmt.Fprintf(&b, "\nReviewer notes: %s\n", r.Summary)
	}
	return b.String()
}

// FormatEscalationReport renders the lead-facing report after review
// cycles are exhausted.
func FormatEscalationReport(name, reason, diagnosis string, r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ESCALATED: %s did not pass quality gates after %d cycles.\n", name, r.MaxCycles)
	if reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	if r.StageScores != nil {
		writeStageTable(&b, r)
	}
	if diagnosis != "" {
		fmt.Fprintf(&b, "\nEscalation diagnosis:\n%s\n", diagnosis)
	} else {
		b.WriteString("\nEscalation failed — manual review required.\n")
	}
	return b.String()
}

func writeStageTable(b *strings.Builder, r *Result) {
	for _, stage := range Stages {
		if score, ok := r.StageScores[stage]; ok {
			fmt.Fprintf(b, "  %-15s %3d%%\n", stage, score)
		}
	}
}
