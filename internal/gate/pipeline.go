package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rowan/foreman/internal/agents"
	"github.com/rowan/foreman/internal/logging"
)

// CLIReviewer runs review attempts through a reviewer agent CLI. One
// invocation scores every stage; the escalation path re-runs with a
// stronger model for a diagnosis instead of a score.
type CLIReviewer struct {
	runner          agents.CommandRunner
	binary          string
	model           string
	escalationModel string
	threshold       int
	timeout         time.Duration
	logger          *logging.Logger
}

// ReviewerOption configures a CLIReviewer.
type ReviewerOption func(*CLIReviewer)

// WithReviewerBinary sets the agent CLI binary.
func WithReviewerBinary(binary string) ReviewerOption {
	return func(r *CLIReviewer) { r.binary = binary }
}

// WithReviewerModel sets the model used for normal review cycles.
func WithReviewerModel(model string) ReviewerOption {
	return func(r *CLIReviewer) { r.model = model }
}

// WithEscalationModel sets the stronger model used for escalations.
func WithEscalationModel(model string) ReviewerOption {
	return func(r *CLIReviewer) { r.escalationModel = model }
}

// WithReviewTimeout bounds a single review invocation.
func WithReviewTimeout(d time.Duration) ReviewerOption {
	return func(r *CLIReviewer) { r.timeout = d }
}

// NewCLIReviewer builds a reviewer with the given pass threshold.
func NewCLIReviewer(runner agents.CommandRunner, threshold int, opts ...ReviewerOption) *CLIReviewer {
	r := &CLIReviewer{
		runner:          runner,
		binary:          "claude",
		model:           "sonnet",
		escalationModel: "opus",
		threshold:       threshold,
		timeout:         5 * time.Minute,
		logger:          logging.Component("gate"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// reviewResponse is the JSON shape the reviewer agent is asked for.
type reviewResponse struct {
	StageScores map[string]int `json:"stage_scores"`
	Summary     string         `json:"summary"`
}

// Run implements Runner.
func (r *CLIReviewer) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := r.runner.Run(ctx, r.binary,
		[]string{"-p", "--model", r.model}, "", reviewPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("running reviewer: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("reviewer exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	resp, err := parseReviewResponse(stdout)
	if err != nil {
		return nil, err
	}

	scores := make(map[Stage]int, len(Stages))
	total := 0
	for _, stage := range Stages {
		score, ok := resp.StageScores[string(stage)]
		if !ok {
			// A stage the reviewer skipped counts as a failure, not
			// a free pass.
			score = 0
		}
		scores[stage] = score
		total += score
	}

	result := NewResult(total/len(Stages), scores, r.threshold)
	result.Summary = resp.Summary
	return result, nil
}

// Escalate implements Escalator.
func (r *CLIReviewer) Escalate(ctx context.Context, req Request, lastResult *Result) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := r.runner.Run(ctx, r.binary,
		[]string{"-p", "--model", r.escalationModel}, "", escalationPrompt(req, lastResult))
	if err != nil {
		return "", fmt.Errorf("running escalation reviewer: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("escalation reviewer exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	diagnosis := strings.TrimSpace(stdout)
	if diagnosis == "" {
		return "", fmt.Errorf("escalation reviewer produced no diagnosis")
	}
	return diagnosis, nil
}

// EscalatedTo names the model escalations run on.
func (r *CLIReviewer) EscalatedTo() string { return r.escalationModel }

// parseReviewResponse extracts the JSON object from reviewer output,
// tolerating prose around it.
func parseReviewResponse(out string) (*reviewResponse, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reviewer output")
	}
	var resp reviewResponse
	if err := json.Unmarshal([]byte(out[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("parsing reviewer output: %w", err)
	}
	if len(resp.StageScores) == 0 {
		return nil, fmt.Errorf("reviewer output has no stage scores")
	}
	return &resp, nil
}

func reviewPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Review the following change as a strict quality gate.\n\n")
	if req.TaskTitle != "" {
		fmt.Fprintf(&b, "Task: %s\n", req.TaskTitle)
	}
	if req.TaskDescription != "" {
		fmt.Fprintf(&b, "%s\n", req.TaskDescription)
	}
	fmt.Fprintf(&b, "\nScore each stage from 0 to 100: %s.\n", stageList())
	b.WriteString(`Respond with exactly one JSON object:
{"stage_scores": {"<stage>": <score>, ...}, "summary": "<one paragraph>"}

`)
	b.WriteString("Diff under review:\n\n")
	b.WriteString(req.Diff)
	return b.String()
}

func escalationPrompt(req Request, lastResult *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A change failed its quality gate %d time(s) and review cycles are exhausted.\n", lastResult.Cycle)
	if req.TaskTitle != "" {
		fmt.Fprintf(&b, "Task: %s\n", req.TaskTitle)
	}
	fmt.Fprintf(&b, "Last aggregate score: %d%% (threshold %d%%).\n\n", lastResult.AggregateScore, lastResult.Threshold)
	b.WriteString("Diagnose why the work keeps failing and state concretely what must change. Respond in plain prose.\n\n")
	b.WriteString("Diff under review:\n\n")
	b.WriteString(req.Diff)
	return b.String()
}

func stageList() string {
	names := make([]string, len(Stages))
	for i, stage := range Stages {
		names[i] = string(stage)
	}
	return strings.Join(names, ", ")
}
