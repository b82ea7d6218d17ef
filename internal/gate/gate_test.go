package gate

import (
	"strings"
	"testing"
)

func TestNewResultDerivesPassed(t *testing.T) {
	tests := []struct {
		aggregate int
		threshold int
		want      bool
	}{
		{96, 80, true},
		{80, 80, true},
		{79, 80, false},
		{0, 0, true},
	}
	for _, tt := range tests {
		r := NewResult(tt.aggregate, nil, tt.threshold)
		if r.Passed != tt.want {
			t.Errorf("NewResult(%d, threshold=%d).Passed = %v, want %v", tt.aggregate, tt.threshold, r.Passed, tt.want)
		}
	}
}

func TestResolveReviewInput(t *testing.T) {
	in := ResolveReviewInput("diff --git a/x b/x\n+hello\n")
	if !in.UsesValidDiff {
		t.Error("valid diff rejected")
	}

	for _, diff := range []string{"", "   \n\t"} {
		in := ResolveReviewInput(diff)
		if in.UsesValidDiff {
			t.Errorf("empty diff %q accepted", diff)
		}
		if in.FailureReason != "No verifiable git diff was found." {
			t.Errorf("FailureReason = %q", in.FailureReason)
		}
	}
}

func TestFormatPassReport(t *testing.T) {
	r := NewResult(96, map[Stage]int{StageSyntax: 100, StageTests: 92}, 80)
	r.Cycle, r.MaxCycles = 1, 2

	report := FormatPassReport("worker-1", r)
	if !strings.Contains(report, "PASSED (96%)") {
		t.Errorf("report missing pass line: %q", report)
	}
	if !strings.Contains(report, "syntax") || !strings.Contains(report, "tests") {
		t.Errorf("report missing stage table: %q", report)
	}
}

func TestFormatFailFeedbackWeakestFirst(t *testing.T) {
	r := NewResult(60, map[Stage]int{StageSyntax: 90, StageTests: 30, StageCompleteness: 50}, 80)
	r.Cycle, r.MaxCycles = 1, 2

	fb := FormatFailFeedback(r)
	testsIdx := strings.Index(fb, "tests")
	completenessIdx := strings.Index(fb, "completeness")
	syntaxIdx := strings.Index(fb, "syntax")
	if !(testsIdx < completenessIdx && completenessIdx < syntaxIdx) {
		t.Errorf("stages not ordered weakest first:\n%s", fb)
	}
}

func TestFormatEscalationReport(t *testing.T) {
	r := NewResult(40, map[Stage]int{StageTests: 40}, 80)
	r.MaxCycles = 2

	withDiag := FormatEscalationReport("worker-1", "score below threshold", "root cause: missing tests", r)
	if !strings.Contains(withDiag, "ESCALATED") || !strings.Contains(withDiag, "root cause") {
		t.Errorf("unexpected report: %q", withDiag)
	}

	noDiag := FormatEscalationReport("worker-1", "", "", r)
	if !strings.Contains(noDiag, "Escalation failed — manual review required.") {
		t.Errorf("missing manual-review note: %q", noDiag)
	}
}

func TestInferVerdict(t *testing.T) {
	tests := []struct {
		message string
		want    Verdict
	}{
		{"PASS — all checks green", VerdictPass},
		{"Approved, ship it", VerdictPass},
		{"LGTM", VerdictPass},
		{"FAIL: two issues", VerdictFail},
		{"Cannot approve — found 3 blockers", VerdictFail},
		{"This is not approved yet", VerdictFail},
		{"The build failed on CI", VerdictFail},
		{"Still reviewing the last files", VerdictUnknown},
		{"", VerdictUnknown},
	}
	for _, tt := range tests {
		if got := InferVerdict(tt.message); got != tt.want {
			t.Errorf("InferVerdict(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}

func TestStagesJSON(t *testing.T) {
	r := NewResult(90, map[Stage]int{StageSyntax: 90}, 80)
	if !strings.Contains(r.StagesJSON(), "syntax") {
		t.Errorf("StagesJSON = %q", r.StagesJSON())
	}

	empty := NewResult(90, nil, 80)
	if empty.StagesJSON() != "{}" {
		t.Errorf("nil scores StagesJSON = %q, want {}", empty.StagesJSON())
	}
}
