package autorun

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rowan/foreman/internal/agents"
	"github.com/rowan/foreman/internal/logging"
)

// IssueKind classifies an integration-check finding.
type IssueKind string

const (
	IssueBuild    IssueKind = "build"
	IssueTests    IssueKind = "tests"
	IssueWiring   IssueKind = "wiring"
	IssueConflict IssueKind = "merge-conflict"
)

// Issue is one actionable integration finding.
type Issue struct {
	Kind   IssueKind
	File   string
	Detail string
}

func (i Issue) String() string {
	if i.File != "" {
		return fmt.Sprintf("[%s] %s: %s", i.Kind, i.File, i.Detail)
	}
	return fmt.Sprintf("[%s] %s", i.Kind, i.Detail)
}

// IntegrationChecker inspects the merged working tree once all tasks
// have settled. Findings are advisory: the lead gets the list and
// decides what to fix before synthesis.
type IntegrationChecker struct {
	runner agents.CommandRunner
	logger *logging.Logger

	// BuildCommand and TestCommand run in the working directory; a
	// non-zero exit is a finding. Defaults suit Go trees.
	BuildCommand []string
	TestCommand  []string
}

// NewIntegrationChecker builds a checker on the given runner.
func NewIntegrationChecker(runner agents.CommandRunner) *IntegrationChecker {
	return &IntegrationChecker{
		runner:       runner,
		logger:       logging.Component("integration"),
		BuildCommand: []string{"go", "build", "./..."},
		TestCommand:  []string{"go", "test", "./..."},
	}
}

// Check runs all integration checks. Check errors (the tooling itself
// failing) are logged and skipped rather than reported as findings.
func (c *IntegrationChecker) Check(ctx context.Context, workDir string) []Issue {
	var issues []Issue
	issues = append(issues, c.checkCommand(ctx, workDir, IssueBuild, c.BuildCommand)...)
	issues = append(issues, c.checkCommand(ctx, workDir, IssueTests, c.TestCommand)...)
	issues = append(issues, c.checkConflicts(ctx, workDir)...)
	issues = append(issues, c.checkWiring(ctx, workDir)...)
	return issues
}

func (c *IntegrationChecker) checkCommand(ctx context.Context, workDir string, kind IssueKind, command []string) []Issue {
	if len(command) == 0 {
		return nil
	}
	stdout, stderr, exitCode, err := c.runner.Run(ctx, command[0], command[1:], workDir, "")
	if err != nil {
		c.logger.Err(err).Strs("command", command).Msg("check could not run")
		return nil
	}
	if exitCode == 0 {
		return nil
	}
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = strings.TrimSpace(stdout)
	}
	if len(detail) > 400 {
		detail = detail[:400] + "…"
	}
	return []Issue{{Kind: kind, Detail: fmt.Sprintf("%s exited %d: %s", strings.Join(command, " "), exitCode, detail)}}
}

// checkConflicts flags files with unresolved merge markers. Concurrent
// workers merging into one tree make these more likely than usual.
func (c *IntegrationChecker) checkConflicts(ctx context.Context, workDir string) []Issue {
	stdout, _, exitCode, err := c.runner.Run(ctx, "git", []string{"grep", "-l", "<<<<<<<"}, workDir, "")
	if err != nil {
		c.logger.Err(err).Msg("conflict scan could not run")
		return nil
	}
	// git grep exits 1 on no matches.
	if exitCode != 0 {
		return nil
	}
	var issues []Issue
	for _, file := range splitLines(stdout) {
		issues = append(issues, Issue{Kind: IssueConflict, File: file, Detail: "unresolved merge conflict markers"})
	}
	return issues
}

// checkWiring flags newly added source files nothing else references.
// A worker that writes a file but never hooks it up produces code that
// builds and yet does nothing; name-reference search catches most of
// those.
func (c *IntegrationChecker) checkWiring(ctx context.Context, workDir string) []Issue {
	stdout, _, exitCode, err := c.runner.Run(ctx, "git", []string{"diff", "--name-only", "--diff-filter=A", "HEAD"}, workDir, "")
	if err != nil || exitCode != 0 {
		if err != nil {
			c.logger.Err(err).Msg("added-file scan could not run")
		}
		return nil
	}

	var issues []Issue
	for _, file := range splitLines(stdout) {
		if !strings.HasSuffix(file, ".go") || strings.HasSuffix(file, "_test.go") {
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(file), ".go")
		refs, _, refExit, refErr := c.runner.Run(ctx, "git", []string{"grep", "-l", stem, "--", "*.go"}, workDir, "")
		if refErr != nil {
			continue
		}
		referenced := false
		if refExit == 0 {
			for _, ref := range splitLines(refs) {
				if ref != file {
					referenced = true
					break
				}
			}
		}
		if !referenced {
			issues = append(issues, Issue{Kind: IssueWiring, File: file, Detail: "newly added but never referenced elsewhere"})
		}
	}
	return issues
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
