// cli.go implements Session on top of an agent CLI binary.
package agents

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandRunner executes shell commands. Allows mocking in tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, dir string, stdin string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner is the default CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns output.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, dir string, stdin string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

// CLISession runs a teammate through an agent CLI binary, one invocation
// per delivered message.
type CLISession struct {
	id         string
	name       string
	binary     string
	workDir    string
	timeout    time.Duration
	runner     CommandRunner
	extraArgs  []string
	mu         sync.Mutex
	processing bool
	lastMsg    string
	closed     bool
	cancel     context.CancelFunc
}

// CLIOption configures a CLISession.
type CLIOption func(*CLISession)

// WithBinary sets the agent CLI binary path (default "claude").
func WithBinary(path string) CLIOption {
	return func(s *CLISession) { s.binary = path }
}

// WithTimeout sets the per-message execution timeout.
func WithTimeout(d time.Duration) CLIOption {
	return func(s *CLISession) { s.timeout = d }
}

// WithRunner sets a custom command runner (for testing).
func WithRunner(r CommandRunner) CLIOption {
	return func(s *CLISession) { s.runner = r }
}

// WithArgs appends extra CLI arguments (model selection and the like).
func WithArgs(args ...string) CLIOption {
	return func(s *CLISession) { s.extraArgs = append(s.extraArgs, args...) }
}

// NewCLISession creates a CLI-backed session.
func NewCLISession(id, name, workDir string, opts ...CLIOption) *CLISession {
	s := &CLISession{
		id:      id,
		name:    name,
		binary:  "claude",
		workDir: workDir,
		timeout: 30 * time.Minute,
		runner:  &ExecRunner{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *CLISession) ID() string { return s.id }

// Name returns the teammate's display name.
func (s *CLISession) Name() string { return s.name }

// WorkingDir returns the session's working directory.
func (s *CLISession) WorkingDir() string { return s.workDir }

// Processing reports whether a message is being handled.
func (s *CLISession) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// LastMessage returns the most recent CLI output.
func (s *CLISession) LastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsg
}

// Send runs one CLI invocation with the message as prompt.
func (s *CLISession) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.processing = true
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	args := append([]string{"-p"}, s.extraArgs...)
	stdout, stderr, exitCode, err := s.runner.Run(runCtx, s.binary, args, s.workDir, text)
	if err != nil && runCtx.Err() == nil {
		return fmt.Errorf("agent cli: %w", err)
	}
	if runCtx.Err() != nil {
		return runCtx.Err()
	}
	if exitCode != 0 {
		return fmt.Errorf("agent cli exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	s.mu.Lock()
	s.lastMsg = strings.TrimSpace(stdout)
	s.mu.Unlock()
	return nil
}

// Abort cancels any in-flight invocation and closes the session.
func (s *CLISession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// CollectWorkingDiff returns the unified diff of uncommitted changes in
// a working directory, or empty when the tree is clean.
func CollectWorkingDiff(ctx context.Context, runner CommandRunner, workDir string) (string, error) {
	if runner == nil {
		runner = &ExecRunner{}
	}
	stdout, stderr, exitCode, err := runner.Run(ctx, "git", []string{"diff", "HEAD"}, workDir, "")
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("git diff exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}
