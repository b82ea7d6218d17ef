// Package autorun drives an autonomous run end to end: objective in,
// synthesized result out. The orchestrator walks a fixed state machine
// and delegates the actual agent work to the lead and its teammates;
// its own job is sequencing, strategy choice, and bookkeeping.
package autorun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rowan/foreman/internal/config"
	"github.com/rowan/foreman/internal/db"
	"github.com/rowan/foreman/internal/logging"
	"github.com/rowan/foreman/internal/team"
)

// State is one stop of the autonomous run state machine.
type State string

const (
	StateIdle         State = "idle"
	StateSpecPending  State = "spec_pending"
	StateDecomposing  State = "decomposing"
	StateSpawning     State = "spawning"
	StateIntegration  State = "integration_check"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateError        State = "error"
)

// Strategy names how teammates are spawned for a run.
type Strategy string

const (
	StrategyFlat    Strategy = "flat"     // workers spawned directly
	StrategyTwoTier Strategy = "two-tier" // one head per phase manages its own workers
)

// ErrSpecTimeout is returned when the lead does not produce a spec
// within the configured wait.
var ErrSpecTimeout = errors.New("timed out waiting for spec generation")

// Messenger delivers prompts and reports to sessions.
type Messenger interface {
	SendToSession(ctx context.Context, sessionID, text string) error
}

// Spawner launches agent sessions. Implementations register the
// session with their session store; the orchestrator handles team
// membership.
type Spawner interface {
	SpawnLead(ctx context.Context, name, prompt string) (sessionID string, err error)
	SpawnWorker(ctx context.Context, teamID, name, prompt string) (sessionID string, err error)
	SpawnHead(ctx context.Context, teamID, name, prompt string) (sessionID string, err error)
}

// RunStore persists run history.
type RunStore interface {
	StartRun(rec db.RunRecord) error
	FinishRun(id, state, errMsg string, tasksTotal, tasksCompleted int) error
}

// Checker inspects the integrated working tree after all tasks settle.
type Checker interface {
	Check(ctx context.Context, workDir string) []Issue
}

// Report is the outcome of one autonomous run.
type Report struct {
	RunID          string
	TeamID         string
	Strategy       Strategy
	TasksTotal     int
	TasksCompleted int
	TasksFailed    int
	Issues         []Issue
	Summary        string
}

// Orchestrator runs the idle → completed state machine. One
// Orchestrator handles one run at a time.
type Orchestrator struct {
	cfg       config.AutoRunConfig
	registry  *team.Registry
	spawner   Spawner
	messenger Messenger
	runs      RunStore
	checker   Checker
	logger    *logging.Logger

	// specPoll is how often the registry is checked for the spec
	// during the bounded wait. Overridable for tests.
	specPoll time.Duration

	// onState observes transitions, for dashboards and tests.
	onState func(State)

	// onMember observes every session joining a run's team, lead
	// included. The health monitor tracks members through this.
	onMember func(teamID, sessionID, name string)

	mu       sync.Mutex
	state    State
	teamDone map[string]chan struct{} // team id -> closed on completion
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStateHook observes every state transition.
func WithStateHook(fn func(State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// WithMemberHook observes every member registered for a run, the lead
// included, as soon as its session exists.
func WithMemberHook(fn func(teamID, sessionID, name string)) Option {
	return func(o *Orchestrator) { o.onMember = fn }
}

// WithSpecPollInterval overrides the spec-wait poll cadence.
func WithSpecPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.specPoll = d }
}

// New builds an Orchestrator.
func New(cfg config.AutoRunConfig, registry *team.Registry, spawner Spawner, messenger Messenger, runs RunStore, checker Checker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		spawner:   spawner,
		messenger: messenger,
		runs:      runs,
		checker:   checker,
		logger:    logging.Component("autorun"),
		specPoll:  5 * time.Second,
		state:     StateIdle,
		teamDone:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Infof("state: %s", s)
	if o.onState != nil {
		o.onState(s)
	}
}

// TeamCompleted signals that all of a team's teammates are done and
// relayed. Wire this to the coordinator's team-complete hook; it is
// what moves the run past the spawning state.
func (o *Orchestrator) TeamCompleted(teamID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.teamDone[teamID]
	if !ok {
		// Signal arrived before the run started waiting; leave a
		// closed channel so the wait returns immediately.
		ch = make(chan struct{})
		o.teamDone[teamID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (o *Orchestrator) doneChan(teamID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.teamDone[teamID]
	if !ok {
		ch = make(chan struct{})
		o.teamDone[teamID] = ch
	}
	return ch
}

// Run executes one autonomous run for the objective and returns its
// report. Errors after the run record is created are also persisted to
// run history.
func (o *Orchestrator) Run(ctx context.Context, objective, workDir string) (*Report, error) {
	runID := uuid.NewString()
	report := &Report{RunID: runID}

	rec := db.RunRecord{ID: runID, Objective: objective, State: string(StateSpecPending)}
	if err := o.runs.StartRun(rec); err != nil {
		return nil, fmt.Errorf("starting run record: %w", err)
	}

	if err := o.run(ctx, objective, workDir, report); err != nil {
		o.setState(StateError)
		o.finish(report, string(StateError), err.Error())
		return report, err
	}
	o.setState(StateCompleted)
	o.finish(report, string(StateCompleted), "")
	return report, nil
}

func (o *Orchestrator) finish(report *Report, state, errMsg string) {
	if err := o.runs.FinishRun(report.RunID, state, errMsg, report.TasksTotal, report.TasksCompleted); err != nil {
		o.logger.Err(err).Str("run", report.RunID).Msg("could not finalize run record")
	}
}

func (o *Orchestrator) run(ctx context.Context, objective, workDir string, report *Report) error {
	// spec_pending: the lead writes the spec; we poll, bounded.
	o.setState(StateSpecPending)
	leadID, err := o.spawner.SpawnLead(ctx, "run-lead", leadPrompt(objective))
	if err != nil {
		return fmt.Errorf("spawning lead: %w", err)
	}
	tm := o.registry.CreateTeam(leadID, "run-lead")
	report.TeamID = tm.ID
	if o.onMember != nil {
		o.onMember(tm.ID, leadID, "run-lead")
	}

	spec, err := o.awaitSpec(ctx, tm.ID)
	if err != nil {
		return err
	}

	// decomposing: requirements become a phased task graph.
	o.setState(StateDecomposing)
	tasks := Decompose(spec)
	for _, task := range tasks {
		if err := o.registry.CreateTask(tm.ID, task); err != nil {
			return fmt.Errorf("creating task %q: %w", task.Title, err)
		}
	}
	report.TasksTotal = len(tasks)

	// spawning: flat or two-tier, then wait for the coordinator to
	// declare the team complete.
	o.setState(StateSpawning)
	report.Strategy = ChooseStrategy(tasks, o.cfg.FlatTaskLimit)
	if err := o.spawn(ctx, tm.ID, tasks, report.Strategy); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.doneChan(tm.ID):
	}

	// integration_check: issues are advice for the lead, not a stop.
	o.setState(StateIntegration)
	if o.checker != nil && workDir != "" {
		report.Issues = o.checker.Check(ctx, workDir)
		if len(report.Issues) > 0 {
			o.notifyIssues(ctx, tm.LeadID, report.Issues)
		}
	}

	// synthesizing: tally the board and hand the lead the numbers.
	o.setState(StateSynthesizing)
	for _, task := range o.registry.Tasks(tm.ID) {
		switch task.Status {
		case team.TaskCompleted:
			report.TasksCompleted++
		case team.TaskFailed:
			report.TasksFailed++
		}
	}
	report.Summary = renderSummary(objective, report)
	if err := o.messenger.SendToSession(ctx, tm.LeadID, report.Summary); err != nil {
		o.logger.Err(err).Str("team", tm.ID).Msg("summary delivery failed")
	}

	o.mu.Lock()
	delete(o.teamDone, tm.ID)
	o.mu.Unlock()
	return nil
}

// awaitSpec polls the registry until the lead has stored a spec, the
// wait expires, or ctx is cancelled.
func (o *Orchestrator) awaitSpec(ctx context.Context, teamID string) (*team.Spec, error) {
	deadline := time.NewTimer(o.cfg.SpecWait)
	defer deadline.Stop()
	tick := time.NewTicker(o.specPoll)
	defer tick.Stop()

	for {
		if spec, err := o.registry.TeamSpec(teamID); err == nil {
			return spec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrSpecTimeout
		case <-tick.C:
		}
	}
}

func (o *Orchestrator) spawn(ctx context.Context, teamID string, tasks []*team.Task, strategy Strategy) error {
	if strategy == StrategyTwoTier {
		return o.spawnTwoTier(ctx, teamID, tasks)
	}
	return o.spawnFlat(ctx, teamID, tasks)
}

// spawnFlat gives every task its own worker.
func (o *Orchestrator) spawnFlat(ctx context.Context, teamID string, tasks []*team.Task) error {
	for i, task := range tasks {
		name := fmt.Sprintf("worker-%d", i+1)
		sessionID, err := o.spawner.SpawnWorker(ctx, teamID, name, workerPrompt(task))
		if err != nil {
			return fmt.Errorf("spawning %s: %w", name, err)
		}
		if err := o.addMember(teamID, sessionID, name, team.RoleWorker); err != nil {
			return err
		}
		if err := o.registry.AssignTask(teamID, task.ID, sessionID); err != nil {
			return fmt.Errorf("assigning %q: %w", task.Title, err)
		}
	}
	return nil
}

// spawnTwoTier gives each phase a head that manages its own workers.
// Tasks are assigned to the head; sub-delegation is the head's concern.
func (o *Orchestrator) spawnTwoTier(ctx context.Context, teamID string, tasks []*team.Task) error {
	byPhase := make(map[string][]*team.Task)
	for _, task := range tasks {
		byPhase[task.Phase] = append(byPhase[task.Phase], task)
	}
	for _, phase := range Phases {
		phaseTasks := byPhase[phase]
		if len(phaseTasks) == 0 {
			continue
		}
		name := phase + "-head"
		sessionID, err := o.spawner.SpawnHead(ctx, teamID, name, headPrompt(phase, phaseTasks))
		if err != nil {
			return fmt.Errorf("spawning %s: %w", name, err)
		}
		if err := o.addMember(teamID, sessionID, name, team.RoleHead); err != nil {
			return err
		}
		for _, task := range phaseTasks {
			if err := o.registry.AssignTask(teamID, task.ID, sessionID); err != nil {
				return fmt.Errorf("assigning %q: %w", task.Title, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) addMember(teamID, sessionID, name string, role team.Role) error {
	tm, err := o.registry.Team(teamID)
	if err != nil {
		return err
	}
	if err := o.registry.AddMember(teamID, &team.Member{
		SessionID: sessionID,
		Name:      name,
		Role:      role,
		ParentID:  tm.LeadID,
	}); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	if o.onMember != nil {
		o.onMember(teamID, sessionID, name)
	}
	return nil
}

func (o *Orchestrator) notifyIssues(ctx context.Context, leadID string, issues []Issue) {
	var b strings.Builder
	fmt.Fprintf(&b, "Integration check found %d issue(s):\n", len(issues))
	for _, issue := range issues {
		b.WriteString("- " + issue.String() + "\n")
	}
	b.WriteString("Address what you can before synthesizing the final result.")
	if err := o.messenger.SendToSession(ctx, leadID, b.String()); err != nil {
		o.logger.Err(err).Msg("integration issue delivery failed")
	}
}

func renderSummary(objective string, report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run finished for objective: %s\n", objective)
	fmt.Fprintf(&b, "Strategy: %s. Tasks: %d total, %d completed, %d failed.\n",
		report.Strategy, report.TasksTotal, report.TasksCompleted, report.TasksFailed)
	if n := report.TasksTotal - report.TasksCompleted - report.TasksFailed; n > 0 {
		fmt.Fprintf(&b, "%d task(s) never reached a terminal state.\n", n)
	}
	if len(report.Issues) > 0 {
		fmt.Fprintf(&b, "Integration check left %d open issue(s).\n", len(report.Issues))
	}
	b.WriteString("Synthesize the final result from the completed work.")
	return b.String()
}

func leadPrompt(objective string) string {
	return fmt.Sprintf(`You are the lead of an autonomous run.

Objective: %s

Produce a structured specification for this objective: a titled list of
requirements, each with an id (REQ-1, REQ-2, ...), a priority (critical,
high, medium, or low), and references to any requirement ids it depends
on. Store it as the team spec before doing anything else.`, objective)
}

func workerPrompt(task *team.Task) string {
	return fmt.Sprintf("Your task: %s\n\n%s\n\nWork in the shared working tree and stop when the task is done.", task.Title, task.Description)
}

func headPrompt(phase string, tasks []*team.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You manage the %s phase. Delegate these tasks to sub-agents you spawn, review their work, and stop when the phase is done:\n", phase)
	for _, task := range tasks {
		fmt.Fprintf(&b, "- %s: %s\n", task.Title, task.Description)
	}
	return b.String()
}
