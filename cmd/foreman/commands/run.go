package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rowan/foreman/internal/agents"
	"github.com/rowan/foreman/internal/autorun"
	"github.com/rowan/foreman/internal/bus"
	"github.com/rowan/foreman/internal/config"
	"github.com/rowan/foreman/internal/coordinator"
	"github.com/rowan/foreman/internal/db"
	"github.com/rowan/foreman/internal/gate"
	"github.com/rowan/foreman/internal/health"
	"github.com/rowan/foreman/internal/heartbeat"
	"github.com/rowan/foreman/internal/logging"
	"github.com/rowan/foreman/internal/team"
	"github.com/rowan/foreman/internal/ui"
)

var (
	runWorkDirFlag string
	runWatchFlag   bool
)

var runCmd = &cobra.Command{
	Use:   "run [objective]",
	Short: "Run an autonomous agent team against an objective",
	Long: `Run spawns a team lead, waits for it to produce a spec, decomposes
the spec into tasks, spawns teammates to execute them, and reviews
finished work through the quality gates. The command blocks until the
run completes or fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runWorkDirFlag, "workdir", "w", ".", "Working directory for the team")
	runCmd.Flags().BoolVar(&runWatchFlag, "watch", false, "Show the live dashboard during the run")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return err
	}
	logger := logging.Component("run")

	objective := strings.Join(args, " ")
	workDir, err := filepath.Abs(runWorkDirFlag)
	if err != nil {
		return fmt.Errorf("resolving workdir: %w", err)
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return fmt.Errorf("workdir %s is not a directory", workDir)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var orchOpts []autorun.Option
	var program *tea.Program
	if runWatchFlag {
		program, err = ui.New(objective).RunWithProgram()
		if err != nil {
			return fmt.Errorf("starting dashboard: %w", err)
		}
		defer program.Quit()
		orchOpts = append(orchOpts, autorun.WithStateHook(func(s autorun.State) {
			program.Send(ui.RunStateMsg(s))
		}))
	}

	w, err := buildWiring(cfg, database, workDir, orchOpts...)
	if err != nil {
		return err
	}

	go w.monitor.Run(ctx)
	go w.beat.Run(ctx)
	go w.watcher.Run(ctx)

	if program != nil {
		detach := ui.Attach(program, w.snapshots, w.issues)
		defer detach()
		go feedTaskPanel(ctx, program, w.registry)
	}

	logger.InfoCtx("starting run", map[string]any{"objective": objective, "workdir": workDir})
	report, err := w.orch.Run(ctx, objective, workDir)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	printReport(report)
	return nil
}

// wiring holds the long-lived components a run or daemon needs.
type wiring struct {
	registry  *team.Registry
	manager   *agents.Manager
	coord     *coordinator.Coordinator
	orch      *autorun.Orchestrator
	monitor   *health.Monitor
	beat      *heartbeat.Aggregator
	watcher   *health.WorkWatcher
	issues    *bus.Bus[health.Issue]
	snapshots *bus.Bus[heartbeat.Snapshot]
}

// buildWiring assembles the registry, session manager, orchestrator,
// quality-gate coordinator, health monitor, and heartbeat aggregator
// around a shared database.
func buildWiring(cfg *config.Config, database *db.DB, workDir string, orchOpts ...autorun.Option) (*wiring, error) {
	registry := team.NewRegistry()
	registry.SetActivitySink(&dbActivitySink{db: database})

	store := agents.NewStore()
	manager := agents.NewManager(store, workDir)

	issueBus := bus.New[health.Issue]()
	snapshotBus := bus.New[heartbeat.Snapshot]()

	reviewer := gate.NewCLIReviewer(&agents.ExecRunner{}, cfg.Gates.PassThreshold)

	monitor := health.New(cfg.Health, registry, &healthSessions{store: store}, manager, issueBus,
		health.WithReleaser(manager))
	beat := heartbeat.New(cfg.Heartbeat, registry, manager, snapshotBus)

	watcher, err := health.NewWorkWatcher(monitor)
	if err != nil {
		return nil, fmt.Errorf("creating workdir watcher: %w", err)
	}

	// Every spawned member is tracked by the monitor and shares the
	// run's working tree with the watcher, so stalls and workdir
	// liveness are observed from the first turn.
	logger := logging.Component("run")
	orchOpts = append(orchOpts, autorun.WithMemberHook(func(teamID, sessionID, name string) {
		monitor.Track(teamID, sessionID, name, 0)
		if err := watcher.Watch(workDir, sessionID); err != nil {
			logger.Err(err).Str("session", sessionID).Msg("workdir watch failed")
		}
	}))

	orch := autorun.New(cfg.AutoRun, registry, manager, manager, database,
		autorun.NewIntegrationChecker(&agents.ExecRunner{}), orchOpts...)

	coord := coordinator.New(registry, &coordSessions{store: store}, db.NewCounterStore(database),
		reviewer, manager, &gitDiffs{}, coordinator.Config{
			GatesEnabled:       cfg.Gates.Enabled,
			PassThreshold:      cfg.Gates.PassThreshold,
			MaxReviewCycles:    cfg.Gates.MaxReviewCycles,
			MaxParallelReviews: cfg.Gates.MaxParallelReviews,
		},
		coordinator.WithEscalator(reviewer),
		coordinator.WithReleaser(manager),
		coordinator.WithResultSink(database),
		coordinator.WithStopHealthHook(func(teamID string) {
			monitor.StopTeam(context.Background(), teamID)
			beat.StopTeam(teamID)
		}),
		coordinator.WithTeamCompleteHook(orch.TeamCompleted),
	)

	// A completed CLI invocation is a completed turn; route it to the
	// quality gates.
	manager.SetStopHook(func(sessionID string, failed bool) {
		t, err := registry.TeamBySession(sessionID)
		if err != nil {
			return
		}
		reason := coordinator.StopComplete
		if failed {
			reason = coordinator.StopError
		}
		if err := coord.OnTeammateStopped(context.Background(), t.ID, sessionID, reason); err != nil {
			logger.Err(err).Str("session", sessionID).Msg("stop handling failed")
		}
	})

	return &wiring{
		registry:  registry,
		manager:   manager,
		coord:     coord,
		orch:      orch,
		monitor:   monitor,
		beat:      beat,
		watcher:   watcher,
		issues:    issueBus,
		snapshots: snapshotBus,
	}, nil
}

// feedTaskPanel pushes the registry's task list to the dashboard on a
// short cadence.
func feedTaskPanel(ctx context.Context, p *tea.Program, registry *team.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var rows []ui.TaskRow
			for _, t := range registry.Teams() {
				for _, task := range registry.Tasks(t.ID) {
					rows = append(rows, ui.TaskRow{ID: task.ID, Title: task.Title, Status: task.Status, Phase: task.Phase})
				}
			}
			p.Send(ui.TasksMsg(rows))
		}
	}
}

func printReport(report *autorun.Report) {
	fmt.Printf("Run %s finished (%s strategy)\n", report.RunID, report.Strategy)
	fmt.Printf("  Tasks: %d completed, %d failed, %d total\n",
		report.TasksCompleted, report.TasksFailed, report.TasksTotal)
	if len(report.Issues) > 0 {
		fmt.Println("  Integration issues:")
		for _, issue := range report.Issues {
			fmt.Printf("    - %s\n", issue)
		}
	}
}

// dbActivitySink persists registry activity entries.
type dbActivitySink struct {
	db *db.DB
}

func (s *dbActivitySink) LogTeamActivity(teamID, sessionID, name, action, message string) error {
	return s.db.LogActivity(db.ActivityRecord{
		TeamID:    teamID,
		SessionID: sessionID,
		Name:      name,
		Action:    action,
		Message:   message,
	})
}

// coordSessions adapts the session store to the coordinator's lookup.
type coordSessions struct {
	store *agents.Store
}

func (s *coordSessions) GetByID(id string) (coordinator.Session, bool) {
	sess, ok := s.store.GetByID(id)
	if !ok {
		return nil, false
	}
	return sess, true
}

// healthSessions adapts the session store to the health monitor's lookup.
type healthSessions struct {
	store *agents.Store
}

func (s *healthSessions) GetByID(id string) (health.Session, bool) {
	sess, ok := s.store.GetByID(id)
	if !ok {
		return nil, false
	}
	return sess, true
}

// gitDiffs collects reviewable diffs from working trees.
type gitDiffs struct{}

func (g *gitDiffs) CollectWorkingDiff(ctx context.Context, workDir string) (string, error) {
	return agents.CollectWorkingDiff(ctx, nil, workDir)
}
