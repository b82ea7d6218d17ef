package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/rowan/foreman/internal/db"
	"github.com/rowan/foreman/internal/logging"
)

var (
	daemonObjectiveFlag string
	daemonScheduleFlag  string
	daemonWorkDirFlag   string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run recurring autonomous runs on a schedule",
	Long: `Daemon runs in the foreground and starts a fresh autonomous run
for the configured objective on each cron tick. The schedule comes
from autorun.schedule in the config file, or --schedule. A tick that
fires while a run is still in flight is skipped.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVarP(&daemonObjectiveFlag, "objective", "o", "", "Objective for each scheduled run (required)")
	daemonCmd.Flags().StringVarP(&daemonScheduleFlag, "schedule", "s", "", "Cron expression overriding autorun.schedule")
	daemonCmd.Flags().StringVarP(&daemonWorkDirFlag, "workdir", "w", ".", "Working directory for the teams")
	_ = daemonCmd.MarkFlagRequired("objective")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return err
	}
	logger := logging.Component("daemon")

	schedule := cfg.AutoRun.Schedule
	if daemonScheduleFlag != "" {
		schedule = daemonScheduleFlag
	}
	if schedule == "" {
		return fmt.Errorf("no schedule: set autorun.schedule or pass --schedule")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	workDir, err := filepath.Abs(daemonWorkDirFlag)
	if err != nil {
		return fmt.Errorf("resolving workdir: %w", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := buildWiring(cfg, database, workDir)
	if err != nil {
		return err
	}
	go w.monitor.Run(ctx)
	go w.beat.Run(ctx)
	go w.watcher.Run(ctx)

	var running sync.Mutex
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		if !running.TryLock() {
			logger.Warn("previous run still in flight, skipping tick")
			return
		}
		defer running.Unlock()

		logger.InfoCtx("scheduled run starting", map[string]any{"objective": daemonObjectiveFlag})
		report, err := w.orch.Run(ctx, daemonObjectiveFlag, workDir)
		if err != nil {
			logger.Err(err).Msg("scheduled run failed")
			return
		}
		logger.InfoCtx("scheduled run finished", map[string]any{
			"run":       report.RunID,
			"completed": report.TasksCompleted,
			"total":     report.TasksTotal,
		})
	})
	if err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}

	c.Start()
	fmt.Printf("foreman daemon running, schedule %q (ctrl-c to stop)\n", schedule)
	logger.InfoCtx("daemon started", map[string]any{"schedule": schedule, "workdir": workDir})

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("daemon stopped")
	return nil
}
