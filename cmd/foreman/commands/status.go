package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowan/foreman/internal/db"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run history and gate results",
	Long: `Display the history of autonomous runs.

Shows the last N runs (default: 5). With --team, also shows the most
recent quality-gate verdicts for that team.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetInt("last")
		teamID, _ := cmd.Flags().GetString("team")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening db: %w", err)
		}
		defer func() { _ = database.Close() }()

		if err := showLastRuns(database, last); err != nil {
			return err
		}
		if teamID != "" {
			return showGateResults(database, teamID, last)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntP("last", "n", 5, "Show last N entries")
	statusCmd.Flags().String("team", "", "Show gate results for a team")
	rootCmd.AddCommand(statusCmd)
}

func showLastRuns(database *db.DB, n int) error {
	runs, err := database.RecentRuns(n)
	if err != nil {
		return fmt.Errorf("reading run history: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No run history found.")
		return nil
	}

	fmt.Printf("Last %d runs:\n\n", len(runs))

	for _, run := range runs {
		printRunRecord(run)
		fmt.Println()
	}

	return nil
}

func printRunRecord(run db.RunRecord) {
	fmt.Printf("[%s] %s\n", run.StartTime.Format("2006-01-02 15:04"), strings.ToUpper(run.State))
	fmt.Printf("  Objective: %s\n", run.Objective)

	if run.Strategy != "" {
		fmt.Printf("  Strategy:  %s\n", run.Strategy)
	}
	if run.TasksTotal > 0 {
		fmt.Printf("  Tasks:     %d/%d completed\n", run.TasksCompleted, run.TasksTotal)
	}
	if !run.EndTime.IsZero() && run.EndTime.After(run.StartTime) {
		fmt.Printf("  Duration:  %s\n", run.EndTime.Sub(run.StartTime).Round(time.Second))
	}
	if run.Error != "" {
		fmt.Printf("  Error:     %s\n", run.Error)
	}
}

func showGateResults(database *db.DB, teamID string, n int) error {
	results, err := database.GateResults(teamID, n)
	if err != nil {
		return fmt.Errorf("reading gate results: %w", err)
	}

	if len(results) == 0 {
		fmt.Printf("No gate results for team %s.\n", teamID)
		return nil
	}

	fmt.Printf("Gate results for team %s:\n\n", teamID)

	for _, rec := range results {
		verdict := "FAIL"
		if rec.Passed {
			verdict = "PASS"
		}
		fmt.Printf("[%s] %s  session %s  score %d  cycle %d/%d",
			rec.CreatedAt.Format("2006-01-02 15:04"), verdict,
			rec.SessionID, rec.AggregateScore, rec.Cycle, rec.MaxCycles)
		if rec.EscalatedTo != "" {
			fmt.Printf("  escalated to %s", rec.EscalatedTo)
		}
		fmt.Println()
	}

	return nil
}
