package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rowan/foreman/internal/db"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show task and team activity",
	Long: `Display the persisted activity log: task assignments, status
changes, relays, and terminations, newest first. With --team, only
that team's entries are shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("last")
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

		records, err := database.RecentActivity(teamID, limit)
		if err != nil {
			return fmt.Errorf("reading activity: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("No activity recorded.")
			return nil
		}

		for _, rec := range records {
			fmt.Printf("[%s] %s  %s: %s", rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Name, rec.Action, rec.Message)
			if teamID == "" {
				fmt.Printf("  (team %s)", rec.TeamID)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	tasksCmd.Flags().IntP("last", "n", 50, "Show last N entries")
	tasksCmd.Flags().String("team", "", "Only show activity for a team")
	rootCmd.AddCommand(tasksCmd)
}
