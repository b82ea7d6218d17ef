// Package commands implements the foreman CLI commands using cobra.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rowan/foreman/internal/config"
	"github.com/rowan/foreman/internal/logging"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Agent-team orchestrator with quality gates",
	Long: `Foreman runs teams of AI coding agents against an objective: it
decomposes a specification into tasks, spawns teammates, reviews their
work through quality gates, and watches their health while they run.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPathFlag, "config", "c", "", "Path to foreman.yaml")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
}

// loadConfig loads and validates configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// initLogging sets up the global logger from config, with --verbose
// forcing debug level.
func initLogging(cmd *cobra.Command, cfg *config.Config) error {
	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	return logging.Init(logging.Config{
		Level:         level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}
