package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studiowebux/perfharness/internal/cli"
	"github.com/studiowebux/perfharness/internal/config"
)

var (
	version = "0.1.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, cli.ErrThresholdsFailed) {
			os.Exit(cli.ExitThresholdsFailed)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perfharness",
	Short: "Load and stress test harness for the interview coaching backend",
	Long: `perfharness drives virtual users against the interview coaching services,
records latency, error and custom metrics, and evaluates pass/fail thresholds.

Service URLs, the test account and timeouts come from the environment
(.env and .env.local are loaded when present).

Examples:
  perfharness list                                  # Show built-in scenarios
  perfharness run smoke                             # One VU, one minute
  perfharness run load --duration-scale 0.1         # Ten percent of the load ramp
  perfharness run user-service --behavior login     # One executor of a suite
  perfharness run soak --progress                   # Live view of a long run
  perfharness runs --limit 5                        # Recent runs
  perfharness show 12                               # Details of run 12
  perfharness runs delete 12                        # Remove run 12`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>",
	Short: "Run a scenario and evaluate its thresholds",
	Long: `Run a scenario and evaluate its thresholds.

Exits with status 99 when the run completed but a threshold failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Run(cmd.Context(), cli.RunOptions{
			Scenario:       args[0],
			EnvFiles:       envFiles(),
			PresetsFile:    flagPresets,
			DatabasePath:   flagDB,
			PersistSamples: flagSamples,
			NoPersist:      flagNoPersist,
			DurationScale:  flagDurationScale,
			Behavior:       flagBehavior,
			Seed:           flagSeed,
			AssumeYes:      flagYes,
			Progress:       flagProgress,
			In:             cmd.InOrStdin(),
			Out:            cmd.OutOrStdout(),
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli.ListScenarios(cmd.OutOrStdout())
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Runs(cmd.OutOrStdout(), databasePath(), flagScenario, flagLimit)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id|run-uuid>",
	Short: "Delete a recorded run and everything stored for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.DeleteRun(cmd.OutOrStdout(), databasePath(), args[0])
	},
}

var showCmd = &cobra.Command{
	Use:   "show <run-id|run-uuid>",
	Short: "Show the metrics and threshold verdicts of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Show(cmd.OutOrStdout(), databasePath(), args[0])
	},
}

// Flags for run command
var (
	flagPresets       string
	flagEnvFile       string
	flagSamples       bool
	flagNoPersist     bool
	flagDurationScale float64
	flagBehavior      string
	flagSeed          int64
	flagYes           bool
	flagProgress      bool
)

// Flags shared by run, runs and show
var flagDB string

// Flags for runs command
var (
	flagLimit    int
	flagScenario string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Run database path (default ~/.perfharness/runs.db, or HARNESS_DB_PATH)")

	runCmd.Flags().StringVar(&flagPresets, "presets", "", "YAML file overriding threshold and VU presets")
	runCmd.Flags().StringVar(&flagEnvFile, "env-file", "", "Load environment variables from file")
	runCmd.Flags().BoolVar(&flagSamples, "samples", false, "Persist every raw sample, not only summaries")
	runCmd.Flags().BoolVar(&flagNoPersist, "no-persist", false, "Do not record the run")
	runCmd.Flags().Float64Var(&flagDurationScale, "duration-scale", 1, "Multiply every profile duration")
	runCmd.Flags().StringVar(&flagBehavior, "behavior", "", "Run a single behavior of a service suite (overrides SCENARIO_NAME)")
	runCmd.Flags().Int64Var(&flagSeed, "seed", 0, "Seed for the VUs' random choices (0 picks one)")
	runCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "Skip the confirmation prompt for long runs")
	runCmd.Flags().BoolVar(&flagProgress, "progress", false, "Show a live progress view when attached to a terminal")

	runsCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "Number of runs to show")
	runsCmd.Flags().StringVar(&flagScenario, "scenario", "", "Only show runs of this scenario")

	runsCmd.AddCommand(runsDeleteCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(showCmd)
}

// envFiles puts --env-file first: the first file to set a variable wins.
func envFiles() []string {
	if flagEnvFile == "" {
		return config.DefaultEnvFiles
	}
	return append([]string{flagEnvFile}, config.DefaultEnvFiles...)
}

func databasePath() string {
	if flagDB != "" {
		return flagDB
	}
	if p := os.Getenv("HARNESS_DB_PATH"); p != "" {
		return p
	}
	return config.DatabasePath
}
