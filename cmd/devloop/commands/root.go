package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/devloop/devloop/pkg/api"
)

var (
	// Global flags
	configPath string
	dataDir    string
	serverURL  string
	apiToken   string
	actor      string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devloop",
		Short: "devloop - autonomous issue-to-merge development loop",
		Long: `devloop drives issues from selection to merge: an AI agent analyzes the
issue and writes the change, quality gates verify it, and humans approve the
plan and the merge or resolve escalations when automation gets stuck.

Every step is recorded in an append-only event store; the state of any
workflow can be replayed from it.

Components:
  - Event store (SQLite with a durable spool)
  - Quality gate executor with retry budgets and failure classification
  - Escalation manager with rate-limited notifications
  - Workflow orchestrator with crash recovery`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DEVLOOP_CONFIG"), "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", envOr("DEVLOOP_DATA_DIR", "./data"), "data directory for the database and spool")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DEVLOOP_SERVER", "http://127.0.0.1:8080"), "devloop server URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("DEVLOOP_HTTP_TOKEN"), "API bearer token")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", envOr("DEVLOOP_ACTOR", os.Getenv("USER")), "name recorded for approvals and resolutions")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newAnalyzersCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newEscalationsCommand())
	rootCmd.AddCommand(newResolveCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *api.Client {
	return api.NewClient(serverURL, apiToken, actor)
}
