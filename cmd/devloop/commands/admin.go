package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devloop/devloop/pkg/config"
	"github.com/devloop/devloop/pkg/gates"
	"github.com/devloop/devloop/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the event store schema",
		Long: `Open the SQLite event store named in the configuration, creating the data
directory if needed, and apply all pending schema migrations. serve runs the
same migrations on startup.`,
		Example: `  devloop migrate --data-dir /var/lib/devloop`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, dataDir)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("path", cfg.Store.Path).Msg("Event store schema is up to date")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Migrated %s\n", cfg.Store.Path)
			return nil
		},
	}
	return cmd
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration file and environment overrides and validate them.

This command checks:
  - Struct constraints on every section
  - Section invariants (retry policy, timeouts, telemetry)
  - The built-in CUE schema
  - Extra analyzer manifests against the analyzer schema`,
		Example: `  devloop validate --config devloop.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, dataDir)
			if err != nil {
				return err
			}
			registry, err := loadAnalyzers(cmd.Context(), cfg.Gates)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Configuration is valid")
			fmt.Fprintf(out, "  store:     %s\n", cfg.Store.Path)
			fmt.Fprintf(out, "  analyzers: %d known\n", len(registry.List()))
			if cfg.Agent.Command == "" {
				fmt.Fprintln(out, "  warning:   agent.command is not set; serve will refuse to start")
			}
			return nil
		},
	}
	return cmd
}

func newAnalyzersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyzers [workspace]",
		Short: "Show which analyzers apply to a workspace",
		Long: `Scan a workspace for marker files and look up analyzer binaries on PATH.
Selected analyzers run during the static-analysis and security-scan gates.`,
		Example: `  # Scan the configured workspace
  devloop analyzers

  # Scan another checkout
  devloop analyzers ~/src/api --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, dataDir)
			if err != nil {
				return err
			}
			dir := cfg.Gates.Workspace
			if len(args) > 0 {
				dir = args[0]
			}

			registry, err := loadAnalyzers(cmd.Context(), cfg.Gates)
			if err != nil {
				return err
			}
			results := registry.Detect(dir)

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, results)
			}
			tw := newTable(out, "ANALYZER", "GATE", "SELECTED", "DETAIL")
			for _, r := range results {
				detail := r.Reason
				if r.Selected {
					detail = r.Path + " (" + r.Marker + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.Name, r.Gate, r.Selected, detail)
			}
			return tw.Flush()
		},
	}
	return cmd
}

// openStore opens and migrates the SQLite event store.
func openStore(ctx context.Context, cfg config.StoreConfig) (*stores.SQLiteStore, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(cfg.SQLite())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// loadAnalyzers builds the analyzer registry and checks extra manifests
// against the analyzer schema.
func loadAnalyzers(ctx context.Context, cfg config.GatesConfig) (*gates.Registry, error) {
	registry := gates.NewRegistry()
	if len(cfg.AnalyzerManifests) == 0 {
		return registry, nil
	}
	if err := registry.LoadManifests(cfg.AnalyzerManifests...); err != nil {
		return nil, fmt.Errorf("failed to load analyzer manifests: %w", err)
	}

	schemas := config.NewSchemaRegistry()
	for _, m := range registry.List() {
		if err := schemas.ValidateAgainstSchema(ctx, "analyzer", m); err != nil {
			return nil, fmt.Errorf("analyzer %s: %w", m.Name, err)
		}
	}
	return registry, nil
}
