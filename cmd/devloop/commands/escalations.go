package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEscalationsCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List escalations",
		Long: `List escalation records. By default only escalations still waiting for a
human are shown.`,
		Example: `  devloop escalations
  devloop escalations --all --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := newClient().ListEscalations(cmd.Context(), !all)
			if err != nil {
				return fmt.Errorf("failed to list escalations: %w", err)
			}
			return printEscalations(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved escalations")

	return cmd
}

func newResolveCommand() *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "resolve <escalation-id>",
		Short: "Resolve an escalation",
		Long: `Mark an escalation resolved. The blocked workflow resumes from the state
it was in when the escalation was raised.`,
		Example: `  devloop resolve 5d1c... --notes "fixed flaky test on main"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if notes == "" {
				return fmt.Errorf("--notes is required")
			}
			rec, err := newClient().ResolveEscalation(cmd.Context(), args[0], notes)
			if err != nil {
				return fmt.Errorf("failed to resolve escalation: %w", err)
			}
			return printEscalation(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")

	return cmd
}
