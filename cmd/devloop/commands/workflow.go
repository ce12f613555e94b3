package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <issue-ref>",
		Short: "Start a workflow for an issue",
		Long: `Select an issue and start its workflow on the devloop server.

The issue reference has the form owner/repo#number. Only one workflow may be
active per issue; starting a second one fails until the first finishes.`,
		Example: `  # Start working on an issue
  devloop start acme/api#42

  # Against a remote server
  devloop start acme/api#42 --server https://devloop.internal --token $TOKEN`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().Str("issue_ref", args[0]).Msg("Starting workflow")

			inst, err := newClient().StartWorkflow(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to start workflow: %w", err)
			}
			return printInstance(cmd.OutOrStdout(), inst)
		},
	}
	return cmd
}

func newCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an active workflow",
		Long: `Cancel a workflow instance. The instance stops at its next step boundary
and records WorkflowCancelled. Open escalations stay open.`,
		Example: `  devloop cancel 0b6f9c1e-... --reason "duplicate of #40"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newClient().CancelWorkflow(cmd.Context(), args[0], reason)
			if err != nil {
				return fmt.Errorf("failed to cancel workflow: %w", err)
			}
			return printInstance(cmd.OutOrStdout(), inst)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	return cmd
}

func newApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a plan or a merge",
		Long: `Send a human approval to a workflow waiting in PlanReview or
AwaitingMergeApproval.`,
	}

	cmd.AddCommand(newApproveStageCommand("plan", "Approve the implementation plan"))
	cmd.AddCommand(newApproveStageCommand("merge", "Approve merging the pull request"))

	return cmd
}

func newApproveStageCommand(stage, short string) *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:     stage + " <instance-id>",
		Short:   short,
		Example: fmt.Sprintf("  devloop approve %s 0b6f9c1e-... --comment \"looks good\"", stage),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			approve := client.ApprovePlan
			if stage == "merge" {
				approve = client.ApproveMerge
			}

			log.Debug().Str("instance_id", args[0]).Str("stage", stage).Str("actor", actor).Msg("Sending approval")

			inst, err := approve(cmd.Context(), args[0], comment)
			if err != nil {
				return fmt.Errorf("failed to approve %s: %w", stage, err)
			}
			return printInstance(cmd.OutOrStdout(), inst)
		},
	}

	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		Example: `  # Active workflows
  devloop list

  # Everything, including finished workflows
  devloop list --all --limit 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := newClient().ListWorkflows(cmd.Context(), !all, limit)
			if err != nil {
				return fmt.Errorf("failed to list workflows: %w", err)
			}
			return printInstances(cmd.OutOrStdout(), instances)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include finished workflows")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of workflows")

	return cmd
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newClient().GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get workflow: %w", err)
			}
			return printInstance(cmd.OutOrStdout(), inst)
		},
	}
	return cmd
}

func newReplayCommand() *cobra.Command {
	var upto int64

	cmd := &cobra.Command{
		Use:   "replay <instance-id>",
		Short: "Rebuild a workflow's state from its events",
		Long: `Fold the stored events of an instance into its state without running
anything. With --upto the fold stops at that sequence number, showing the
state the instance had at that point.`,
		Example: `  # Current state from the event log
  devloop replay 0b6f9c1e-...

  # State after the first five events
  devloop replay 0b6f9c1e-... --upto 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newClient().Replay(cmd.Context(), args[0], upto)
			if err != nil {
				return fmt.Errorf("failed to replay workflow: %w", err)
			}
			return printInstance(cmd.OutOrStdout(), inst)
		},
	}

	cmd.Flags().Int64Var(&upto, "upto", -1, "last sequence number to apply (-1 for all)")

	return cmd
}
