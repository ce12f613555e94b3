package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devloop/devloop/pkg/engine"
)

func newEventsCommand() *cobra.Command {
	var (
		correlationID string
		eventType     string
		after         string
		before        string
		search        string
		limit         int
		offset        int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event store",
		Long: `Query stored events by correlation ID, type, time range and payload text.
Results are ordered by time and paginated; the next offset is printed when more
events match.`,
		Example: `  # All events of one workflow
  devloop events --correlation 7c0e...

  # Escalations created in the last day
  devloop events --type EscalationCreated --after 2026-10-17T00:00:00Z

  # Full-text search over payloads
  devloop events --search "connection refused"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.EventFilter{
				CorrelationID: correlationID,
				Type:          engine.EventType(eventType),
				FullText:      search,
				Limit:         limit,
				Offset:        offset,
			}
			var err error
			if filter.After, err = parseTime(after); err != nil {
				return fmt.Errorf("invalid --after: %w", err)
			}
			if filter.Before, err = parseTime(before); err != nil {
				return fmt.Errorf("invalid --before: %w", err)
			}

			page, err := newClient().QueryEvents(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to query events: %w", err)
			}
			return printEvents(cmd.OutOrStdout(), page)
		},
	}

	cmd.Flags().StringVar(&correlationID, "correlation", "", "correlation ID")
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&after, "after", "", "only events at or after this RFC3339 time")
	cmd.Flags().StringVar(&before, "before", "", "only events before this RFC3339 time")
	cmd.Flags().StringVar(&search, "search", "", "full-text search over payloads")
	cmd.Flags().IntVar(&limit, "limit", 100, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")

	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
