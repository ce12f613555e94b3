package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/devloop/devloop/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func printInstance(w io.Writer, inst *engine.WorkflowInstance) error {
	if jsonOutput {
		return printJSON(w, inst)
	}

	fmt.Fprintf(w, "Instance:     %s\n", inst.InstanceID)
	fmt.Fprintf(w, "Issue:        %s\n", inst.IssueRef)
	fmt.Fprintf(w, "State:        %s\n", inst.State)
	if inst.ResumeState != "" {
		fmt.Fprintf(w, "Resumes in:   %s\n", inst.ResumeState)
	}
	if inst.OpenEscalationID != "" {
		fmt.Fprintf(w, "Escalation:   %s\n", inst.OpenEscalationID)
	}
	if inst.Branch != "" {
		fmt.Fprintf(w, "Branch:       %s\n", inst.Branch)
	}
	if inst.PullRequest != 0 {
		fmt.Fprintf(w, "Pull request: #%d\n", inst.PullRequest)
	}
	if inst.MergeSHA != "" {
		fmt.Fprintf(w, "Merged as:    %s\n", inst.MergeSHA)
	}
	fmt.Fprintf(w, "Sequence:     %d\n", inst.LastSequence)
	fmt.Fprintf(w, "Updated:      %s\n", inst.UpdatedAt.Format(time.RFC3339))
	if inst.Plan != "" {
		fmt.Fprintf(w, "\nPlan:\n%s\n", inst.Plan)
	}
	return nil
}

func printInstances(w io.Writer, instances []*engine.WorkflowInstance) error {
	if jsonOutput {
		return printJSON(w, instances)
	}
	tw := newTable(w, "INSTANCE", "ISSUE", "STATE", "BRANCH", "PR", "UPDATED")
	for _, inst := range instances {
		pr := "-"
		if inst.PullRequest != 0 {
			pr = fmt.Sprintf("#%d", inst.PullRequest)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inst.InstanceID, inst.IssueRef, inst.State, orDash(inst.Branch), pr, inst.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printEscalations(w io.Writer, records []*engine.EscalationRecord) error {
	if jsonOutput {
		return printJSON(w, records)
	}
	tw := newTable(w, "ESCALATION", "INSTANCE", "ACTION", "STATUS", "REASON", "CREATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.EscalationID, r.InstanceID, r.Action, r.Status, r.ReasonType, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printEscalation(w io.Writer, r *engine.EscalationRecord) error {
	if jsonOutput {
		return printJSON(w, r)
	}
	fmt.Fprintf(w, "Escalation: %s\n", r.EscalationID)
	fmt.Fprintf(w, "Instance:   %s\n", r.InstanceID)
	fmt.Fprintf(w, "Action:     %s\n", r.Action)
	fmt.Fprintf(w, "Status:     %s\n", r.Status)
	fmt.Fprintf(w, "Reason:     %s\n", r.TriggerReason)
	if r.ResolutionNotes != "" {
		fmt.Fprintf(w, "Resolution: %s\n", r.ResolutionNotes)
	}
	return nil
}

func printEvents(w io.Writer, page *engine.EventPage) error {
	if jsonOutput {
		return printJSON(w, page)
	}
	tw := newTable(w, "SEQ", "TIME", "CORRELATION", "TYPE", "ACTOR")
	for _, ev := range page.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.Sequence, ev.Timestamp.Format(time.RFC3339Nano), ev.CorrelationID, ev.Type, ev.Actor)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.NextOffset != nil {
		fmt.Fprintf(w, "\nMore events: --offset %d\n", *page.NextOffset)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
