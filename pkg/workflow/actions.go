package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/escalation"
	"github.com/devloop/devloop/pkg/gates"
	"github.com/devloop/devloop/pkg/telemetry"
)

func (t *task) subject() gates.Subject {
	return gates.Subject{InstanceID: t.instanceID, CorrelationID: t.corrID}
}

// execute runs an action through the gate executor. An escalation blocks the
// instance and resumes it later at resumeState.
func (t *task) execute(ctx context.Context, action engine.ActionType, resumeState engine.WorkflowState, gateIndex int, invoker gates.Invoker) (bool, error) {
	res, err := t.o.executor.Execute(ctx, t.subject(), action, invoker)
	if err != nil {
		return false, err
	}
	if res.Kind == gates.KindEscalationRequired {
		return false, t.block(ctx, res, resumeState, gateIndex)
	}
	return true, nil
}

func (t *task) analyze(ctx context.Context) error {
	var (
		analysis *engine.Analysis
		plan     *engine.Plan
	)
	ok, err := t.execute(ctx, engine.ActionAnalyze, engine.StateAnalyzing, 0, gates.InvokerFunc(func(ctx context.Context, _ engine.ActionType) (*gates.RawOutcome, error) {
		issue, err := t.loadIssue(ctx)
		if err != nil {
			return nil, err
		}
		err = t.call(ctx, "ai", "analyze", func(ctx context.Context) (err error) {
			analysis, err = t.o.ai.Analyze(ctx, *issue)
			return err
		})
		if err != nil {
			return nil, err
		}
		err = t.call(ctx, "ai", "generate-plan", func(ctx context.Context) (err error) {
			plan, err = t.o.ai.GeneratePlan(ctx, *issue, analysis)
			return err
		})
		if err != nil {
			return nil, err
		}
		if plan == nil {
			return nil, engine.NewStructuralError("AI provider returned no plan", nil)
		}
		err = t.call(ctx, "git", "post-comment", func(ctx context.Context) error {
			return t.o.git.PostComment(ctx, t.issueRef, planComment(plan))
		})
		if err != nil {
			return nil, err
		}
		return &gates.RawOutcome{}, nil
	}))
	if err != nil || !ok {
		return err
	}

	t.analysis = analysis
	t.plan = plan
	summary := ""
	if analysis != nil {
		summary = analysis.Summary
	}
	return t.record(ctx, engine.EventAnalysisCompleted, engine.ActorAI, engine.AnalysisCompletedPayload{
		Summary: summary,
		Plan:    planText(plan),
	})
}

func (t *task) implement(ctx context.Context) error {
	var (
		branch  = t.branchName()
		sha     string
		changes *engine.CodeChanges
	)
	ok, err := t.execute(ctx, engine.ActionImplement, engine.StateImplementing, 0, gates.InvokerFunc(func(ctx context.Context, _ engine.ActionType) (*gates.RawOutcome, error) {
		issue, err := t.loadIssue(ctx)
		if err != nil {
			return nil, err
		}
		plan := t.currentPlan()
		err = t.call(ctx, "ai", "generate-code", func(ctx context.Context) (err error) {
			changes, err = t.o.ai.GenerateCode(ctx, *issue, plan)
			return err
		})
		if err != nil {
			return nil, err
		}
		if changes == nil || len(changes.Files) == 0 {
			return nil, engine.NewStructuralError("AI provider produced no changes", nil)
		}
		if changes.Message == "" {
			changes.Message = fmt.Sprintf("Resolve %s", t.issueRef)
		}
		err = t.call(ctx, "git", "create-branch", func(ctx context.Context) error {
			return t.o.git.CreateBranch(ctx, t.issueRef, branch)
		})
		if err != nil {
			return nil, err
		}
		err = t.call(ctx, "git", "push-commit", func(ctx context.Context) (err error) {
			sha, err = t.o.git.PushCommit(ctx, t.issueRef, branch, changes)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &gates.RawOutcome{}, nil
	}))
	if err != nil || !ok {
		return err
	}

	return t.record(ctx, engine.EventImplementationCompleted, engine.ActorAI, engine.ImplementationCompletedPayload{
		Branch:    branch,
		CommitSHA: sha,
		Files:     len(changes.Files),
	})
}

func (t *task) runGates(ctx context.Context) error {
	start := t.snapshot().GateIndex
	if start < len(engine.QualityGates) {
		err := t.record(ctx, engine.EventQualityGatesStarted, engine.ActorSystem, engine.QualityGatesStartedPayload{
			GateIndex: start,
			Gates:     append([]engine.ActionType(nil), engine.QualityGates[start:]...),
		})
		if err != nil {
			return err
		}
	}

	for i := start; i < len(engine.QualityGates); i++ {
		gate := engine.QualityGates[i]
		invoker, err := t.o.gates(t.snapshot(), gate)
		if err != nil {
			invoker = unavailableInvoker(gate, err)
		}
		ok, err := t.execute(ctx, gate, engine.StateQualityGates, i, invoker)
		if err != nil || !ok {
			return err
		}
	}

	return t.record(ctx, engine.EventQualityGatesPassed, engine.ActorSystem, nil)
}

// unavailableInvoker fails the gate structurally so that a missing gate
// configuration escalates instead of retrying.
func unavailableInvoker(gate engine.ActionType, cause error) gates.Invoker {
	return gates.InvokerFunc(func(context.Context, engine.ActionType) (*gates.RawOutcome, error) {
		return nil, engine.NewStructuralError(fmt.Sprintf("no invoker for %s", gate), cause).
			WithCode(engine.ErrCodeMissingConfig).
			WithAction(gate)
	})
}

func (t *task) mergeStage(ctx context.Context) error {
	inst := t.snapshot()

	if inst.PullRequest == 0 {
		var pr *engine.PullRequest
		ok, err := t.execute(ctx, engine.ActionCreatePR, engine.StateAwaitingMergeApproval, inst.GateIndex, gates.InvokerFunc(func(ctx context.Context, _ engine.ActionType) (*gates.RawOutcome, error) {
			title, body := t.pullRequestText(ctx, inst)
			err := t.call(ctx, "git", "create-pr", func(ctx context.Context) (err error) {
				pr, err = t.o.git.CreatePR(ctx, t.issueRef, inst.Branch, title, body)
				return err
			})
			if err != nil {
				return nil, err
			}
			if pr == nil || pr.Number == 0 {
				return nil, engine.NewStructuralError("git platform returned no pull request", nil)
			}
			return &gates.RawOutcome{}, nil
		}))
		if err != nil || !ok {
			return err
		}
		return t.record(ctx, engine.EventPullRequestCreated, engine.ActorSystem, engine.PullRequestPayload{
			Number: pr.Number,
			URL:    pr.URL,
		})
	}

	if !inst.MergeApproved {
		return t.awaitApproval(ctx, controlApproveMerge, t.o.cfg.AutoApproveMerge, engine.EventMergeApproved)
	}

	var sha string
	ok, err := t.execute(ctx, engine.ActionMerge, engine.StateAwaitingMergeApproval, inst.GateIndex, gates.InvokerFunc(func(ctx context.Context, _ engine.ActionType) (*gates.RawOutcome, error) {
		err := t.call(ctx, "git", "merge-pr", func(ctx context.Context) (err error) {
			sha, err = t.o.git.MergePR(ctx, t.issueRef, inst.PullRequest)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &gates.RawOutcome{}, nil
	}))
	if err != nil || !ok {
		return err
	}
	return t.record(ctx, engine.EventMerged, engine.ActorSystem, engine.MergedPayload{
		Number: inst.PullRequest,
		SHA:    sha,
	})
}

// block opens an escalation for res, records WorkflowBlocked and notifies.
// A failed notification leaves the instance blocked; the escalation stays
// visible through the API.
func (t *task) block(ctx context.Context, res gates.GateResult, resumeState engine.WorkflowState, gateIndex int) error {
	id, err := t.o.escalations.CreateEscalation(ctx, escalation.Request{
		CorrelationID: t.corrID,
		InstanceID:    t.instanceID,
		Action:        res.Action,
		Reason:        res.Reason,
		Outcome:       res.Outcome,
		Code:          res.Code,
		History:       res.History,
	})
	if err != nil {
		return fmt.Errorf("failed to create escalation: %w", err)
	}

	err = t.record(ctx, engine.EventWorkflowBlocked, engine.ActorSystem, engine.BlockedPayload{
		EscalationID: id,
		Action:       res.Action,
		ResumeState:  resumeState,
		GateIndex:    gateIndex,
		Reason:       res.Reason,
	})
	if err != nil {
		return err
	}

	if err := t.o.escalations.Notify(ctx, id, t.o.cfg.NotifyChannels); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.Warn().Err(err).Str("escalation_id", id).Msg("escalation notification failed")
	}
	return nil
}

// call invokes a collaborator under the per-call timeout. A call that runs
// out of time is a transient failure.
func (t *task) call(ctx context.Context, collaborator, operation string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, t.o.cfg.CallTimeout)
	defer cancel()

	err := telemetry.RecordCollaboratorOperation(callCtx, collaborator, operation, fn)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return engine.NewTransientError(
			fmt.Sprintf("%s %s timed out after %s", collaborator, operation, t.o.cfg.CallTimeout), err,
		).WithCode(engine.ErrCodeTimeout)
	}
	return err
}

func (t *task) loadIssue(ctx context.Context) (*engine.Issue, error) {
	if t.issue != nil {
		return t.issue, nil
	}
	fetcher, ok := t.o.git.(IssueFetcher)
	if !ok {
		t.issue = &engine.Issue{Ref: t.issueRef}
		return t.issue, nil
	}

	var issue *engine.Issue
	err := t.call(ctx, "git", "get-issue", func(ctx context.Context) (err error) {
		issue, err = fetcher.GetIssue(ctx, t.issueRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.issue = issue
	return issue, nil
}

func (t *task) currentPlan() *engine.Plan {
	if t.plan != nil {
		return t.plan
	}
	return &engine.Plan{Text: t.snapshot().Plan}
}

func (t *task) pullRequestText(ctx context.Context, inst *engine.WorkflowInstance) (string, string) {
	title := fmt.Sprintf("Resolve %s", t.issueRef)
	if issue, err := t.loadIssue(ctx); err == nil && issue.Title != "" {
		title = issue.Title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Resolves %s.\n\n", t.issueRef)
	if inst.Plan != "" {
		b.WriteString("## Plan\n\n")
		b.WriteString(inst.Plan)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "All quality gates passed (%s).\n", joinActions(engine.QualityGates))
	fmt.Fprintf(&b, "\n_devloop instance %s_\n", t.instanceID)
	return title, b.String()
}

func (t *task) branchName() string {
	if b := t.snapshot().Branch; b != "" {
		return b
	}
	short := t.instanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return t.o.cfg.BranchPrefix + sanitizeRef(t.issueRef) + "-" + short
}

func sanitizeRef(ref string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, ref)
	return strings.Trim(s, "-.")
}

func planText(plan *engine.Plan) string {
	if plan.Text != "" {
		return plan.Text
	}
	var b strings.Builder
	for i, step := range plan.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return strings.TrimRight(b.String(), "\n")
}

func planComment(plan *engine.Plan) string {
	return "### Proposed plan\n\n" + planText(plan) + "\n\nApprove the plan to start the implementation."
}

func joinActions(actions []engine.ActionType) string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
