// Package workflow drives issues from selection to merge.
//
// Each workflow instance is owned by one goroutine that walks the state
// machine defined in the engine package:
//
//	Selected -> Analyzing -> AwaitingPlanApproval -> Implementing ->
//	QualityGates -> AwaitingMergeApproval -> Merged
//
// Any non-terminal state can move to Blocked while an escalation is open, and
// to Cancelled on operator request. Every state change is an event appended
// through the Journal; the live aggregate is folded from the same events that
// Replay reads back, so a restarted orchestrator rebuilds identical state with
// Recover.
//
// Collaborator calls (AI provider, git platform) and quality gates run
// through the gate executor, so every action shares the same retry and
// escalation rules. Approvals reach the instance as control messages on its
// mailbox.
//
// Usage:
//
//	journal := workflow.NewJournal(store, metrics)
//	orch, err := workflow.New(workflow.DefaultConfig(), workflow.Dependencies{
//		Journal:     journal,
//		Store:       store,
//		Executor:    executor,
//		Escalations: escalations,
//		AI:          ai,
//		Git:         git,
//		Gates:       gateInvokers,
//	})
//	inst, err := orch.StartWorkflow(ctx, "acme/api#42")
package workflow
