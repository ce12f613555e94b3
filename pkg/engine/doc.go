// Package engine provides the core types of the devloop workflow engine.
//
// # Overview
//
// devloop drives a tracker issue through an autonomous development loop:
//
//	Selected -> Analyzing -> AwaitingPlanApproval -> Implementing ->
//	QualityGates -> AwaitingMergeApproval -> Merged
//
// with Blocked reachable while an escalation is open and Cancelled reachable
// from any non-terminal state. NextState is the pure transition function of
// that machine.
//
// # Event Sourcing
//
// Every state change is recorded as an immutable Event. A WorkflowInstance is
// evolved exclusively through WorkflowInstance.Apply, so Replay over the log of
// a correlation ID reconstructs exactly the state the orchestrator held live.
//
// # Retries
//
// RetryPolicy is an immutable value describing bounded, backed-off retries.
// Failures are classified by ErrorClass:
//
//   - transient: retried up to RetryPolicy.MaxAttempts
//   - structural: escalated immediately, never retried
//   - critical: escalated immediately and blocks the merge path
//
// # Collaborators
//
// AIProvider, GitPlatform and NotificationChannel abstract the external
// systems; EventAppender and EventReader abstract the event store.
package engine
