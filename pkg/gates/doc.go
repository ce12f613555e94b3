// Package gates implements the quality gate executor.
//
// An Executor runs one action (build, test, static-analysis, security-scan,
// or any collaborator call the orchestrator routes through it) under an
// immutable engine.RetryPolicy. Every attempt is classified as success,
// transient, structural or critical and recorded as an event:
//
//   - success resets the action's counter and records <Action>Completed
//   - structural and critical failures record EscalationRequired immediately
//   - transient failures back off and record <Action>Retry until the budget
//     is spent, then record EscalationRequired
//
// Classification is a chain. A classified engine.EngineError from the invoker
// wins, then an optional Starlark classifier script, then OPA gate policies
// over analyzer findings, then the exit status, then failure patterns.
//
// Static analysis and security gates run a set of analyzer variants chosen by
// probing the workspace for marker files and binaries on PATH. Extra variants
// can be declared in YAML manifests.
package gates
