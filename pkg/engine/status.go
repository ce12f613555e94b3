package engine

import (
	"fmt"
)

// WorkflowState represents the lifecycle state of a workflow instance.
type WorkflowState string

const (
	// StateSelected indicates the issue was picked up and the per-issue lock is held.
	StateSelected WorkflowState = "Selected"

	// StateAnalyzing indicates the AI provider is analyzing the issue and drafting a plan.
	StateAnalyzing WorkflowState = "Analyzing"

	// StateAwaitingPlanApproval indicates the plan is waiting for a human decision.
	StateAwaitingPlanApproval WorkflowState = "AwaitingPlanApproval"

	// StateImplementing indicates code changes are being produced and pushed.
	StateImplementing WorkflowState = "Implementing"

	// StateQualityGates indicates the quality gates are running.
	StateQualityGates WorkflowState = "QualityGates"

	// StateAwaitingMergeApproval indicates the pull request is waiting for merge approval.
	StateAwaitingMergeApproval WorkflowState = "AwaitingMergeApproval"

	// StateMerged indicates the change was merged. Terminal.
	StateMerged WorkflowState = "Merged"

	// StateBlocked indicates an escalation is open and progress is suspended.
	StateBlocked WorkflowState = "Blocked"

	// StateCancelled indicates the workflow was cancelled by an operator. Terminal.
	StateCancelled WorkflowState = "Cancelled"
)

// IsTerminal returns true if the state is final.
func (s WorkflowState) IsTerminal() bool {
	return s == StateMerged || s == StateCancelled
}

// IsActive returns true if the instance still holds its issue lock.
func (s WorkflowState) IsActive() bool {
	return s != "" && !s.IsTerminal()
}

// Validate checks if the workflow state is valid.
func (s WorkflowState) Validate() error {
	switch s {
	case StateSelected, StateAnalyzing, StateAwaitingPlanApproval, StateImplementing,
		StateQualityGates, StateAwaitingMergeApproval, StateMerged, StateBlocked, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid workflow state: %s", s)
	}
}

// Trigger is an input to the workflow state machine.
type Trigger string

const (
	TriggerStartAnalysis Trigger = "start-analysis"
	TriggerPlanReady     Trigger = "plan-ready"
	TriggerPlanApproved  Trigger = "plan-approved"
	TriggerImplemented   Trigger = "implemented"
	TriggerGatesPassed   Trigger = "gates-passed"
	TriggerMerged        Trigger = "merged"
	TriggerBlock         Trigger = "block"
	TriggerResume        Trigger = "resume"
	TriggerCancel        Trigger = "cancel"
)

var forwardTransitions = map[WorkflowState]map[Trigger]WorkflowState{
	StateSelected:              {TriggerStartAnalysis: StateAnalyzing},
	StateAnalyzing:             {TriggerPlanReady: StateAwaitingPlanApproval},
	StateAwaitingPlanApproval:  {TriggerPlanApproved: StateImplementing},
	StateImplementing:          {TriggerImplemented: StateQualityGates},
	StateQualityGates:          {TriggerGatesPassed: StateAwaitingMergeApproval},
	StateAwaitingMergeApproval: {TriggerMerged: StateMerged},
}

// NextState is the pure transition function of the workflow state machine.
// resumeTo is only consulted for TriggerResume and names the state that was
// interrupted when the instance became blocked.
func NextState(from WorkflowState, trigger Trigger, resumeTo WorkflowState) (WorkflowState, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}

	switch trigger {
	case TriggerCancel:
		return StateCancelled, nil
	case TriggerBlock:
		if from == StateBlocked {
			return from, fmt.Errorf("%w: already blocked", ErrInvalidTransition)
		}
		return StateBlocked, nil
	case TriggerResume:
		if from != StateBlocked {
			return from, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, from)
		}
		if !resumeTo.IsActive() || resumeTo == StateBlocked {
			return from, fmt.Errorf("%w: cannot resume to %q", ErrInvalidTransition, resumeTo)
		}
		return resumeTo, nil
	}

	if to, ok := forwardTransitions[from][trigger]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trigger, from)
}

// ActionType names a retryable unit of work executed through the quality gate executor.
type ActionType string

const (
	ActionAnalyze        ActionType = "analyze"
	ActionImplement      ActionType = "implement"
	ActionBuild          ActionType = "build"
	ActionTest           ActionType = "test"
	ActionStaticAnalysis ActionType = "static-analysis"
	ActionSecurityScan   ActionType = "security-scan"
	ActionCreatePR       ActionType = "create-pr"
	ActionMerge          ActionType = "merge"
)

// QualityGates is the fixed order in which gates run.
var QualityGates = []ActionType{
	ActionBuild,
	ActionTest,
	ActionStaticAnalysis,
	ActionSecurityScan,
}

// GateIndex returns the position of a in QualityGates, or -1.
func GateIndex(a ActionType) int {
	for i, g := range QualityGates {
		if g == a {
			return i
		}
	}
	return -1
}

// IsGate returns true if the action is one of the quality gates.
func (a ActionType) IsGate() bool {
	return GateIndex(a) >= 0
}

// Validate checks if the action type is valid.
func (a ActionType) Validate() error {
	if _, ok := actionEventPrefix[a]; ok {
		return nil
	}
	return fmt.Errorf("invalid action type: %s", a)
}

var actionEventPrefix = map[ActionType]string{
	ActionAnalyze:        "Analyze",
	ActionImplement:      "Implement",
	ActionBuild:          "Build",
	ActionTest:           "Test",
	ActionStaticAnalysis: "StaticAnalysis",
	ActionSecurityScan:   "SecurityScan",
	ActionCreatePR:       "CreatePR",
	ActionMerge:          "Merge",
}

// CompletedEvent returns the event type recorded when the action succeeds (e.g. BuildCompleted).
func (a ActionType) CompletedEvent() EventType {
	return EventType(actionEventPrefix[a] + "Completed")
}

// RetryEvent returns the event type recorded before re-invoking the action (e.g. BuildRetry).
func (a ActionType) RetryEvent() EventType {
	return EventType(actionEventPrefix[a] + "Retry")
}

// ActionForEvent maps a per-action event type back to its action.
func ActionForEvent(t EventType) (ActionType, bool, bool) {
	for a := range actionEventPrefix {
		if t == a.CompletedEvent() {
			return a, true, true
		}
		if t == a.RetryEvent() {
			return a, false, true
		}
	}
	return "", false, false
}

// Outcome is the classified result of a single action attempt.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeTransientFailure  Outcome = "transient-failure"
	OutcomeStructuralFailure Outcome = "structural-failure"
	OutcomeCriticalFailure   Outcome = "critical-failure"
)

// IsFailure returns true for any failure outcome.
func (o Outcome) IsFailure() bool {
	return o != OutcomeSuccess
}

// OutcomeForClass maps an error class to the matching failure outcome.
func OutcomeForClass(c ErrorClass) Outcome {
	switch c {
	case ErrorClassStructural:
		return OutcomeStructuralFailure
	case ErrorClassCritical:
		return OutcomeCriticalFailure
	default:
		return OutcomeTransientFailure
	}
}

// EscalationStatus represents the lifecycle of an escalation record.
type EscalationStatus string

const (
	EscalationTriggered          EscalationStatus = "Triggered"
	EscalationNotified           EscalationStatus = "Notified"
	EscalationAwaitingResolution EscalationStatus = "AwaitingResolution"
	EscalationResolved           EscalationStatus = "Resolved"
)

// IsOpen returns true until the escalation is resolved.
func (s EscalationStatus) IsOpen() bool {
	return s != EscalationResolved
}

// CanTransitionTo reports whether s -> next is a valid escalation transition.
func (s EscalationStatus) CanTransitionTo(next EscalationStatus) bool {
	switch s {
	case EscalationTriggered:
		return next == EscalationNotified
	case EscalationNotified:
		return next == EscalationAwaitingResolution
	case EscalationAwaitingResolution:
		return next == EscalationResolved
	default:
		return false
	}
}

// Actor identifies who caused an event.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorHuman  Actor = "human"
	ActorAI     Actor = "ai"
)

// Validate checks if the actor is valid.
func (a Actor) Validate() error {
	switch a {
	case ActorSystem, ActorHuman, ActorAI:
		return nil
	default:
		return fmt.Errorf("invalid actor: %s", a)
	}
}
