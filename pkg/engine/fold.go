package engine

import (
	"fmt"
)

// Apply evolves the aggregate by one event. It is the only way instance state
// changes, both live and during replay. Events that do not concern the
// aggregate (escalation bookkeeping, notifications) are accepted and ignored.
func (w *WorkflowInstance) Apply(ev Event) error {
	if ev.Type == EventIssueSelected {
		if w.State != "" {
			return fmt.Errorf("%w: instance %s already selected", ErrInvalidTransition, w.InstanceID)
		}
		var p IssueSelectedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		w.InstanceID = p.InstanceID
		w.IssueRef = p.IssueRef
		w.CorrelationID = ev.CorrelationID
		w.State = StateSelected
		w.CreatedAt = ev.Timestamp
		w.UpdatedAt = ev.Timestamp
		w.RetryCounters = make(map[ActionType]int)
		w.LastSequence = ev.Sequence
		return nil
	}

	if w.State == "" {
		return fmt.Errorf("%w: %s before %s", ErrInvalidTransition, ev.Type, EventIssueSelected)
	}

	handled, err := w.apply(ev)
	if err != nil {
		return fmt.Errorf("apply %s (seq %d): %w", ev.Type, ev.Sequence, err)
	}
	if handled {
		w.UpdatedAt = ev.Timestamp
	}
	if ev.Sequence > w.LastSequence {
		w.LastSequence = ev.Sequence
	}
	return nil
}

func (w *WorkflowInstance) apply(ev Event) (bool, error) {
	switch ev.Type {
	case EventAnalysisStarted:
		return true, w.transition(TriggerStartAnalysis)

	case EventAnalysisCompleted:
		var p AnalysisCompletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		w.Plan = p.Plan
		return true, w.transition(TriggerPlanReady)

	case EventPlanApproved:
		return true, w.transition(TriggerPlanApproved)

	case EventImplementationCompleted:
		var p ImplementationCompletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		w.Branch = p.Branch
		w.CommitSHA = p.CommitSHA
		w.GateIndex = 0
		return true, w.transition(TriggerImplemented)

	case EventQualityGatesPassed:
		return true, w.transition(TriggerGatesPassed)

	case EventPullRequestCreated:
		var p PullRequestPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		w.PullRequest = p.Number
		return true, nil

	case EventMergeApproved:
		w.MergeApproved = true
		return true, nil

	case EventMerged:
		var p MergedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		w.MergeSHA = p.SHA
		return true, w.transition(TriggerMerged)

	case EventWorkflowBlocked:
		var p BlockedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		if err := w.transition(TriggerBlock); err != nil {
			return false, err
		}
		w.ResumeState = p.ResumeState
		w.GateIndex = p.GateIndex
		w.OpenEscalationID = p.EscalationID
		return true, nil

	case EventWorkflowResumed:
		var p ResumedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		next, err := NextState(w.State, TriggerResume, p.ResumeState)
		if err != nil {
			return false, err
		}
		w.State = next
		w.GateIndex = p.GateIndex
		w.ResumeState = ""
		w.OpenEscalationID = ""
		delete(w.RetryCounters, p.Action)
		return true, nil

	case EventCancelled:
		return true, w.transition(TriggerCancel)

	case EventEscalationRequired:
		var p EscalationRequiredPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		// attempt 0 marks a non-retryable failure; the counter keeps the
		// value of the last retry.
		if p.Attempt > 0 {
			w.RetryCounters[p.Action] = p.Attempt
		}
		return true, nil
	}

	if action, completed, ok := ActionForEvent(ev.Type); ok {
		var p AttemptPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		if completed {
			w.RetryCounters[action] = 0
			if idx := GateIndex(action); idx >= 0 {
				w.GateIndex = idx + 1
			}
		} else {
			w.RetryCounters[action] = p.Attempt
		}
		return true, nil
	}

	return false, nil
}

func (w *WorkflowInstance) transition(t Trigger) error {
	next, err := NextState(w.State, t, "")
	if err != nil {
		return err
	}
	w.State = next
	return nil
}

// Replay folds events, which must belong to one correlation ID and be ordered
// by sequence, into a fresh aggregate.
func Replay(events []Event) (*WorkflowInstance, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events to replay", ErrNotFound)
	}
	w := &WorkflowInstance{}
	prev := int64(-1)
	for _, ev := range events {
		if ev.CorrelationID != events[0].CorrelationID {
			return nil, fmt.Errorf("replay mixes correlation ids %s and %s", events[0].CorrelationID, ev.CorrelationID)
		}
		if ev.Sequence != prev+1 {
			return nil, fmt.Errorf("sequence gap in %s: expected %d, got %d", ev.CorrelationID, prev+1, ev.Sequence)
		}
		prev = ev.Sequence
		if err := w.Apply(ev); err != nil {
			return nil, err
		}
	}
	return w, nil
}
