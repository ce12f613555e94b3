package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SequenceBuffered is returned by an appender that accepted an event into its
// local buffer instead of the backing store.
const SequenceBuffered int64 = -1

// EventType names an immutable fact recorded in the event store.
type EventType string

// Workflow-level event types. Per-action events (BuildRetry, TestCompleted, ...)
// are derived from ActionType.
const (
	EventIssueSelected           EventType = "IssueSelected"
	EventAnalysisStarted         EventType = "AnalysisStarted"
	EventAnalysisCompleted       EventType = "AnalysisCompleted"
	EventPlanApproved            EventType = "PlanApproved"
	EventImplementationCompleted EventType = "ImplementationCompleted"
	EventQualityGatesStarted     EventType = "QualityGatesStarted"
	EventQualityGatesPassed      EventType = "QualityGatesPassed"
	EventPullRequestCreated      EventType = "PullRequestCreated"
	EventMergeApproved           EventType = "MergeApproved"
	EventMerged                  EventType = "Merged"
	EventWorkflowBlocked         EventType = "WorkflowBlocked"
	EventWorkflowResumed         EventType = "WorkflowResumed"
	EventCancelled               EventType = "WorkflowCancelled"

	EventEscalationRequired   EventType = "EscalationRequired"
	EventEscalationCreated    EventType = "EscalationCreated"
	EventEscalationNotified   EventType = "EscalationNotified"
	EventEscalationSuppressed EventType = "EscalationSuppressed"
	EventEscalationAwaiting   EventType = "EscalationAwaitingResolution"
	EventEscalationResolved   EventType = "EscalationResolved"
	EventEscalationTimedOut   EventType = "EscalationTimedOut"
	EventNotificationFailed   EventType = "NotificationFailed"
)

// Event is an immutable fact about a workflow instance.
type Event struct {
	// ID is globally unique; appending the same ID twice is a no-op.
	ID string `json:"eventId"`

	// CorrelationID groups all events of one workflow instance.
	CorrelationID string `json:"correlationId"`

	// Sequence is assigned by the store, starting at 0 per correlation ID.
	Sequence int64 `json:"sequence"`

	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     Actor           `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent builds an event with a fresh ID and a JSON-encoded payload.
func NewEvent(correlationID string, typ EventType, actor Actor, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	if payload == nil {
		raw = json.RawMessage(`{}`)
	}
	return Event{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		Type:          typ,
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		Payload:       raw,
	}, nil
}

// Validate checks the fields every stored event must carry.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("correlation id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if err := e.Actor.Validate(); err != nil {
		return err
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("event payload is not valid JSON")
	}
	return nil
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EventFilter selects events from the store. Zero values match everything.
type EventFilter struct {
	CorrelationID string    `json:"correlationId,omitempty"`
	Type          EventType `json:"type,omitempty"`
	After         time.Time `json:"after,omitempty"`
	Before        time.Time `json:"before,omitempty"`
	FullText      string    `json:"q,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Offset        int       `json:"offset,omitempty"`
}

// EventPage is one page of a query result.
type EventPage struct {
	Events []Event `json:"events"`

	// NextOffset is set when more events match the filter.
	NextOffset *int `json:"nextOffset,omitempty"`
}

// IssueSelectedPayload starts a workflow.
type IssueSelectedPayload struct {
	InstanceID string `json:"instanceId"`
	IssueRef   string `json:"issueRef"`
}

// AnalysisCompletedPayload carries the AI analysis and generated plan.
type AnalysisCompletedPayload struct {
	Summary string `json:"summary"`
	Plan    string `json:"plan"`
}

// ApprovalPayload records a human approval.
type ApprovalPayload struct {
	ApprovedBy string `json:"approvedBy,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// ImplementationCompletedPayload records the pushed change.
type ImplementationCompletedPayload struct {
	Branch    string `json:"branch"`
	CommitSHA string `json:"commitSha"`
	Files     int    `json:"files"`
}

// QualityGatesStartedPayload records the gate the sequence starts or resumes at.
type QualityGatesStartedPayload struct {
	GateIndex int          `json:"gateIndex"`
	Gates     []ActionType `json:"gates"`
}

// AttemptPayload is recorded for each attempt of an action.
type AttemptPayload struct {
	Action      ActionType `json:"action"`
	Attempt     int        `json:"attempt"`
	Outcome     Outcome    `json:"outcome"`
	Status      string     `json:"status,omitempty"`
	RetriesUsed int        `json:"retriesUsed,omitempty"`
	BackoffMs   int64      `json:"backoffMs,omitempty"`
	DurationMs  int64      `json:"durationMs"`
	Diagnostic  string     `json:"diagnostic,omitempty"`
}

// EscalationRequiredPayload is recorded when an action cannot proceed autonomously.
type EscalationRequiredPayload struct {
	Action     ActionType     `json:"action"`
	Attempt    int            `json:"attempt"`
	Outcome    Outcome        `json:"outcome"`
	Reason     string         `json:"reason"`
	Diagnostic string         `json:"diagnostic,omitempty"`
	History    []RetryAttempt `json:"retryHistory"`
}

// EscalationEventPayload is recorded by the escalation manager on each transition.
type EscalationEventPayload struct {
	EscalationID       string           `json:"escalationId"`
	InstanceID         string           `json:"instanceId"`
	Action             ActionType       `json:"action"`
	Status             EscalationStatus `json:"status"`
	Reason             string           `json:"reason,omitempty"`
	ReasonType         string           `json:"reasonType,omitempty"`
	RetryHistory       []RetryAttempt   `json:"retryHistory"`
	SuggestedNextSteps []string         `json:"suggestedNextSteps,omitempty"`
	Channels           []string         `json:"channels,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	Error              string           `json:"error,omitempty"`
}

// BlockedPayload records where a blocked instance will resume.
type BlockedPayload struct {
	EscalationID string        `json:"escalationId"`
	Action       ActionType    `json:"action"`
	ResumeState  WorkflowState `json:"resumeState"`
	GateIndex    int           `json:"gateIndex"`
	Reason       string        `json:"reason,omitempty"`
}

// ResumedPayload records the resolution that unblocked an instance.
type ResumedPayload struct {
	EscalationID string        `json:"escalationId"`
	Action       ActionType    `json:"action"`
	ResumeState  WorkflowState `json:"resumeState"`
	GateIndex    int           `json:"gateIndex"`
	Notes        string        `json:"notes,omitempty"`
}

// PullRequestPayload records the pull request opened for the change.
type PullRequestPayload struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
}

// MergedPayload records the merge commit.
type MergedPayload struct {
	Number int    `json:"number"`
	SHA    string `json:"sha,omitempty"`
}

// CancelledPayload records why a workflow was cancelled.
type CancelledPayload struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// WorkflowInstance is the aggregate for one issue's lifecycle. It is evolved
// only by applying events, so replaying the log reproduces it exactly.
type WorkflowInstance struct {
	InstanceID    string        `json:"instanceId"`
	IssueRef      string        `json:"issueRef"`
	CorrelationID string        `json:"correlationId"`
	State         WorkflowState `json:"currentState"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`

	// ResumeState is the state to return to once the open escalation resolves.
	ResumeState WorkflowState `json:"resumeState,omitempty"`

	// GateIndex is the next quality gate to run.
	GateIndex int `json:"gateIndex"`

	OpenEscalationID string             `json:"openEscalationId,omitempty"`
	RetryCounters    map[ActionType]int `json:"retryCounters,omitempty"`
	Plan             string             `json:"plan,omitempty"`
	Branch           string             `json:"branch,omitempty"`
	CommitSHA        string             `json:"commitSha,omitempty"`
	PullRequest      int                `json:"pullRequest,omitempty"`
	MergeApproved    bool               `json:"mergeApproved,omitempty"`
	MergeSHA         string             `json:"mergeSha,omitempty"`

	// LastSequence is the highest stored sequence applied to the aggregate.
	LastSequence int64 `json:"lastSequence"`
}

// RetryCounter returns the current counter for an action.
func (w *WorkflowInstance) RetryCounter(action ActionType) int {
	if w.RetryCounters == nil {
		return 0
	}
	return w.RetryCounters[action]
}

// Clone returns a deep copy safe to hand to other goroutines.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	c := *w
	if w.RetryCounters != nil {
		c.RetryCounters = make(map[ActionType]int, len(w.RetryCounters))
		for k, v := range w.RetryCounters {
			c.RetryCounters[k] = v
		}
	}
	return &c
}

// RetryAttempt is one entry in an escalation's retry history.
type RetryAttempt struct {
	Attempt    int       `json:"attempt"`
	Outcome    Outcome   `json:"outcome"`
	Summary    string    `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// EscalationRecord is the hand-off of a failed action to a human.
type EscalationRecord struct {
	EscalationID       string           `json:"escalationId"`
	CorrelationID      string           `json:"correlationId"`
	InstanceID         string           `json:"instanceId"`
	Action             ActionType       `json:"actionType"`
	TriggerReason      string           `json:"triggerReason"`
	ReasonType         string           `json:"reasonType"`
	RetryHistory       []RetryAttempt   `json:"retryHistory"`
	SuggestedNextSteps []string         `json:"suggestedNextSteps"`
	Status             EscalationStatus `json:"status"`
	ResolutionNotes    string           `json:"resolutionNotes,omitempty"`
	ResolvedAt         *time.Time       `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// Summary renders the human-readable text delivered to notification channels.
func (r *EscalationRecord) Summary() string {
	s := fmt.Sprintf("Escalation %s for %s (instance %s)\nReason: %s\n",
		r.EscalationID, r.Action, r.InstanceID, r.TriggerReason)
	if len(r.RetryHistory) == 0 {
		s += "Retry history: none (not retryable)\n"
	} else {
		s += "Retry history:\n"
		for _, a := range r.RetryHistory {
			s += fmt.Sprintf("  #%d %s at %s: %s\n",
				a.Attempt, a.Outcome, a.Timestamp.Format(time.RFC3339), a.Summary)
		}
	}
	if len(r.SuggestedNextSteps) > 0 {
		s += "Suggested next steps:\n"
		for _, step := range r.SuggestedNextSteps {
			s += "  - " + step + "\n"
		}
	}
	return s
}

// Alert is the message handed to a notification channel.
type Alert struct {
	EscalationID string    `json:"escalationId,omitempty"`
	InstanceID   string    `json:"instanceId,omitempty"`
	ReasonType   string    `json:"reasonType"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`

	// Digest is true when the alert batches previously suppressed alerts.
	Digest bool `json:"digest,omitempty"`
}

// DeliveryResult is a channel's confirmation of an alert.
type DeliveryResult struct {
	Channel   string    `json:"channel"`
	Delivered bool      `json:"delivered"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Issue is the tracker issue a workflow works on.
type Issue struct {
	Ref   string `json:"ref"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// Analysis is the AI provider's understanding of an issue.
type Analysis struct {
	Summary string   `json:"summary"`
	Files   []string `json:"files,omitempty"`
}

// Plan is the proposed implementation awaiting approval.
type Plan struct {
	Steps []string `json:"steps"`
	Text  string   `json:"text"`
}

// FileChange is one file written by the AI provider.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// CodeChanges is the AI provider's implementation of a plan.
type CodeChanges struct {
	Message string       `json:"message"`
	Files   []FileChange `json:"files"`
}

// PullRequest identifies a pull request on the git platform.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
	Head   string `json:"head,omitempty"`
}

// CIState is the aggregate state of a CI run.
type CIState string

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
	CIError   CIState = "error"
)

// CIStatus reports the state of a CI run for a ref.
type CIStatus struct {
	State   CIState `json:"state"`
	URL     string  `json:"url,omitempty"`
	Details string  `json:"details,omitempty"`
}
