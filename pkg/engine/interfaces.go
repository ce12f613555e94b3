package engine

import (
	"context"
)

// EventAppender is the single mutation primitive of the event store.
type EventAppender interface {
	// Append assigns the next sequence number for ev.CorrelationID and stores
	// the event. Appending an event whose ID is already stored returns the
	// original sequence. Returns SequenceBuffered when the event was accepted
	// into a local buffer instead of the store.
	Append(ctx context.Context, ev Event) (int64, error)
}

// EventReader is the read side of the event store.
type EventReader interface {
	// Query returns one page of events matching filter.
	Query(ctx context.Context, filter EventFilter) (*EventPage, error)

	// Events returns the events of a correlation ID ordered by sequence, up to
	// and including upto. A negative upto returns all events.
	Events(ctx context.Context, correlationID string, upto int64) ([]Event, error)
}

// EventStore combines both sides of the event store.
type EventStore interface {
	EventAppender
	EventReader
}

// AIProvider is the external collaborator that analyzes issues and writes code.
type AIProvider interface {
	Analyze(ctx context.Context, issue Issue) (*Analysis, error)
	GeneratePlan(ctx context.Context, issue Issue, analysis *Analysis) (*Plan, error)
	GenerateCode(ctx context.Context, issue Issue, plan *Plan) (*CodeChanges, error)
}

// GitPlatform is the external collaborator hosting the repository.
type GitPlatform interface {
	CreateBranch(ctx context.Context, issueRef, branch string) error
	PushCommit(ctx context.Context, issueRef, branch string, changes *CodeChanges) (string, error)
	CreatePR(ctx context.Context, issueRef, branch, title, body string) (*PullRequest, error)
	TriggerCI(ctx context.Context, issueRef, ref string) error
	GetCIStatus(ctx context.Context, issueRef, ref string) (*CIStatus, error)
	PostComment(ctx context.Context, issueRef, body string) error
	MergePR(ctx context.Context, issueRef string, number int) (string, error)
}

// NotificationChannel delivers escalation alerts to humans.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert Alert) (*DeliveryResult, error)
}
