package stores

import (
	"context"
	"time"

	"github.com/devloop/devloop/pkg/engine"
)

// AuditEntry is one Control API call: who did what to which instance or
// escalation, from where.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  string    `json:"target_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter selects audit entries. Empty fields match everything.
type AuditFilter struct {
	Action   string
	Actor    string
	TargetID string
	Limit    int
	Offset   int
}

// InstanceFilter selects workflow instance projections
type InstanceFilter struct {
	ActiveOnly bool
	IssueRef   string
	Limit      int
	Offset     int
}

// EscalationFilter selects escalation records
type EscalationFilter struct {
	InstanceID string
	Status     engine.EscalationStatus
	OpenOnly   bool
	Limit      int
	Offset     int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.EventStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Replay folds the events of a correlation ID into a workflow aggregate.
	Replay(ctx context.Context, correlationID string, upto int64) (*engine.WorkflowInstance, error)

	// Workflow instance projection
	SaveInstance(ctx context.Context, inst *engine.WorkflowInstance) error
	GetInstance(ctx context.Context, instanceID string) (*engine.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*engine.WorkflowInstance, error)

	// Escalation records
	SaveEscalation(ctx context.Context, rec *engine.EscalationRecord) error
	GetEscalation(ctx context.Context, escalationID string) (*engine.EscalationRecord, error)
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]*engine.EscalationRecord, error)

	// Audit operations
	RecordAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// OperatorAlerter delivers an alert straight to operators, bypassing the
// workflow escalation path.
type OperatorAlerter interface {
	OperatorAlert(ctx context.Context, alert engine.Alert) error
}
