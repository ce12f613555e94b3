package stores

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/devloop/devloop/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db          *sql.DB
	cfg         Config
	appendLocks *keyedMutex
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:         cfg,
		appendLocks: newKeyedMutex(),
	}, nil
}

// NewSQLiteStoreWithDB wraps an already opened database handle.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:          db,
		cfg:         Config{Path: "external"},
		appendLocks: newKeyedMutex(),
	}
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Append assigns the next sequence for the event's correlation ID and stores
// it. Appends for one correlation ID are serialized; different correlation
// IDs append concurrently.
func (s *SQLiteStore) Append(ctx context.Context, ev engine.Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, fmt.Errorf("invalid event: %w", err)
	}
	if s.db == nil {
		return 0, fmt.Errorf("%w: database not initialized", engine.ErrEventStoreUnavailable)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}

	unlock := s.appendLocks.Lock(ev.CorrelationID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("failed to begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT sequence FROM events WHERE event_id = ?`, ev.ID).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, classify("failed to check event id", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE correlation_id = ?`,
		ev.CorrelationID,
	).Scan(&seq)
	if err != nil {
		return 0, classify("failed to compute next sequence", err)
	}

	query := `
		INSERT INTO events (event_id, correlation_id, sequence, type, timestamp, actor, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		ev.ID,
		ev.CorrelationID,
		seq,
		string(ev.Type),
		ev.Timestamp.UnixNano(),
		string(ev.Actor),
		string(ev.Payload),
	)
	if err != nil {
		return 0, classify("failed to append event", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		// Another writer stored the same event id first
		_ = tx.Rollback()
		return s.sequenceOf(ctx, ev.ID)
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("failed to commit append", err)
	}

	return seq, nil
}

func (s *SQLiteStore) sequenceOf(ctx context.Context, eventID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT sequence FROM events WHERE event_id = ?`, eventID).Scan(&seq)
	if err != nil {
		return 0, classify("failed to read event sequence", err)
	}
	return seq, nil
}

// Query returns one page of events matching the filter. Results are ordered
// by sequence when a correlation ID is given, otherwise by insertion order.
func (s *SQLiteStore) Query(ctx context.Context, filter engine.EventFilter) (*engine.EventPage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: database not initialized", engine.ErrEventStoreUnavailable)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var where []string
	var args []interface{}
	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.After.IsZero() {
		where = append(where, "timestamp > ?")
		args = append(args, filter.After.UnixNano())
	}
	if !filter.Before.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, filter.Before.UnixNano())
	}
	if filter.FullText != "" {
		where = append(where, "(type LIKE ? ESCAPE '\\' OR payload LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(filter.FullText) + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT event_id, correlation_id, sequence, type, timestamp, actor, payload FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.CorrelationID != "" {
		query += " ORDER BY sequence ASC"
	} else {
		query += " ORDER BY id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit+1, offset)

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &engine.EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		next := offset + limit
		page.NextOffset = &next
	}
	return page, nil
}

// Events returns the events of a correlation ID ordered by sequence, up to
// and including upto. A negative upto returns all events.
func (s *SQLiteStore) Events(ctx context.Context, correlationID string, upto int64) ([]engine.Event, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: database not initialized", engine.ErrEventStoreUnavailable)
	}
	query := `
		SELECT event_id, correlation_id, sequence, type, timestamp, actor, payload
		FROM events
		WHERE correlation_id = ?
		  AND (? < 0 OR sequence <= ?)
		ORDER BY sequence ASC
	`
	return s.queryEvents(ctx, query, correlationID, upto, upto)
}

// Replay folds the events of a correlation ID, up to and including upto,
// into a workflow aggregate.
func (s *SQLiteStore) Replay(ctx context.Context, correlationID string, upto int64) (*engine.WorkflowInstance, error) {
	events, err := s.Events(ctx, correlationID, upto)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events for correlation id %s", engine.ErrNotFound, correlationID)
	}
	return engine.Replay(events)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]engine.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("failed to query events", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var (
			ev      engine.Event
			typ     string
			actor   string
			ts      int64
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.CorrelationID, &ev.Sequence, &typ, &ts, &actor, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = engine.EventType(typ)
		ev.Actor = engine.Actor(actor)
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// SaveInstance upserts the projection of a workflow aggregate. Saving a second
// active instance for the same issue fails with engine.ErrIssueLocked.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *engine.WorkflowInstance) error {
	snapshot, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance snapshot: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (instance_id, issue_ref, correlation_id, state, resume_state,
			gate_index, open_escalation_id, pull_request, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			state = excluded.state,
			resume_state = excluded.resume_state,
			gate_index = excluded.gate_index,
			open_escalation_id = excluded.open_escalation_id,
			pull_request = excluded.pull_request,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.InstanceID,
		inst.IssueRef,
		inst.CorrelationID,
		string(inst.State),
		nullString(string(inst.ResumeState)),
		inst.GateIndex,
		nullString(inst.OpenEscalationID),
		inst.PullRequest,
		string(snapshot),
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: workflow_instances.issue_ref") {
			return fmt.Errorf("%w: %s", engine.ErrIssueLocked, inst.IssueRef)
		}
		return fmt.Errorf("failed to save instance: %w", err)
	}

	return nil
}

// GetInstance retrieves a workflow instance projection by ID
func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID string) (*engine.WorkflowInstance, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM workflow_instances WHERE instance_id = ?`, instanceID,
	).Scan(&snapshot)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: instance %s", engine.ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	inst := &engine.WorkflowInstance{}
	if err := json.Unmarshal([]byte(snapshot), inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance snapshot: %w", err)
	}
	return inst, nil
}

// ListInstances lists workflow instance projections, newest first
func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*engine.WorkflowInstance, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	query := `
		SELECT snapshot
		FROM workflow_instances
		WHERE (? = 0 OR state NOT IN ('Merged', 'Cancelled'))
		  AND (? = '' OR issue_ref = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	active := 0
	if filter.ActiveOnly {
		active = 1
	}

	rows, err := s.db.QueryContext(ctx, query, active, filter.IssueRef, filter.IssueRef, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*engine.WorkflowInstance{}
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst := &engine.WorkflowInstance{}
		if err := json.Unmarshal([]byte(snapshot), inst); err != nil {
			return nil, fmt.Errorf("failed to decode instance snapshot: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// SaveEscalation upserts an escalation record
func (s *SQLiteStore) SaveEscalation(ctx context.Context, rec *engine.EscalationRecord) error {
	history, err := json.Marshal(nonNilAttempts(rec.RetryHistory))
	if err != nil {
		return fmt.Errorf("failed to marshal retry history: %w", err)
	}
	steps, err := json.Marshal(nonNilStrings(rec.SuggestedNextSteps))
	if err != nil {
		return fmt.Errorf("failed to marshal next steps: %w", err)
	}

	var resolvedAt *int64
	if rec.ResolvedAt != nil {
		ns := rec.ResolvedAt.UnixNano()
		resolvedAt = &ns
	}

	query := `
		INSERT INTO escalations (escalation_id, correlation_id, instance_id, action_type, trigger_reason,
			reason_type, retry_history, suggested_next_steps, status, resolution_notes, resolved_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(escalation_id) DO UPDATE SET
			status = excluded.status,
			resolution_notes = excluded.resolution_notes,
			resolved_at = excluded.resolved_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.EscalationID,
		rec.CorrelationID,
		rec.InstanceID,
		string(rec.Action),
		rec.TriggerReason,
		rec.ReasonType,
		string(history),
		string(steps),
		string(rec.Status),
		nullString(rec.ResolutionNotes),
		resolvedAt,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}

	return nil
}

const escalationColumns = `escalation_id, correlation_id, instance_id, action_type, trigger_reason,
	reason_type, retry_history, suggested_next_steps, status, resolution_notes, resolved_at,
	created_at, updated_at`

// GetEscalation retrieves an escalation record by ID
func (s *SQLiteStore) GetEscalation(ctx context.Context, escalationID string) (*engine.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE escalation_id = ?`, escalationID)

	rec, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: escalation %s", engine.ErrNotFound, escalationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	return rec, nil
}

// ListEscalations lists escalation records with optional filters, oldest first
func (s *SQLiteStore) ListEscalations(ctx context.Context, filter EscalationFilter) ([]*engine.EscalationRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	openOnly := 0
	if filter.OpenOnly {
		openOnly = 1
	}

	query := `
		SELECT ` + escalationColumns + `
		FROM escalations
		WHERE (? = '' OR instance_id = ?)
		  AND (? = '' OR status = ?)
		  AND (? = 0 OR status != 'Resolved')
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.InstanceID, filter.InstanceID,
		string(filter.Status), string(filter.Status),
		openOnly,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	records := []*engine.EscalationRecord{}
	for rows.Next() {
		rec, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscalation(row rowScanner) (*engine.EscalationRecord, error) {
	var (
		rec        engine.EscalationRecord
		action     string
		status     string
		history    string
		steps      string
		notes      sql.NullString
		resolvedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&rec.EscalationID,
		&rec.CorrelationID,
		&rec.InstanceID,
		&action,
		&rec.TriggerReason,
		&rec.ReasonType,
		&history,
		&steps,
		&status,
		&notes,
		&resolvedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Action = engine.ActionType(action)
	rec.Status = engine.EscalationStatus(status)
	rec.ResolutionNotes = notes.String
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64).UTC()
		rec.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(history), &rec.RetryHistory); err != nil {
		return nil, fmt.Errorf("failed to decode retry history: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &rec.SuggestedNextSteps); err != nil {
		return nil, fmt.Errorf("failed to decode next steps: %w", err)
	}
	return &rec, nil
}

// RecordAudit appends an operator action to the audit table and sets
// entry.ID.
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Action, entry.Actor,
		nullString(entry.TargetID), nullString(entry.Details), nullString(entry.IPAddress),
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return classify("record audit entry", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("audit entry id: %w", err)
	}
	return nil
}

// ListAudit returns audit entries newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}

	q := "SELECT id, action, actor, target_id, details, ip_address, timestamp FROM audit"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list audit entries", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                          AuditEntry
			target, details, ipAddress sql.NullString
			ts                         int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &target, &details, &ipAddress, &ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.TargetID, e.Details, e.IPAddress = target.String, details.String, ipAddress.String
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("health check failed", err)
	}
	return nil
}

// unavailable marks err as an event store outage.
func unavailable(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, engine.ErrEventStoreUnavailable, err)
}

// classify wraps err, marking connection-level failures as an outage.
func classify(msg string, err error) error {
	if isConnectionError(err) {
		return unavailable(msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"database is closed",
		"database is locked",
		"unable to open database",
		"disk i/o error",
		"connection refused",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilAttempts(a []engine.RetryAttempt) []engine.RetryAttempt {
	if a == nil {
		return []engine.RetryAttempt{}
	}
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
