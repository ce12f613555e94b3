// Package stores provides the persistence layer for devloop.
// It includes an SQLite-based append-only event store with WAL mode,
// per-correlation sequence assignment and idempotent appends, projections
// for workflow instances and escalations, an audit log, and a buffered
// appender that spools events to disk while the database is unreachable.
package stores
