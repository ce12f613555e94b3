// Package escalation hands failed actions to humans.
//
// A Manager creates one escalation record per (instance, action) failure,
// notifies operators through the registered channels, and tracks the record
// through Triggered, Notified, AwaitingResolution and Resolved. Every
// transition is appended to the event store before the record projection is
// saved.
//
// Notifications are rate limited per reason type. Alerts over the limit are
// recorded as suppressed and delivered later in a digest, so no escalation is
// silently dropped.
package escalation
