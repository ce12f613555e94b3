// Package config loads the devloop platform configuration.
//
// # Sources
//
// Configuration precedence (highest to lowest):
//  1. DEVLOOP_* environment variables
//  2. The YAML file passed to Load
//  3. Defaults from Default
//
// # Sections
//
//	store:         SQLite database and event spool
//	orchestrator:  concurrency, timeouts, approvals, branch naming
//	retry:         quality gate retry policy
//	escalation:    notification rate limit, delivery retries, channels
//	gates:         build/test commands, CI polling, analyzers, policies
//	agent:         external coding agent command and session pool
//	github:        token, API endpoint, merge method
//	http:          API listen address and bearer token
//	telemetry:     logging, tracing and metrics
//
// # Validation
//
// Load validates struct tags with go-playground/validator, each section's own
// invariants and finally the built-in CUE schema held by SchemaRegistry. The
// registry also carries the schema for analyzer manifests.
//
// # Usage Example
//
//	cfg, err := config.Load("devloop.yaml", "/var/lib/devloop")
//	if err != nil {
//	    log.Fatal().Err(err).Msg("invalid configuration")
//	}
//	store, err := stores.NewSQLiteStore(cfg.Store.SQLite())
package config
