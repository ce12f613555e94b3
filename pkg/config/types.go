package config

import (
	"path/filepath"
	"time"

	"github.com/devloop/devloop/pkg/agent"
	"github.com/devloop/devloop/pkg/api"
	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/escalation"
	"github.com/devloop/devloop/pkg/gates"
	"github.com/devloop/devloop/pkg/platform/github"
	"github.com/devloop/devloop/pkg/stores"
	"github.com/devloop/devloop/pkg/telemetry"
	"github.com/devloop/devloop/pkg/workflow"
)

// Config is the complete platform configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Orchestrator workflow.Config    `yaml:"orchestrator"`
	Retry        engine.RetryPolicy `yaml:"retry"`
	Escalation   EscalationConfig   `yaml:"escalation"`
	Gates        GatesConfig        `yaml:"gates"`
	Agent        agent.Config       `yaml:"agent"`
	GitHub       github.Config      `yaml:"github"`
	HTTP         api.Config         `yaml:"http"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// StoreConfig configures the event store and its spool.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`

	// SpoolPath holds events appended while the database is unavailable.
	SpoolPath string `yaml:"spool_path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// FlushBackoff is the first delay between spool flush attempts; it
	// doubles up to FlushMaxBackoff.
	FlushBackoff    time.Duration `yaml:"flush_backoff"`
	FlushMaxBackoff time.Duration `yaml:"flush_max_backoff"`
}

// SQLite returns the database configuration.
func (s StoreConfig) SQLite() stores.Config {
	return stores.Config{
		Path:            s.Path,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
	}
}

// Buffer returns the spool configuration.
func (s StoreConfig) Buffer() stores.BufferConfig {
	cfg := stores.DefaultBufferConfig(s.SpoolPath)
	if s.FlushBackoff > 0 {
		cfg.InitialBackoff = s.FlushBackoff
	}
	if s.FlushMaxBackoff > 0 {
		cfg.MaxBackoff = s.FlushMaxBackoff
	}
	return cfg
}

// EscalationConfig configures the escalation manager and its channels.
type EscalationConfig struct {
	RatePerMinute    int           `yaml:"rate_per_minute" validate:"gte=0"`
	DeliveryAttempts int           `yaml:"delivery_attempts" validate:"gte=0"`
	DeliveryBackoff  time.Duration `yaml:"delivery_backoff"`
	DigestInterval   time.Duration `yaml:"digest_interval"`
	DefaultChannels  []string      `yaml:"default_channels"`

	// CLI prints alerts to stderr of the serving process.
	CLI bool `yaml:"cli"`

	Webhooks []escalation.WebhookConfig `yaml:"webhooks" validate:"dive"`
	Email    *escalation.EmailConfig    `yaml:"email,omitempty" validate:"omitempty"`
}

// Manager returns the escalation manager configuration.
func (e EscalationConfig) Manager() escalation.Config {
	return escalation.Config{
		RatePerMinute:    e.RatePerMinute,
		DeliveryAttempts: e.DeliveryAttempts,
		DeliveryBackoff:  e.DeliveryBackoff,
		DigestInterval:   e.DigestInterval,
		DefaultChannels:  e.DefaultChannels,
	}
}

// GatesConfig configures how quality gates run.
type GatesConfig struct {
	// Workspace is the checkout local gate commands run in.
	Workspace string `yaml:"workspace"`

	// Build and Test run locally unless UseCI is set.
	Build gates.CommandSpec `yaml:"build"`
	Test  gates.CommandSpec `yaml:"test"`

	// UseCI runs build and test through the git platform's CI on the
	// instance branch.
	UseCI          bool          `yaml:"use_ci"`
	CIPollInterval time.Duration `yaml:"ci_poll_interval"`
	CITimeout      time.Duration `yaml:"ci_timeout"`

	// AnalyzerManifests are extra YAML manifest files or directories.
	AnalyzerManifests []string `yaml:"analyzer_manifests"`

	// ClassifierScript is an optional Starlark failure classifier.
	ClassifierScript string        `yaml:"classifier_script"`
	ScriptTimeout    time.Duration `yaml:"script_timeout"`

	// PolicyPaths are Rego policy files or directories evaluated over
	// findings in addition to the built-in policies.
	PolicyPaths   []string `yaml:"policy_paths"`
	WatchPolicies bool     `yaml:"watch_policies"`

	MaxDiagnosticBytes int `yaml:"max_diagnostic_bytes" validate:"gte=0"`
	MaxOutputBytes     int `yaml:"max_output_bytes" validate:"gte=0"`
}

// Default returns the default configuration rooted at dataDir.
func Default(dataDir string) *Config {
	if dataDir == "" {
		dataDir = "."
	}
	return &Config{
		Store: StoreConfig{
			Path:            filepath.Join(dataDir, "devloop.db"),
			SpoolPath:       filepath.Join(dataDir, "events.spool"),
			ConnMaxLifetime: 5 * time.Minute,
			FlushBackoff:    500 * time.Millisecond,
			FlushMaxBackoff: 30 * time.Second,
		},
		Orchestrator: workflow.DefaultConfig(),
		Retry:        engine.DefaultRetryPolicy(),
		Escalation: EscalationConfig{
			RatePerMinute:    escalation.DefaultRatePerMinute,
			DeliveryAttempts: escalation.DefaultDeliveryAttempts,
			DeliveryBackoff:  escalation.DefaultDeliveryBackoff,
			DigestInterval:   escalation.DefaultDigestInterval,
			CLI:              true,
		},
		Gates: GatesConfig{
			Workspace:          ".",
			CIPollInterval:     15 * time.Second,
			CITimeout:          30 * time.Minute,
			ScriptTimeout:      5 * time.Second,
			MaxDiagnosticBytes: 8 * 1024,
			MaxOutputBytes:     256 * 1024,
		},
		Agent: agent.Config{
			StartupTimeout: agent.DefaultStartupTimeout,
			CommandTimeout: agent.DefaultCommandTimeout,
			MaxSessions:    agent.DefaultMaxSessions,
		},
		GitHub: github.Config{
			MergeMethod: "squash",
		},
		HTTP:      api.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
	}
}
