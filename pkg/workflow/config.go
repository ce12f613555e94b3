package workflow

import (
	"fmt"
	"time"
)

// TimeoutPolicy decides what happens when an escalation is not resolved in time.
type TimeoutPolicy string

const (
	// TimeoutBlock keeps the instance blocked and keeps waiting.
	TimeoutBlock TimeoutPolicy = "block"

	// TimeoutAbort cancels the instance.
	TimeoutAbort TimeoutPolicy = "abort"
)

// Config configures the orchestrator.
type Config struct {
	// MaxConcurrency bounds the number of active instances.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=0"`

	// CallTimeout bounds each AI provider or git platform call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// ApprovalTimeout cancels an instance left waiting for plan or merge
	// approval. Zero waits forever.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	// EscalationTimeout bounds each wait for an escalation resolution. Zero
	// waits forever.
	EscalationTimeout time.Duration `yaml:"escalation_timeout"`

	// EscalationTimeoutPolicy applies when EscalationTimeout elapses.
	EscalationTimeoutPolicy TimeoutPolicy `yaml:"escalation_timeout_policy" validate:"omitempty,oneof=block abort"`

	AutoApprovePlan  bool `yaml:"auto_approve_plan"`
	AutoApproveMerge bool `yaml:"auto_approve_merge"`

	// NotifyChannels names the escalation channels to use. Empty means the
	// escalation manager's defaults.
	NotifyChannels []string `yaml:"notify_channels"`

	// BranchPrefix is prepended to generated branch names.
	BranchPrefix string `yaml:"branch_prefix"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:          10,
		CallTimeout:             5 * time.Minute,
		EscalationTimeoutPolicy: TimeoutBlock,
		BranchPrefix:            "devloop/",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	if c.CallTimeout < 0 || c.ApprovalTimeout < 0 || c.EscalationTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch c.EscalationTimeoutPolicy {
	case "", TimeoutBlock, TimeoutAbort:
	default:
		return fmt.Errorf("invalid escalation timeout policy: %s", c.EscalationTimeoutPolicy)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.EscalationTimeoutPolicy == "" {
		c.EscalationTimeoutPolicy = d.EscalationTimeoutPolicy
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = d.BranchPrefix
	}
}
