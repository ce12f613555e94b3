package engine

import (
	"fmt"
	"math"
	"time"
)

// BudgetScope selects how retry counters are keyed.
type BudgetScope string

const (
	// BudgetPerAction keeps one counter per (instance, action). Build failures
	// never consume the test budget.
	BudgetPerAction BudgetScope = "per-action"

	// BudgetWorkflow keeps one cumulative counter per instance across all actions.
	BudgetWorkflow BudgetScope = "workflow"
)

// RetryPolicy is the immutable retry contract handed to the gate executor.
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts" yaml:"max_attempts" validate:"min=1,max=10"`
	BackoffBase       time.Duration `json:"backoffBase" yaml:"backoff_base" validate:"min=0"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier" validate:"gte=1"`
	MaxBackoff        time.Duration `json:"maxBackoff,omitempty" yaml:"max_backoff"`
	ResetOnSuccess    bool          `json:"resetOnSuccess" yaml:"reset_on_success"`
	Scope             BudgetScope   `json:"scope" yaml:"scope" validate:"omitempty,oneof=per-action workflow"`
}

// DefaultRetryPolicy returns three attempts backed off 2s, 4s, 8s, reset on success.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2,
		ResetOnSuccess:    true,
		Scope:             BudgetPerAction,
	}
}

// Validate checks the policy for consistency.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BackoffBase < 0 {
		return fmt.Errorf("backoff base must not be negative")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", p.BackoffMultiplier)
	}
	switch p.Scope {
	case "", BudgetPerAction, BudgetWorkflow:
	default:
		return fmt.Errorf("invalid budget scope: %s", p.Scope)
	}
	return nil
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(float64(p.BackoffBase) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// CounterKey returns the key under which attempts of action are counted.
func (p RetryPolicy) CounterKey(instanceID string, action ActionType) string {
	if p.Scope == BudgetWorkflow {
		return instanceID
	}
	return instanceID + "/" + string(action)
}
