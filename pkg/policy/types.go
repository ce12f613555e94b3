package policy

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devloop/devloop/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not fail the gate.
	SeverityWarning Severity = "warning"

	// SeverityError fails the gate and needs a human fix.
	SeverityError Severity = "error"

	// SeverityCritical fails the gate and halts the workflow immediately.
	SeverityCritical Severity = "critical"
)

// rank orders severities from least to most severe.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Blocks returns true if a violation of this severity fails the gate.
func (s Severity) Blocks() bool {
	return s.rank() >= SeverityError.rank()
}

// Policy represents a gate policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// policyFields has Policy's fields without its decoding methods.
type policyFields Policy

// UnmarshalJSON decodes a policy document. Policies are enabled unless the
// document says otherwise.
func (p *Policy) UnmarshalJSON(data []byte) error {
	f := policyFields{Enabled: true}
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = Policy(f)
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	f := policyFields{Enabled: true}
	if err := node.Decode(&f); err != nil {
		return err
	}
	*p = Policy(f)
	return nil
}

// Finding is a single issue reported by an analyzer or security scanner.
type Finding struct {
	Tool     string  `json:"tool"`
	RuleID   string  `json:"rule_id,omitempty"`
	Category string  `json:"category,omitempty"`
	Severity string  `json:"severity,omitempty"`
	CVSS     float64 `json:"cvss,omitempty"`
	Package  string  `json:"package,omitempty"`
	Message  string  `json:"message"`
	File     string  `json:"file,omitempty"`
	Line     int     `json:"line,omitempty"`
}

// GateInput is the document policies are evaluated against.
type GateInput struct {
	// Action is the gate that produced the findings.
	Action engine.ActionType `json:"action"`

	// InstanceID identifies the workflow instance.
	InstanceID string `json:"instance_id,omitempty"`

	// ExitCode is the analyzer's process exit code.
	ExitCode int `json:"exit_code"`

	// Findings are the parsed analyzer findings.
	Findings []Finding `json:"findings"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Environment is the deployment environment (e.g., "production").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Finding is the rule or package the violation refers to, if any.
	Finding string `json:"finding,omitempty"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the gate passes.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the gate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// MaxSeverity returns the most severe violation level, or "" when there are none.
func (r *PolicyResult) MaxSeverity() Severity {
	var max Severity
	for i := range r.Violations {
		if r.Violations[i].Severity.rank() > max.rank() {
			max = r.Violations[i].Severity
		}
	}
	return max
}

// Blocking returns the violations that fail the gate.
func (r *PolicyResult) Blocking() []PolicyViolation {
	var out []PolicyViolation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}
