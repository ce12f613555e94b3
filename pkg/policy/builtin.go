package policy

import (
	"time"
)

// CriticalCVSS is the score at or above which a vulnerability halts the workflow.
const CriticalCVSS = 9.0

// GetBuiltinPolicies returns all built-in gate policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		criticalVulnerabilityPolicy(),
		hardcodedSecretPolicy(),
		highVulnerabilityPolicy(),
		analyzerErrorPolicy(),
	}
}

// criticalVulnerabilityPolicy halts on any vulnerability rated critical.
func criticalVulnerabilityPolicy() Policy {
	return Policy{
		Name:        "critical-vulnerability",
		Description: "Halts the workflow on vulnerabilities with CVSS >= 9.0 or critical severity",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"security", "cve"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package devloop.gates.vulnerabilities

import rego.v1

deny contains violation if {
	some finding in input.findings
	finding.cvss >= 9.0
	violation := {
		"message": sprintf("%s: %s (CVSS %v)", [finding.tool, finding.message, finding.cvss]),
		"severity": "critical",
		"finding": object.get(finding, "rule_id", ""),
	}
}

deny contains violation if {
	some finding in input.findings
	lower(object.get(finding, "severity", "")) == "critical"
	object.get(finding, "cvss", 0) < 9.0
	violation := {
		"message": sprintf("%s: critical finding %s", [finding.tool, finding.message]),
		"severity": "critical",
		"finding": object.get(finding, "rule_id", ""),
	}
}
`,
	}
}

// hardcodedSecretPolicy halts when a scanner reports credentials in the change.
func hardcodedSecretPolicy() Policy {
	return Policy{
		Name:        "hardcoded-secret",
		Description: "Halts the workflow when credentials are committed",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"security", "secrets"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package devloop.gates.secrets

import rego.v1

deny contains violation if {
	input.action == "security-scan"
	some finding in input.findings
	lower(object.get(finding, "category", "")) == "secret"
	violation := {
		"message": sprintf("possible secret in %s:%d", [object.get(finding, "file", "?"), object.get(finding, "line", 0)]),
		"severity": "critical",
		"finding": object.get(finding, "rule_id", ""),
	}
}
`,
	}
}

// highVulnerabilityPolicy flags high-rated vulnerabilities for review.
func highVulnerabilityPolicy() Policy {
	return Policy{
		Name:        "high-vulnerability",
		Description: "Warns on vulnerabilities with 7.0 <= CVSS < 9.0",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"security", "cve"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package devloop.gates.review

import rego.v1

deny contains violation if {
	some finding in input.findings
	finding.cvss >= 7.0
	finding.cvss < 9.0
	violation := {
		"message": sprintf("%s: %s (CVSS %v)", [finding.tool, finding.message, finding.cvss]),
		"severity": "warning",
		"finding": object.get(finding, "rule_id", ""),
	}
}
`,
	}
}

// analyzerErrorPolicy fails static analysis when any finding is an error.
func analyzerErrorPolicy() Policy {
	return Policy{
		Name:        "analyzer-errors",
		Description: "Fails static analysis when an analyzer reports error-level findings",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lint"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package devloop.gates.lint

import rego.v1

deny contains violation if {
	input.action == "static-analysis"
	some finding in input.findings
	lower(object.get(finding, "severity", "")) == "error"
	violation := {
		"message": sprintf("%s %s:%d %s", [finding.tool, object.get(finding, "file", "?"), object.get(finding, "line", 0), finding.message]),
		"severity": "error",
		"finding": object.get(finding, "rule_id", ""),
	}
}
`,
	}
}
