// Package policy provides Open Policy Agent (OPA) gate policies for devloop.
//
// Quality gates that produce findings (static analysis and security scans)
// hand them to the Engine, which evaluates every enabled Rego policy against a
// GateInput document and collects the deny sets into a PolicyResult. The gate
// executor maps the most severe violation onto a failure class: critical
// violations halt the workflow, error violations need a human fix, and
// warnings are recorded without failing the gate.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, &policy.GateInput{
//	    Action:   engine.ActionSecurityScan,
//	    Findings: findings,
//	})
//	if err != nil {
//	    return err
//	}
//	if result.MaxSeverity() == policy.SeverityCritical {
//	    // halt and escalate
//	}
//
// # Built-in Policies
//
//   - critical-vulnerability: CVSS >= 9.0 or a critical severity label (critical)
//   - hardcoded-secret: committed credentials found by the security scan (critical)
//   - high-vulnerability: 7.0 <= CVSS < 9.0 (warning)
//   - analyzer-errors: error-level static analysis findings (error)
//
// # Writing Policies
//
// Policies are Rego modules that contribute to a deny set. Each entry is
// either a message string or an object with message, severity, finding and
// remediation keys:
//
//	package devloop.gates.license
//
//	import rego.v1
//
//	deny contains violation if {
//	    some finding in input.findings
//	    finding.category == "license"
//	    violation := {"message": finding.message, "severity": "error"}
//	}
//
// The Loader reads .rego files, JSON and YAML policy definitions, and policy
// bundles. Watch reloads them when files under the watched paths change.
package policy
