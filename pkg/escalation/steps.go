package escalation

import (
	"fmt"

	"github.com/devloop/devloop/pkg/engine"
)

// Reason types used for rate limiting and routing.
const (
	ReasonRetriesExhausted  = "retries-exhausted"
	ReasonStructuralFailure = "structural-failure"
	ReasonCriticalFailure   = "critical-failure"
)

// ReasonTypeFor maps a failure outcome to its reason type.
func ReasonTypeFor(outcome engine.Outcome) string {
	switch outcome {
	case engine.OutcomeCriticalFailure:
		return ReasonCriticalFailure
	case engine.OutcomeStructuralFailure:
		return ReasonStructuralFailure
	default:
		return ReasonRetriesExhausted
	}
}

func suggestNextSteps(req Request) []string {
	var steps []string

	switch req.Code {
	case engine.ErrCodeMissingConfig:
		steps = append(steps, "Add or fix the missing configuration file in the repository or runner")
	case engine.ErrCodeInvalidCreds:
		steps = append(steps, "Rotate or reconfigure the credentials used by the failing collaborator")
	case engine.ErrCodePermissionDenied:
		steps = append(steps, "Grant the runner the permissions the action needs")
	case engine.ErrCodeCorruptedEnv:
		steps = append(steps, "Rebuild the runner environment (clear caches, reinstall toolchains)")
	case engine.ErrCodeSecurityFinding:
		steps = append(steps,
			"Review the security findings and remediate the affected code or dependency",
			"Rotate any credentials that may have been exposed")
	case engine.ErrCodePolicyViolation:
		steps = append(steps, "Fix the reported analyzer findings or adjust the gate policy")
	}

	if len(steps) == 0 {
		switch req.Outcome {
		case engine.OutcomeCriticalFailure:
			steps = append(steps, "Investigate the critical failure before any further automation runs")
		case engine.OutcomeStructuralFailure:
			steps = append(steps, "Fix the underlying configuration or code problem; retrying will not help")
		default:
			steps = append(steps,
				fmt.Sprintf("Check whether the %s failures are flaky or caused by an outage", req.Action),
				"Inspect the retry history diagnostics for the last failing attempt")
		}
	}

	if req.Action.IsGate() {
		steps = append(steps, fmt.Sprintf("Resolve the escalation to resume the workflow at the %s gate", req.Action))
	} else {
		steps = append(steps, fmt.Sprintf("Resolve the escalation to retry %s", req.Action))
	}
	return steps
}
