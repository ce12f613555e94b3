package gates

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/policy"
)

func TestClassifyPatterns(t *testing.T) {
	c := NewChainClassifier(nil, nil, zerolog.Nop())

	tests := []struct {
		name    string
		raw     *RawOutcome
		err     error
		outcome engine.Outcome
		code    string
	}{
		{
			name:    "clean exit",
			raw:     &RawOutcome{Output: "ok"},
			outcome: engine.OutcomeSuccess,
		},
		{
			name:    "missing config",
			raw:     &RawOutcome{Output: "Error: config file .golangci.yml not found", ExitCode: 1},
			outcome: engine.OutcomeStructuralFailure,
			code:    engine.ErrCodeMissingConfig,
		},
		{
			name:    "invalid credentials",
			err:     errors.New("POST /repos/acme/api/pulls: 401 Unauthorized: Bad credentials"),
			outcome: engine.OutcomeStructuralFailure,
			code:    engine.ErrCodeInvalidCreds,
		},
		{
			name:    "permission denied",
			raw:     &RawOutcome{Output: "mkdir /var/cache/build: permission denied", ExitCode: 1},
			outcome: engine.OutcomeStructuralFailure,
			code:    engine.ErrCodePermissionDenied,
		},
		{
			name:    "corrupted module cache",
			raw:     &RawOutcome{Output: "verifying module: checksum mismatch", ExitCode: 1},
			outcome: engine.OutcomeStructuralFailure,
			code:    engine.ErrCodeCorruptedEnv,
		},
		{
			name:    "timeout",
			raw:     &RawOutcome{Output: "panic: test timed out after 10m0s", ExitCode: 2},
			outcome: engine.OutcomeTransientFailure,
			code:    engine.ErrCodeTimeout,
		},
		{
			name:    "rate limit",
			err:     errors.New("API rate limit exceeded"),
			outcome: engine.OutcomeTransientFailure,
			code:    engine.ErrCodeRateLimited,
		},
		{
			name:    "connection reset",
			raw:     &RawOutcome{Output: "read tcp: connection reset by peer", ExitCode: 1},
			outcome: engine.OutcomeTransientFailure,
			code:    engine.ErrCodeConnection,
		},
		{
			name:    "failing test",
			raw:     &RawOutcome{Output: "--- FAIL: TestParse (0.00s)\nFAIL", ExitCode: 1},
			outcome: engine.OutcomeTransientFailure,
			code:    engine.ErrCodeExitStatus,
		},
		{
			name:    "classified error wins",
			raw:     &RawOutcome{Output: "permission denied"},
			err:     engine.NewTransientError("flaky runner", nil).WithCode(engine.ErrCodeCollaborator),
			outcome: engine.OutcomeTransientFailure,
			code:    engine.ErrCodeCollaborator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(context.Background(), engine.ActionBuild, tt.raw, tt.err)
			if got.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s (reason %q)", got.Outcome, tt.outcome, got.Reason)
			}
			if got.Code != tt.code {
				t.Errorf("code = %q, want %q", got.Code, tt.code)
			}
		})
	}
}

func TestClassifyFindingsWithPolicies(t *testing.T) {
	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c := NewChainClassifier(nil, policies, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name     string
		action   engine.ActionType
		findings []policy.Finding
		exit     int
		outcome  engine.Outcome
	}{
		{
			name:     "critical cvss halts",
			action:   engine.ActionSecurityScan,
			findings: []policy.Finding{{Tool: "govulncheck", Message: "GO-2024-0001", CVSS: 9.8}},
			exit:     3,
			outcome:  engine.OutcomeCriticalFailure,
		},
		{
			name:     "hardcoded secret halts",
			action:   engine.ActionSecurityScan,
			findings: []policy.Finding{{Tool: "gosec", RuleID: "G101", Category: "secret", Message: "hardcoded credentials", File: "main.go", Line: 3}},
			exit:     1,
			outcome:  engine.OutcomeCriticalFailure,
		},
		{
			name:     "high cvss passes with warning",
			action:   engine.ActionSecurityScan,
			findings: []policy.Finding{{Tool: "npm-audit", Message: "regex dos", CVSS: 7.5}},
			exit:     1,
			outcome:  engine.OutcomeSuccess,
		},
		{
			name:     "analyzer errors are structural",
			action:   engine.ActionStaticAnalysis,
			findings: []policy.Finding{{Tool: "go-vet", Severity: "error", Message: "unreachable code", File: "a.go", Line: 9}},
			exit:     1,
			outcome:  engine.OutcomeStructuralFailure,
		},
		{
			name:     "analyzer warnings pass",
			action:   engine.ActionStaticAnalysis,
			findings: []policy.Finding{{Tool: "eslint", Severity: "warning", Message: "unused var"}},
			outcome:  engine.OutcomeSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(ctx, tt.action, &RawOutcome{ExitCode: tt.exit, Findings: tt.findings}, nil)
			if got.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s (reason %q)", got.Outcome, tt.outcome, got.Reason)
			}
			if got.Outcome != engine.OutcomeSuccess && got.Source != "policy" {
				t.Errorf("source = %s, want policy", got.Source)
			}
		})
	}
}

func TestClassifyScriptTakesPrecedence(t *testing.T) {
	script, err := NewClassifierScript("classify.star", `
def classify(action, exit_code, output, error, findings, details):
    if "quota exceeded" in output:
        return "structural"
    return None
`, 0)
	if err != nil {
		t.Fatal(err)
	}
	c := NewChainClassifier(script, nil, zerolog.Nop())

	got := c.Classify(context.Background(), engine.ActionTest, &RawOutcome{Output: "disk quota exceeded, connection reset", ExitCode: 1}, nil)
	if got.Outcome != engine.OutcomeStructuralFailure || got.Source != "script" {
		t.Errorf("got %+v, want structural from script", got)
	}

	got = c.Classify(context.Background(), engine.ActionTest, &RawOutcome{Output: "connection reset", ExitCode: 1}, nil)
	if got.Outcome != engine.OutcomeTransientFailure || got.Source != "pattern" {
		t.Errorf("got %+v, want fallback to patterns", got)
	}
}
