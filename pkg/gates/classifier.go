package gates

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/policy"
)

// Classification is the verdict on one attempt.
type Classification struct {
	Outcome engine.Outcome
	Reason  string
	Code    string

	// Source names the chain step that decided: error, script, policy,
	// exit or pattern.
	Source string

	Violations []policy.PolicyViolation
}

// Classifier turns a raw outcome into a Classification.
type Classifier interface {
	Classify(ctx context.Context, action engine.ActionType, raw *RawOutcome, invokeErr error) Classification
}

// PolicyEvaluator evaluates gate policies over findings.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input *policy.GateInput) (*policy.PolicyResult, error)
}

type failurePattern struct {
	re      *regexp.Regexp
	outcome engine.Outcome
	code    string
	reason  string
}

// Structural patterns are checked before transient ones.
var failurePatterns = []failurePattern{
	{
		re:      regexp.MustCompile(`(?i)(config(uration)? file\b.*\bnot found|missing (config|configuration)|no such file or directory|go\.mod file not found)`),
		outcome: engine.OutcomeStructuralFailure,
		code:    engine.ErrCodeMissingConfig,
		reason:  "missing configuration file",
	},
	{
		re:      regexp.MustCompile(`(?i)(invalid (credentials|token|api key)|bad credentials|authentication failed|401 unauthorized)`),
		outcome: engine.OutcomeStructuralFailure,
		code:    engine.ErrCodeInvalidCreds,
		reason:  "invalid credentials",
	},
	{
		re:      regexp.MustCompile(`(?i)(permission denied|403 forbidden|access denied|operation not permitted)`),
		outcome: engine.OutcomeStructuralFailure,
		code:    engine.ErrCodePermissionDenied,
		reason:  "permission denied",
	},
	{
		re:      regexp.MustCompile(`(?i)(corrupt(ed)?\b|checksum mismatch|command not found|executable file not found)`),
		outcome: engine.OutcomeStructuralFailure,
		code:    engine.ErrCodeCorruptedEnv,
		reason:  "corrupted or incomplete environment",
	},
	{
		re:      regexp.MustCompile(`(?i)(timed? ?out|deadline exceeded)`),
		outcome: engine.OutcomeTransientFailure,
		code:    engine.ErrCodeTimeout,
		reason:  "timeout",
	},
	{
		re:      regexp.MustCompile(`(?i)(rate limit|too many requests|\b429\b)`),
		outcome: engine.OutcomeTransientFailure,
		code:    engine.ErrCodeRateLimited,
		reason:  "rate limited",
	},
	{
		re:      regexp.MustCompile(`(?i)(connection (reset|refused)|broken pipe|unexpected EOF|temporary failure|service unavailable|bad gateway)`),
		outcome: engine.OutcomeTransientFailure,
		code:    engine.ErrCodeConnection,
		reason:  "connection failure",
	},
}

// ChainClassifier applies, in order: the class of an explicit engine error,
// the classifier script, gate policies over findings, the exit status and
// finally the failure patterns. Anything unrecognized is transient.
type ChainClassifier struct {
	Script      *ClassifierScript
	Policies    PolicyEvaluator
	Environment string
	Logger      zerolog.Logger
}

// NewChainClassifier creates a classifier. Script and policies are optional.
func NewChainClassifier(script *ClassifierScript, policies PolicyEvaluator, logger zerolog.Logger) *ChainClassifier {
	return &ChainClassifier{
		Script:   script,
		Policies: policies,
		Logger:   logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify implements Classifier.
func (c *ChainClassifier) Classify(ctx context.Context, action engine.ActionType, raw *RawOutcome, invokeErr error) Classification {
	if raw == nil {
		raw = &RawOutcome{}
	}

	var engErr *engine.EngineError
	if errors.As(invokeErr, &engErr) {
		return Classification{
			Outcome: engine.OutcomeForClass(engErr.Class),
			Reason:  engErr.Error(),
			Code:    engErr.Code,
			Source:  "error",
		}
	}

	if c.Script != nil {
		outcome, ok, err := c.Script.Classify(ctx, action, raw, invokeErr)
		switch {
		case err != nil:
			c.Logger.Warn().Err(err).Str("action", string(action)).Msg("Classifier script failed, falling back")
		case ok:
			return Classification{
				Outcome: outcome,
				Reason:  fmt.Sprintf("classified %s by %s", outcome, c.Script.name),
				Source:  "script",
			}
		}
	}

	if c.Policies != nil && len(raw.Findings) > 0 {
		if cl, ok := c.classifyFindings(ctx, action, raw, invokeErr); ok {
			return cl
		}
	}

	if invokeErr == nil && raw.ExitCode == 0 {
		return Classification{Outcome: engine.OutcomeSuccess, Source: "exit"}
	}

	return classifyText(raw, invokeErr)
}

func (c *ChainClassifier) classifyFindings(ctx context.Context, action engine.ActionType, raw *RawOutcome, invokeErr error) (Classification, bool) {
	result, err := c.Policies.Evaluate(ctx, &policy.GateInput{
		Action:   action,
		ExitCode: raw.ExitCode,
		Findings: raw.Findings,
		Context: &policy.PolicyContext{
			Environment: c.Environment,
			Timestamp:   time.Now().UTC(),
		},
	})
	if err != nil {
		c.Logger.Warn().Err(err).Str("action", string(action)).Msg("Gate policy evaluation failed, falling back")
		return Classification{}, false
	}

	switch {
	case result.MaxSeverity() == policy.SeverityCritical:
		return Classification{
			Outcome:    engine.OutcomeCriticalFailure,
			Reason:     violationSummary(result.Blocking()),
			Code:       engine.ErrCodeSecurityFinding,
			Source:     "policy",
			Violations: result.Violations,
		}, true
	case !result.Allowed:
		return Classification{
			Outcome:    engine.OutcomeStructuralFailure,
			Reason:     violationSummary(result.Blocking()),
			Code:       engine.ErrCodePolicyViolation,
			Source:     "policy",
			Violations: result.Violations,
		}, true
	case invokeErr == nil:
		return Classification{
			Outcome:    engine.OutcomeSuccess,
			Reason:     fmt.Sprintf("%d non-blocking findings", len(raw.Findings)),
			Source:     "policy",
			Violations: result.Violations,
		}, true
	}
	return Classification{}, false
}

func violationSummary(violations []policy.PolicyViolation) string {
	if len(violations) == 0 {
		return "gate policy violated"
	}
	msgs := make([]string, 0, len(violations))
	for i, v := range violations {
		if i == 5 {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(violations)-5))
			break
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return strings.Join(msgs, "; ")
}

// classifyText matches the error and the tail of the output against the
// failure patterns.
func classifyText(raw *RawOutcome, invokeErr error) Classification {
	text := Truncate(raw.Output, DefaultMaxDiagnosticBytes)
	if invokeErr != nil {
		text = invokeErr.Error() + "\n" + text
	}

	for _, p := range failurePatterns {
		if p.re.MatchString(text) {
			return Classification{
				Outcome: p.outcome,
				Reason:  p.reason,
				Code:    p.code,
				Source:  "pattern",
			}
		}
	}

	reason := fmt.Sprintf("exit code %d", raw.ExitCode)
	if invokeErr != nil {
		reason = invokeErr.Error()
	}
	return Classification{
		Outcome: engine.OutcomeTransientFailure,
		Reason:  reason,
		Code:    engine.ErrCodeExitStatus,
		Source:  "pattern",
	}
}
