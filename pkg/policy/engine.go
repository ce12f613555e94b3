package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates gate policies over analyzer findings. Every policy is a
// Rego module whose deny set, queried as data.<package>.deny, lists the
// violations for the given GateInput.
type Engine struct {
	mu       sync.RWMutex
	policies policySet
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// policySet maps policy names to their prepared queries.
type policySet map[string]*compiledPolicy

func (s policySet) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// add compiles every policy into s, stopping at the first failure.
func (s policySet) add(ctx context.Context, policies []Policy) error {
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		s[p.Name] = cp
	}
	return nil
}

func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// builtinSet returns a fresh set holding the built-in gate policies.
func builtinSet(ctx context.Context) (policySet, error) {
	set := policySet{}
	if err := set.add(ctx, GetBuiltinPolicies()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return set, nil
}

// NewEngine creates a new policy engine with the built-in gate policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	set, err := builtinSet(context.Background())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		policies: set,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.logger.Info().Int("count", len(set)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported as a warning rather than failing the whole gate.
func (e *Engine) Evaluate(ctx context.Context, input *GateInput) (*PolicyResult, error) {
	if input == nil {
		return nil, fmt.Errorf("gate input is required")
	}
	start := time.Now()
	if input.Findings == nil {
		input.Findings = []Finding{}
	}
	if input.Context == nil {
		input.Context = &PolicyContext{Timestamp: start}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{}
	for _, name := range e.policies.names() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		found, err := cp.deny(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("action", string(input.Action)).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, found...)
	}

	result.EvaluatedAt = time.Now()
	result.Duration = result.EvaluatedAt.Sub(start)
	result.Allowed = len(result.Blocking()) == 0

	e.logger.Debug().
		Str("action", string(input.Action)).
		Int("findings", len(input.Findings)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Gate policies evaluated")

	return result, nil
}

func (cp *compiledPolicy) deny(ctx context.Context, input *GateInput) ([]PolicyViolation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []PolicyViolation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		entries, _ := r.Expressions[0].Value.([]interface{})
		for _, entry := range entries {
			violations = append(violations, violationFrom(cp.policy, entry))
		}
	}
	return violations, nil
}

// violationFrom converts a deny entry, either a message string or an object
// with message, severity, finding and remediation keys.
func violationFrom(p *Policy, entry interface{}) PolicyViolation {
	v := PolicyViolation{
		Policy:     p.Name,
		Severity:   p.Severity,
		DetectedAt: time.Now(),
	}

	obj, ok := entry.(map[string]interface{})
	if !ok {
		if msg, isString := entry.(string); isString {
			v.Message = msg
		} else {
			v.Message = fmt.Sprint(entry)
		}
		return v
	}

	v.Message, _ = obj["message"].(string)
	v.Finding, _ = obj["finding"].(string)
	v.Remediation, _ = obj["remediation"].(string)
	if sev, _ := obj["severity"].(string); Severity(sev).rank() > 0 {
		v.Severity = Severity(sev)
	}
	return v
}

// LoadPolicies loads policy files and directories on top of the current set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Nothing is added if any policy
// fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	staged := policySet{}
	if err := staged.add(ctx, policies); err != nil {
		e.logger.Error().Err(err).Msg("Rejected policy set")
		return err
	}

	e.mu.Lock()
	for name, cp := range staged {
		e.policies[name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(staged)).Msg("Policies added")
	return nil
}

// ReplacePolicies swaps the loaded set for the built-ins plus policies. The
// current set stays in place if any policy fails to compile. It is the reload
// callback used when watched policy files change.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	staged, err := builtinSet(ctx)
	if err != nil {
		return err
	}
	if err := staged.add(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.policies = staged
	e.mu.Unlock()

	e.logger.Info().Int("count", len(staged)).Msg("Policies replaced")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.policies.names() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error  { return e.setEnabled(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
