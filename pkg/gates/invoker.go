package gates

import (
	"context"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/policy"
)

// RawOutcome is what an invoker observed before classification.
type RawOutcome struct {
	// Output is the combined log of the attempt, already tail-bounded by the runner.
	Output string

	// ExitCode is the process exit code, or a synthesized non-zero code for
	// remote invocations that failed.
	ExitCode int

	// Findings are the parsed analyzer or scanner findings, if any.
	Findings []policy.Finding

	// Details carries invoker-specific facts exposed to classifier scripts.
	Details map[string]interface{}
}

// Succeeded reports a clean exit with no output-level failure.
func (o *RawOutcome) Succeeded() bool {
	return o != nil && o.ExitCode == 0
}

// Invoker performs one attempt of an action. A returned error means the
// attempt failed before producing an outcome; classified engine errors keep
// their class.
type Invoker interface {
	Invoke(ctx context.Context, action engine.ActionType) (*RawOutcome, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, action engine.ActionType) (*RawOutcome, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, action engine.ActionType) (*RawOutcome, error) {
	return f(ctx, action)
}
