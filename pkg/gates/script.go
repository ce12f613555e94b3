package gates

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/policy"
)

// ClassifierScript is a user-supplied Starlark program defining
//
//	def classify(action, exit_code, output, error, findings, details):
//	    return "success" | "transient" | "structural" | "critical" | None
//
// Returning None defers to the next step of the classification chain.
type ClassifierScript struct {
	name    string
	program *starlark.Program
	globals starlark.StringDict
	timeout time.Duration
}

// LoadClassifierScript reads and compiles a classifier script from path.
func LoadClassifierScript(path string, timeout time.Duration) (*ClassifierScript, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier script: %w", err)
	}
	return NewClassifierScript(path, string(src), timeout)
}

// NewClassifierScript compiles src and checks that it defines classify.
func NewClassifierScript(name, src string, timeout time.Duration) (*ClassifierScript, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	_, program, err := starlark.SourceProgram(name, src, predeclared.Has)
	if err != nil {
		return nil, fmt.Errorf("failed to compile classifier script: %w", err)
	}

	thread := newScriptThread(name)
	globals, err := program.Init(thread, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifier script: %w", err)
	}
	globals.Freeze()

	fn, ok := globals["classify"]
	if !ok {
		return nil, fmt.Errorf("classifier script %s does not define classify()", name)
	}
	if _, ok := fn.(starlark.Callable); !ok {
		return nil, fmt.Errorf("classifier script %s: classify is a %s, not a function", name, fn.Type())
	}

	return &ClassifierScript{
		name:    name,
		program: program,
		globals: globals,
		timeout: timeout,
	}, nil
}

func newScriptThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print
		},
	}
}

// Classify calls the script. ok is false when the script returned None.
func (s *ClassifierScript) Classify(ctx context.Context, action engine.ActionType, raw *RawOutcome, invokeErr error) (class engine.Outcome, ok bool, err error) {
	if raw == nil {
		raw = &RawOutcome{}
	}

	findings, err := findingsValue(raw.Findings)
	if err != nil {
		return "", false, err
	}
	details, err := toStarlarkValue(raw.Details)
	if err != nil {
		return "", false, fmt.Errorf("failed to convert details: %w", err)
	}

	errText := starlark.Value(starlark.None)
	if invokeErr != nil {
		errText = starlark.String(invokeErr.Error())
	}

	thread := newScriptThread(s.name)
	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel("classifier timeout")
		case <-done:
		}
	}()

	args := starlark.Tuple{
		starlark.String(action),
		starlark.MakeInt(raw.ExitCode),
		starlark.String(raw.Output),
		errText,
		findings,
		details,
	}
	result, err := starlark.Call(thread, s.globals["classify"], args, nil)
	if err != nil {
		return "", false, fmt.Errorf("classifier script failed: %w", err)
	}

	switch v := result.(type) {
	case starlark.NoneType:
		return "", false, nil
	case starlark.String:
		outcome, err := parseClassification(string(v))
		if err != nil {
			return "", false, err
		}
		return outcome, true, nil
	default:
		return "", false, fmt.Errorf("classify returned %s, want string or None", result.Type())
	}
}

func parseClassification(s string) (engine.Outcome, error) {
	switch s {
	case "success":
		return engine.OutcomeSuccess, nil
	case "transient":
		return engine.OutcomeTransientFailure, nil
	case "structural":
		return engine.OutcomeStructuralFailure, nil
	case "critical":
		return engine.OutcomeCriticalFailure, nil
	default:
		return "", fmt.Errorf("classify returned unknown class %q", s)
	}
}

func findingsValue(findings []policy.Finding) (starlark.Value, error) {
	list := make([]starlark.Value, 0, len(findings))
	for _, f := range findings {
		list = append(list, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"tool":     starlark.String(f.Tool),
			"rule_id":  starlark.String(f.RuleID),
			"category": starlark.String(f.Category),
			"severity": starlark.String(f.Severity),
			"cvss":     starlark.Float(f.CVSS),
			"package":  starlark.String(f.Package),
			"message":  starlark.String(f.Message),
			"file":     starlark.String(f.File),
			"line":     starlark.MakeInt(f.Line),
		}))
	}
	return starlark.NewList(list), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return starlark.String(fmt.Sprint(val)), nil
	}
}
