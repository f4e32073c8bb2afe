package transform

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Function evaluates a transform-engine function call given its already
// evaluated arguments.
type Function func(args []any) (any, error)

// Functions is the built-in function set. to_minor is the only function
// spec.md §4.7 names; additional functions may be registered and gated by
// a mapping document's allow-list guard (see Guard below).
var Functions = map[string]Function{
	"to_minor": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("to_minor: expected 2 args, got %d", len(args))
		}
		amount, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("to_minor: amount must be numeric, got %T", args[0])
		}
		currency, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("to_minor: currency_code must be a string, got %T", args[1])
		}
		return ToMinor(amount, currency), nil
	},
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Guard compiles a CEL boolean expression that, given a function name,
// decides whether a mapping document may invoke it. This lets operators
// extend the allowed function set (beyond the always-on to_minor)
// without a code change, while keeping evaluation itself inside the
// fixed Functions table above.
type Guard struct {
	program cel.Program
}

// NewGuard compiles expr, which must reference the variable `name`
// (string) and evaluate to a bool, e.g. `name == "to_minor"`.
func NewGuard(expr string) (*Guard, error) {
	env, err := cel.NewEnv(cel.Variable("name", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("transform: guard env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("transform: guard compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("transform: guard program: %w", err)
	}
	return &Guard{program: prg}, nil
}

// Allows reports whether name passes the guard expression.
func (g *Guard) Allows(name string) (bool, error) {
	if g == nil {
		// No guard configured: only the built-in always-safe function.
		return name == "to_minor", nil
	}
	out, _, err := g.program.Eval(map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("transform: guard expression did not return bool, got %v", out.Type())
	}
	return b, nil
}
