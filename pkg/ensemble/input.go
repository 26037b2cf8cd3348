package ensemble

import (
	"fmt"

	"github.com/podium-run/podium/pkg/errors"
)

// resolveInput computes a leaf step's input. Precedence: explicit input
// mapping, then the immediately preceding step's output, then the
// ensemble's top-level input. Resolution is deterministic: the same context
// always yields the same input.
//
// In an explicit mapping, string values are expressions evaluated against
// {input, state, steps} plus any scope extras (item, index, error, ...);
// non-string values pass through as literals. The "state" namespace exposes
// only the step's declared-readable fields.
func (r *run) resolveInput(step *Step, sc *scope, view *stateView) (map[string]any, error) {
	if len(step.Input) > 0 {
		env := r.env(sc, view.visible())
		resolved := make(map[string]any, len(step.Input))
		for key, raw := range step.Input {
			expr, ok := raw.(string)
			if !ok {
				resolved[key] = raw
				continue
			}
			value, err := r.engine.eval.Value(expr, env)
			if err != nil {
				return nil, fmt.Errorf("resolve input %q for step %s: %w", key, step.Key(), err)
			}
			resolved[key] = value
		}
		return resolved, nil
	}

	if sc.prev != nil {
		return copyMap(sc.prev), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMap(r.ec.Input), nil
}

// env builds the expression environment for one evaluation point.
// stateVisible narrows the "state" namespace; nil exposes the full
// snapshot (used by construct conditions, which carry no per-step state
// contract).
func (r *run) env(sc *scope, stateVisible map[string]any) map[string]any {
	r.mu.Lock()
	input := r.ec.Input
	steps := r.ec.stepsEnv()
	if stateVisible == nil {
		stateVisible = copyMap(r.ec.State)
	}
	r.mu.Unlock()

	env := map[string]any{
		"input": input,
		"state": stateVisible,
		"steps": steps,
	}
	for k, v := range sc.extras {
		env[k] = v
	}
	return env
}

// resolveItems evaluates an items expression to the slice a foreach or
// mapreduce step iterates.
func (r *run) resolveItems(expr string, sc *scope) ([]any, error) {
	value, err := r.engine.eval.Value(expr, r.env(sc, nil))
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, nil
	default:
		return nil, &errors.ValidationError{
			Field:      "items",
			Message:    fmt.Sprintf("items expression must yield a list, got %T", value),
			Suggestion: "point items at an array value in the execution context",
		}
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
