// Package expression evaluates flow expressions (conditions, item sources,
// switch values, input mappings) against an execution environment.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/podium-run/podium/pkg/errors"
)

// Evaluator compiles and evaluates expr-lang expressions. Compiled programs
// are cached, so repeated evaluation of the same expression (loop conditions,
// per-item break checks) does not recompile.
type Evaluator struct {
	mu    sync.RWMutex
	bools map[string]*vm.Program
	anys  map[string]*vm.Program
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		bools: make(map[string]*vm.Program),
		anys:  make(map[string]*vm.Program),
	}
}

// Bool evaluates a condition expression. An empty expression is vacuously
// true. The environment carries the run's visible data, e.g.:
//
//	env := map[string]any{
//	    "input": map[string]any{"mode": "strict"},
//	    "steps": map[string]any{"fetch": map[string]any{"y": 2}},
//	    "state": map[string]any{"count": 3},
//	}
//	ok, err := eval.Bool(`state.count > 2 && input.mode == "strict"`, env)
func (e *Evaluator) Bool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression, true)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, runtimeEnv(env))
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the execution context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T", result),
			Suggestion: "use comparison operators (==, !=, <, >) or boolean functions",
		}
	}
	return boolResult, nil
}

// Value evaluates an expression to an arbitrary value. Used for item
// sources, switch dispatch values and input mappings.
func (e *Evaluator) Value(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression, false)
	if err != nil {
		return nil, err
	}

	result, err := expr.Run(program, runtimeEnv(env))
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the execution context",
		}
	}
	return result, nil
}

// compile compiles an expression and caches the result. Boolean and value
// programs are cached separately because AsBool changes the compiled output.
func (e *Evaluator) compile(expression string, asBool bool) (*vm.Program, error) {
	cache := e.anys
	if asBool {
		cache = e.bools
	}

	e.mu.RLock()
	prog, ok := cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	opts := []expr.Option{
		expr.Env(helperEnv()),
		expr.AllowUndefinedVariables(),
	}
	if asBool {
		opts = append(opts, expr.AsBool())
	}

	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	e.mu.Lock()
	cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.bools) + len(e.anys)
}

// helperEnv declares the custom functions available to expressions.
// "contains" is a reserved string operator in expr, so collection membership
// goes through "has" and "includes".
func helperEnv() map[string]any {
	return map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}
}

func runtimeEnv(env map[string]any) map[string]any {
	merged := make(map[string]any, len(env)+3)
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range helperEnv() {
		merged[k] = v
	}
	return merged
}

// containsFunc reports whether a collection contains a value. Supports
// slices and maps (key membership).
func containsFunc(collection any, value any) bool {
	switch c := collection.(type) {
	case []any:
		for _, item := range c {
			if item == value {
				return true
			}
		}
	case []string:
		for _, item := range c {
			if item == value {
				return true
			}
		}
	case map[string]any:
		key, ok := value.(string)
		if !ok {
			return false
		}
		_, found := c[key]
		return found
	}
	return false
}

// lenFunc returns the length of a string, slice or map, and 0 otherwise.
func lenFunc(value any) int {
	switch v := value.(type) {
	case string:
		return len(v)
	case []any:
		return len(v)
	case []string:
		return len(v)
	case map[string]any:
		return len(v)
	}
	return 0
}
