package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/podium-run/podium/pkg/ensemble/expression"
	"github.com/podium-run/podium/pkg/errors"
)

// builtinCatalog returns the agents every registry ships with.
func builtinCatalog() []Agent {
	return []Agent{
		&Func{AgentName: "echo", Fn: echoAgent},
		&Func{AgentName: "delay", Fn: delayAgent},
		&Func{AgentName: "transform", Fn: transformAgent},
		&Func{AgentName: "approval.gate", Fn: approvalGateAgent},
	}
}

// builtinFactories returns the inline-spec factories every registry ships
// with.
func builtinFactories() map[string]Factory {
	return map[string]Factory{
		"jq":       newJQAgent,
		"expr":     newExprAgent,
		"constant": newConstantAgent,
	}
}

// echoAgent returns its input unchanged. Useful as a wiring probe and in
// tests.
func echoAgent(ctx context.Context, inv *Invocation) (map[string]any, error) {
	out := make(map[string]any, len(inv.Input))
	for k, v := range inv.Input {
		out[k] = v
	}
	return out, nil
}

// delayAgent sleeps for input "ms" milliseconds, honoring cancellation.
func delayAgent(ctx context.Context, inv *Invocation) (map[string]any, error) {
	ms, ok := toInt(inv.Input["ms"])
	if !ok || ms < 0 {
		return nil, &errors.ValidationError{
			Field:      "ms",
			Message:    "delay agent requires a non-negative integer \"ms\" input",
			Suggestion: "pass the delay duration in milliseconds",
		}
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"slept_ms": ms}, nil
}

// transformAgent applies a jq program from input "query" to input "data".
func transformAgent(ctx context.Context, inv *Invocation) (map[string]any, error) {
	query, _ := inv.Input["query"].(string)
	if query == "" {
		return nil, &errors.ValidationError{
			Field:      "query",
			Message:    "transform agent requires a \"query\" input",
			Suggestion: "pass a jq program, e.g. \".items | length\"",
		}
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "query",
			Message:    fmt.Sprintf("invalid jq program: %s", err.Error()),
			Suggestion: "check the jq syntax",
		}
	}

	result, err := runJQ(ctx, parsed, inv.Input["data"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

// approvalGateAgent suspends the run pending external approval. Once the
// run is resumed the gate returns the approver-supplied resume input as its
// output, so downstream steps can consume the decision data.
func approvalGateAgent(ctx context.Context, inv *Invocation) (map[string]any, error) {
	if inv.Resume != nil {
		return inv.Resume, nil
	}

	reason, _ := inv.Input["reason"].(string)
	if reason == "" {
		reason = "awaiting approval"
	}

	req := &SuspendRequest{Reason: reason, Payload: inv.Input}
	if ttl, ok := toInt(inv.Input["ttl_seconds"]); ok && ttl > 0 {
		req.TTL = time.Duration(ttl) * time.Second
	}
	return nil, req
}

// newJQAgent builds an inline agent that applies a fixed jq program to its
// whole input. The program is compiled once at instantiation.
func newJQAgent(name string, config map[string]any) (Agent, error) {
	query, _ := config["query"].(string)
	if query == "" {
		return nil, &errors.ValidationError{
			Field:   "config.query",
			Message: fmt.Sprintf("jq agent %s requires a query", name),
		}
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "config.query",
			Message: fmt.Sprintf("invalid jq program for agent %s: %s", name, err.Error()),
		}
	}

	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "config.query",
			Message: fmt.Sprintf("jq program for agent %s does not compile: %s", name, err.Error()),
		}
	}

	return &Func{AgentName: name, Fn: func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		result, err := runCompiledJQ(ctx, code, toJQValue(inv.Input))
		if err != nil {
			return nil, err
		}
		if m, ok := result.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": result}, nil
	}}, nil
}

// newExprAgent builds an inline agent that evaluates a fixed expr-lang
// expression against {input}. Used for lightweight evaluators and
// derivations without a full agent implementation.
func newExprAgent(name string, config map[string]any) (Agent, error) {
	exprSrc, _ := config["expression"].(string)
	if exprSrc == "" {
		return nil, &errors.ValidationError{
			Field:   "config.expression",
			Message: fmt.Sprintf("expr agent %s requires an expression", name),
		}
	}

	eval := expression.New()
	return &Func{AgentName: name, Fn: func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		result, err := eval.Value(exprSrc, map[string]any{"input": inv.Input})
		if err != nil {
			return nil, err
		}
		if m, ok := result.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": result}, nil
	}}, nil
}

// newConstantAgent builds an inline agent that always returns a fixed value.
func newConstantAgent(name string, config map[string]any) (Agent, error) {
	value, ok := config["value"]
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "config.value",
			Message: fmt.Sprintf("constant agent %s requires a value", name),
		}
	}

	return &Func{AgentName: name, Fn: func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		if m, ok := value.(map[string]any); ok {
			out := make(map[string]any, len(m))
			for k, v := range m {
				out[k] = v
			}
			return out, nil
		}
		return map[string]any{"value": value}, nil
	}}, nil
}

func runJQ(ctx context.Context, query *gojq.Query, data any) (any, error) {
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile jq program: %w", err)
	}
	return runCompiledJQ(ctx, code, toJQValue(data))
}

func runCompiledJQ(ctx context.Context, code *gojq.Code, data any) (any, error) {
	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq evaluation: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// toJQValue normalizes values to the types gojq accepts (nil, bool, int,
// float64, string, []any, map[string]any).
func toJQValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJQValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJQValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
