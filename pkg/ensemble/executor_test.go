package ensemble

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podium-run/podium/pkg/agent"
	"github.com/podium-run/podium/pkg/errors"
)

func fn(name string, f func(ctx context.Context, inv *agent.Invocation) (map[string]any, error)) agent.Agent {
	return &agent.Func{AgentName: name, Fn: f}
}

// constant returns a test agent that always produces the same output.
func constant(name string, out map[string]any) agent.Agent {
	return fn(name, func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
		return out, nil
	})
}

func newTestEngine(t *testing.T, agents ...agent.Agent) *Engine {
	t.Helper()
	reg := agent.NewRegistry()
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	return New(reg).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLinearChainThreadsOutputs(t *testing.T) {
	var processSaw map[string]any
	e := newTestEngine(t,
		constant("fetch", map[string]any{"data": []any{1, 2, 3}}),
		fn("process", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			processSaw = inv.Input
			return map[string]any{"count": len(inv.Input["data"].([]any))}, nil
		}),
		fn("format", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			return map[string]any{"text": "done"}, nil
		}),
	)

	def := &Definition{
		Name: "chain",
		Flow: []Step{
			{Agent: "fetch"},
			{Agent: "process"},
			{Agent: "format"},
		},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"text": "done"}, result.Output)
	assert.Equal(t, []any{1, 2, 3}, processSaw["data"], "second step should receive first step's output")

	require.Len(t, result.Metrics.Agents, 3)
	names := []string{result.Metrics.Agents[0].Name, result.Metrics.Agents[1].Name, result.Metrics.Agents[2].Name}
	assert.Equal(t, []string{"fetch", "process", "format"}, names)
	for _, m := range result.Metrics.Agents {
		assert.True(t, m.Success)
		assert.False(t, m.Cached)
	}
}

func TestExplicitInputMapping(t *testing.T) {
	var saw map[string]any
	e := newTestEngine(t,
		constant("first", map[string]any{"value": 10}),
		fn("second", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			saw = inv.Input
			return map[string]any{}, nil
		}),
	)

	def := &Definition{
		Name: "mapping",
		Flow: []Step{
			{Agent: "first"},
			{Agent: "second", Input: map[string]any{
				"doubled": "steps.first.value * 2",
				"name":    "input.name",
				"static":  42,
			}},
		},
	}

	_, err := e.Run(context.Background(), def, map[string]any{"name": "rex"})
	require.NoError(t, err)

	assert.Equal(t, 20, saw["doubled"])
	assert.Equal(t, "rex", saw["name"])
	assert.Equal(t, 42, saw["static"], "non-string mapping values pass through untouched")
}

func TestInputFallsBackToEnsembleInput(t *testing.T) {
	var saw map[string]any
	e := newTestEngine(t,
		fn("solo", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			saw = inv.Input
			return map[string]any{}, nil
		}),
	)

	def := &Definition{Name: "fallback", Flow: []Step{{Agent: "solo"}}}
	_, err := e.Run(context.Background(), def, map[string]any{"topic": "cats"})
	require.NoError(t, err)
	assert.Equal(t, "cats", saw["topic"], "first step with no mapping should see the ensemble input")
}

func TestDefaultInputsMerged(t *testing.T) {
	var saw map[string]any
	e := newTestEngine(t,
		fn("solo", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			saw = inv.Input
			return map[string]any{}, nil
		}),
	)

	def := &Definition{
		Name:   "defaults",
		Inputs: map[string]any{"lang": "en", "tone": "formal"},
		Flow:   []Step{{Agent: "solo"}},
	}
	_, err := e.Run(context.Background(), def, map[string]any{"tone": "casual"})
	require.NoError(t, err)
	assert.Equal(t, "en", saw["lang"])
	assert.Equal(t, "casual", saw["tone"], "caller input wins over declared defaults")
}

func TestWhenConditionSkips(t *testing.T) {
	var invoked atomic.Int32
	e := newTestEngine(t,
		constant("always", map[string]any{"ok": true}),
		fn("guarded", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			invoked.Add(1)
			return map[string]any{}, nil
		}),
		constant("last", map[string]any{"done": true}),
	)

	def := &Definition{
		Name: "conditional",
		Flow: []Step{
			{Agent: "always"},
			{Agent: "guarded", When: "input.enabled"},
			{Agent: "last"},
		},
	}

	result, err := e.Run(context.Background(), def, map[string]any{"enabled": false})
	require.NoError(t, err)

	assert.Equal(t, int32(0), invoked.Load())
	assert.Equal(t, map[string]any{"done": true}, result.Output)
	// Skipped steps record no metric.
	require.Len(t, result.Metrics.Agents, 2)
}

func TestDependsOnSkipsWhenDependencySkipped(t *testing.T) {
	var invoked atomic.Int32
	e := newTestEngine(t,
		constant("gate", map[string]any{}),
		fn("dependent", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			invoked.Add(1)
			return map[string]any{}, nil
		}),
	)

	def := &Definition{
		Name: "deps",
		Flow: []Step{
			{ID: "gate", Agent: "gate", When: "false"},
			{ID: "dependent", Agent: "dependent", DependsOn: []string{"gate"}},
		},
	}

	_, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), invoked.Load(), "dependent should skip when its dependency skipped")
}

func TestAllowSkippedDependencies(t *testing.T) {
	var invoked atomic.Int32
	e := newTestEngine(t,
		constant("gate", map[string]any{}),
		fn("dependent", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			invoked.Add(1)
			return map[string]any{}, nil
		}),
	).AllowSkippedDependencies()

	def := &Definition{
		Name: "deps",
		Flow: []Step{
			{ID: "gate", Agent: "gate", When: "false"},
			{ID: "dependent", Agent: "dependent", DependsOn: []string{"gate"}},
		},
	}

	_, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), invoked.Load())
}

func TestTimeoutFallback(t *testing.T) {
	e := newTestEngine(t,
		fn("slow", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{"real": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	)

	def := &Definition{
		Name: "timeouts",
		Flow: []Step{{
			Agent:     "slow",
			Timeout:   Duration(30 * time.Millisecond),
			OnTimeout: &TimeoutPolicy{Fallback: map[string]any{"status": "degraded"}},
		}},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "degraded"}, result.Output)

	require.Len(t, result.Metrics.Agents, 1)
	assert.False(t, result.Metrics.Agents[0].Success, "timed-out invocation records a failed metric even with a fallback")
}

func TestTimeoutWithoutFallbackFails(t *testing.T) {
	e := newTestEngine(t,
		fn("slow", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)

	def := &Definition{
		Name: "timeouts",
		Flow: []Step{{ID: "s", Agent: "slow", Timeout: Duration(20 * time.Millisecond)}},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.Error(t, err)

	var execErr *errors.AgentExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.Timeout)
	assert.Equal(t, "s", execErr.StepID)

	// Partial metrics travel with the failure.
	require.Len(t, result.Metrics.Agents, 1)
	assert.False(t, result.Metrics.Agents[0].Success)
}

func TestRetryPolicyRecovers(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t,
		fn("flaky", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			if calls.Add(1) < 3 {
				return nil, assert.AnError
			}
			return map[string]any{"ok": true}, nil
		}),
	)

	def := &Definition{
		Name: "retries",
		Flow: []Step{{Agent: "flaky", Retry: &RetryPolicy{MaxAttempts: 3}}},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	require.Len(t, result.Metrics.Agents, 3, "every attempt records a metric")
	assert.False(t, result.Metrics.Agents[0].Success)
	assert.False(t, result.Metrics.Agents[1].Success)
	assert.True(t, result.Metrics.Agents[2].Success)
}

func TestRetryExhaustionFails(t *testing.T) {
	e := newTestEngine(t,
		fn("broken", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			return nil, assert.AnError
		}),
	)

	def := &Definition{
		Name: "retries",
		Flow: []Step{{Agent: "broken", Retry: &RetryPolicy{MaxAttempts: 2}}},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.Error(t, err)

	var execErr *errors.AgentExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "broken", execErr.Agent)
	require.Len(t, result.Metrics.Agents, 2)
}

func TestCacheServesRepeatInvocation(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t,
		fn("pricey", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"answer": 42}, nil
		}),
	)

	def := &Definition{
		Name: "caching",
		Flow: []Step{
			{ID: "a", Agent: "pricey", Cache: true, Input: map[string]any{"q": "input.q"}},
			{ID: "b", Agent: "pricey", Cache: true, Input: map[string]any{"q": "input.q"}},
		},
	}

	result, err := e.Run(context.Background(), def, map[string]any{"q": "life"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "identical input should hit the per-run cache")
	assert.Equal(t, 1, result.Metrics.CacheHits)

	require.Len(t, result.Metrics.Agents, 2)
	assert.False(t, result.Metrics.Agents[0].Cached)
	assert.True(t, result.Metrics.Agents[1].Cached)
	assert.True(t, result.Metrics.Agents[1].Success)
}

func TestOutputMapping(t *testing.T) {
	e := newTestEngine(t,
		constant("worker", map[string]any{"value": 7}),
	)

	def := &Definition{
		Name: "outputs",
		Flow: []Step{{ID: "worker", Agent: "worker"}},
		Output: map[string]any{
			"tripled": "steps.worker.value * 3",
			"label":   "'done'",
		},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 21, result.Output["tripled"])
	assert.Equal(t, "done", result.Output["label"])
}

func TestUnresolvableAgentFailsRun(t *testing.T) {
	e := newTestEngine(t)

	def := &Definition{Name: "missing", Flow: []Step{{Agent: "no-such-agent"}}}
	_, err := e.Run(context.Background(), def, nil)
	require.Error(t, err)

	var resErr *errors.AgentResolutionError
	assert.ErrorAs(t, err, &resErr)
}

func TestValidationRejectsBeforeExecution(t *testing.T) {
	var invoked atomic.Int32
	e := newTestEngine(t,
		fn("a", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			invoked.Add(1)
			return map[string]any{}, nil
		}),
	)

	def := &Definition{
		Name: "invalid",
		Flow: []Step{
			{Agent: "a"},
			{Agent: "a", DependsOn: []string{"later"}},
		},
	}

	_, err := e.Run(context.Background(), def, nil)
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, int32(0), invoked.Load(), "nothing runs when validation fails")
}

func TestStepStatusTransitions(t *testing.T) {
	e := newTestEngine(t,
		constant("first", map[string]any{"ok": true}),
		constant("second", map[string]any{}),
		constant("third", map[string]any{}),
	)

	def := &Definition{
		Name: "statuses",
		Flow: []Step{
			{ID: "a", Agent: "first"},
			{ID: "b", Agent: "second", When: "false"},
			{ID: "c", Agent: "third", DependsOn: []string{"b"}},
		},
	}
	require.NoError(t, def.Validate())

	ec := NewExecContext(map[string]any{}, nil)
	r := &run{
		engine:     e,
		def:        def,
		ec:         ec,
		metrics:    &RunMetrics{Ensemble: def.Name},
		cache:      make(map[string]map[string]any),
		lastInputs: make(map[string]map[string]any),
	}

	_, err := r.runLinear(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, ec.Statuses["a"])
	assert.Equal(t, StatusSkipped, ec.Statuses["b"])
	assert.Equal(t, StatusSkipped, ec.Statuses["c"])
}
