package ensemble

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/podium-run/podium/internal/log"
	"github.com/podium-run/podium/pkg/agent"
	"github.com/podium-run/podium/pkg/errors"
)

// run is the mutable state of one ensemble execution (or one resumed
// segment of it). Fields guarded by mu are shared across the goroutines
// spawned by parallel constructs; everything else is set once up front.
type run struct {
	engine *Engine
	def    *Definition
	ec     *ExecContext

	mu         sync.Mutex
	metrics    *RunMetrics
	cache      map[string]map[string]any
	lastInputs map[string]map[string]any
	resume     map[string]any
	resumeStep string
}

// scope is the sequence-local view a step executes in: the previous
// output in this sequence, construct-injected bindings (item, index,
// error, ...), and whether leaf outputs publish to the shared context.
// Each goroutine owns its scope; scopes are never shared.
type scope struct {
	prev     map[string]any
	statuses map[string]StepStatus
	extras   map[string]any
	record   bool
}

func (sc *scope) child(record bool) *scope {
	extras := make(map[string]any, len(sc.extras))
	for k, v := range sc.extras {
		extras[k] = v
	}
	return &scope{
		statuses: sc.statuses,
		extras:   extras,
		record:   record,
	}
}

func (sc *scope) bind(key string, value any) *scope {
	sc.extras[key] = value
	return sc
}

// topScope backs its status map directly with the execution context so
// statuses survive suspension snapshots.
func (r *run) topScope() *scope {
	return &scope{
		prev:     r.ec.LastOutput,
		statuses: r.ec.Statuses,
		extras:   map[string]any{},
		record:   true,
	}
}

// suspendPoint marks where a suspension surfaced in the top-level flow.
type suspendPoint struct {
	index int
	step  string
	req   *agent.SuspendRequest
}

func (s *suspendPoint) Error() string {
	return fmt.Sprintf("execution suspended at step %d: %s", s.index, s.req.Reason)
}

func asSuspend(err error) *agent.SuspendRequest {
	var req *agent.SuspendRequest
	if stderrors.As(err, &req) {
		return req
	}
	return nil
}

// leafSuspend tags a SuspendRequest with the leaf that raised it. The
// resumed run re-enters the whole top-level step, which may be a construct
// holding other leaves before the suspended one; the tag lets the resume
// payload reach exactly the leaf that asked for it.
type leafSuspend struct {
	step string
	req  *agent.SuspendRequest
}

func (s *leafSuspend) Error() string { return s.req.Error() }
func (s *leafSuspend) Unwrap() error { return s.req }

func asLeafSuspend(err error) *leafSuspend {
	var ls *leafSuspend
	if stderrors.As(err, &ls) {
		return ls
	}
	return nil
}

// runLinear walks a flat flow of leaf steps in declaration order. Flows
// without control-flow constructs take this path; runGraph handles the
// rest. Both share executeLeaf, so a leaf behaves identically under
// either executor.
func (r *run) runLinear(ctx context.Context, start int) (map[string]any, error) {
	sc := r.topScope()
	var last map[string]any
	for i := start; i < len(r.def.Flow); i++ {
		step := &r.def.Flow[i]
		out, err := r.executeLeaf(ctx, step, sc)
		if err != nil {
			if ls := asLeafSuspend(err); ls != nil {
				return nil, &suspendPoint{index: i, step: ls.step, req: ls.req}
			}
			return nil, err
		}
		if out != nil {
			last = out
		}
		r.mu.Lock()
		r.ec.LastOutput = sc.prev
		r.mu.Unlock()
	}
	return last, nil
}

// executeLeaf runs a single agent step: dependency gate, when-condition,
// then the scored or plain invocation path. Status transitions are
// Pending -> Running -> Succeeded | Failed | Skipped; a suspending step
// stays Pending so a resumed run re-enters it.
func (r *run) executeLeaf(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	key := step.Key()

	for _, dep := range step.DependsOn {
		status := r.getStatus(sc, dep)
		if status == StatusSucceeded {
			continue
		}
		if status == StatusSkipped && r.engine.allowSkippedDeps {
			continue
		}
		r.setStatus(sc, key, StatusSkipped)
		r.engine.logger.Debug("step skipped: unmet dependency",
			"step", key, "dependency", dep, "dependency_status", string(status))
		return nil, nil
	}

	if step.When != "" {
		ok, err := r.engine.eval.Bool(step.When, r.env(sc, nil))
		if err != nil {
			r.setStatus(sc, key, StatusFailed)
			return nil, fmt.Errorf("evaluate when condition for step %s: %w", key, err)
		}
		if !ok {
			r.setStatus(sc, key, StatusSkipped)
			r.engine.logger.Debug("step skipped: when condition false", "step", key)
			return nil, nil
		}
	}

	r.setStatus(sc, key, StatusRunning)

	ctx, span := r.engine.tracer.Start(ctx, "ensemble.step",
		trace.WithAttributes(
			attribute.String("step.key", key),
			attribute.String("step.agent", step.Agent),
		),
	)
	defer span.End()

	policy := step.Scoring
	if policy == nil {
		policy = r.def.Scoring
	}

	var out map[string]any
	var err error
	if policy != nil {
		out, err = r.executeScored(ctx, step, policy, sc)
	} else {
		out, err = r.invokeLeaf(ctx, step, sc)
	}
	if err != nil {
		if asSuspend(err) != nil {
			span.AddEvent("step.suspended")
			return nil, err
		}
		r.setStatus(sc, key, StatusFailed)
		span.RecordError(err)
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}

	r.setStatus(sc, key, StatusSucceeded)
	sc.prev = out
	if sc.record {
		r.mu.Lock()
		r.ec.Outputs[key] = out
		r.mu.Unlock()
	}
	return out, nil
}

// invokeLeaf resolves the step's agent and input, then drives the
// retry/timeout/cache machinery around invokeAgent. State writes staged
// during the invocation commit only when it succeeds, so a failed or
// timed-out attempt never leaks partial state.
func (r *run) invokeLeaf(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	out, view, cacheKey, err := r.invokeAttempt(ctx, step, sc, true)
	if err != nil {
		return nil, err
	}
	r.acceptOutput(step, view, cacheKey, out)
	return out, nil
}

// acceptOutput finalizes a successful invocation: staged state writes
// commit and, when the step is cacheable, the output is stored for
// repeat invocations.
func (r *run) acceptOutput(step *Step, view *stateView, cacheKey string, out map[string]any) {
	view.commit()
	if step.Cache && cacheKey != "" {
		r.mu.Lock()
		r.cache[cacheKey] = copyMap(out)
		r.mu.Unlock()
	}
}

// invokeAttempt performs one scored-or-unscored invocation of a leaf:
// agent resolution, input resolution, optional cache lookup, and the
// engine-level retry loop. Staged state writes are NOT committed; the
// caller accepts or discards them once it knows whether the output
// stands. useCache gates cache reads so scoring retries re-invoke the
// agent instead of replaying the cached output.
func (r *run) invokeAttempt(ctx context.Context, step *Step, sc *scope, useCache bool) (map[string]any, *stateView, string, error) {
	key := step.Key()

	a, err := r.engine.registry.Resolve(step.Agent)
	if err != nil {
		return nil, nil, "", err
	}

	view := newStateView(r, key, step.State)
	input, err := r.resolveInput(step, sc, view)
	if err != nil {
		return nil, nil, "", err
	}
	r.mu.Lock()
	r.lastInputs[key] = input
	r.mu.Unlock()
	r.engine.logger.Debug("invoking agent",
		"step", key, "agent", a.Name(), "input", maskedInput(input))

	var cacheKey string
	if step.Cache {
		cacheKey = r.cacheKey(a.Name(), input)
		if useCache {
			r.mu.Lock()
			cached, hit := r.cache[cacheKey]
			r.mu.Unlock()
			if hit {
				r.recordMetric(AgentMetric{Name: a.Name(), Cached: true, Success: true})
				return copyMap(cached), view, "", nil
			}
		}
	}

	attempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > attempts {
		attempts = step.Retry.MaxAttempts
	}

	var out map[string]any
	for attempt := 1; ; attempt++ {
		out, err = r.invokeAgent(ctx, step, a, input, view, sc)
		if err == nil {
			break
		}
		if asSuspend(err) != nil {
			return nil, nil, "", err
		}
		var accessErr *errors.StateAccessError
		if stderrors.As(err, &accessErr) {
			return nil, nil, "", err
		}
		if attempt >= attempts {
			return nil, nil, "", err
		}
		delay := step.Retry.delay(attempt)
		r.engine.logger.Debug("retrying step",
			"step", key, "attempt", attempt, "delay", delay, "error", err)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, nil, "", ctx.Err()
			}
		}
	}

	return out, view, cacheKey, nil
}

// invokeAgent performs one attempt: rate-limit gate, timeout race, metric
// recording. A SuspendRequest passes through untouched and unrecorded;
// the step has not completed, and the resumed run will account for it.
func (r *run) invokeAgent(ctx context.Context, step *Step, a agent.Agent, input map[string]any, view *stateView, sc *scope) (map[string]any, error) {
	if r.engine.limiter != nil {
		if err := r.engine.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = r.engine.stepTimeout
	}

	cctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	inv := &agent.Invocation{
		StepID: step.Key(),
		Input:  input,
		Auth:   r.ec.Auth,
		Resume: r.takeResume(step.Key()),
		Agents: r.engine.registry,
		Logger: r.engine.logger.With("step", step.Key(), "agent", a.Name()),
	}
	if view != nil {
		inv.State = view
	}

	type invokeResult struct {
		out map[string]any
		err error
	}
	done := make(chan invokeResult, 1)
	started := time.Now()
	go func() {
		out, err := a.Execute(cctx, inv)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		elapsed := time.Since(started)
		if req := asSuspend(res.err); req != nil {
			if view != nil {
				view.discard()
			}
			return nil, &leafSuspend{step: step.Key(), req: req}
		}
		r.recordMetric(AgentMetric{
			Name:     a.Name(),
			Duration: elapsed,
			Success:  res.err == nil,
		})
		if res.err != nil {
			if view != nil {
				view.discard()
			}
			var accessErr *errors.StateAccessError
			if stderrors.As(res.err, &accessErr) {
				return nil, res.err
			}
			return nil, &errors.AgentExecutionError{
				Agent:  a.Name(),
				StepID: step.Key(),
				Cause:  res.err,
			}
		}
		return res.out, nil

	case <-cctx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not a step timeout.
			return nil, ctx.Err()
		}
		if view != nil {
			view.discard()
		}
		r.recordMetric(AgentMetric{
			Name:     a.Name(),
			Duration: time.Since(started),
			Success:  false,
		})
		if step.OnTimeout != nil && step.OnTimeout.Fallback != nil {
			r.engine.logger.Warn("step timed out, using fallback",
				"step", step.Key(), "agent", a.Name(), "timeout", timeout)
			return copyMap(step.OnTimeout.Fallback), nil
		}
		return nil, &errors.AgentExecutionError{
			Agent:   a.Name(),
			StepID:  step.Key(),
			Timeout: true,
			Cause:   cctx.Err(),
		}
	}
}

// lastResolvedInput reports the input most recently resolved for a step.
// The scoring evaluator uses it to judge output against input.
func (r *run) lastResolvedInput(step *Step) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastInputs[step.Key()]
}

// takeResume hands the resume payload to exactly one invocation: the
// re-entered leaf that suspended. Other leaves replayed on the way back
// to it (siblings inside a re-entered construct) see no payload.
func (r *run) takeResume(key string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resume == nil || key != r.resumeStep {
		return nil
	}
	payload := r.resume
	r.resume = nil
	return payload
}

func (r *run) setStatus(sc *scope, key string, status StepStatus) {
	r.mu.Lock()
	sc.statuses[key] = status
	r.mu.Unlock()
}

// getStatus mirrors setStatus: the status map is shared across parallel
// siblings, so reads take the same lock as writes.
func (r *run) getStatus(sc *scope, key string) StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sc.statuses[key]
}

func (r *run) recordMetric(m AgentMetric) {
	r.mu.Lock()
	r.metrics.Agents = append(r.metrics.Agents, m)
	if m.Cached {
		r.metrics.CacheHits++
	}
	r.mu.Unlock()
	r.engine.collector.ObserveInvocation(r.def.Name, m.Name, m.Duration, m.Cached, m.Success)
}

// cacheKey is deterministic for a given agent and input: encoding/json
// writes map keys in sorted order.
func (r *run) cacheKey(agentName string, input map[string]any) string {
	encoded, err := json.Marshal(input)
	if err != nil {
		return agentName + ":" + fmt.Sprintf("%v", input)
	}
	return agentName + ":" + string(encoded)
}

// maskedInput redacts values under credential-looking keys before input
// maps reach debug logs.
func maskedInput(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "token") || strings.Contains(lower, "secret") ||
			strings.Contains(lower, "password") || strings.Contains(lower, "api_key") ||
			strings.Contains(lower, "credential") {
			if s, ok := v.(string); ok {
				out[k] = log.SanitizeSecret(s)
				continue
			}
		}
		out[k] = v
	}
	return out
}
