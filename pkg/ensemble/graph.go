package ensemble

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/podium-run/podium/pkg/errors"
)

// runGraph walks the top-level flow interpreting control-flow constructs.
// Leaf steps go through the same executeLeaf path runLinear uses, so a
// flow containing no constructs produces identical results on either
// executor.
func (r *run) runGraph(ctx context.Context, start int) (map[string]any, error) {
	sc := r.topScope()
	var last map[string]any
	for i := start; i < len(r.def.Flow); i++ {
		step := &r.def.Flow[i]
		out, err := r.executeStep(ctx, step, sc)
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

// executeStep dispatches one flow node: leaves to executeLeaf, constructs
// to their interpreters. Construct outputs publish under the construct's
// key like leaf outputs do.
func (r *run) executeStep(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	if step.IsLeaf() {
		return r.executeLeaf(ctx, step, sc)
	}

	key := step.Key()
	r.setStatus(sc, key, StatusRunning)

	var out map[string]any
	var err error
	switch step.Type {
	case StepParallel:
		out, err = r.executeParallel(ctx, step, sc)
	case StepBranch:
		out, err = r.executeBranch(ctx, step, sc)
	case StepForeach:
		out, err = r.executeForeach(ctx, step, sc)
	case StepTry:
		out, err = r.executeTry(ctx, step, sc)
	case StepSwitch:
		out, err = r.executeSwitch(ctx, step, sc)
	case StepWhile:
		out, err = r.executeWhile(ctx, step, sc)
	case StepMapReduce:
		out, err = r.executeMapReduce(ctx, step, sc)
	default:
		err = &errors.ConfigurationError{
			Field:   "type",
			Message: fmt.Sprintf("unknown step type %q", step.Type),
		}
	}

	if err != nil {
		if asSuspend(err) == nil {
			r.setStatus(sc, key, StatusFailed)
		}
		return nil, err
	}

	r.setStatus(sc, key, StatusSucceeded)
	if out != nil {
		sc.prev = out
		if sc.record {
			r.mu.Lock()
			r.ec.Outputs[key] = out
			r.mu.Unlock()
		}
	}
	return out, nil
}

// runSequence executes construct children in order, threading the previous
// output through the shared scope. Returns the last non-nil child output.
func (r *run) runSequence(ctx context.Context, steps []Step, sc *scope) (map[string]any, error) {
	var last map[string]any
	for i := range steps {
		out, err := r.executeStep(ctx, &steps[i], sc)
		if err != nil {
			return nil, err
		}
		if out != nil {
			last = out
		}
	}
	return last, nil
}

type childResult struct {
	idx int
	key string
	out map[string]any
	err error
}

// executeParallel runs children concurrently under a semaphore. Resolution
// follows WaitFor: all children (any failure fails the group), the first
// success, or the first completion. For any/first, losing children are
// cancelled cooperatively, the group still waits for every goroutine to
// return, and only the winner's output is published.
func (r *run) executeParallel(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	mode := step.WaitFor
	if mode == "" {
		mode = WaitAll
	}

	limit := step.MaxConcurrency
	if limit <= 0 {
		limit = r.engine.parallelLimit
	}
	if limit > len(step.Steps) {
		limit = len(step.Steps)
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, limit)
	results := make(chan childResult, len(step.Steps))

	var wg sync.WaitGroup
	for i := range step.Steps {
		child := &step.Steps[i]
		wg.Add(1)
		go func(idx int, child *Step) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				results <- childResult{idx: idx, key: child.Key(), err: gctx.Err()}
				return
			}
			csc := sc.child(mode == WaitAll && sc.record)
			out, err := r.executeStep(gctx, child, csc)
			results <- childResult{idx: idx, key: child.Key(), out: out, err: err}
		}(i, child)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	switch mode {
	case WaitAll:
		collected := make(map[string]any, len(step.Steps))
		var firstErr error
		for res := range results {
			if res.err != nil {
				if firstErr == nil {
					firstErr = res.err
					cancel()
				}
				continue
			}
			collected[res.key] = res.out
		}
		if firstErr != nil {
			return nil, firstErr
		}
		return collected, nil

	case WaitAny:
		var winner *childResult
		var lastErr error
		for res := range results {
			if res.err == nil && winner == nil {
				w := res
				winner = &w
				cancel()
				continue
			}
			if res.err != nil && !stderrors.Is(res.err, context.Canceled) {
				lastErr = res.err
			}
		}
		if winner == nil {
			if lastErr == nil {
				lastErr = &errors.AgentExecutionError{
					StepID: step.Key(),
					Cause:  fmt.Errorf("no parallel child succeeded"),
				}
			}
			return nil, lastErr
		}
		r.publishWinner(sc, winner)
		return winner.out, nil

	default: // WaitFirst
		var winner *childResult
		for res := range results {
			if winner == nil && !stderrors.Is(res.err, context.Canceled) {
				w := res
				winner = &w
				cancel()
			}
		}
		if winner == nil {
			return nil, ctx.Err()
		}
		if winner.err != nil {
			return nil, winner.err
		}
		r.publishWinner(sc, winner)
		return winner.out, nil
	}
}

// publishWinner surfaces the resolving child's output; the siblings'
// buffered outputs are discarded with their scopes.
func (r *run) publishWinner(sc *scope, winner *childResult) {
	if !sc.record || winner.out == nil {
		return
	}
	r.mu.Lock()
	r.ec.Outputs[winner.key] = winner.out
	r.mu.Unlock()
}

func (r *run) executeBranch(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	cond, err := r.engine.eval.Bool(step.Condition, r.env(sc, nil))
	if err != nil {
		return nil, fmt.Errorf("evaluate branch condition for %s: %w", step.Key(), err)
	}

	arm := step.Then
	if !cond {
		arm = step.Else
	}
	if len(arm) == 0 {
		return nil, nil
	}
	return r.runSequence(ctx, arm, sc.child(sc.record))
}

// executeForeach iterates the body over the items expression result.
// Sequential by default, so iteration state observes declaration order;
// with max_concurrency > 1 completed results are still assembled in item
// order. break_when is checked after each completed iteration and stops
// further scheduling without discarding already-completed results.
func (r *run) executeForeach(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	items, err := r.resolveItems(step.Items, sc)
	if err != nil {
		return nil, err
	}
	total := len(items)

	mc := step.MaxConcurrency
	if mc <= 0 {
		mc = 1
	}

	if mc == 1 {
		results := make([]any, 0, total)
		for idx, item := range items {
			csc := sc.child(false).bind("item", item).bind("index", idx).bind("total", total)
			out, err := r.executeStep(ctx, step.Body, csc)
			if err != nil {
				return nil, err
			}
			results = append(results, iterationValue(out))

			if step.BreakWhen != "" {
				bsc := csc.child(false).bind("result", iterationValue(out)).bind("results", results)
				stop, err := r.engine.eval.Bool(step.BreakWhen, r.env(bsc, nil))
				if err != nil {
					return nil, fmt.Errorf("evaluate break_when for %s: %w", step.Key(), err)
				}
				if stop {
					break
				}
			}
		}
		return map[string]any{"results": results, "count": len(results)}, nil
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	completed := make(map[int]any, total)
	stopped := false
	var firstErr error

	sem := make(chan struct{}, mc)
	var wg sync.WaitGroup

	for idx, item := range items {
		mu.Lock()
		stop := stopped
		mu.Unlock()
		if stop {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
		}
		if gctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(idx int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			csc := sc.child(false).bind("item", item).bind("index", idx).bind("total", total)
			out, err := r.executeStep(gctx, step.Body, csc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					stopped = true
					cancel()
				}
				return
			}
			completed[idx] = iterationValue(out)

			if step.BreakWhen != "" && !stopped {
				bsc := csc.child(false).bind("result", iterationValue(out)).bind("results", orderedResults(completed))
				stop, berr := r.engine.eval.Bool(step.BreakWhen, r.env(bsc, nil))
				if berr != nil {
					firstErr = fmt.Errorf("evaluate break_when for %s: %w", step.Key(), berr)
					stopped = true
					cancel()
					return
				}
				if stop {
					stopped = true
				}
			}
		}(idx, item)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	results := orderedResults(completed)
	return map[string]any{"results": results, "count": len(results)}, nil
}

func orderedResults(completed map[int]any) []any {
	indexes := make([]int, 0, len(completed))
	for idx := range completed {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	results := make([]any, 0, len(indexes))
	for _, idx := range indexes {
		results = append(results, completed[idx])
	}
	return results
}

// iterationValue is what a body iteration contributes to the results list.
func iterationValue(out map[string]any) any {
	if out == nil {
		return nil
	}
	return out
}

// executeTry runs its children, routing failures through catch. Finally
// always runs after the protected block and its handler; a finally failure
// surfaces only when nothing earlier already failed. A suspension inside
// try propagates immediately: the run has not failed, it is paused, and
// the resumed run re-enters the whole construct.
func (r *run) executeTry(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	out, err := r.runSequence(ctx, step.Steps, sc.child(sc.record))
	if err != nil && asSuspend(err) != nil {
		return nil, err
	}

	var result map[string]any
	var runErr error
	if err != nil {
		if len(step.Catch) > 0 {
			r.engine.logger.Debug("try block failed, running catch",
				"step", step.Key(), "error", err)
			csc := sc.child(sc.record).bind("error", map[string]any{"message": err.Error()})
			result, runErr = r.runSequence(ctx, step.Catch, csc)
		} else {
			runErr = err
		}
	} else {
		result = out
	}

	if len(step.Finally) > 0 {
		if _, ferr := r.runSequence(ctx, step.Finally, sc.child(sc.record)); ferr != nil && runErr == nil {
			runErr = ferr
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (r *run) executeSwitch(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	value, err := r.engine.eval.Value(step.Value, r.env(sc, nil))
	if err != nil {
		return nil, fmt.Errorf("evaluate switch value for %s: %w", step.Key(), err)
	}

	key, ok := value.(string)
	if !ok {
		key = fmt.Sprintf("%v", value)
	}

	arm, ok := step.Cases[key]
	if !ok {
		arm = step.Default
	}
	if len(arm) == 0 {
		r.engine.logger.Debug("switch matched no case", "step", step.Key(), "value", key)
		return nil, nil
	}
	return r.runSequence(ctx, arm, sc.child(sc.record))
}

// executeWhile evaluates the condition before each iteration, bounded by
// max_iterations. Hitting the bound with the condition still true is not
// an error, but is surfaced in the output and the run metrics.
func (r *run) executeWhile(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	iterations := 0
	var last map[string]any
	csc := sc.child(sc.record)

	for i := 0; i < step.MaxIterations; i++ {
		csc.bind("iteration", i)
		cont, err := r.engine.eval.Bool(step.Condition, r.env(csc, nil))
		if err != nil {
			return nil, fmt.Errorf("evaluate while condition for %s: %w", step.Key(), err)
		}
		if !cont {
			break
		}

		out, err := r.runSequence(ctx, step.Steps, csc)
		if err != nil {
			return nil, err
		}
		if out != nil {
			last = out
		}
		iterations++
	}

	limitReached := iterations == step.MaxIterations
	if limitReached {
		// The bound fired with the condition possibly still true; check
		// once more so a loop that finished exactly at the bound does not
		// report a truncation.
		csc.bind("iteration", iterations)
		if cont, err := r.engine.eval.Bool(step.Condition, r.env(csc, nil)); err == nil && !cont {
			limitReached = false
		}
	}
	if limitReached {
		r.engine.logger.Warn("while loop hit iteration bound",
			"step", step.Key(), "max_iterations", step.MaxIterations)
		r.mu.Lock()
		r.metrics.LoopLimitReached++
		r.mu.Unlock()
		r.engine.collector.LoopLimitReached(r.def.Name)
	}

	return map[string]any{
		"iterations":    iterations,
		"limit_reached": limitReached,
		"output":        last,
	}, nil
}

// executeMapReduce fans the map step out over the items under an errgroup,
// then runs reduce once with the item-ordered results as its previous
// output.
func (r *run) executeMapReduce(ctx context.Context, step *Step, sc *scope) (map[string]any, error) {
	items, err := r.resolveItems(step.Items, sc)
	if err != nil {
		return nil, err
	}
	total := len(items)

	mc := step.MaxConcurrency
	if mc <= 0 {
		mc = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mc)
	results := make([]any, total)

	for idx, item := range items {
		g.Go(func() error {
			csc := sc.child(false).bind("item", item).bind("index", idx).bind("total", total)
			out, err := r.executeStep(gctx, step.Map, csc)
			if err != nil {
				return err
			}
			results[idx] = iterationValue(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rsc := sc.child(false).bind("results", results)
	rsc.prev = map[string]any{"results": results}
	return r.executeStep(ctx, step.Reduce, rsc)
}
