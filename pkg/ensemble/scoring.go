package ensemble

import (
	"context"
	"fmt"
	"time"

	"github.com/podium-run/podium/pkg/errors"
)

// FailureAction selects what happens when a score falls below the minimum
// threshold.
type FailureAction string

const (
	// FailureRetry re-invokes the agent, bounded by RetryLimit.
	FailureRetry FailureAction = "retry"
	// FailureContinue accepts the substandard result.
	FailureContinue FailureAction = "continue"
	// FailureAbort fails the whole run.
	FailureAbort FailureAction = "abort"
)

// BackoffStrategy shapes the wait between scoring retries.
type BackoffStrategy string

const (
	// BackoffFixed waits InitialDelay between every retry.
	BackoffFixed BackoffStrategy = "fixed"
	// BackoffLinear waits InitialDelay * retry number.
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential doubles the wait each retry.
	BackoffExponential BackoffStrategy = "exponential"
)

// Thresholds are the score bands a result is judged against. Only Minimum
// gates execution; Target and Excellent are reported for observability.
type Thresholds struct {
	Minimum   float64 `yaml:"minimum" json:"minimum"`
	Target    float64 `yaml:"target,omitempty" json:"target,omitempty"`
	Excellent float64 `yaml:"excellent,omitempty" json:"excellent,omitempty"`
}

// ScoreBackoff configures the wait between scoring retries.
type ScoreBackoff struct {
	Strategy     BackoffStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	InitialDelay Duration        `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     Duration        `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// ScorePolicy declares post-hoc quality evaluation of a step's output.
// The evaluator agent receives {output, input} and must return a numeric
// "score".
type ScorePolicy struct {
	// Evaluator is the agent reference that scores the output.
	Evaluator string `yaml:"evaluator" json:"evaluator"`

	// Thresholds are the score bands.
	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`

	// OnFailure selects the policy when score < minimum. Default retry.
	OnFailure FailureAction `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// RetryLimit bounds retries beyond the first attempt.
	RetryLimit int `yaml:"retry_limit,omitempty" json:"retry_limit,omitempty"`

	// RequireImprovement stops retrying early when an attempt does not
	// improve on the previous score by at least MinImprovement.
	RequireImprovement bool    `yaml:"require_improvement,omitempty" json:"require_improvement,omitempty"`
	MinImprovement     float64 `yaml:"min_improvement,omitempty" json:"min_improvement,omitempty"`

	// Backoff shapes the wait between retries.
	Backoff ScoreBackoff `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

func (p *ScorePolicy) validate(path string) error {
	if p.Evaluator == "" {
		return &errors.ConfigurationError{
			Field:   path + ".evaluator",
			Message: "scoring requires an evaluator agent reference",
		}
	}
	switch p.OnFailure {
	case "", FailureRetry, FailureContinue, FailureAbort:
	default:
		return &errors.ConfigurationError{
			Field:      path + ".on_failure",
			Message:    fmt.Sprintf("unknown failure action %q", p.OnFailure),
			Suggestion: "use one of: retry, continue, abort",
		}
	}
	switch p.Backoff.Strategy {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return &errors.ConfigurationError{
			Field:      path + ".backoff.strategy",
			Message:    fmt.Sprintf("unknown backoff strategy %q", p.Backoff.Strategy),
			Suggestion: "use one of: fixed, linear, exponential",
		}
	}
	if p.RetryLimit < 0 {
		return &errors.ConfigurationError{
			Field:   path + ".retry_limit",
			Message: "retry_limit cannot be negative",
		}
	}
	return nil
}

// action returns the effective failure action.
func (p *ScorePolicy) action() FailureAction {
	if p.OnFailure == "" {
		return FailureRetry
	}
	return p.OnFailure
}

// retryDelay computes the wait before retry n (1-based).
func (p *ScorePolicy) retryDelay(retry int) time.Duration {
	initial := time.Duration(p.Backoff.InitialDelay)
	if initial <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff.Strategy {
	case BackoffLinear:
		delay = initial * time.Duration(retry)
	case BackoffExponential:
		delay = initial << (retry - 1)
	default: // fixed
		delay = initial
	}

	if max := time.Duration(p.Backoff.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	return delay
}

// executeScored runs a leaf step under a scoring policy: invoke the agent,
// delegate the output to the evaluator, and retry/continue/abort per
// policy. Every attempt, pass or fail, lands in the step's score history.
// Staged state writes commit only with an accepted output; a rejected
// attempt leaves shared state untouched. Scoring retries bypass the
// per-run cache, which would otherwise replay the rejected output
// verbatim.
func (r *run) executeScored(ctx context.Context, step *Step, policy *ScorePolicy, sc *scope) (map[string]any, error) {
	key := step.Key()
	state := r.scoreState(key)

	var prevScore float64
	for attempt := 1; ; attempt++ {
		out, view, cacheKey, err := r.invokeAttempt(ctx, step, sc, attempt == 1)
		if err != nil {
			return nil, err
		}

		score, err := r.evaluateScore(ctx, step, policy, out, sc)
		if err != nil {
			view.discard()
			return nil, err
		}

		passed := score >= policy.Thresholds.Minimum
		r.mu.Lock()
		state.Attempts = attempt
		state.LastScore = score
		state.History = append(state.History, AttemptScore{
			Attempt: attempt,
			Score:   score,
			Passed:  passed,
			At:      time.Now(),
		})
		r.mu.Unlock()

		r.engine.logger.Debug("scored step output",
			"step", key,
			"attempt", attempt,
			"score", score,
			"minimum", policy.Thresholds.Minimum,
			"passed", passed,
		)

		if passed {
			r.acceptOutput(step, view, cacheKey, out)
			return out, nil
		}

		switch policy.action() {
		case FailureContinue:
			r.acceptOutput(step, view, cacheKey, out)
			return out, nil

		case FailureAbort:
			view.discard()
			return nil, &errors.ScoreThresholdError{
				StepID:   key,
				Score:    score,
				Minimum:  policy.Thresholds.Minimum,
				Attempts: attempt,
			}

		case FailureRetry:
			view.discard()
			if attempt > policy.RetryLimit {
				return nil, &errors.ScoreThresholdError{
					StepID:   key,
					Score:    score,
					Minimum:  policy.Thresholds.Minimum,
					Attempts: attempt,
				}
			}
			if policy.RequireImprovement && attempt > 1 && score-prevScore < policy.MinImprovement {
				r.engine.logger.Debug("stopping scoring retries: insufficient improvement",
					"step", key,
					"score", score,
					"previous", prevScore,
					"min_improvement", policy.MinImprovement,
				)
				return nil, &errors.ScoreThresholdError{
					StepID:   key,
					Score:    score,
					Minimum:  policy.Thresholds.Minimum,
					Attempts: attempt,
				}
			}
			prevScore = score

			if delay := policy.retryDelay(attempt); delay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
		}
	}
}

// evaluateScore delegates the step output to the policy's evaluator agent
// and extracts the numeric score.
func (r *run) evaluateScore(ctx context.Context, step *Step, policy *ScorePolicy, output map[string]any, sc *scope) (float64, error) {
	evaluator, err := r.engine.registry.Resolve(policy.Evaluator)
	if err != nil {
		return 0, err
	}

	evalStep := &Step{ID: step.Key() + ":evaluator", Agent: policy.Evaluator}
	evalInput := map[string]any{
		"output": output,
		"input":  r.lastResolvedInput(step),
	}

	result, err := r.invokeAgent(ctx, evalStep, evaluator, evalInput, nil, sc)
	if err != nil {
		return 0, fmt.Errorf("evaluator %s failed for step %s: %w", policy.Evaluator, step.Key(), err)
	}

	score, ok := toFloat(result["score"])
	if !ok {
		if score, ok = toFloat(result["result"]); !ok {
			return 0, &errors.ValidationError{
				Field:      "score",
				Message:    fmt.Sprintf("evaluator %s returned no numeric score", policy.Evaluator),
				Suggestion: "evaluator agents must return a numeric \"score\" field",
			}
		}
	}
	return score, nil
}

func (r *run) scoreState(key string) *ScoreState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.ec.Scores[key]
	if !ok {
		state = &ScoreState{}
		r.ec.Scores[key] = state
	}
	return state
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
