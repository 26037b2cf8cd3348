// Package ensemble implements the workflow execution engine: declarative
// multi-step flows ("ensembles") of agent invocations with branching,
// parallelism, retries, output scoring, shared-state contracts and
// suspend/resume.
package ensemble

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/podium-run/podium/pkg/agent"
	"github.com/podium-run/podium/pkg/errors"
)

// StepType discriminates the flow step union. The zero value is a leaf
// agent invocation; every other value is a control-flow construct whose
// child step lists are themselves flow steps.
type StepType string

const (
	// StepAgent is a leaf agent invocation (the default shape).
	StepAgent StepType = ""
	// StepParallel runs child steps concurrently.
	StepParallel StepType = "parallel"
	// StepBranch runs then/else child lists on a condition.
	StepBranch StepType = "branch"
	// StepForeach runs a body step per item of an expression result.
	StepForeach StepType = "foreach"
	// StepTry runs steps with catch/finally handling.
	StepTry StepType = "try"
	// StepSwitch dispatches on a value expression.
	StepSwitch StepType = "switch"
	// StepWhile loops child steps while a condition holds, bounded.
	StepWhile StepType = "while"
	// StepMapReduce maps a step over items then reduces once.
	StepMapReduce StepType = "mapreduce"
)

// WaitMode controls how a parallel group resolves.
type WaitMode string

const (
	// WaitAll waits for every child; any failure fails the group.
	WaitAll WaitMode = "all"
	// WaitAny resolves on the first successful child; later results are
	// discarded.
	WaitAny WaitMode = "any"
	// WaitFirst resolves on the first completion, success or failure.
	WaitFirst WaitMode = "first"
)

// Duration wraps time.Duration with human-readable YAML/JSON forms:
// "30s"-style strings, or bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(raw any) (Duration, error) {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		return Duration(parsed), nil
	case int:
		return Duration(time.Duration(v) * time.Second), nil
	case float64:
		return Duration(time.Duration(v * float64(time.Second))), nil
	default:
		return 0, fmt.Errorf("invalid duration value of type %T", raw)
	}
}

// RetryPolicy controls engine-level (pre-scoring) retry of a leaf step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBase is the wait before the first retry.
	BackoffBase Duration `yaml:"backoff_base,omitempty" json:"backoff_base,omitempty"`

	// BackoffMultiplier scales the wait between successive retries.
	// Defaults to 2.0.
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
}

// delay computes the wait before the retry following the given attempt
// number (1-based). Exponential by default: base, base*m, base*m^2, ...
func (rp *RetryPolicy) delay(attempt int) time.Duration {
	if rp == nil || rp.BackoffBase <= 0 {
		return 0
	}
	multiplier := rp.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	wait := float64(rp.BackoffBase)
	for i := 1; i < attempt; i++ {
		wait *= multiplier
	}
	return time.Duration(wait)
}

// TimeoutPolicy controls what happens when a step's timeout expires.
type TimeoutPolicy struct {
	// Fallback, when present, becomes the step's output on timeout instead
	// of failing the step. Staged state writes are discarded either way.
	Fallback map[string]any `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// StateUse declares the shared-state fields a leaf step may touch.
type StateUse struct {
	// Use lists fields the step may read.
	Use []string `yaml:"use,omitempty" json:"use,omitempty"`

	// Set lists fields the step may write.
	Set []string `yaml:"set,omitempty" json:"set,omitempty"`
}

// Step is one node of an ensemble flow: a leaf agent invocation or a
// control-flow construct, selected by Type.
type Step struct {
	// Type discriminates the union; empty means leaf agent step.
	Type StepType `yaml:"type,omitempty" json:"type,omitempty"`

	// ID names the step; outputs are keyed by ID, falling back to the
	// agent name when absent.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Leaf fields.

	// Agent is the agent reference ("name" or "name@version").
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`
	// Input maps input keys to expressions evaluated against the run
	// context. String values are expressions; other values pass through.
	Input map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	// State declares the step's shared-state read/write contract.
	State *StateUse `yaml:"state,omitempty" json:"state,omitempty"`
	// Cache memoizes the agent output per run, keyed by resolved input.
	Cache bool `yaml:"cache,omitempty" json:"cache,omitempty"`
	// Scoring overrides the ensemble-level scoring policy for this step.
	Scoring *ScorePolicy `yaml:"scoring,omitempty" json:"scoring,omitempty"`
	// When skips the step (Skipped status) if the expression is false.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	// DependsOn lists earlier step keys that must have succeeded.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Retry configures engine-level retry for this step.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	// Timeout bounds the agent invocation.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// OnTimeout selects fallback behavior when the timeout expires.
	OnTimeout *TimeoutPolicy `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`

	// Construct fields.

	// Steps holds the child list for parallel, try and while.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
	// WaitFor selects the parallel resolution mode (default all).
	WaitFor WaitMode `yaml:"wait_for,omitempty" json:"wait_for,omitempty"`
	// MaxConcurrency caps concurrent children/iterations (default 1 for
	// foreach/mapreduce, unbounded-within-engine-limit for parallel).
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// Condition drives branch and while.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	// Then and Else are the branch arms.
	Then []Step `yaml:"then,omitempty" json:"then,omitempty"`
	Else []Step `yaml:"else,omitempty" json:"else,omitempty"`

	// Items is the expression yielding the iteration source for foreach
	// and mapreduce.
	Items string `yaml:"items,omitempty" json:"items,omitempty"`
	// BreakWhen stops foreach scheduling once true after an iteration.
	BreakWhen string `yaml:"break_when,omitempty" json:"break_when,omitempty"`
	// Body is the foreach body step.
	Body *Step `yaml:"body,omitempty" json:"body,omitempty"`

	// Catch and Finally are the try handlers.
	Catch   []Step `yaml:"catch,omitempty" json:"catch,omitempty"`
	Finally []Step `yaml:"finally,omitempty" json:"finally,omitempty"`

	// Value and Cases drive switch dispatch.
	Value   string            `yaml:"value,omitempty" json:"value,omitempty"`
	Cases   map[string][]Step `yaml:"cases,omitempty" json:"cases,omitempty"`
	Default []Step            `yaml:"default,omitempty" json:"default,omitempty"`

	// MaxIterations bounds while loops. Required for while.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	// Map and Reduce are the mapreduce phases.
	Map    *Step `yaml:"map,omitempty" json:"map,omitempty"`
	Reduce *Step `yaml:"reduce,omitempty" json:"reduce,omitempty"`
}

// Key returns the identifier outputs are stored under: the step ID, or the
// agent name for anonymous leaf steps, or the step type for anonymous
// constructs.
func (s *Step) Key() string {
	if s.ID != "" {
		return s.ID
	}
	if s.Agent != "" {
		return agent.ParseRef(s.Agent).Name
	}
	return string(s.Type)
}

// IsLeaf reports whether the step is a bare agent invocation.
func (s *Step) IsLeaf() bool {
	return s.Type == StepAgent
}

// StateSchema declares the ensemble's shared state shape and initial values.
type StateSchema struct {
	// Schema optionally documents field types; the engine does not
	// interpret it beyond carrying it.
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Initial seeds the state snapshot at run start.
	Initial map[string]any `yaml:"initial,omitempty" json:"initial,omitempty"`
}

// Definition is a named, declarative ensemble. It is immutable once
// validated; the engine never mutates it.
type Definition struct {
	// Name identifies the ensemble.
	Name string `yaml:"name" json:"name"`

	// Description is an optional human-readable summary.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Flow is the ordered top-level step list.
	Flow []Step `yaml:"flow" json:"flow"`

	// Agents declares inline agents resolvable by reference from steps.
	Agents []agent.Spec `yaml:"agents,omitempty" json:"agents,omitempty"`

	// State declares the shared state schema and initial values.
	State *StateSchema `yaml:"state,omitempty" json:"state,omitempty"`

	// Scoring is the ensemble-level scoring policy, applied to every leaf
	// step unless overridden per step.
	Scoring *ScorePolicy `yaml:"scoring,omitempty" json:"scoring,omitempty"`

	// Inputs optionally declares default top-level input values.
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Output optionally maps the run output from expressions over the
	// final context. Absent, the run output is the last step's output.
	Output map[string]any `yaml:"output,omitempty" json:"output,omitempty"`
}

// Validate checks the definition is well-formed: recursive child lists
// valid, iteration bounds positive, dependencies resolvable and
// backward-only. Returns a ConfigurationError describing the first problem.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ConfigurationError{
			Field:   "name",
			Message: "ensemble requires a name",
		}
	}
	if len(d.Flow) == 0 {
		return &errors.ConfigurationError{
			Field:   "flow",
			Message: "ensemble requires at least one flow step",
		}
	}
	return validateSequence(d.Flow, "flow")
}

// HasControlFlow reports whether any step in the flow carries a construct
// discriminant. Flows without one take the plain linear path.
func (d *Definition) HasControlFlow() bool {
	for i := range d.Flow {
		if !d.Flow[i].IsLeaf() {
			return true
		}
	}
	return false
}

func validateSequence(steps []Step, path string) error {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if err := validateStep(step, stepPath); err != nil {
			return err
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return &errors.ConfigurationError{
					Field:      stepPath + ".depends_on",
					Message:    fmt.Sprintf("dependency %q does not name an earlier step in the sequence", dep),
					Suggestion: "depends_on may only reference steps that appear before this one",
				}
			}
		}
		seen[step.Key()] = true
	}
	return nil
}

func validateStep(s *Step, path string) error {
	switch s.Type {
	case StepAgent:
		if s.Agent == "" {
			return &errors.ConfigurationError{
				Field:      path + ".agent",
				Message:    "agent step requires an agent reference",
				Suggestion: "set agent to a registered or inline agent name",
			}
		}
		if s.Retry != nil && s.Retry.MaxAttempts < 1 {
			return &errors.ConfigurationError{
				Field:   path + ".retry.max_attempts",
				Message: "retry requires max_attempts >= 1",
			}
		}
		if s.Scoring != nil {
			if err := s.Scoring.validate(path + ".scoring"); err != nil {
				return err
			}
		}
		return nil

	case StepParallel:
		if len(s.Steps) == 0 {
			return &errors.ConfigurationError{
				Field:   path + ".steps",
				Message: "parallel step requires at least one child step",
			}
		}
		switch s.WaitFor {
		case "", WaitAll, WaitAny, WaitFirst:
		default:
			return &errors.ConfigurationError{
				Field:      path + ".wait_for",
				Message:    fmt.Sprintf("unknown wait mode %q", s.WaitFor),
				Suggestion: "use one of: all, any, first",
			}
		}
		if s.MaxConcurrency < 0 {
			return positiveConcurrencyError(path)
		}
		return validateChildren(path, s.Steps)

	case StepBranch:
		if s.Condition == "" {
			return &errors.ConfigurationError{
				Field:   path + ".condition",
				Message: "branch step requires a condition expression",
			}
		}
		if len(s.Then) == 0 {
			return &errors.ConfigurationError{
				Field:   path + ".then",
				Message: "branch step requires at least one then step",
			}
		}
		if err := validateSequence(s.Then, path+".then"); err != nil {
			return err
		}
		if len(s.Else) > 0 {
			return validateSequence(s.Else, path+".else")
		}
		return nil

	case StepForeach:
		if s.Items == "" {
			return &errors.ConfigurationError{
				Field:   path + ".items",
				Message: "foreach step requires an items expression",
			}
		}
		if s.Body == nil {
			return &errors.ConfigurationError{
				Field:   path + ".body",
				Message: "foreach step requires a body step",
			}
		}
		if s.MaxConcurrency < 0 {
			return positiveConcurrencyError(path)
		}
		return validateStep(s.Body, path+".body")

	case StepTry:
		if len(s.Steps) == 0 {
			return &errors.ConfigurationError{
				Field:   path + ".steps",
				Message: "try step requires at least one child step",
			}
		}
		if err := validateSequence(s.Steps, path+".steps"); err != nil {
			return err
		}
		if len(s.Catch) > 0 {
			if err := validateSequence(s.Catch, path+".catch"); err != nil {
				return err
			}
		}
		if len(s.Finally) > 0 {
			return validateSequence(s.Finally, path+".finally")
		}
		return nil

	case StepSwitch:
		if s.Value == "" {
			return &errors.ConfigurationError{
				Field:   path + ".value",
				Message: "switch step requires a value expression",
			}
		}
		for name, caseSteps := range s.Cases {
			if err := validateSequence(caseSteps, fmt.Sprintf("%s.cases.%s", path, name)); err != nil {
				return err
			}
		}
		if len(s.Default) > 0 {
			return validateSequence(s.Default, path+".default")
		}
		return nil

	case StepWhile:
		if s.Condition == "" {
			return &errors.ConfigurationError{
				Field:   path + ".condition",
				Message: "while step requires a condition expression",
			}
		}
		if s.MaxIterations < 1 {
			return &errors.ConfigurationError{
				Field:      path + ".max_iterations",
				Message:    "while step requires max_iterations >= 1",
				Suggestion: "loops must carry a finite iteration bound",
			}
		}
		if len(s.Steps) == 0 {
			return &errors.ConfigurationError{
				Field:   path + ".steps",
				Message: "while step requires at least one body step",
			}
		}
		return validateSequence(s.Steps, path+".steps")

	case StepMapReduce:
		if s.Items == "" {
			return &errors.ConfigurationError{
				Field:   path + ".items",
				Message: "mapreduce step requires an items expression",
			}
		}
		if s.Map == nil || s.Reduce == nil {
			return &errors.ConfigurationError{
				Field:   path,
				Message: "mapreduce step requires both map and reduce steps",
			}
		}
		if s.MaxConcurrency < 0 {
			return positiveConcurrencyError(path)
		}
		if err := validateStep(s.Map, path+".map"); err != nil {
			return err
		}
		return validateStep(s.Reduce, path+".reduce")

	default:
		return &errors.ConfigurationError{
			Field:      path + ".type",
			Message:    fmt.Sprintf("unknown step type %q", s.Type),
			Suggestion: "use one of: parallel, branch, foreach, try, switch, while, mapreduce, or omit for an agent step",
		}
	}
}

// validateChildren validates construct children that are independent of one
// another (no sequence ordering for depends_on purposes beyond their own
// subtrees).
func validateChildren(path string, steps []Step) error {
	for i := range steps {
		if err := validateStep(&steps[i], fmt.Sprintf("%s.steps[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func positiveConcurrencyError(path string) error {
	return &errors.ConfigurationError{
		Field:   path + ".max_concurrency",
		Message: "max_concurrency must be a positive integer when present",
	}
}
