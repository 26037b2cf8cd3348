package ensemble

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepStatus represents the execution status of a flow step.
type StepStatus string

const (
	// StatusPending indicates the step has not started yet.
	StatusPending StepStatus = "pending"
	// StatusRunning indicates the step is currently executing.
	StatusRunning StepStatus = "running"
	// StatusSucceeded indicates the step completed successfully.
	StatusSucceeded StepStatus = "succeeded"
	// StatusFailed indicates the step failed.
	StatusFailed StepStatus = "failed"
	// StatusSkipped indicates the step was skipped (false condition or
	// unmet skip-tolerant dependency).
	StatusSkipped StepStatus = "skipped"
)

// AccessMode distinguishes state reads from writes in the access report.
type AccessMode string

const (
	// AccessRead marks a state field read.
	AccessRead AccessMode = "read"
	// AccessWrite marks a state field write.
	AccessWrite AccessMode = "write"
)

// AccessEntry is one audited shared-state access.
type AccessEntry struct {
	StepID    string     `json:"step_id"`
	Field     string     `json:"field"`
	Mode      AccessMode `json:"mode"`
	Violation bool       `json:"violation,omitempty"`
	At        time.Time  `json:"at"`
}

// AccessReport is the append-only audit log of shared-state accesses for
// one run. Appends go through the run's lock; the report itself is plain
// data so it serializes with the execution context.
type AccessReport struct {
	Entries []AccessEntry `json:"entries"`
}

// Violations returns the subset of entries that were contract violations.
func (r *AccessReport) Violations() []AccessEntry {
	var out []AccessEntry
	for _, e := range r.Entries {
		if e.Violation {
			out = append(out, e)
		}
	}
	return out
}

// AttemptScore records one scoring attempt for a step.
type AttemptScore struct {
	Attempt int       `json:"attempt"`
	Score   float64   `json:"score"`
	Passed  bool      `json:"passed"`
	At      time.Time `json:"at"`
}

// ScoreState tracks scoring progress for one step. Mutated only by the
// scoring layer.
type ScoreState struct {
	Attempts  int            `json:"attempts"`
	LastScore float64        `json:"last_score"`
	History   []AttemptScore `json:"history"`
}

// Retries reports how many attempts beyond the first were made.
func (s *ScoreState) Retries() int {
	if s.Attempts <= 1 {
		return 0
	}
	return s.Attempts - 1
}

// ExecContext is the transient per-run execution context: accumulated step
// outputs, the shared state snapshot, scoring state and the access report.
// It is owned by exactly one in-flight run and is fully serializable so a
// suspended run can be reconstructed without a live call stack.
type ExecContext struct {
	// Input is the ensemble's top-level input.
	Input map[string]any `json:"input"`

	// State is the current shared state snapshot.
	State map[string]any `json:"state"`

	// Outputs accumulates step outputs keyed by step ID or agent name.
	Outputs map[string]map[string]any `json:"outputs"`

	// LastOutput is the most recent successful top-level step output, the
	// default input for the next step in sequence.
	LastOutput map[string]any `json:"last_output,omitempty"`

	// Statuses tracks top-level step statuses by key, used for
	// depends_on checks across a suspend/resume boundary.
	Statuses map[string]StepStatus `json:"statuses,omitempty"`

	// Report is the state access audit log.
	Report *AccessReport `json:"report"`

	// Scores holds per-step scoring state keyed by step key.
	Scores map[string]*ScoreState `json:"scores,omitempty"`

	// Auth carries caller identity data, opaque to the engine.
	Auth map[string]any `json:"auth,omitempty"`
}

// NewExecContext creates an execution context for a fresh run.
func NewExecContext(input, initialState map[string]any) *ExecContext {
	if input == nil {
		input = make(map[string]any)
	}
	state := make(map[string]any, len(initialState))
	for k, v := range initialState {
		state[k] = v
	}
	return &ExecContext{
		Input:    input,
		State:    state,
		Outputs:  make(map[string]map[string]any),
		Statuses: make(map[string]StepStatus),
		Report:   &AccessReport{},
		Scores:   make(map[string]*ScoreState),
	}
}

// Clone deep-copies the context via JSON round-trip. Used to snapshot at
// suspension points so the live run and the persisted copy cannot alias.
func (ec *ExecContext) Clone() (*ExecContext, error) {
	data, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("snapshot execution context: %w", err)
	}
	var out ExecContext
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("restore execution context: %w", err)
	}
	if out.Report == nil {
		out.Report = &AccessReport{}
	}
	if out.Outputs == nil {
		out.Outputs = make(map[string]map[string]any)
	}
	if out.Statuses == nil {
		out.Statuses = make(map[string]StepStatus)
	}
	if out.Scores == nil {
		out.Scores = make(map[string]*ScoreState)
	}
	return &out, nil
}

// stepsEnv renders accumulated outputs as the "steps" expression namespace.
func (ec *ExecContext) stepsEnv() map[string]any {
	steps := make(map[string]any, len(ec.Outputs))
	for k, v := range ec.Outputs {
		steps[k] = v
	}
	return steps
}
