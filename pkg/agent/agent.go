// Package agent defines the reusable unit of work invoked by ensemble flow
// steps, plus the registry that resolves step references to executable
// agents.
//
// Agents are deliberately narrow: they receive a resolved input and an
// invocation context, and return an output map or an error. Everything else
// (LLM calls, HTTP, SQL) lives behind this contract in concrete
// implementations registered by the embedding application.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Agent is a named, reusable unit of work.
type Agent interface {
	// Name returns the agent identifier.
	Name() string

	// Execute runs the agent with the given invocation context.
	Execute(ctx context.Context, inv *Invocation) (map[string]any, error)
}

// StateSlice is the permitted view of shared ensemble state handed to an
// agent. Reads and writes are checked against the step's declared field
// sets; an undeclared access fails the step.
type StateSlice interface {
	// Get reads a declared-readable state field.
	Get(field string) (any, error)

	// Set stages a write to a declared-writable state field. Staged writes
	// are committed only after the step succeeds.
	Set(field string, value any) error
}

// Resolver provides read-only agent discovery to running agents.
type Resolver interface {
	// Resolve turns an agent reference ("name" or "name@version") into an
	// executable agent.
	Resolve(ref string) (Agent, error)
}

// Invocation carries everything an agent may touch during one execution.
type Invocation struct {
	// StepID identifies the invoking flow step.
	StepID string

	// Input is the step's resolved input.
	Input map[string]any

	// State is the permitted slice of shared state. Nil when the step
	// declares no state access.
	State StateSlice

	// Auth carries caller identity/authorization data, opaque to the
	// engine.
	Auth map[string]any

	// Resume holds the resume input when this is the first invocation
	// after a suspended run is resumed, nil otherwise.
	Resume map[string]any

	// Agents provides read-only discovery of other registered agents.
	Agents Resolver

	// Logger is the run-scoped structured logger.
	Logger *slog.Logger
}

// SuspendRequest is returned (as an error) by an agent that needs the run
// parked until an external actor resumes it. The engine snapshots the
// execution at the current top-level step and persists it.
type SuspendRequest struct {
	// Reason describes why the run is suspending (e.g. "awaiting
	// deployment approval").
	Reason string

	// TTL bounds how long the suspension may wait before expiring. Zero
	// means the engine default applies.
	TTL time.Duration

	// Payload is surfaced in the suspension metadata for approvers.
	Payload map[string]any
}

// Error implements the error interface.
func (s *SuspendRequest) Error() string {
	if s.Reason == "" {
		return "execution suspended"
	}
	return fmt.Sprintf("execution suspended: %s", s.Reason)
}

// Func adapts a plain function to the Agent interface.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, inv *Invocation) (map[string]any, error)
}

// Name returns the agent identifier.
func (f *Func) Name() string { return f.AgentName }

// Execute runs the wrapped function.
func (f *Func) Execute(ctx context.Context, inv *Invocation) (map[string]any, error) {
	return f.Fn(ctx, inv)
}

// Spec declares an agent inline in an ensemble definition. The registry
// instantiates it on first resolution.
type Spec struct {
	// Name is the reference other steps use.
	Name string `yaml:"name" json:"name"`

	// Kind selects the factory: "jq", "expr" or "constant".
	Kind string `yaml:"kind" json:"kind"`

	// Config carries factory-specific configuration.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}
