// Copyright 2025 The Podium Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed error taxonomy for the ensemble engine.
//
// All engine operations surface one of these types so callers can branch on
// failure class with errors.As rather than string matching.
package errors

import (
	"fmt"
	"time"
)

// AgentResolutionError indicates an agent reference could not be resolved
// against the builtin catalog, the user registry, or inline definitions.
type AgentResolutionError struct {
	// Reference is the unresolved agent reference, as written (may carry
	// a version suffix).
	Reference string

	// Suggestion provides actionable guidance for fixing the reference.
	Suggestion string
}

// Error implements the error interface.
func (e *AgentResolutionError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.Reference)
}

// AgentExecutionError indicates an agent invocation failed or timed out.
type AgentExecutionError struct {
	// Agent is the resolved agent name.
	Agent string

	// StepID identifies the step that invoked the agent.
	StepID string

	// Timeout is true when the failure was a per-step timeout expiry.
	Timeout bool

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *AgentExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent %s timed out in step %s", e.Agent, e.StepID)
	}
	return fmt.Sprintf("agent %s failed in step %s: %v", e.Agent, e.StepID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AgentExecutionError) Unwrap() error {
	return e.Cause
}

// StateAccessError indicates a step touched a shared-state field it did not
// declare. The violation is recorded in the run's access report before this
// error surfaces.
type StateAccessError struct {
	// StepID identifies the offending step.
	StepID string

	// Field is the undeclared state field.
	Field string

	// Mode is "read" or "write".
	Mode string
}

// Error implements the error interface.
func (e *StateAccessError) Error() string {
	return fmt.Sprintf("step %s: %s access to undeclared state field %q", e.StepID, e.Mode, e.Field)
}

// ScoreThresholdError indicates scoring retries were exhausted below the
// minimum threshold with an abort policy in effect.
type ScoreThresholdError struct {
	// StepID identifies the scored step.
	StepID string

	// Score is the final attempt's score.
	Score float64

	// Minimum is the threshold the score failed to meet.
	Minimum float64

	// Attempts is the total number of attempts made.
	Attempts int
}

// Error implements the error interface.
func (e *ScoreThresholdError) Error() string {
	return fmt.Sprintf("step %s scored %.2f (minimum %.2f) after %d attempts", e.StepID, e.Score, e.Minimum, e.Attempts)
}

// SuspensionNotFoundError indicates a resumption token references no stored
// suspension. Tokens are single-use: a consumed token reports the same error.
type SuspensionNotFoundError struct {
	// Token is the unknown or already-consumed resumption token.
	Token string
}

// Error implements the error interface.
func (e *SuspensionNotFoundError) Error() string {
	return fmt.Sprintf("suspension not found: %s", e.Token)
}

// SuspensionExpiredError indicates a suspension's TTL elapsed before resume.
type SuspensionExpiredError struct {
	// Token is the expired resumption token.
	Token string

	// ExpiredAt is when the suspension expired.
	ExpiredAt time.Time
}

// Error implements the error interface.
func (e *SuspensionExpiredError) Error() string {
	return fmt.Sprintf("suspension %s expired at %s", e.Token, e.ExpiredAt.Format(time.RFC3339))
}

// ConfigurationError indicates a malformed flow graph or invalid definition,
// caught before execution starts.
type ConfigurationError struct {
	// Field identifies the offending definition field (e.g. "depends_on").
	Field string

	// Message is the human-readable error description.
	Message string

	// Suggestion provides actionable guidance for fixing the definition.
	Suggestion string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid ensemble definition at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid ensemble definition: %s", e.Message)
}

// ValidationError represents input validation failures outside the flow
// graph itself (store keys, expression syntax, malformed values).
type ValidationError struct {
	// Field identifies which input failed validation.
	Field string

	// Message is the human-readable error description.
	Message string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}
