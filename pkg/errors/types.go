// Copyright 2025 Tom Barlow
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

// Package errors defines the coordinator error taxonomy.
//
// Every error surfaced across the client, worker, or monitor planes is one of
// the types below. Transport layers map them to wire codes; callers use the
// Is* helpers rather than matching on message text.
package errors

import (
	"fmt"
	"time"
)

// NotFoundError represents an unknown workflow-id, task-id, or session-token.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "task", "session")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// DuplicateError represents a collision on a caller-supplied identifier:
// registering a worker-id that is already Active or Draining, or starting a workflow
// with an id that already exists.
type DuplicateError struct {
	// Resource is the type of resource (e.g., "worker", "workflow")
	Resource string

	// ID is the colliding identifier
	ID string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// ProtocolError represents a worker or client violating the coordination
// protocol: completing the wrong step, acting on a terminal workflow, or
// presenting a session token the registry does not recognize.
type ProtocolError struct {
	// Message is the human-readable error description
	Message string

	// WorkflowID identifies the workflow involved, if any
	WorkflowID string

	// Step identifies the step involved, if any
	Step string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.WorkflowID != "" && e.Step != "" {
		return fmt.Sprintf("protocol violation on %s step %s: %s", e.WorkflowID, e.Step, e.Message)
	}
	if e.WorkflowID != "" {
		return fmt.Sprintf("protocol violation on %s: %s", e.WorkflowID, e.Message)
	}
	return fmt.Sprintf("protocol violation: %s", e.Message)
}

// PersistenceError represents an I/O failure in the persistence layer.
// Callers must treat in-memory state as stale and reload; the store degrades
// to read-only until a write succeeds.
type PersistenceError struct {
	// Op describes the failed operation (e.g., "append action", "snapshot")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("persistence failure during %s", e.Op)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a blocking API exceeding its bound.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "await result", "poll tasks")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// CancelledError represents an operation aborted by explicit cancellation.
type CancelledError struct {
	// Operation describes what was cancelled
	Operation string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Operation)
}

// InternalError represents an invariant violation inside the coordinator.
// The affected workflow is quarantined (marked Failed with a diagnostic);
// its persisted state is preserved for inspection.
type InternalError struct {
	// Invariant names the violated invariant
	Invariant string

	// Message describes the violation
	Message string

	// WorkflowID identifies the quarantined workflow, if any
	WorkflowID string
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("internal error (%s) on workflow %s: %s", e.Invariant, e.WorkflowID, e.Message)
	}
	return fmt.Sprintf("internal error (%s): %s", e.Invariant, e.Message)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "server.grpc_port")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
