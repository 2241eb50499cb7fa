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

// Package store defines the persistence layer for workflow state.
//
// Three tiers implement the Store interface, selected at startup:
//
//   - memory: all state in-process, lost on restart (development and tests)
//   - snapshot: periodic whole-state snapshots into SQLite; recovery replays
//     the latest snapshot, with bounded loss equal to the snapshot interval
//   - actionlog: every mutation appends to a per-workflow write-ahead action
//     log before the caller is acknowledged; recovery replays the log forward
//     from the most recent snapshot
//
// All operations are atomic with respect to a single workflow id. The
// returned records are deep copies; callers never share memory with the
// store.
package store

import (
	"context"
	"time"
)

// State is the lifecycle state of a workflow.
type State string

// Workflow states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal returns true if the state permits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsValid checks if a state is one of the five lifecycle states.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// StepStatus is the status of a single step execution attempt.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step status permits no further transitions.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

// Mode selects how a workflow type advances between steps.
type Mode string

const (
	// ModeDeclared workflows carry a pre-declared step list; the coordinator
	// enqueues each step's task as the previous one completes.
	ModeDeclared Mode = "declared"

	// ModeDriven workflows enqueue a single start task; the worker runs the
	// body and reports step boundaries itself.
	ModeDriven Mode = "driven"
)

// StepExecution is one record per attempted step of a workflow. Attempt
// records are appended, never overwritten; each retry adds a new record with
// an incremented attempt.
type StepExecution struct {
	Name         string     `json:"name"`
	Status       StepStatus `json:"status"`
	Attempt      int        `json:"attempt"`
	Input        []byte     `json:"input,omitempty"`
	Output       []byte     `json:"output,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Workflow is a durable execution instance of a named type.
type Workflow struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Mode            Mode            `json:"mode"`
	Input           []byte          `json:"input,omitempty"`
	State           State           `json:"state"`
	CurrentStep     string          `json:"current_step,omitempty"`
	Result          []byte          `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Steps           []StepExecution `json:"steps,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Input = cloneBytes(w.Input)
	c.Result = cloneBytes(w.Result)
	c.StartedAt = cloneTime(w.StartedAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	c.Steps = make([]StepExecution, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s
		c.Steps[i].Input = cloneBytes(s.Input)
		c.Steps[i].Output = cloneBytes(s.Output)
		c.Steps[i].StartedAt = cloneTime(s.StartedAt)
		c.Steps[i].CompletedAt = cloneTime(s.CompletedAt)
	}
	return &c
}

// LastStep returns the most recent execution record for the named step, or
// nil if the step has never been attempted.
func (w *Workflow) LastStep(name string) *StepExecution {
	for i := len(w.Steps) - 1; i >= 0; i-- {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// RunningStep returns the currently running step record, or nil.
func (w *Workflow) RunningStep() *StepExecution {
	for i := len(w.Steps) - 1; i >= 0; i-- {
		if w.Steps[i].Status == StepRunning {
			return &w.Steps[i]
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Filter selects workflows for listing.
type Filter struct {
	// Active restricts the result to non-terminal workflows.
	Active bool

	// Type restricts to a single workflow type.
	Type string

	// State restricts to a single lifecycle state.
	State State

	// Since restricts to workflows created at or after the given time.
	Since time.Time

	// Limit bounds the result size; zero means unbounded.
	Limit int
}

// Matches reports whether the workflow passes the filter.
func (f Filter) Matches(w *Workflow) bool {
	if f.Active && w.State.IsTerminal() {
		return false
	}
	if f.Type != "" && w.Type != f.Type {
		return false
	}
	if f.State != "" && w.State != f.State {
		return false
	}
	if !f.Since.IsZero() && w.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// ActionKind identifies the mutation recorded by an action log entry.
type ActionKind string

// Action kinds.
const (
	ActionCreate     ActionKind = "create"
	ActionUpdate     ActionKind = "update"
	ActionAppendStep ActionKind = "append_step"
	ActionDelete     ActionKind = "delete"
)

// ActionEntry is an append-only record of a state mutation, used for
// replay-based recovery in the state-action-log tier.
type ActionEntry struct {
	Seq        uint64     `json:"seq"`
	WorkflowID string     `json:"workflow_id"`
	Kind       ActionKind `json:"kind"`
	Before     string     `json:"before,omitempty"`
	After      string     `json:"after,omitempty"`
	Payload    []byte     `json:"payload,omitempty"`
}

// Mutation is applied to a workflow record under per-workflow serialization.
// Returning an error aborts the update without persisting anything.
type Mutation func(*Workflow) error

// Store is the uniform persistence interface backed by one of the three
// tiers. Implementations present a consistent snapshot on startup before
// accepting mutations.
type Store interface {
	// CreateWorkflow persists a new workflow record. A colliding id returns
	// a DuplicateError.
	CreateWorkflow(ctx context.Context, w *Workflow) error

	// GetWorkflow retrieves a workflow by id, or a NotFoundError.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// UpdateWorkflow applies the mutation under per-workflow serialization
	// and returns the resulting record.
	UpdateWorkflow(ctx context.Context, id string, mutate Mutation) (*Workflow, error)

	// AppendStep appends a step execution record to the workflow.
	AppendStep(ctx context.Context, id string, step StepExecution) error

	// ListWorkflows returns summaries matching the filter, newest first.
	ListWorkflows(ctx context.Context, f Filter) ([]*Workflow, error)

	// DeleteWorkflow removes a workflow record. Used only by retention.
	DeleteWorkflow(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}
