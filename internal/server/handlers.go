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

package server

import (
	"context"
	"time"

	"github.com/Aetherframework-ai/aether/internal/engine"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/registry"
	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/pkg/errors"
)

// Client plane shapes. Field names are snake_case on the wire.

// StartWorkflowParams is the params shape for workflow.start.
type StartWorkflowParams struct {
	WorkflowType string `json:"workflow_type"`
	Input        []byte `json:"input,omitempty"`
	WorkflowID   string `json:"workflow_id,omitempty"`
}

// StartWorkflowResult is the result shape for workflow.start.
type StartWorkflowResult struct {
	WorkflowID string `json:"workflow_id"`
}

// WorkflowStatusParams is the params shape for workflow.status.
type WorkflowStatusParams struct {
	WorkflowID string `json:"workflow_id"`
}

// WorkflowStatusResult is the result shape for workflow.status.
type WorkflowStatusResult struct {
	WorkflowID   string     `json:"workflow_id"`
	WorkflowType string     `json:"workflow_type"`
	State        string     `json:"state"`
	CurrentStep  string     `json:"current_step,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// AwaitResultParams is the params shape for workflow.await.
type AwaitResultParams struct {
	WorkflowID string `json:"workflow_id"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

// AwaitResultResult is the result shape for workflow.await.
type AwaitResultResult struct {
	WorkflowID   string `json:"workflow_id"`
	State        string `json:"state"`
	StillRunning bool   `json:"still_running"`
	Result       []byte `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

// CancelWorkflowParams is the params shape for workflow.cancel.
type CancelWorkflowParams struct {
	WorkflowID string `json:"workflow_id"`
}

// CancelWorkflowResult is the result shape for workflow.cancel.
type CancelWorkflowResult struct {
	Accepted        bool `json:"accepted"`
	AlreadyTerminal bool `json:"already_terminal"`
}

// Worker plane shapes.

// CapabilityShape is a capability on the wire.
type CapabilityShape struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// RegisterParams is the params shape for worker.register.
type RegisterParams struct {
	WorkerID      string            `json:"worker_id,omitempty"`
	ServiceName   string            `json:"service_name"`
	Group         string            `json:"group,omitempty"`
	Capabilities  []CapabilityShape `json:"capabilities,omitempty"`
	WorkflowTypes []string          `json:"workflow_types"`
}

// RegisterResult is the result shape for worker.register.
type RegisterResult struct {
	WorkerID     string `json:"worker_id"`
	SessionToken string `json:"session_token"`
}

// PollParams is the params shape for worker.poll.
type PollParams struct {
	SessionToken string `json:"session_token"`
	Max          int    `json:"max,omitempty"`
}

// TaskShape is a task on the wire.
type TaskShape struct {
	TaskID       string `json:"task_id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowType string `json:"workflow_type"`
	StepName     string `json:"step_name"`
	Attempt      int    `json:"attempt"`
	Input        []byte `json:"input,omitempty"`
	MaxRetries   int    `json:"max_retries"`
}

// PollResult is the result shape for worker.poll.
type PollResult struct {
	Tasks []TaskShape `json:"tasks"`
}

// SubscribeParams is the params shape for worker.subscribe.
type SubscribeParams struct {
	SessionToken string `json:"session_token"`
}

// SubscribeResult acknowledges a stream start.
type SubscribeResult struct {
	StreamID string `json:"stream_id"`
}

// StreamItem is one pushed element on a worker task stream.
type StreamItem struct {
	Task             *TaskShape `json:"task,omitempty"`
	CancelWorkflowID string     `json:"cancel_workflow_id,omitempty"`
}

// CompleteParams is the params shape for task.complete.
type CompleteParams struct {
	SessionToken string `json:"session_token"`
	TaskID       string `json:"task_id"`
	Result       []byte `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}

// ReportParams is the params shape for step.report.
type ReportParams struct {
	SessionToken string `json:"session_token"`
	WorkflowID   string `json:"workflow_id"`
	StepName     string `json:"step_name"`
	Status       string `json:"status"`
	Payload      []byte `json:"payload,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HeartbeatParams is the params shape for worker.heartbeat. Either the
// session token (worker liveness) or a task id (visibility refresh) must be
// present; both is fine.
type HeartbeatParams struct {
	SessionToken string `json:"session_token,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
}

// DrainParams is the params shape for worker.drain.
type DrainParams struct {
	SessionToken string `json:"session_token"`
}

// OKResult is an empty acknowledgement.
type OKResult struct {
	OK bool `json:"ok"`
}

func taskShape(t *queue.Task) TaskShape {
	return TaskShape{
		TaskID:       t.ID,
		WorkflowID:   t.WorkflowID,
		WorkflowType: t.WorkflowType,
		StepName:     t.StepName,
		Attempt:      t.Attempt,
		Input:        t.Input,
		MaxRetries:   t.Retry.MaxRetries,
	}
}

func statusResult(w *store.Workflow) WorkflowStatusResult {
	return WorkflowStatusResult{
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		State:        string(w.State),
		CurrentStep:  w.CurrentStep,
		StartedAt:    w.StartedAt,
		CompletedAt:  w.CompletedAt,
	}
}

// handleStartWorkflow handles workflow.start.
func (s *Server) handleStartWorkflow(ctx context.Context, params StartWorkflowParams) (any, error) {
	if params.WorkflowType == "" {
		return nil, &errors.ProtocolError{Message: "workflow_type is required"}
	}
	id, err := s.engine.Start(ctx, params.WorkflowType, params.Input, engine.StartOptions{WorkflowID: params.WorkflowID})
	if err != nil {
		return nil, err
	}
	return StartWorkflowResult{WorkflowID: id}, nil
}

// handleWorkflowStatus handles workflow.status.
func (s *Server) handleWorkflowStatus(ctx context.Context, params WorkflowStatusParams) (any, error) {
	w, err := s.engine.GetWorkflow(ctx, params.WorkflowID)
	if err != nil {
		return nil, err
	}
	return statusResult(w), nil
}

// handleAwaitResult handles workflow.await.
func (s *Server) handleAwaitResult(ctx context.Context, params AwaitResultParams) (any, error) {
	timeout := time.Duration(params.TimeoutMS) * time.Millisecond
	w, terminal, err := s.engine.Await(ctx, params.WorkflowID, timeout)
	if err != nil {
		return nil, err
	}
	return AwaitResultResult{
		WorkflowID:   w.ID,
		State:        string(w.State),
		StillRunning: !terminal,
		Result:       w.Result,
		Error:        w.ErrorMessage,
	}, nil
}

// handleCancelWorkflow handles workflow.cancel.
func (s *Server) handleCancelWorkflow(ctx context.Context, params CancelWorkflowParams) (any, error) {
	accepted, err := s.engine.Cancel(ctx, params.WorkflowID)
	if err != nil {
		return nil, err
	}
	return CancelWorkflowResult{Accepted: accepted, AlreadyTerminal: !accepted}, nil
}

// handleRegister handles worker.register.
func (s *Server) handleRegister(remoteAddr string, params RegisterParams) (any, error) {
	if !s.registerLimiter.Allow(remoteAddr) {
		return nil, &errors.ProtocolError{Message: "registration rate limit exceeded"}
	}

	caps := make([]registry.Capability, 0, len(params.Capabilities))
	for _, c := range params.Capabilities {
		caps = append(caps, registry.Capability{
			Name: c.Name,
			Kind: registry.CapabilityKind(c.Kind),
		})
	}

	session, err := s.registry.Register(registry.Registration{
		WorkerID:      params.WorkerID,
		ServiceName:   params.ServiceName,
		Group:         params.Group,
		Capabilities:  caps,
		WorkflowTypes: params.WorkflowTypes,
	})
	if err != nil {
		return nil, err
	}
	return RegisterResult{WorkerID: session.WorkerID, SessionToken: session.Token}, nil
}

// handlePoll handles worker.poll (polling claim mode).
func (s *Server) handlePoll(params PollParams) (any, error) {
	session, err := s.registry.Authenticate(params.SessionToken)
	if err != nil {
		return nil, err
	}
	if session.State() != registry.SessionActive {
		return PollResult{Tasks: []TaskShape{}}, nil
	}

	tasks := s.queue.Claim(session.SessionID, session.WorkflowTypes, params.Max)
	shapes := make([]TaskShape, 0, len(tasks))
	for _, t := range tasks {
		shapes = append(shapes, taskShape(t))
	}
	return PollResult{Tasks: shapes}, nil
}

// handleComplete handles task.complete.
func (s *Server) handleComplete(ctx context.Context, params CompleteParams) (any, error) {
	if _, err := s.registry.Authenticate(params.SessionToken); err != nil {
		return nil, err
	}
	if err := s.engine.CompleteTask(ctx, params.TaskID, params.Result, params.Error, params.Cancelled); err != nil {
		return nil, err
	}
	return OKResult{OK: true}, nil
}

// handleReport handles step.report.
func (s *Server) handleReport(ctx context.Context, params ReportParams) (any, error) {
	if _, err := s.registry.Authenticate(params.SessionToken); err != nil {
		return nil, err
	}
	if err := s.engine.ReportStep(ctx, params.WorkflowID, params.StepName, params.Status, params.Payload, params.Error); err != nil {
		return nil, err
	}
	return OKResult{OK: true}, nil
}

// handleHeartbeat handles worker.heartbeat.
func (s *Server) handleHeartbeat(params HeartbeatParams) (any, error) {
	if params.SessionToken == "" && params.TaskID == "" {
		return nil, &errors.ProtocolError{Message: "heartbeat needs a session_token or task_id"}
	}
	if params.SessionToken != "" {
		if err := s.registry.Heartbeat(params.SessionToken); err != nil {
			return nil, err
		}
	}
	if params.TaskID != "" {
		if err := s.engine.HeartbeatTask(params.TaskID); err != nil {
			return nil, err
		}
	}
	return OKResult{OK: true}, nil
}

// handleDrain handles worker.drain.
func (s *Server) handleDrain(params DrainParams) (any, error) {
	if err := s.registry.Drain(params.SessionToken); err != nil {
		return nil, err
	}
	return OKResult{OK: true}, nil
}
