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

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Aetherframework-ai/aether/internal/bus"
	"github.com/Aetherframework-ai/aether/internal/definition"
	"github.com/Aetherframework-ai/aether/internal/log"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/pkg/errors"
)

// taskDispatched is the queue's dispatch hook: a worker just claimed the
// task. Declared-mode steps get their execution record appended here; the
// driven-mode start task carries the workflow body and is not itself
// recorded until it completes.
func (e *Engine) taskDispatched(t *queue.Task, sessionID string) {
	e.metrics.TaskDispatched()

	ctx := context.Background()
	l := e.lockFor(t.WorkflowID)
	l.Lock()
	defer l.Unlock()

	w, err := e.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil {
		return
	}
	if w.State.IsTerminal() {
		// Raced a terminal transition; settle the stray dispatch.
		e.queue.Complete(t.ID)
		return
	}

	if w.Mode == store.ModeDriven && t.StepName == definition.StartStep {
		return
	}

	// The completion may have raced ahead of this hook; never add a second
	// record for the same attempt.
	if rec := w.LastStep(t.StepName); rec != nil && rec.Attempt >= t.Attempt {
		return
	}

	now := time.Now()
	updated, err := e.store.UpdateWorkflow(ctx, t.WorkflowID, func(w *store.Workflow) error {
		w.Steps = append(w.Steps, store.StepExecution{
			Name:      t.StepName,
			Status:    store.StepRunning,
			Attempt:   t.Attempt,
			Input:     t.Input,
			StartedAt: &now,
		})
		w.CurrentStep = t.StepName
		return nil
	})
	if err != nil {
		e.logger.Error("cannot record step start", log.WorkflowIDKey, t.WorkflowID, log.Error(err))
		return
	}

	e.publish(bus.EventStepStarted, updated, map[string]any{
		"step_name": t.StepName,
		"attempt":   t.Attempt,
		"input":     string(t.Input),
	})
}

// CompleteTask settles a dispatched task. It is idempotent by task id: a
// duplicate completion returns nil without side effects. The step name must
// match the workflow's current step (the driven-mode start task is exempt —
// it may outlive reported steps).
func (e *Engine) CompleteTask(ctx context.Context, taskID string, output []byte, errMsg string, cancelled bool) error {
	t, settled, duplicate := e.queue.Complete(taskID)
	if duplicate {
		return nil
	}
	if !settled {
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}

	l := e.lockFor(t.WorkflowID)
	l.Lock()

	var followup func()
	err := func() error {
		w, err := e.store.GetWorkflow(ctx, t.WorkflowID)
		if err != nil {
			return err
		}

		if w.State.IsTerminal() {
			if w.State == store.StateCancelled {
				// Force-cancelled while the worker kept running: accept the
				// report for audit without touching workflow state.
				return e.auditLateCompletion(ctx, t, output, errMsg, cancelled)
			}
			return &errors.ProtocolError{
				Message:    "workflow is terminal",
				WorkflowID: w.ID,
				Step:       t.StepName,
			}
		}

		bodyTask := w.Mode == store.ModeDriven && t.StepName == definition.StartStep
		if !bodyTask && t.StepName != w.CurrentStep {
			return &errors.ProtocolError{
				Message:    "completion does not match the current step",
				WorkflowID: w.ID,
				Step:       t.StepName,
			}
		}

		switch {
		case cancelled:
			return e.completeCancelled(ctx, w, t)
		case errMsg != "":
			followup, err = e.completeFailed(ctx, w, t, errMsg)
			return err
		default:
			followup, err = e.completeSucceeded(ctx, w, t, output, bodyTask)
			return err
		}
	}()
	l.Unlock()

	if err != nil {
		return err
	}
	// Enqueueing happens outside the workflow lock: the dispatch hook
	// re-enters the engine for the same workflow.
	if followup != nil {
		followup()
	}
	return nil
}

// completeSucceeded advances or finalizes the workflow. The returned
// followup enqueues the next task and must run outside the workflow lock.
func (e *Engine) completeSucceeded(ctx context.Context, w *store.Workflow, t *queue.Task, output []byte, bodyTask bool) (func(), error) {
	def := e.defs.Get(w.Type)
	next := def.NextStep(t.StepName)

	// A driven body that reported its own steps finishes silently; a body
	// with no reported steps is recorded as the single start step.
	recordStep := !bodyTask || len(w.Steps) == 0

	var startedEvent bool
	updated, err := e.store.UpdateWorkflow(ctx, w.ID, func(w *store.Workflow) error {
		if recordStep {
			rec := w.LastStep(t.StepName)
			if rec == nil || rec.Attempt < t.Attempt || rec.Status.IsTerminal() {
				// The dispatch hook never recorded this attempt; synthesize
				// the record so the history is complete.
				w.Steps = append(w.Steps, store.StepExecution{
					Name:    t.StepName,
					Status:  store.StepRunning,
					Attempt: t.Attempt,
					Input:   t.Input,
				})
				startedEvent = true
			}
			completeStep(w.LastStep(t.StepName), store.StepCompleted, output, "")
		}

		if next != "" {
			w.CurrentStep = next
		} else {
			finishWorkflow(w, store.StateCompleted, output, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if recordStep {
		if startedEvent {
			e.publish(bus.EventStepStarted, updated, map[string]any{
				"step_name": t.StepName,
				"attempt":   t.Attempt,
				"input":     string(t.Input),
			})
		}
		e.publish(bus.EventStepCompleted, updated, map[string]any{
			"step_name": t.StepName,
			"attempt":   t.Attempt,
			"output":    string(output),
		})
	}

	if next != "" {
		// Enqueue after the state is persisted: if this fails the state
		// stands and reload re-enqueues the same (workflow, step, attempt).
		return func() { e.enqueueStep(updated, next, 1) }, nil
	}

	e.publish(bus.EventWorkflowCompleted, updated, map[string]any{"result": string(output)})
	e.finalize(updated)
	e.logger.Info("workflow completed", log.WorkflowIDKey, w.ID, log.WorkflowTypeKey, w.Type)
	return nil, nil
}

// completeFailed records the failure and either schedules a retry or fails
// the workflow. The returned followup enqueues the retry and must run
// outside the workflow lock.
func (e *Engine) completeFailed(ctx context.Context, w *store.Workflow, t *queue.Task, errMsg string) (func(), error) {
	retry := t.Attempt < t.Retry.MaxRetries

	updated, err := e.store.UpdateWorkflow(ctx, w.ID, func(w *store.Workflow) error {
		rec := w.LastStep(t.StepName)
		if rec == nil || rec.Attempt < t.Attempt || rec.Status.IsTerminal() {
			w.Steps = append(w.Steps, store.StepExecution{
				Name:    t.StepName,
				Status:  store.StepRunning,
				Attempt: t.Attempt,
				Input:   t.Input,
			})
			rec = &w.Steps[len(w.Steps)-1]
		}
		completeStep(rec, store.StepFailed, nil, errMsg)

		if !retry {
			finishWorkflow(w, store.StateFailed, nil, errMsg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(bus.EventStepFailed, updated, map[string]any{
		"step_name": t.StepName,
		"attempt":   t.Attempt,
		"error":     errMsg,
	})

	if retry {
		nextAttempt := t.Attempt + 1
		delay := t.Retry.Delay(nextAttempt)
		e.metrics.StepRetried()
		e.logger.Info("step retry scheduled",
			log.WorkflowIDKey, w.ID,
			log.StepKey, t.StepName,
			"attempt", nextAttempt,
			"delay", delay.String())

		wf := updated
		return func() {
			if delay <= 0 {
				e.enqueueStep(wf, t.StepName, nextAttempt)
			} else {
				e.afterFunc(delay, func() { e.enqueueStep(wf, t.StepName, nextAttempt) })
			}
		}, nil
	}

	e.publish(bus.EventWorkflowFailed, updated, map[string]any{"error": errMsg})
	e.finalize(updated)
	e.logger.Warn("workflow failed",
		log.WorkflowIDKey, w.ID,
		log.WorkflowTypeKey, w.Type,
		"error", errMsg)
	return nil, nil
}

// completeCancelled finalizes a workflow whose worker acknowledged the
// cancellation.
func (e *Engine) completeCancelled(ctx context.Context, w *store.Workflow, t *queue.Task) error {
	updated, err := e.store.UpdateWorkflow(ctx, w.ID, func(w *store.Workflow) error {
		if rec := w.LastStep(t.StepName); rec != nil && !rec.Status.IsTerminal() {
			completeStep(rec, store.StepCancelled, nil, "")
		}
		if rec := w.RunningStep(); rec != nil {
			completeStep(rec, store.StepCancelled, nil, "")
		}
		finishWorkflow(w, store.StateCancelled, nil, "")
		return nil
	})
	if err != nil {
		return err
	}

	e.publish(bus.EventWorkflowCancelled, updated, map[string]any{
		"step_name": t.StepName,
	})
	e.finalize(updated)
	e.logger.Info("workflow cancelled by worker", log.WorkflowIDKey, w.ID)
	return nil
}

// auditLateCompletion updates the lingering step record of a cancelled
// workflow without changing workflow state and without emitting workflow
// events.
func (e *Engine) auditLateCompletion(ctx context.Context, t *queue.Task, output []byte, errMsg string, cancelled bool) error {
	_, err := e.store.UpdateWorkflow(ctx, t.WorkflowID, func(w *store.Workflow) error {
		rec := w.LastStep(t.StepName)
		if rec == nil || rec.Status.IsTerminal() {
			return nil
		}
		switch {
		case cancelled:
			completeStep(rec, store.StepCancelled, nil, "")
		case errMsg != "":
			completeStep(rec, store.StepFailed, nil, errMsg)
		default:
			completeStep(rec, store.StepCompleted, output, "")
		}
		return nil
	})
	return err
}

// HeartbeatTask refreshes a claimed task's visibility deadline.
func (e *Engine) HeartbeatTask(taskID string) error {
	if !e.queue.HeartbeatTask(taskID) {
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	return nil
}

// ReportStep records a step boundary reported by a worker that runs the
// workflow body itself. The report is authoritative in driven mode: a step
// that was never enqueued as a task is accepted and recorded.
func (e *Engine) ReportStep(ctx context.Context, workflowID, stepName, status string, payload []byte, errMsg string) error {
	l := e.lockFor(workflowID)
	l.Lock()
	defer l.Unlock()

	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	if w.State.IsTerminal() {
		if w.State == store.StateCancelled {
			// Audit only; the force-cancel already settled the workflow.
			_, err := e.store.UpdateWorkflow(ctx, workflowID, func(w *store.Workflow) error {
				rec := w.LastStep(stepName)
				if rec == nil || rec.Status.IsTerminal() {
					return nil
				}
				switch status {
				case "completed":
					completeStep(rec, store.StepCompleted, payload, "")
				case "failed":
					completeStep(rec, store.StepFailed, nil, errMsg)
				}
				return nil
			})
			return err
		}
		return &errors.ProtocolError{
			Message:    "workflow is terminal",
			WorkflowID: workflowID,
			Step:       stepName,
		}
	}

	switch status {
	case "started":
		return e.reportStarted(ctx, w, stepName, payload)
	case "completed":
		return e.reportFinished(ctx, w, stepName, store.StepCompleted, payload, "")
	case "failed":
		return e.reportFinished(ctx, w, stepName, store.StepFailed, nil, errMsg)
	default:
		return &errors.ProtocolError{
			Message:    "unknown report status " + status,
			WorkflowID: workflowID,
			Step:       stepName,
		}
	}
}

func (e *Engine) reportStarted(ctx context.Context, w *store.Workflow, stepName string, payload []byte) error {
	if rec := w.RunningStep(); rec != nil && rec.Name != stepName {
		return &errors.ProtocolError{
			Message:    "another step is already running: " + rec.Name,
			WorkflowID: w.ID,
			Step:       stepName,
		}
	}

	now := time.Now()
	attempt := 1
	if prev := w.LastStep(stepName); prev != nil {
		if prev.Status == store.StepRunning {
			// Redundant started report; refresh nothing.
			return nil
		}
		attempt = prev.Attempt + 1
	}

	updated, err := e.store.UpdateWorkflow(ctx, w.ID, func(w *store.Workflow) error {
		w.Steps = append(w.Steps, store.StepExecution{
			Name:      stepName,
			Status:    store.StepRunning,
			Attempt:   attempt,
			Input:     payload,
			StartedAt: &now,
		})
		w.CurrentStep = stepName
		return nil
	})
	if err != nil {
		return err
	}

	e.publish(bus.EventStepStarted, updated, map[string]any{
		"step_name": stepName,
		"attempt":   attempt,
		"input":     string(payload),
	})
	return nil
}

func (e *Engine) reportFinished(ctx context.Context, w *store.Workflow, stepName string, status store.StepStatus, output []byte, errMsg string) error {
	updated, err := e.store.UpdateWorkflow(ctx, w.ID, func(w *store.Workflow) error {
		rec := w.LastStep(stepName)
		if rec == nil || rec.Status.IsTerminal() {
			// Accept a report for a step that never announced itself.
			w.Steps = append(w.Steps, store.StepExecution{
				Name:    stepName,
				Status:  store.StepRunning,
				Attempt: attemptAfter(w, stepName),
			})
			rec = &w.Steps[len(w.Steps)-1]
		}
		completeStep(rec, status, output, errMsg)
		return nil
	})
	if err != nil {
		return err
	}

	eventType := bus.EventStepCompleted
	payload := map[string]any{"step_name": stepName, "output": string(output)}
	if status == store.StepFailed {
		eventType = bus.EventStepFailed
		payload = map[string]any{"step_name": stepName, "error": errMsg}
	}
	e.publish(eventType, updated, payload)
	return nil
}

// attemptAfter returns the next attempt number for the step.
func attemptAfter(w *store.Workflow, stepName string) int {
	if prev := w.LastStep(stepName); prev != nil {
		return prev.Attempt + 1
	}
	return 1
}

// claimLost is the queue's hook for claims lost to worker death, explicit
// return, or visibility-timeout expiry. An explicitly returned task goes
// back to the head of its queue unchanged, as the same attempt. For the
// other reasons the running record is marked failed with the loss reason
// and the task is redelivered at the head of its queue with an incremented
// attempt. Either way the step never advances past its place in FIFO order.
func (e *Engine) claimLost(t *queue.Task, reason string) {
	if reason == queue.ReasonReturned {
		// The worker gave the task back untouched; offer it again as the
		// same attempt.
		e.queue.EnqueueFront(t)
		return
	}

	ctx := context.Background()
	l := e.lockFor(t.WorkflowID)
	l.Lock()
	redeliver := e.claimLostLocked(ctx, t, reason)
	l.Unlock()

	if redeliver != nil {
		e.queue.EnqueueFront(redeliver)
	}
}

// claimLostLocked records the loss and returns the redelivery task, if any.
// The caller enqueues it outside the workflow lock.
func (e *Engine) claimLostLocked(ctx context.Context, t *queue.Task, reason string) *queue.Task {
	w, err := e.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil || w.State.IsTerminal() {
		return nil
	}

	if w.CancelRequested {
		// The worker that was supposed to acknowledge the cancellation is
		// gone; finish the cancellation now.
		updated, err := e.store.UpdateWorkflow(ctx, t.WorkflowID, func(w *store.Workflow) error {
			if rec := w.RunningStep(); rec != nil {
				completeStep(rec, store.StepCancelled, nil, "")
			}
			finishWorkflow(w, store.StateCancelled, nil, "")
			return nil
		})
		if err != nil {
			return nil
		}
		e.publish(bus.EventWorkflowCancelled, updated, nil)
		e.finalize(updated)
		return nil
	}

	updated, err := e.store.UpdateWorkflow(ctx, t.WorkflowID, func(w *store.Workflow) error {
		if rec := w.LastStep(t.StepName); rec != nil && rec.Status == store.StepRunning {
			completeStep(rec, store.StepFailed, nil, reason)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("cannot record lost claim", log.WorkflowIDKey, t.WorkflowID, log.Error(err))
		return nil
	}

	e.publish(bus.EventStepFailed, updated, map[string]any{
		"step_name": t.StepName,
		"attempt":   t.Attempt,
		"error":     reason,
	})

	e.metrics.TaskRedelivered()
	return &queue.Task{
		ID:           uuid.New().String(),
		WorkflowID:   t.WorkflowID,
		WorkflowType: t.WorkflowType,
		StepName:     t.StepName,
		Attempt:      t.Attempt + 1,
		Input:        t.Input,
		Retry:        t.Retry,
	}
}

// Recover re-enqueues the current step of every non-terminal workflow.
// Called once at startup, after the store has presented its recovered
// state and before workers connect. Claims do not survive a restart, so a
// step that was running when the coordinator died is marked failed and
// redelivered.
func (e *Engine) Recover(ctx context.Context) error {
	workflows, err := e.store.ListWorkflows(ctx, store.Filter{Active: true})
	if err != nil {
		return err
	}

	for _, w := range workflows {
		l := e.lockFor(w.ID)
		l.Lock()

		step := w.CurrentStep
		if w.Mode == store.ModeDriven {
			// The worker drives the body; redelivery always restarts the
			// body task regardless of which reported step was current.
			step = definition.StartStep
		} else if step == "" {
			step = e.defs.Get(w.Type).FirstStep()
		}

		attempt := 1
		updated, err := e.store.UpdateWorkflow(ctx, w.ID, func(w *store.Workflow) error {
			if rec := w.RunningStep(); rec != nil {
				completeStep(rec, store.StepFailed, nil, queue.ReasonWorkerLost)
			}
			if w.State == store.StatePending {
				w.State = store.StateRunning
			}
			if w.CurrentStep == "" {
				w.CurrentStep = step
			}
			if prev := w.LastStep(step); prev != nil {
				attempt = prev.Attempt + 1
			}
			return nil
		})
		l.Unlock()
		if err != nil {
			e.logger.Error("recovery failed", log.WorkflowIDKey, w.ID, log.Error(err))
			continue
		}

		e.enqueueStep(updated, step, attempt)
		e.logger.Info("workflow re-enqueued after restart",
			log.WorkflowIDKey, w.ID,
			log.StepKey, step,
			"attempt", attempt)
	}
	return nil
}
