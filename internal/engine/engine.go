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

// Package engine implements the workflow state machine: one logical
// instance per workflow id, owning step ordering and all state transitions.
//
// The engine is the sole mutator of workflow and step records. Every
// transition follows the same sequence: validate, persist, emit the
// lifecycle event, enqueue the next task if one is due, then acknowledge
// the caller. Mutations to a given workflow are serialized on a
// per-workflow lock; the engine never blocks on workers — a dispatched
// task releases the lock, and the next mutation happens when the
// completion arrives.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aetherframework-ai/aether/internal/bus"
	"github.com/Aetherframework-ai/aether/internal/definition"
	"github.com/Aetherframework-ai/aether/internal/log"
	"github.com/Aetherframework-ai/aether/internal/metrics"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/pkg/errors"
)

// DefaultCancelDeadline bounds how long the engine waits for a worker to
// acknowledge a cancellation before force-transitioning the workflow.
const DefaultCancelDeadline = 30 * time.Second

// DefaultRetryPolicy applies to workflow types whose definition carries no
// retry policy of its own.
var DefaultRetryPolicy = queue.RetryPolicy{
	MaxRetries:    3,
	Backoff:       time.Second,
	BackoffFactor: 2,
}

// Config contains engine dependencies and tuning.
type Config struct {
	Store       store.Store
	Queue       *queue.Queue
	Bus         *bus.Bus
	Definitions *definition.Set
	Metrics     *metrics.Metrics

	// CancelDeadline bounds the wait for a worker's cancel acknowledgement.
	CancelDeadline time.Duration

	// Logger is the structured logger. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Engine is the workflow state machine.
type Engine struct {
	store   store.Store
	queue   *queue.Queue
	bus     *bus.Bus
	defs    *definition.Set
	metrics *metrics.Metrics
	logger  *slog.Logger

	cancelDeadline time.Duration

	// lockMu guards locks; one mutex per workflow serializes compound
	// transitions (read, validate, persist, emit, enqueue).
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// waiters are closed when their workflow reaches a terminal state.
	waiterMu sync.Mutex
	waiters  map[string][]chan struct{}

	// timers tracks pending retry and cancel-deadline timers for shutdown.
	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
}

// New creates the engine and installs its queue hooks.
func New(cfg Config) *Engine {
	if cfg.CancelDeadline <= 0 {
		cfg.CancelDeadline = DefaultCancelDeadline
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		store:          cfg.Store,
		queue:          cfg.Queue,
		bus:            cfg.Bus,
		defs:           cfg.Definitions,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		cancelDeadline: cfg.CancelDeadline,
		locks:          make(map[string]*sync.Mutex),
		waiters:        make(map[string][]chan struct{}),
		timers:         make(map[*time.Timer]struct{}),
	}

	cfg.Queue.SetHooks(e.taskDispatched, e.claimLost)
	return e
}

// lockFor returns the per-workflow mutex, creating it on first use.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// StartOptions carries optional Start parameters.
type StartOptions struct {
	// WorkflowID overrides the generated id. A collision returns a
	// DuplicateError.
	WorkflowID string
}

// Start accepts a workflow start request: the record is created and
// persisted, a workflow:started event is emitted, and the initial task is
// enqueued. The returned id identifies the running workflow.
func (e *Engine) Start(ctx context.Context, workflowType string, input []byte, opts StartOptions) (string, error) {
	id := opts.WorkflowID
	if id == "" {
		id = uuid.New().String()
	}

	def := e.defs.Get(workflowType)
	firstStep := def.FirstStep()
	now := time.Now()

	w := &store.Workflow{
		ID:          id,
		Type:        workflowType,
		Mode:        def.StoreMode(),
		Input:       input,
		State:       store.StateRunning,
		CurrentStep: firstStep,
		StartedAt:   &now,
	}

	l := e.lockFor(id)
	l.Lock()
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		l.Unlock()
		return "", err
	}
	e.publish(bus.EventWorkflowStarted, w, map[string]any{"input": string(input)})
	l.Unlock()

	e.metrics.WorkflowStarted()
	e.enqueueStep(w, firstStep, 1)

	e.logger.Info("workflow started",
		log.WorkflowIDKey, id,
		log.WorkflowTypeKey, workflowType,
		"mode", string(w.Mode))
	return id, nil
}

// retryPolicyFor resolves the retry policy for a workflow type.
func (e *Engine) retryPolicyFor(workflowType string) queue.RetryPolicy {
	if def := e.defs.Get(workflowType); def != nil {
		p := def.Retry.Policy()
		if p.MaxRetries > 0 {
			return p
		}
	}
	return DefaultRetryPolicy
}

// enqueueStep builds and enqueues a task for the step. Enqueueing is
// idempotent keyed by (workflow-id, step-name, attempt), so repeating it
// after a partial failure is safe.
func (e *Engine) enqueueStep(w *store.Workflow, stepName string, attempt int) {
	t := &queue.Task{
		ID:           uuid.New().String(),
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		StepName:     stepName,
		Attempt:      attempt,
		Input:        w.Input,
		Retry:        e.retryPolicyFor(w.Type),
	}
	e.queue.Enqueue(t)
}

// GetWorkflow returns the workflow record.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows matching the filter.
func (e *Engine) ListWorkflows(ctx context.Context, f store.Filter) ([]*store.Workflow, error) {
	return e.store.ListWorkflows(ctx, f)
}

// Await blocks until the workflow reaches a terminal state or the timeout
// elapses. The returned terminal flag distinguishes a result from the
// still-running signal; a client-side timeout never affects workflow state.
func (e *Engine) Await(ctx context.Context, id string, timeout time.Duration) (*store.Workflow, bool, error) {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if w.State.IsTerminal() || timeout <= 0 {
		return w, w.State.IsTerminal(), nil
	}

	ch := e.addWaiter(id)
	defer e.removeWaiter(id, ch)

	// Re-check after registering: the terminal transition may have raced
	// the waiter registration.
	w, err = e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if w.State.IsTerminal() {
		return w, true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		w, err = e.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return w, w.State.IsTerminal(), nil
	case <-timer.C:
		w, err = e.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return w, w.State.IsTerminal(), nil
	case <-ctx.Done():
		return nil, false, &errors.CancelledError{Operation: "await result"}
	}
}

func (e *Engine) addWaiter(id string) chan struct{} {
	ch := make(chan struct{})
	e.waiterMu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.waiterMu.Unlock()
	return ch
}

func (e *Engine) removeWaiter(id string, ch chan struct{}) {
	e.waiterMu.Lock()
	defer e.waiterMu.Unlock()
	list := e.waiters[id]
	for i, c := range list {
		if c == ch {
			e.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

// wake releases every waiter for the workflow.
func (e *Engine) wake(id string) {
	e.waiterMu.Lock()
	for _, ch := range e.waiters[id] {
		close(ch)
	}
	delete(e.waiters, id)
	e.waiterMu.Unlock()
}

// Cancel requests cancellation. An idle workflow transitions immediately;
// a workflow with a running step gets its worker notified on the task
// stream, and the cancel deadline bounds the wait for an acknowledgement.
// Cancelling a terminal workflow reports accepted=false.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return false, err
	}
	if w.State.IsTerminal() {
		return false, nil
	}

	_, _, claimed := e.queue.ClaimForWorkflow(id)
	if !claimed {
		// No worker holds a task; cancel directly.
		updated, err := e.store.UpdateWorkflow(ctx, id, func(w *store.Workflow) error {
			w.CancelRequested = true
			finishWorkflow(w, store.StateCancelled, nil, "")
			if rec := w.RunningStep(); rec != nil {
				completeStep(rec, store.StepCancelled, nil, "")
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		e.publish(bus.EventWorkflowCancelled, updated, nil)
		e.finalize(updated)
		return true, nil
	}

	// A step is running: record the request, notify the worker, and arm
	// the force-cancel deadline.
	if _, err := e.store.UpdateWorkflow(ctx, id, func(w *store.Workflow) error {
		w.CancelRequested = true
		return nil
	}); err != nil {
		return false, err
	}

	e.queue.NotifyCancel(id)
	e.afterFunc(e.cancelDeadline, func() { e.forceCancel(id) })

	e.logger.Info("cancellation requested", log.WorkflowIDKey, id)
	return true, nil
}

// forceCancel transitions a workflow whose worker never acknowledged the
// cancellation. The running step record is left as-is: a late worker
// report is accepted for audit but no longer changes workflow state.
func (e *Engine) forceCancel(id string) {
	ctx := context.Background()

	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil || w.State.IsTerminal() || !w.CancelRequested {
		return
	}

	updated, err := e.store.UpdateWorkflow(ctx, id, func(w *store.Workflow) error {
		finishWorkflow(w, store.StateCancelled, nil, "")
		return nil
	})
	if err != nil {
		e.logger.Error("force cancel failed", log.WorkflowIDKey, id, log.Error(err))
		return
	}

	e.publish(bus.EventWorkflowCancelled, updated, map[string]any{"forced": true})
	e.finalize(updated)
	e.logger.Warn("workflow force-cancelled after deadline", log.WorkflowIDKey, id)
}

// afterFunc arms a timer tracked for shutdown.
func (e *Engine) afterFunc(d time.Duration, fn func()) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.timerMu.Lock()
		delete(e.timers, t)
		e.timerMu.Unlock()
		fn()
	})
	e.timers[t] = struct{}{}
}

// finalize releases queue state and waiters after a terminal transition.
func (e *Engine) finalize(w *store.Workflow) {
	e.queue.DropWorkflow(w.ID)
	e.wake(w.ID)
	e.metrics.WorkflowFinished(string(w.State))
}

// publish emits a lifecycle event. Callers hold the workflow lock, so
// events for a given workflow are published in commit order.
func (e *Engine) publish(eventType bus.EventType, w *store.Workflow, payload map[string]any) {
	e.bus.Publish(&bus.Event{
		Type:         eventType,
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		Payload:      payload,
	})
}

// finishWorkflow applies a terminal transition to the record.
func finishWorkflow(w *store.Workflow, state store.State, result []byte, errMsg string) {
	now := time.Now()
	w.State = state
	w.Result = result
	w.ErrorMessage = errMsg
	w.CurrentStep = ""
	w.CompletedAt = &now
}

// completeStep applies a terminal status to a step record.
func completeStep(rec *store.StepExecution, status store.StepStatus, output []byte, errMsg string) {
	now := time.Now()
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.Status = status
	rec.Output = output
	rec.ErrorMessage = errMsg
	rec.CompletedAt = &now
}

// Close stops pending timers. In-flight transitions finish normally.
func (e *Engine) Close() error {
	e.timerMu.Lock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.timerMu.Unlock()
	return nil
}
