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

// Package queue provides per-workflow-type FIFO queues of dispatchable step
// tasks with claim semantics.
//
// A task is claimed at dispatch time; while claimed it is not offered to
// another worker. Claims release when the worker session dies, the worker
// returns the task, or the visibility timeout elapses without a completion
// or task heartbeat. Released tasks return to the head of their queue so
// FIFO order is preserved across redelivery for a given workflow.
package queue

import (
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy controls step-level retry, carried on every task.
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed before the workflow
	// fails. An attempt counter equal to MaxRetries is the last one.
	MaxRetries int `json:"max_retries"`

	// Backoff is the base delay before a retry attempt is enqueued.
	Backoff time.Duration `json:"backoff"`

	// BackoffFactor multiplies the delay for each subsequent attempt.
	// Values below 1 are treated as 2.
	BackoffFactor float64 `json:"backoff_factor"`
}

// Delay returns the backoff delay before the given attempt (1-based).
// The first attempt has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Backoff <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	d := p.Backoff
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// Task is a dispatchable unit derived from a workflow's current step.
// The id is freshly generated per dispatch and doubles as the claim token.
type Task struct {
	ID           string      `json:"id"`
	WorkflowID   string      `json:"workflow_id"`
	WorkflowType string      `json:"workflow_type"`
	StepName     string      `json:"step_name"`
	Attempt      int         `json:"attempt"`
	Input        []byte      `json:"input,omitempty"`
	Retry        RetryPolicy `json:"retry"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
}

// dedupeKey identifies a dispatch for idempotent enqueueing.
func (t *Task) dedupeKey() string {
	return t.WorkflowID + "\x00" + t.StepName + "\x00" + itoa(t.Attempt)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Message is one item pushed on a streaming subscription: either a task
// dispatch or a cancellation notice for a workflow whose task the worker
// holds.
type Message struct {
	Task             *Task
	CancelWorkflowID string
}

// Subscription is a worker's long-lived task stream.
type Subscription struct {
	sessionID string
	types     map[string]struct{}
	ch        chan Message
	closed    bool
}

// C returns the channel messages are pushed on.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// claim records which session holds a dispatched task.
type claim struct {
	task      *Task
	sessionID string
	deadline  time.Time
}

// DefaultVisibilityTimeout is used when the configuration does not specify
// one.
const DefaultVisibilityTimeout = 60 * time.Second

// Config contains queue configuration.
type Config struct {
	// VisibilityTimeout is how long a claimed task stays invisible without
	// a completion or task heartbeat. Default: 60s.
	VisibilityTimeout time.Duration

	// OnClaimLost is invoked (outside queue locks) when a claim releases
	// without a completion: session death, explicit return, or visibility
	// timeout. When set, the callback owns redelivery; when nil the task
	// returns to the head of its queue unchanged.
	OnClaimLost func(t *Task, reason string)

	// OnDispatch is invoked (outside queue locks) after a task is claimed,
	// whether by a poll batch or a stream push.
	OnDispatch func(t *Task, sessionID string)

	// Logger is the structured logger. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Claim-lost reasons.
const (
	ReasonWorkerLost        = "worker-lost"
	ReasonReturned          = "returned"
	ReasonVisibilityExpired = "visibility-expired"
)

// Queue is the task queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string][]*Task   // per workflow-type FIFO
	pending map[string]struct{}  // dedupe keys for queued or claimed tasks
	claims  map[string]*claim    // by task id
	settled map[string]struct{}  // task ids that completed
	subs    map[*Subscription]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a queue and starts the visibility sweeper.
func New(cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		cfg:     cfg,
		logger:  cfg.Logger,
		queues:  make(map[string][]*Task),
		pending: make(map[string]struct{}),
		claims:  make(map[string]*claim),
		settled: make(map[string]struct{}),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}

	q.wg.Add(1)
	go q.sweepLoop()
	return q
}

// SetHooks installs the dispatch and claim-lost callbacks. The engine owns
// both but is constructed after the queue; call this before any worker
// connects.
func (q *Queue) SetHooks(onDispatch func(t *Task, sessionID string), onClaimLost func(t *Task, reason string)) {
	q.mu.Lock()
	q.cfg.OnDispatch = onDispatch
	q.cfg.OnClaimLost = onClaimLost
	q.mu.Unlock()
}

// Enqueue appends the task to its type's queue. Enqueueing is idempotent
// keyed by (workflow-id, step-name, attempt): a duplicate is a no-op.
func (q *Queue) Enqueue(t *Task) {
	q.enqueue(t, false)
}

// EnqueueFront puts the task at the head of its queue, preserving FIFO
// order across redelivery.
func (q *Queue) EnqueueFront(t *Task) {
	q.enqueue(t, true)
}

func (q *Queue) enqueue(t *Task, front bool) {
	q.mu.Lock()

	key := t.dedupeKey()
	if _, dup := q.pending[key]; dup {
		q.mu.Unlock()
		return
	}
	if _, done := q.settled[t.ID]; done {
		q.mu.Unlock()
		return
	}
	q.pending[key] = struct{}{}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	if front {
		q.queues[t.WorkflowType] = append([]*Task{t}, q.queues[t.WorkflowType]...)
	} else {
		q.queues[t.WorkflowType] = append(q.queues[t.WorkflowType], t)
	}

	dispatched := q.dispatchLocked()
	onDispatch := q.cfg.OnDispatch
	q.mu.Unlock()

	q.notifyDispatched(onDispatch, dispatched)
}

// dispatched pairs a pushed task with the claiming session.
type dispatched struct {
	task      *Task
	sessionID string
}

func (q *Queue) notifyDispatched(onDispatch func(t *Task, sessionID string), list []dispatched) {
	if onDispatch == nil {
		return
	}
	for _, d := range list {
		onDispatch(d.task, d.sessionID)
	}
}

// dispatchLocked hands queued tasks to streaming subscribers with room.
// Caller holds q.mu.
func (q *Queue) dispatchLocked() []dispatched {
	var out []dispatched
	for wfType, tasks := range q.queues {
		for len(tasks) > 0 {
			sub := q.pickSubscriberLocked(wfType)
			if sub == nil {
				break
			}
			t := tasks[0]
			tasks = tasks[1:]
			q.queues[wfType] = tasks
			q.claims[t.ID] = &claim{
				task:      t,
				sessionID: sub.sessionID,
				deadline:  time.Now().Add(q.cfg.VisibilityTimeout),
			}
			sub.ch <- Message{Task: t}
			out = append(out, dispatched{task: t, sessionID: sub.sessionID})
		}
	}
	return out
}

// pickSubscriberLocked finds a subscriber for the type with channel room.
func (q *Queue) pickSubscriberLocked(wfType string) *Subscription {
	for sub := range q.subs {
		if sub.closed {
			continue
		}
		if _, ok := sub.types[wfType]; !ok {
			continue
		}
		if len(sub.ch) < cap(sub.ch) {
			return sub
		}
	}
	return nil
}

// Subscribe opens a streaming claim for the session. Matched tasks are
// pushed as they become available.
func (q *Queue) Subscribe(sessionID string, types []string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		types:     make(map[string]struct{}, len(types)),
		ch:        make(chan Message, 16),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	q.mu.Lock()
	q.subs[sub] = struct{}{}
	dispatchedNow := q.dispatchLocked()
	onDispatch := q.cfg.OnDispatch
	q.mu.Unlock()

	q.notifyDispatched(onDispatch, dispatchedNow)
	return sub
}

// Unsubscribe closes the stream. Claims held by the session stay claimed
// until completed, released, or expired.
func (q *Queue) Unsubscribe(sub *Subscription) {
	q.mu.Lock()
	if _, ok := q.subs[sub]; ok {
		delete(q.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
	q.mu.Unlock()
}

// Claim returns up to max matched tasks immediately, or an empty batch.
// This is the polling fallback for workers without a stream.
func (q *Queue) Claim(sessionID string, types []string, max int) []*Task {
	if max <= 0 {
		max = 1
	}

	q.mu.Lock()

	var out []*Task
	for _, wfType := range types {
		tasks := q.queues[wfType]
		for len(tasks) > 0 && len(out) < max {
			t := tasks[0]
			tasks = tasks[1:]
			q.claims[t.ID] = &claim{
				task:      t,
				sessionID: sessionID,
				deadline:  time.Now().Add(q.cfg.VisibilityTimeout),
			}
			out = append(out, t)
		}
		q.queues[wfType] = tasks
		if len(out) >= max {
			break
		}
	}
	onDispatch := q.cfg.OnDispatch
	q.mu.Unlock()

	if onDispatch != nil {
		for _, t := range out {
			onDispatch(t, sessionID)
		}
	}
	return out
}

// Complete settles the claim. It returns the task and whether this call
// settled it; a task id that was already settled returns (nil, false, true)
// so callers can treat duplicate completions as idempotent. An unknown task
// id returns all zero values.
func (q *Queue) Complete(taskID string) (t *Task, settled bool, duplicate bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, done := q.settled[taskID]; done {
		return nil, false, true
	}
	c, ok := q.claims[taskID]
	if !ok {
		return nil, false, false
	}
	delete(q.claims, taskID)
	delete(q.pending, c.task.dedupeKey())
	q.settled[taskID] = struct{}{}
	return c.task, true, false
}

// ClaimedBy returns the session currently holding the task, if any.
func (q *Queue) ClaimedBy(taskID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.claims[taskID]
	if !ok {
		return "", false
	}
	return c.sessionID, true
}

// ClaimForWorkflow returns the claimed task for the workflow, if any.
func (q *Queue) ClaimForWorkflow(workflowID string) (*Task, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.claims {
		if c.task.WorkflowID == workflowID {
			return c.task, c.sessionID, true
		}
	}
	return nil, "", false
}

// HeartbeatTask refreshes the visibility deadline for a claimed task.
func (q *Queue) HeartbeatTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.claims[taskID]
	if !ok {
		return false
	}
	c.deadline = time.Now().Add(q.cfg.VisibilityTimeout)
	return true
}

// Release returns a claimed task explicitly.
func (q *Queue) Release(taskID string) {
	q.mu.Lock()
	c, ok := q.claims[taskID]
	if ok {
		delete(q.claims, taskID)
		delete(q.pending, c.task.dedupeKey())
	}
	q.mu.Unlock()

	if ok {
		q.claimLost(c.task, ReasonReturned)
	}
}

// ReleaseSession releases every claim held by a dead session.
func (q *Queue) ReleaseSession(sessionID string) {
	q.mu.Lock()
	var lost []*Task
	for id, c := range q.claims {
		if c.sessionID == sessionID {
			delete(q.claims, id)
			delete(q.pending, c.task.dedupeKey())
			lost = append(lost, c.task)
		}
	}
	// Streams owned by the session are dead too.
	for sub := range q.subs {
		if sub.sessionID == sessionID {
			delete(q.subs, sub)
			sub.closed = true
			close(sub.ch)
		}
	}
	q.mu.Unlock()

	for _, t := range lost {
		q.claimLost(t, ReasonWorkerLost)
	}
}

// NotifyCancel pushes a cancellation notice to the worker holding the
// workflow's claimed task, if it is streaming. Returns whether a notice
// was delivered.
func (q *Queue) NotifyCancel(workflowID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.claims {
		if c.task.WorkflowID != workflowID {
			continue
		}
		for sub := range q.subs {
			if sub.sessionID != c.sessionID || sub.closed {
				continue
			}
			select {
			case sub.ch <- Message{CancelWorkflowID: workflowID}:
				return true
			default:
				return false
			}
		}
	}
	return false
}

// DropWorkflow removes any queued tasks and claims for the workflow.
// Used when a workflow reaches a terminal state.
func (q *Queue) DropWorkflow(workflowID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for wfType, tasks := range q.queues {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.WorkflowID == workflowID {
				delete(q.pending, t.dedupeKey())
				continue
			}
			kept = append(kept, t)
		}
		q.queues[wfType] = kept
	}
	for id, c := range q.claims {
		if c.task.WorkflowID == workflowID {
			delete(q.claims, id)
			delete(q.pending, c.task.dedupeKey())
		}
	}
}

// Depth returns the number of queued (unclaimed) tasks for the type.
func (q *Queue) Depth(wfType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[wfType])
}

// claimLost routes a lost claim to the configured callback, or requeues the
// task at the head of its queue.
func (q *Queue) claimLost(t *Task, reason string) {
	q.logger.Warn("task claim lost",
		"task_id", t.ID,
		"workflow_id", t.WorkflowID,
		"step", t.StepName,
		"reason", reason)

	q.mu.Lock()
	onClaimLost := q.cfg.OnClaimLost
	q.mu.Unlock()

	if onClaimLost != nil {
		onClaimLost(t, reason)
		return
	}
	q.EnqueueFront(t)
}

// sweepLoop releases claims whose visibility timeout elapsed.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	interval := q.cfg.VisibilityTimeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

// sweep collects expired claims.
func (q *Queue) sweep() {
	now := time.Now()

	q.mu.Lock()
	var expired []*Task
	for id, c := range q.claims {
		if now.After(c.deadline) {
			delete(q.claims, id)
			delete(q.pending, c.task.dedupeKey())
			expired = append(expired, c.task)
		}
	}
	q.mu.Unlock()

	for _, t := range expired {
		q.claimLost(t, ReasonVisibilityExpired)
	}
}

// Close stops the sweeper and closes all streams.
func (q *Queue) Close() error {
	close(q.done)
	q.wg.Wait()

	q.mu.Lock()
	for sub := range q.subs {
		delete(q.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
	q.mu.Unlock()
	return nil
}
