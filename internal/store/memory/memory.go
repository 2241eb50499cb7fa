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

// Package memory provides the in-process persistence tier, intended for
// development and tests. All state is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/pkg/errors"
)

// Store is the in-memory persistence tier.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*store.Workflow

	// lockMu guards locks; each workflow gets its own mutex so concurrent
	// updates to different workflows never contend.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*store.Workflow),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-workflow mutex, creating it on first use.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreateWorkflow persists a new workflow record.
func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[w.ID]; exists {
		return &errors.DuplicateError{Resource: "workflow", ID: w.ID}
	}

	c := w.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	s.workflows[w.ID] = c

	w.CreatedAt = c.CreatedAt
	w.UpdatedAt = c.UpdatedAt
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return w.Clone(), nil
}

// UpdateWorkflow applies the mutation under the workflow's own lock.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, mutate store.Mutation) (*store.Workflow, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()

	s.mu.Lock()
	s.workflows[id] = next
	s.mu.Unlock()

	return next.Clone(), nil
}

// AppendStep appends a step execution record to the workflow.
func (s *Store) AppendStep(ctx context.Context, id string, step store.StepExecution) error {
	_, err := s.UpdateWorkflow(ctx, id, func(w *store.Workflow) error {
		w.Steps = append(w.Steps, step)
		return nil
	})
	return err
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, f store.Filter) ([]*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Workflow
	for _, w := range s.workflows {
		if f.Matches(w) {
			out = append(out, w.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteWorkflow removes a workflow record.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	delete(s.workflows, id)

	s.lockMu.Lock()
	delete(s.locks, id)
	s.lockMu.Unlock()
	return nil
}

// Restore installs a recovered record without touching timestamps. Used by
// the durable tiers while replaying state at startup, before the store is
// shared with other components.
func (s *Store) Restore(w *store.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w.Clone()
}

// Close releases the store's resources.
func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
