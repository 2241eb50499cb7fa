package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/pkg/errors"
)

func newWorkflow(id, wfType string) *store.Workflow {
	return &store.Workflow{
		ID:    id,
		Type:  wfType,
		Mode:  store.ModeDeclared,
		State: store.StatePending,
		Input: []byte("input"),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "greet", got.Type)
	assert.Equal(t, store.StatePending, got.State)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreate_DuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))
	err := s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet"))
	assert.True(t, errors.IsDuplicate(err))
}

func TestGet_NotFound(t *testing.T) {
	s := New()
	_, err := s.GetWorkflow(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))

	a, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	a.State = store.StateFailed
	a.Input[0] = 'X'

	b, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, b.State)
	assert.Equal(t, []byte("input"), b.Input)
}

func TestUpdateWorkflow(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))

	updated, err := s.UpdateWorkflow(ctx, "wf-1", func(w *store.Workflow) error {
		w.State = store.StateRunning
		w.CurrentStep = "start"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, updated.State)
	assert.Equal(t, "start", updated.CurrentStep)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, got.State)
}

func TestUpdateWorkflow_MutationErrorAborts(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))

	_, err := s.UpdateWorkflow(ctx, "wf-1", func(w *store.Workflow) error {
		w.State = store.StateFailed
		return fmt.Errorf("nope")
	})
	require.Error(t, err)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, got.State, "failed mutation must not persist")
}

func TestUpdateWorkflow_ConcurrentCounters(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateWorkflow(ctx, "wf-1", func(w *store.Workflow) error {
				w.Steps = append(w.Steps, store.StepExecution{Name: "s", Attempt: len(w.Steps) + 1})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, got.Steps, n, "updates must be serialized per workflow")
}

func TestAppendStep(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))

	now := time.Now()
	require.NoError(t, s.AppendStep(ctx, "wf-1", store.StepExecution{
		Name:      "start",
		Status:    store.StepRunning,
		Attempt:   1,
		StartedAt: &now,
	}))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "start", got.Steps[0].Name)
	assert.Equal(t, 1, got.Steps[0].Attempt)
}

func TestListWorkflows_Filters(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateWorkflow(ctx, newWorkflow(fmt.Sprintf("wf-%d", i), "greet")))
	}
	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-other", "process")))
	_, err := s.UpdateWorkflow(ctx, "wf-0", func(w *store.Workflow) error {
		w.State = store.StateCompleted
		return nil
	})
	require.NoError(t, err)

	all, err := s.ListWorkflows(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	active, err := s.ListWorkflows(ctx, store.Filter{Active: true})
	require.NoError(t, err)
	assert.Len(t, active, 3)

	byType, err := s.ListWorkflows(ctx, store.Filter{Type: "process"})
	require.NoError(t, err)
	assert.Len(t, byType, 1)

	byState, err := s.ListWorkflows(ctx, store.Filter{State: store.StateCompleted})
	require.NoError(t, err)
	assert.Len(t, byState, 1)

	limited, err := s.ListWorkflows(ctx, store.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteWorkflow(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "greet")))

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))
	_, err := s.GetWorkflow(ctx, "wf-1")
	assert.True(t, errors.IsNotFound(err))

	err = s.DeleteWorkflow(ctx, "wf-1")
	assert.True(t, errors.IsNotFound(err))
}
