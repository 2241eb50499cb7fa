package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aetherframework-ai/aether/internal/bus"
	"github.com/Aetherframework-ai/aether/internal/definition"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/internal/store/actionlog"
)

// buildStack assembles an engine over the state-action-log tier, the way
// the daemon does in state-action-log mode.
func buildStack(t *testing.T, dir string) (*Engine, *queue.Queue, store.Store) {
	t.Helper()

	st, err := actionlog.New(actionlog.Config{Dir: dir})
	require.NoError(t, err)
	defs, err := definition.NewSet("", nil)
	require.NoError(t, err)
	q := queue.New(queue.Config{})
	e := New(Config{Store: st, Queue: q, Bus: bus.New(0), Definitions: defs})

	t.Cleanup(func() {
		e.Close()
		q.Close()
		defs.Close()
		st.Close()
	})
	return e, q, st
}

func TestCrashRecoveryEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng, q, _ := buildStack(t, dir)

	// Start 10 workflows; complete 5, leave 5 partially executed.
	ids := make([]string, 10)
	for i := range ids {
		id, err := eng.Start(ctx, "batch", []byte(fmt.Sprintf("input-%d", i)), StartOptions{})
		require.NoError(t, err)
		ids[i] = id
	}

	completed := make(map[string]bool)
	for i := 0; i < 5; i++ {
		tasks := q.Claim("sess-1", []string{"batch"}, 1)
		require.Len(t, tasks, 1)
		require.NoError(t, eng.CompleteTask(ctx, tasks[0].ID, []byte("done"), "", false))
		completed[tasks[0].WorkflowID] = true
	}

	before := make(map[string]store.State)
	for _, id := range ids {
		w, err := eng.GetWorkflow(ctx, id)
		require.NoError(t, err)
		before[id] = w.State
	}

	// Kill and restart the coordinator: a fresh stack over the same dir.
	eng2, q2, st2 := buildStack(t, dir)
	require.NoError(t, eng2.Recover(ctx))

	// All 10 workflows return with identical state.
	all, err := st2.ListWorkflows(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 10)
	for _, w := range all {
		assert.Equal(t, before[w.ID], w.State, "workflow %s state must survive the crash", w.ID)
	}

	// The 5 partial workflows are re-enqueued and make progress when a
	// worker reconnects.
	progressed := 0
	for {
		tasks := q2.Claim("sess-2", []string{"batch"}, 10)
		if len(tasks) == 0 {
			break
		}
		for _, task := range tasks {
			assert.False(t, completed[task.WorkflowID], "completed workflows must not be re-enqueued")
			require.NoError(t, eng2.CompleteTask(ctx, task.ID, []byte("after-restart"), "", false))
			progressed++
		}
	}
	assert.Equal(t, 5, progressed)

	for _, id := range ids {
		w, err := eng2.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StateCompleted, w.State)

		_, terminal, err := eng2.Await(ctx, id, time.Second)
		require.NoError(t, err)
		assert.True(t, terminal)
	}
}

func TestRecoveryIdempotentEnqueue(t *testing.T) {
	// Re-running recovery must not double-enqueue: the dedupe key is
	// (workflow, step, attempt).
	dir := t.TempDir()
	ctx := context.Background()

	eng, _, _ := buildStack(t, dir)
	_, err := eng.Start(ctx, "batch", nil, StartOptions{})
	require.NoError(t, err)

	eng2, q2, _ := buildStack(t, dir)
	require.NoError(t, eng2.Recover(ctx))
	require.NoError(t, eng2.Recover(ctx))

	assert.Equal(t, 1, q2.Depth("batch"))
}
