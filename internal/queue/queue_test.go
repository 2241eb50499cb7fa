package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg)
	t.Cleanup(func() { q.Close() })
	return q
}

func task(id, wfID, wfType, step string, attempt int) *Task {
	return &Task{ID: id, WorkflowID: wfID, WorkflowType: wfType, StepName: step, Attempt: attempt}
}

func TestClaim_FIFO(t *testing.T) {
	q := newQueue(t, Config{})

	for i := 0; i < 3; i++ {
		q.Enqueue(task(fmt.Sprintf("t-%d", i), fmt.Sprintf("wf-%d", i), "greet", "start", 1))
	}

	got := q.Claim("sess-1", []string{"greet"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "t-0", got[0].ID)
	assert.Equal(t, "t-1", got[1].ID)

	rest := q.Claim("sess-1", []string{"greet"}, 10)
	require.Len(t, rest, 1)
	assert.Equal(t, "t-2", rest[0].ID)

	assert.Empty(t, q.Claim("sess-1", []string{"greet"}, 10))
}

func TestClaim_TypeRouting(t *testing.T) {
	q := newQueue(t, Config{})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	q.Enqueue(task("t-2", "wf-2", "process", "start", 1))

	got := q.Claim("sess-1", []string{"process"}, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "t-2", got[0].ID)
}

func TestEnqueue_IdempotentByDispatchKey(t *testing.T) {
	q := newQueue(t, Config{})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	// Same (workflow, step, attempt), fresh task id: must be a no-op.
	q.Enqueue(task("t-1b", "wf-1", "greet", "start", 1))

	assert.Equal(t, 1, q.Depth("greet"))

	// A new attempt is a distinct dispatch.
	q.Enqueue(task("t-2", "wf-1", "greet", "start", 2))
	assert.Equal(t, 2, q.Depth("greet"))
}

func TestClaimedTaskNotOfferedTwice(t *testing.T) {
	q := newQueue(t, Config{})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	require.Len(t, q.Claim("sess-1", []string{"greet"}, 1), 1)
	assert.Empty(t, q.Claim("sess-2", []string{"greet"}, 1))
}

func TestComplete_Idempotent(t *testing.T) {
	q := newQueue(t, Config{})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	require.Len(t, q.Claim("sess-1", []string{"greet"}, 1), 1)

	got, settled, dup := q.Complete("t-1")
	require.NotNil(t, got)
	assert.True(t, settled)
	assert.False(t, dup)

	got, settled, dup = q.Complete("t-1")
	assert.Nil(t, got)
	assert.False(t, settled)
	assert.True(t, dup)
}

func TestComplete_UnknownTask(t *testing.T) {
	q := newQueue(t, Config{})
	got, settled, dup := q.Complete("missing")
	assert.Nil(t, got)
	assert.False(t, settled)
	assert.False(t, dup)
}

func TestRelease_ReturnsToHead(t *testing.T) {
	q := newQueue(t, Config{})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	q.Enqueue(task("t-2", "wf-2", "greet", "start", 1))

	claimed := q.Claim("sess-1", []string{"greet"}, 1)
	require.Len(t, claimed, 1)
	q.Release("t-1")

	got := q.Claim("sess-2", []string{"greet"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "t-1", got[0].ID, "released task must return to the head")
	assert.Equal(t, "t-2", got[1].ID)
}

func TestVisibilityTimeoutReleases(t *testing.T) {
	lost := make(chan *Task, 1)
	q := newQueue(t, Config{
		VisibilityTimeout: 100 * time.Millisecond,
		OnClaimLost:       func(tk *Task, reason string) { lost <- tk },
	})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	require.Len(t, q.Claim("sess-1", []string{"greet"}, 1), 1)

	select {
	case tk := <-lost:
		assert.Equal(t, "t-1", tk.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("visibility timeout did not release the claim")
	}
}

func TestHeartbeatExtendsVisibility(t *testing.T) {
	lost := make(chan *Task, 1)
	q := newQueue(t, Config{
		VisibilityTimeout: 300 * time.Millisecond,
		OnClaimLost:       func(tk *Task, reason string) { lost <- tk },
	})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	require.Len(t, q.Claim("sess-1", []string{"greet"}, 1), 1)

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		assert.True(t, q.HeartbeatTask("t-1"))
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-lost:
		t.Fatal("heartbeated claim was released")
	default:
	}
}

func TestReleaseSession(t *testing.T) {
	var gotReason string
	lost := make(chan *Task, 2)
	q := newQueue(t, Config{
		OnClaimLost: func(tk *Task, reason string) {
			gotReason = reason
			lost <- tk
		},
	})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	require.Len(t, q.Claim("sess-1", []string{"greet"}, 1), 1)

	q.ReleaseSession("sess-1")

	select {
	case tk := <-lost:
		assert.Equal(t, "t-1", tk.ID)
		assert.Equal(t, ReasonWorkerLost, gotReason)
	case <-time.After(time.Second):
		t.Fatal("session release did not surface the claim")
	}
}

func TestSubscribe_StreamsTasks(t *testing.T) {
	q := newQueue(t, Config{})

	sub := q.Subscribe("sess-1", []string{"greet"})
	defer q.Unsubscribe(sub)

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))

	select {
	case msg := <-sub.C():
		require.NotNil(t, msg.Task)
		assert.Equal(t, "t-1", msg.Task.ID)
	case <-time.After(time.Second):
		t.Fatal("task was not pushed to subscriber")
	}

	// The pushed task is claimed by the subscriber's session.
	sess, ok := q.ClaimedBy("t-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", sess)
}

func TestSubscribe_DrainsBacklog(t *testing.T) {
	q := newQueue(t, Config{})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	sub := q.Subscribe("sess-1", []string{"greet"})
	defer q.Unsubscribe(sub)

	select {
	case msg := <-sub.C():
		assert.Equal(t, "t-1", msg.Task.ID)
	case <-time.After(time.Second):
		t.Fatal("backlog task was not pushed on subscribe")
	}
}

func TestNotifyCancel(t *testing.T) {
	q := newQueue(t, Config{})

	sub := q.Subscribe("sess-1", []string{"greet"})
	defer q.Unsubscribe(sub)

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	<-sub.C() // consume the dispatch

	assert.True(t, q.NotifyCancel("wf-1"))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "wf-1", msg.CancelWorkflowID)
	case <-time.After(time.Second):
		t.Fatal("cancel notice was not delivered")
	}
}

func TestDropWorkflow(t *testing.T) {
	q := newQueue(t, Config{})

	q.Enqueue(task("t-1", "wf-1", "greet", "start", 1))
	q.Enqueue(task("t-2", "wf-2", "greet", "start", 1))
	q.DropWorkflow("wf-1")

	got := q.Claim("sess-1", []string{"greet"}, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "t-2", got[0].ID)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, Backoff: 100 * time.Millisecond, BackoffFactor: 2}

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, 400*time.Millisecond, p.Delay(4))

	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(5))
}
