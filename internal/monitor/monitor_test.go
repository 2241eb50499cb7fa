package monitor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aetherframework-ai/aether/internal/bus"
	"github.com/Aetherframework-ai/aether/internal/definition"
	"github.com/Aetherframework-ai/aether/internal/engine"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/store/memory"
)

type fixture struct {
	engine *engine.Engine
	queue  *queue.Queue
	bus    *bus.Bus
	url    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	defs, err := definition.NewSet("", nil)
	require.NoError(t, err)
	st := memory.New()
	q := queue.New(queue.Config{})
	b := bus.New(0)
	eng := engine.New(engine.Config{Store: st, Queue: q, Bus: b, Definitions: defs})

	srv := httptest.NewServer(NewHandler(eng, b, nil))
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
		q.Close()
		defs.Close()
	})

	return &fixture{
		engine: eng,
		queue:  q,
		bus:    b,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dialMonitor(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readRaw(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestListWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id1, err := f.engine.Start(ctx, "greet", nil, engine.StartOptions{})
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, "process", nil, engine.StartOptions{})
	require.NoError(t, err)

	// Complete one workflow.
	tasks := f.queue.Claim("sess-1", []string{"greet"}, 1)
	require.Len(t, tasks, 1)
	require.NoError(t, f.engine.CompleteTask(ctx, tasks[0].ID, []byte("r"), "", false))

	conn := dialMonitor(t, f.url)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestListAll}))
	resp := readRaw(t, conn)
	assert.Equal(t, "WorkflowList", resp["type"])
	assert.Len(t, resp["workflows"], 2)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestListActive}))
	resp = readRaw(t, conn)
	workflows := resp["workflows"].([]any)
	require.Len(t, workflows, 1)
	row := workflows[0].(map[string]any)
	assert.NotEqual(t, id1, row["workflow_id"], "the completed workflow is not active")
	assert.Equal(t, "running", row["state"])
}

func TestGetWorkflowDetailAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "greet", []byte("World"), engine.StartOptions{})
	require.NoError(t, err)
	tasks := f.queue.Claim("sess-1", []string{"greet"}, 1)
	require.NoError(t, f.engine.CompleteTask(ctx, tasks[0].ID, []byte("Hello, World!"), "", false))

	conn := dialMonitor(t, f.url)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestGetWorkflow, WorkflowID: id}))
	resp := readRaw(t, conn)
	require.Equal(t, "WorkflowDetail", resp["type"])
	detail := resp["detail"].(map[string]any)
	assert.Equal(t, id, detail["workflow_id"])
	assert.Equal(t, "completed", detail["state"])
	assert.Len(t, detail["steps"], 1)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestGetHistory, WorkflowID: id}))
	resp = readRaw(t, conn)
	require.Equal(t, "WorkflowHistory", resp["type"])
	history := resp["history"].([]any)
	require.Len(t, history, 1)
	step := history[0].(map[string]any)
	assert.Equal(t, "start", step["step_name"])
	assert.Equal(t, "completed", step["status"])
}

func TestUnknownWorkflowReturnsError(t *testing.T) {
	f := newFixture(t)
	conn := dialMonitor(t, f.url)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestGetWorkflow, WorkflowID: "missing"}))
	resp := readRaw(t, conn)
	assert.Equal(t, "Error", resp["type"])
	assert.Contains(t, resp["message"], "not found")
}

func TestUnknownRequestTypeReturnsError(t *testing.T) {
	f := newFixture(t)
	conn := dialMonitor(t, f.url)

	require.NoError(t, conn.WriteJSON(Request{Type: "Bogus"}))
	resp := readRaw(t, conn)
	assert.Equal(t, "Error", resp["type"])
}

func TestEventsPushed(t *testing.T) {
	f := newFixture(t)
	conn := dialMonitor(t, f.url)

	// Give the subscription a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	id, err := f.engine.Start(ctx, "greet", []byte("World"), engine.StartOptions{})
	require.NoError(t, err)
	tasks := f.queue.Claim("sess-1", []string{"greet"}, 1)
	require.Len(t, tasks, 1)
	require.NoError(t, f.engine.CompleteTask(ctx, tasks[0].ID, []byte("done"), "", false))

	wantOrder := []string{"workflow:started", "step:started", "step:completed", "workflow:completed"}
	for _, want := range wantOrder {
		event := readRaw(t, conn)
		assert.Equal(t, want, event["event_type"])
		assert.Equal(t, id, event["workflow_id"])
		assert.Equal(t, "greet", event["workflow_type"])
		assert.NotEmpty(t, event["timestamp"])
	}
}

func TestEventFilterByWorkflowID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Start(ctx, "greet", nil, engine.StartOptions{})
	require.NoError(t, err)

	conn := dialMonitor(t, f.url+"?workflow_id="+first)
	time.Sleep(50 * time.Millisecond)

	// Start another workflow: its events must not reach this subscriber.
	_, err = f.engine.Start(ctx, "greet", nil, engine.StartOptions{})
	require.NoError(t, err)

	// Drive the first workflow to completion.
	var task *queue.Task
	for _, tk := range f.queue.Claim("sess-1", []string{"greet"}, 10) {
		if tk.WorkflowID == first {
			task = tk
		}
	}
	require.NotNil(t, task)
	require.NoError(t, f.engine.CompleteTask(ctx, task.ID, nil, "", false))

	for i := 0; i < 3; i++ {
		event := readRaw(t, conn)
		assert.Equal(t, first, event["workflow_id"])
	}
}
