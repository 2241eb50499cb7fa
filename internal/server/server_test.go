package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aetherframework-ai/aether/internal/bus"
	"github.com/Aetherframework-ai/aether/internal/definition"
	"github.com/Aetherframework-ai/aether/internal/engine"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/registry"
	"github.com/Aetherframework-ai/aether/internal/store/memory"
)

// testClient drives one websocket connection against the RPC server.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	next int

	// streams buffers stream messages read while waiting for a response.
	streams []*Message
}

func startServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()

	defs, err := definition.NewSet("", nil)
	require.NoError(t, err)
	st := memory.New()
	q := queue.New(queue.Config{})
	b := bus.New(0)
	reg := registry.New(registry.Config{OnWorkerDead: q.ReleaseSession})
	eng := engine.New(engine.Config{Store: st, Queue: q, Bus: b, Definitions: defs})

	s := New(Config{Host: "127.0.0.1", Port: 0}, eng, q, reg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		s.Shutdown(context.Background())
		eng.Close()
		reg.Close()
		q.Close()
		defs.Close()
	})
	return s, q
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()

	u := url.URL{Scheme: "ws", Host: s.Addr(), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}

	// The server opens with a handshake.
	hs := c.read()
	require.Equal(t, MessageTypeHandshake, hs.Type)
	require.Equal(t, ProtocolVersion, hs.Version)
	return c
}

func (c *testClient) read() *Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := ParseMessage(data)
	require.NoError(c.t, err)
	return msg
}

// call sends a request and reads until its response or error arrives.
func (c *testClient) call(method string, params any) *Message {
	c.t.Helper()

	c.next++
	correlationID := fmt.Sprintf("c-%d", c.next)

	data, err := json.Marshal(params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(&Message{
		Type:          MessageTypeRequest,
		CorrelationID: correlationID,
		Method:        method,
		Params:        data,
	}))

	for {
		msg := c.read()
		if msg.Type == MessageTypeStream {
			c.streams = append(c.streams, msg)
			continue
		}
		require.Equal(c.t, correlationID, msg.CorrelationID)
		return msg
	}
}

// stream returns the next buffered or incoming stream message.
func (c *testClient) stream() *Message {
	c.t.Helper()
	if len(c.streams) > 0 {
		msg := c.streams[0]
		c.streams = c.streams[1:]
		return msg
	}
	for {
		msg := c.read()
		if msg.Type == MessageTypeStream {
			return msg
		}
	}
}

func (c *testClient) result(msg *Message, out any) {
	c.t.Helper()
	require.Equal(c.t, MessageTypeResponse, msg.Type, "unexpected error: %+v", msg.Error)
	require.NoError(c.t, json.Unmarshal(msg.Result, out))
}

func TestEndToEnd_PollingWorker(t *testing.T) {
	s, _ := startServer(t)

	worker := dial(t, s)
	var reg RegisterResult
	worker.result(worker.call("worker.register", RegisterParams{
		ServiceName:   "greeter",
		WorkflowTypes: []string{"greet"},
	}), &reg)
	require.NotEmpty(t, reg.SessionToken)

	client := dial(t, s)
	var started StartWorkflowResult
	client.result(client.call("workflow.start", StartWorkflowParams{
		WorkflowType: "greet",
		Input:        []byte("World"),
	}), &started)
	require.NotEmpty(t, started.WorkflowID)

	var polled PollResult
	worker.result(worker.call("worker.poll", PollParams{SessionToken: reg.SessionToken, Max: 1}), &polled)
	require.Len(t, polled.Tasks, 1)
	task := polled.Tasks[0]
	assert.Equal(t, "start", task.StepName)
	assert.Equal(t, "greet", task.WorkflowType)
	assert.Equal(t, []byte("World"), task.Input)

	var ok OKResult
	worker.result(worker.call("task.complete", CompleteParams{
		SessionToken: reg.SessionToken,
		TaskID:       task.TaskID,
		Result:       []byte("Hello, World!"),
	}), &ok)
	assert.True(t, ok.OK)

	var await AwaitResultResult
	client.result(client.call("workflow.await", AwaitResultParams{
		WorkflowID: started.WorkflowID,
		TimeoutMS:  5000,
	}), &await)
	assert.False(t, await.StillRunning)
	assert.Equal(t, "completed", await.State)
	assert.Equal(t, []byte("Hello, World!"), await.Result)
}

func TestEndToEnd_StreamingWorker(t *testing.T) {
	s, _ := startServer(t)

	worker := dial(t, s)
	var reg RegisterResult
	worker.result(worker.call("worker.register", RegisterParams{
		ServiceName:   "greeter",
		WorkflowTypes: []string{"greet"},
	}), &reg)

	var subbed SubscribeResult
	worker.result(worker.call("worker.subscribe", SubscribeParams{SessionToken: reg.SessionToken}), &subbed)
	require.NotEmpty(t, subbed.StreamID)

	client := dial(t, s)
	var started StartWorkflowResult
	client.result(client.call("workflow.start", StartWorkflowParams{
		WorkflowType: "greet",
		Input:        []byte("stream"),
	}), &started)

	// The task arrives as a pushed stream message.
	push := worker.stream()
	assert.Equal(t, subbed.StreamID, push.StreamID)
	var item StreamItem
	require.NoError(t, json.Unmarshal(push.Result, &item))
	require.NotNil(t, item.Task)
	assert.Equal(t, started.WorkflowID, item.Task.WorkflowID)

	var ok OKResult
	worker.result(worker.call("task.complete", CompleteParams{
		SessionToken: reg.SessionToken,
		TaskID:       item.Task.TaskID,
		Result:       []byte("done"),
	}), &ok)

	var await AwaitResultResult
	client.result(client.call("workflow.await", AwaitResultParams{
		WorkflowID: started.WorkflowID,
		TimeoutMS:  5000,
	}), &await)
	assert.Equal(t, "completed", await.State)
}

func TestCancelNotifiedOnStream(t *testing.T) {
	s, _ := startServer(t)

	worker := dial(t, s)
	var reg RegisterResult
	worker.result(worker.call("worker.register", RegisterParams{
		ServiceName:   "greeter",
		WorkflowTypes: []string{"greet"},
	}), &reg)
	var subbed SubscribeResult
	worker.result(worker.call("worker.subscribe", SubscribeParams{SessionToken: reg.SessionToken}), &subbed)

	client := dial(t, s)
	var started StartWorkflowResult
	client.result(client.call("workflow.start", StartWorkflowParams{WorkflowType: "greet"}), &started)

	push := worker.stream()
	var item StreamItem
	require.NoError(t, json.Unmarshal(push.Result, &item))
	require.NotNil(t, item.Task)

	var cancelResp CancelWorkflowResult
	client.result(client.call("workflow.cancel", CancelWorkflowParams{WorkflowID: started.WorkflowID}), &cancelResp)
	assert.True(t, cancelResp.Accepted)

	notice := worker.stream()
	var cancelItem StreamItem
	require.NoError(t, json.Unmarshal(notice.Result, &cancelItem))
	assert.Equal(t, started.WorkflowID, cancelItem.CancelWorkflowID)

	// Worker acknowledges with a cancelled completion.
	var ok OKResult
	worker.result(worker.call("task.complete", CompleteParams{
		SessionToken: reg.SessionToken,
		TaskID:       item.Task.TaskID,
		Cancelled:    true,
	}), &ok)

	var status WorkflowStatusResult
	client.result(client.call("workflow.status", WorkflowStatusParams{WorkflowID: started.WorkflowID}), &status)
	assert.Equal(t, "cancelled", status.State)
}

func TestUnknownMethod(t *testing.T) {
	s, _ := startServer(t)
	c := dial(t, s)

	msg := c.call("workflow.bogus", struct{}{})
	require.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "not_found", msg.Error.Code)
}

func TestUnauthenticatedWorkerRejected(t *testing.T) {
	s, _ := startServer(t)
	c := dial(t, s)

	msg := c.call("worker.poll", PollParams{SessionToken: "bogus"})
	require.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "protocol_violation", msg.Error.Code)
}

func TestDuplicateRegistration(t *testing.T) {
	s, _ := startServer(t)
	c := dial(t, s)

	var first RegisterResult
	c.result(c.call("worker.register", RegisterParams{
		WorkerID:      "w-1",
		ServiceName:   "greeter",
		WorkflowTypes: []string{"greet"},
	}), &first)

	msg := c.call("worker.register", RegisterParams{
		WorkerID:      "w-1",
		ServiceName:   "greeter",
		WorkflowTypes: []string{"greet"},
	})
	require.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "duplicate", msg.Error.Code)
}

func TestStatusUnknownWorkflow(t *testing.T) {
	s, _ := startServer(t)
	c := dial(t, s)

	msg := c.call("workflow.status", WorkflowStatusParams{WorkflowID: "missing"})
	require.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "not_found", msg.Error.Code)
}

func TestReportStepOverRPC(t *testing.T) {
	s, _ := startServer(t)

	worker := dial(t, s)
	var reg RegisterResult
	worker.result(worker.call("worker.register", RegisterParams{
		ServiceName:   "runner",
		WorkflowTypes: []string{"slow-process"},
	}), &reg)

	client := dial(t, s)
	var started StartWorkflowResult
	client.result(client.call("workflow.start", StartWorkflowParams{WorkflowType: "slow-process"}), &started)

	var polled PollResult
	worker.result(worker.call("worker.poll", PollParams{SessionToken: reg.SessionToken, Max: 1}), &polled)
	require.Len(t, polled.Tasks, 1)

	var ok OKResult
	for _, step := range []string{"step-1-init", "step-2-process", "step-3-finalize"} {
		worker.result(worker.call("step.report", ReportParams{
			SessionToken: reg.SessionToken,
			WorkflowID:   started.WorkflowID,
			StepName:     step,
			Status:       "started",
		}), &ok)
		worker.result(worker.call("step.report", ReportParams{
			SessionToken: reg.SessionToken,
			WorkflowID:   started.WorkflowID,
			StepName:     step,
			Status:       "completed",
			Payload:      []byte("ok"),
		}), &ok)
	}

	worker.result(worker.call("task.complete", CompleteParams{
		SessionToken: reg.SessionToken,
		TaskID:       polled.Tasks[0].TaskID,
		Result:       []byte("all done"),
	}), &ok)

	var await AwaitResultResult
	client.result(client.call("workflow.await", AwaitResultParams{
		WorkflowID: started.WorkflowID,
		TimeoutMS:  5000,
	}), &await)
	assert.Equal(t, "completed", await.State)
	assert.Equal(t, []byte("all done"), await.Result)
}

func TestHeartbeatOverRPC(t *testing.T) {
	s, _ := startServer(t)
	c := dial(t, s)

	var reg RegisterResult
	c.result(c.call("worker.register", RegisterParams{
		ServiceName:   "greeter",
		WorkflowTypes: []string{"greet"},
	}), &reg)

	var ok OKResult
	c.result(c.call("worker.heartbeat", HeartbeatParams{SessionToken: reg.SessionToken}), &ok)
	assert.True(t, ok.OK)

	msg := c.call("worker.heartbeat", HeartbeatParams{})
	require.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "protocol_violation", msg.Error.Code)
}
