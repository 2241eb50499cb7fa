package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events, wanted %d", len(out), n)
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d events, wanted %d", len(out), n)
		}
	}
	return out
}

func TestPublishDelivers(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(Filter{})
	defer sub.Close()

	b.Publish(&Event{Type: EventWorkflowStarted, WorkflowID: "wf-1", WorkflowType: "greet"})

	events := collect(t, sub, 1)
	assert.Equal(t, EventWorkflowStarted, events[0].Type)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestFilterByWorkflowID(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(Filter{WorkflowID: "wf-2"})
	defer sub.Close()

	b.Publish(&Event{Type: EventStepStarted, WorkflowID: "wf-1"})
	b.Publish(&Event{Type: EventStepStarted, WorkflowID: "wf-2"})

	events := collect(t, sub, 1)
	assert.Equal(t, "wf-2", events[0].WorkflowID)
}

func TestFilterByWorkflowType(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(Filter{WorkflowType: "process"})
	defer sub.Close()

	b.Publish(&Event{Type: EventWorkflowStarted, WorkflowID: "a", WorkflowType: "greet"})
	b.Publish(&Event{Type: EventWorkflowStarted, WorkflowID: "b", WorkflowType: "process"})

	events := collect(t, sub, 1)
	assert.Equal(t, "b", events[0].WorkflowID)
}

func TestPerWorkflowOrderingPreserved(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(Filter{WorkflowID: "wf-1"})
	defer sub.Close()

	types := []EventType{EventWorkflowStarted, EventStepStarted, EventStepCompleted, EventWorkflowCompleted}
	for _, et := range types {
		b.Publish(&Event{Type: et, WorkflowID: "wf-1"})
	}

	events := collect(t, sub, len(types))
	for i, et := range types {
		assert.Equal(t, et, events[i].Type)
	}
}

func TestSlowSubscriberSeesGap(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(Filter{})
	defer sub.Close()

	// Flood well past the buffer before the consumer reads anything. The
	// publisher must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(&Event{Type: EventStepCompleted, WorkflowID: fmt.Sprintf("wf-%d", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	var sawGap bool
	timeout := time.After(2 * time.Second)
	for !sawGap {
		select {
		case e := <-sub.Events():
			if e.Type == EventGap {
				sawGap = true
				dropped, ok := e.Payload["dropped"].(int)
				require.True(t, ok)
				assert.Greater(t, dropped, 0)
			}
		case <-timeout:
			t.Fatal("no gap marker delivered")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(Filter{})
	sub.Close()

	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing after close must not panic.
	b.Publish(&Event{Type: EventWorkflowStarted, WorkflowID: "wf-1"})

	// The events channel eventually closes.
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := New(0)
	a := b.Subscribe(Filter{})
	c := b.Subscribe(Filter{})
	defer a.Close()
	defer c.Close()

	b.Publish(&Event{Type: EventWorkflowStarted, WorkflowID: "wf-1"})

	assert.Equal(t, "wf-1", collect(t, a, 1)[0].WorkflowID)
	assert.Equal(t, "wf-1", collect(t, c, 1)[0].WorkflowID)
}
