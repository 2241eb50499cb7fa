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

// Package bus provides in-process broadcast of lifecycle events.
//
// Publishing never blocks: a slow subscriber loses its oldest buffered
// events and observes a gap marker instead. Delivery is best effort — the
// persisted workflow state remains the source of truth, and subscribers are
// expected to re-read it through the monitor API after a gap.
package bus

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

// Lifecycle event types.
const (
	EventWorkflowStarted   EventType = "workflow:started"
	EventWorkflowCompleted EventType = "workflow:completed"
	EventWorkflowFailed    EventType = "workflow:failed"
	EventWorkflowCancelled EventType = "workflow:cancelled"
	EventStepStarted       EventType = "step:started"
	EventStepCompleted     EventType = "step:completed"
	EventStepFailed        EventType = "step:failed"

	// EventGap is synthesized for a subscriber whose buffer overflowed.
	// Its payload carries the number of dropped events.
	EventGap EventType = "sub:gap"
)

// Event is an immutable record of a state transition.
type Event struct {
	Type         EventType      `json:"event_type"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowType string         `json:"workflow_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Filter restricts the events a subscriber receives. Zero fields match
// everything.
type Filter struct {
	WorkflowID   string
	WorkflowType string
}

// matches reports whether the event passes the filter.
func (f Filter) matches(e *Event) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.WorkflowType != "" && e.WorkflowType != f.WorkflowType {
		return false
	}
	return true
}

// DefaultBufferSize is the per-subscriber buffer when none is configured.
const DefaultBufferSize = 256

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus    *Bus
	filter Filter

	mu      sync.Mutex
	buf     []*Event // ring ordered oldest first
	dropped int
	closed  bool

	// signal wakes the drain goroutine; ch carries events to the consumer.
	signal chan struct{}
	ch     chan *Event
	done   chan struct{}
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscription is closed.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// push appends an event to the buffer, dropping the oldest on overflow.
func (s *Subscription) push(e *Event, max int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= max {
		// Drop the oldest; the consumer sees a gap marker on next drain.
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped++
	}
	s.buf = append(s.buf, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// drain moves buffered events onto the consumer channel, injecting a gap
// marker whenever drops occurred.
func (s *Subscription) drain() {
	defer close(s.ch)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if s.dropped > 0 {
				gap := &Event{
					Type:      EventGap,
					Timestamp: time.Now(),
					Payload:   map[string]any{"dropped": s.dropped},
				}
				s.dropped = 0
				s.mu.Unlock()
				select {
				case s.ch <- gap:
				case <-s.done:
					return
				}
				continue
			}
			if len(s.buf) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()

			select {
			case s.ch <- e:
			case <-s.done:
				return
			}
		}
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus broadcasts lifecycle events to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
}

// New creates a bus with the given per-subscriber buffer size.
// A non-positive size uses DefaultBufferSize.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a subscriber with the given filter.
func (b *Bus) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		bus:    b,
		filter: f,
		signal: make(chan struct{}, 1),
		ch:     make(chan *Event),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.drain()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	}
}

// Publish delivers the event to every matching subscriber without blocking.
// Events for a given workflow id must be published in commit order; the bus
// preserves that order for all non-dropped events.
func (b *Bus) Publish(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if s.filter.matches(e) {
			s.push(e, b.bufSize)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
