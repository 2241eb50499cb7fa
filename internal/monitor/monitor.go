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

// Package monitor exposes the read-only monitoring channel: a WebSocket
// endpoint answering query requests and pushing lifecycle events.
//
// Requests and responses are tagged unions; all field names are snake_case
// on the wire. Events are delivered best effort — a subscriber that falls
// behind sees a subscription_gap event and should re-read authoritative
// state with a query.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Aetherframework-ai/aether/internal/bus"
	"github.com/Aetherframework-ai/aether/internal/engine"
	"github.com/Aetherframework-ai/aether/internal/store"
)

// Request is the tagged union of monitor queries.
type Request struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Request types.
const (
	RequestListActive  = "ListActiveWorkflows"
	RequestListAll     = "ListAllWorkflows"
	RequestGetWorkflow = "GetWorkflow"
	RequestGetHistory  = "GetWorkflowHistory"
)

// WorkflowSummary is one row of a workflow list.
type WorkflowSummary struct {
	WorkflowID   string     `json:"workflow_id"`
	WorkflowType string     `json:"workflow_type"`
	State        string     `json:"state"`
	CurrentStep  string     `json:"current_step,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StepRecord is one step execution in a workflow history.
type StepRecord struct {
	StepName     string     `json:"step_name"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	Input        []byte     `json:"input,omitempty"`
	Output       []byte     `json:"output,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// WorkflowRecord is the full view of one workflow.
type WorkflowRecord struct {
	WorkflowSummary
	Input        []byte       `json:"input,omitempty"`
	Result       []byte       `json:"result,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Steps        []StepRecord `json:"steps,omitempty"`
}

// Response shapes, tagged by "type".

// ListResponse answers the list requests.
type ListResponse struct {
	Type      string            `json:"type"` // "WorkflowList"
	Workflows []WorkflowSummary `json:"workflows"`
}

// DetailResponse answers GetWorkflow.
type DetailResponse struct {
	Type   string         `json:"type"` // "WorkflowDetail"
	Detail WorkflowRecord `json:"detail"`
}

// HistoryResponse answers GetWorkflowHistory.
type HistoryResponse struct {
	Type       string       `json:"type"` // "WorkflowHistory"
	WorkflowID string       `json:"workflow_id"`
	History    []StepRecord `json:"history"`
}

// ErrorResponse reports a failed query.
type ErrorResponse struct {
	Type    string `json:"type"` // "Error"
	Message string `json:"message"`
}

// EventMessage is a pushed lifecycle event.
type EventMessage struct {
	EventType    string         `json:"event_type"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	WorkflowType string         `json:"workflow_type,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// GapEventType is pushed when the subscriber's buffer overflowed.
const GapEventType = "subscription_gap"

// Handler serves the monitor channel.
type Handler struct {
	engine   *engine.Engine
	bus      *bus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the monitor handler.
func NewHandler(eng *engine.Engine, b *bus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: eng,
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves queries and events until the
// subscriber disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("monitor upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	filter := bus.Filter{
		WorkflowID:   r.URL.Query().Get("workflow_id"),
		WorkflowType: r.URL.Query().Get("workflow_type"),
	}
	sub := h.bus.Subscribe(filter)

	c := &monitorConn{conn: conn}
	done := make(chan struct{})

	go h.pushEvents(c, sub, done)
	h.readRequests(c, r)

	close(done)
	sub.Close()
	conn.Close()
}

// monitorConn serializes writes: query responses and event pushes share the
// socket.
type monitorConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *monitorConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// pushEvents forwards bus events to the subscriber.
func (h *Handler) pushEvents(c *monitorConn, sub *bus.Subscription, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			msg := EventMessage{
				EventType:    string(e.Type),
				WorkflowID:   e.WorkflowID,
				WorkflowType: e.WorkflowType,
				Timestamp:    e.Timestamp,
				Payload:      e.Payload,
			}
			if e.Type == bus.EventGap {
				msg.EventType = GapEventType
			}
			if err := c.writeJSON(msg); err != nil {
				return
			}
		}
	}
}

// readRequests answers queries until the connection closes.
func (h *Handler) readRequests(c *monitorConn, r *http.Request) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("monitor read error", "error", err, "remote", r.RemoteAddr)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.writeJSON(ErrorResponse{Type: "Error", Message: "invalid request: " + err.Error()})
			continue
		}

		if err := c.writeJSON(h.answer(r, req)); err != nil {
			return
		}
	}
}

// answer resolves one query against the engine's authoritative state.
func (h *Handler) answer(r *http.Request, req Request) any {
	ctx := r.Context()

	switch req.Type {
	case RequestListActive:
		workflows, err := h.engine.ListWorkflows(ctx, store.Filter{Active: true})
		if err != nil {
			return ErrorResponse{Type: "Error", Message: err.Error()}
		}
		return ListResponse{Type: "WorkflowList", Workflows: summaries(workflows)}

	case RequestListAll:
		workflows, err := h.engine.ListWorkflows(ctx, store.Filter{})
		if err != nil {
			return ErrorResponse{Type: "Error", Message: err.Error()}
		}
		return ListResponse{Type: "WorkflowList", Workflows: summaries(workflows)}

	case RequestGetWorkflow:
		w, err := h.engine.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return ErrorResponse{Type: "Error", Message: err.Error()}
		}
		return DetailResponse{Type: "WorkflowDetail", Detail: record(w)}

	case RequestGetHistory:
		w, err := h.engine.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return ErrorResponse{Type: "Error", Message: err.Error()}
		}
		return HistoryResponse{Type: "WorkflowHistory", WorkflowID: w.ID, History: steps(w)}

	default:
		return ErrorResponse{Type: "Error", Message: "unknown request type " + req.Type}
	}
}

func summary(w *store.Workflow) WorkflowSummary {
	return WorkflowSummary{
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		State:        string(w.State),
		CurrentStep:  w.CurrentStep,
		StartedAt:    w.StartedAt,
		CompletedAt:  w.CompletedAt,
	}
}

func summaries(workflows []*store.Workflow) []WorkflowSummary {
	out := make([]WorkflowSummary, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, summary(w))
	}
	return out
}

func steps(w *store.Workflow) []StepRecord {
	out := make([]StepRecord, 0, len(w.Steps))
	for _, s := range w.Steps {
		out = append(out, StepRecord{
			StepName:     s.Name,
			Status:       string(s.Status),
			Attempt:      s.Attempt,
			Input:        s.Input,
			Output:       s.Output,
			ErrorMessage: s.ErrorMessage,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
		})
	}
	return out
}

func record(w *store.Workflow) WorkflowRecord {
	return WorkflowRecord{
		WorkflowSummary: summary(w),
		Input:           w.Input,
		Result:          w.Result,
		ErrorMessage:    w.ErrorMessage,
		Steps:           steps(w),
	}
}
