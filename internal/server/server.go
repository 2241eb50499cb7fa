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

// Package server exposes the coordinator API: a JSON-framed RPC protocol
// over WebSocket carrying both the client plane (start/status/await/cancel)
// and the worker plane (register/poll/complete/report/heartbeat/drain),
// with server-pushed task streams for workers that prefer streaming claims.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Aetherframework-ai/aether/internal/engine"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/registry"
	aerrors "github.com/Aetherframework-ai/aether/pkg/errors"
)

// ErrServerClosed is returned when operations are attempted on a closed server.
var ErrServerClosed = errors.New("rpc: server closed")

// Config configures the RPC server.
type Config struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string

	// Port is the TCP port for the RPC plane.
	Port int

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 5 seconds
	ShutdownTimeout time.Duration

	// Logger is the structured logger for server events.
	// If nil, slog.Default is used.
	Logger *slog.Logger
}

// Server is the coordinator RPC server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	engine   *engine.Engine
	queue    *queue.Queue
	registry *registry.Registry

	registerLimiter *addrLimiter

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool

	connMu      sync.RWMutex
	connections map[*wsConn]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates the RPC server.
func New(cfg Config, eng *engine.Engine, q *queue.Queue, reg *registry.Registry) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		engine:          eng,
		queue:           q,
		registry:        reg,
		registerLimiter: newAddrLimiter(5, 10),
		connections:     make(map[*wsConn]struct{}),
		shutdownCh:      make(chan struct{}),
	}
}

// wsConn is one worker or client connection.
type wsConn struct {
	conn *websocket.Conn

	// writeMu serializes writes: responses and stream pushes interleave.
	writeMu sync.Mutex

	// sub is the queue subscription when the connection opened a task
	// stream; streamID names it on the wire.
	sub      *queue.Subscription
	streamID string
	subDone  chan struct{}

	closeOnce sync.Once
}

func (c *wsConn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.httpServer != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// WriteTimeout intentionally omitted to support long-lived WebSocket connections
	}

	go func() {
		s.logger.Info("rpc server listening", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleWebSocket upgrades and serves one connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &wsConn{conn: conn}

	s.connMu.Lock()
	s.connections[c] = struct{}{}
	s.connMu.Unlock()

	// Version negotiation comes first on every connection.
	if err := c.write(NewHandshake()); err != nil {
		s.dropConn(c)
		return
	}

	go s.serveConn(c, r.RemoteAddr)
}

func (s *Server) dropConn(c *wsConn) {
	c.closeOnce.Do(func() {
		s.connMu.Lock()
		delete(s.connections, c)
		s.connMu.Unlock()

		if c.sub != nil {
			close(c.subDone)
			s.queue.Unsubscribe(c.sub)
		}
		c.conn.Close()
	})
}

// serveConn reads and dispatches messages until the connection closes.
func (s *Server) serveConn(c *wsConn, remoteAddr string) {
	defer func() {
		s.dropConn(c)
		s.logger.Debug("connection closed", "remote", remoteAddr)
	}()

	c.conn.SetPongHandler(func(string) error {
		return nil
	})

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err, "remote", remoteAddr)
			}
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			_ = c.write(NewErrorResponse("", "protocol_violation", err.Error()))
			continue
		}

		switch msg.Type {
		case MessageTypeHandshake:
			if !IsVersionSupported(msg.Version) {
				_ = c.write(NewErrorResponse(msg.CorrelationID, "protocol_violation",
					fmt.Sprintf("unsupported protocol version %q", msg.Version)))
			}
		case MessageTypeRequest:
			s.dispatch(c, remoteAddr, msg)
		default:
			// Responses and stream messages are server-to-client only.
			_ = c.write(NewErrorResponse(msg.CorrelationID, "protocol_violation",
				fmt.Sprintf("unexpected message type %q", msg.Type)))
		}
	}
}

// dispatch routes one request to its handler and writes the reply.
func (s *Server) dispatch(c *wsConn, remoteAddr string, msg *Message) {
	ctx := context.Background()

	result, err := s.invoke(ctx, c, remoteAddr, msg)
	if err != nil {
		_ = c.write(NewErrorResponse(msg.CorrelationID, aerrors.Code(err), err.Error()))
		return
	}

	resp, err := NewResponse(msg.CorrelationID, result)
	if err != nil {
		_ = c.write(NewErrorResponse(msg.CorrelationID, "internal", err.Error()))
		return
	}
	_ = c.write(resp)
}

// invoke runs the requested method.
func (s *Server) invoke(ctx context.Context, c *wsConn, remoteAddr string, msg *Message) (any, error) {
	switch msg.Method {
	case "workflow.start":
		var p StartWorkflowParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleStartWorkflow(ctx, p)

	case "workflow.status":
		var p WorkflowStatusParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleWorkflowStatus(ctx, p)

	case "workflow.await":
		var p AwaitResultParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleAwaitResult(ctx, p)

	case "workflow.cancel":
		var p CancelWorkflowParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleCancelWorkflow(ctx, p)

	case "worker.register":
		var p RegisterParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleRegister(remoteAddr, p)

	case "worker.poll":
		var p PollParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handlePoll(p)

	case "worker.subscribe":
		var p SubscribeParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleSubscribe(c, p)

	case "task.complete":
		var p CompleteParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleComplete(ctx, p)

	case "step.report":
		var p ReportParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleReport(ctx, p)

	case "worker.heartbeat":
		var p HeartbeatParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleHeartbeat(p)

	case "worker.drain":
		var p DrainParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, &aerrors.ProtocolError{Message: "invalid params: " + err.Error()}
		}
		return s.handleDrain(p)

	default:
		return nil, &aerrors.NotFoundError{Resource: "method", ID: msg.Method}
	}
}

// handleSubscribe opens the streaming claim for the connection's session.
// Matched tasks and cancellation notices are pushed as stream messages.
func (s *Server) handleSubscribe(c *wsConn, params SubscribeParams) (any, error) {
	session, err := s.registry.Authenticate(params.SessionToken)
	if err != nil {
		return nil, err
	}
	if c.sub != nil {
		return nil, &aerrors.ProtocolError{Message: "connection already has a task stream"}
	}

	streamID := uuid.New().String()
	c.sub = s.queue.Subscribe(session.SessionID, session.WorkflowTypes)
	c.streamID = streamID
	c.subDone = make(chan struct{})

	go s.pumpStream(c)
	return SubscribeResult{StreamID: streamID}, nil
}

// pumpStream forwards queue messages onto the connection.
func (s *Server) pumpStream(c *wsConn) {
	for {
		select {
		case <-c.subDone:
			return
		case <-s.shutdownCh:
			return
		case m, ok := <-c.sub.C():
			if !ok {
				msg, err := NewStreamMessage(c.streamID, nil, true)
				if err == nil {
					_ = c.write(msg)
				}
				return
			}

			item := StreamItem{CancelWorkflowID: m.CancelWorkflowID}
			if m.Task != nil {
				shape := taskShape(m.Task)
				item.Task = &shape
			}
			msg, err := NewStreamMessage(c.streamID, item, false)
			if err != nil {
				continue
			}
			if err := c.write(msg); err != nil {
				return
			}
		}
	}
}

// Shutdown gracefully stops the server, closing all connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.logger.Info("rpc server shutting down")

		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		s.connMu.Lock()
		for c := range s.connections {
			c.writeMu.Lock()
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
			c.conn.Close()
		}
		s.connMu.Unlock()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				shutdownErr = err
			}
		}

		s.logger.Info("rpc server shutdown complete")
	})
	return shutdownErr
}
