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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Aetherframework-ai/aether/internal/engine"
	"github.com/Aetherframework-ai/aether/internal/store"
	aerrors "github.com/Aetherframework-ai/aether/pkg/errors"
)

// HTTPConfig configures the HTTP API server.
type HTTPConfig struct {
	// Port is the TCP port for the HTTP API, monitor channel, and health
	// endpoint.
	Port int

	// Monitor, when set, is mounted at /monitor.
	Monitor http.Handler

	// Health reports the coordinator's health checks.
	Health func() map[string]string

	// Logger is the structured logger. If nil, slog.Default is used.
	Logger *slog.Logger
}

// HTTPServer is the HTTP surface: a JSON mirror of the client plane used by
// the thin CLI, the monitor channel, and the health endpoint.
type HTTPServer struct {
	cfg        HTTPConfig
	logger     *slog.Logger
	engine     *engine.Engine
	httpServer *http.Server
	listener   net.Listener
}

// NewHTTP creates the HTTP API server.
func NewHTTP(cfg HTTPConfig, eng *engine.Engine) *HTTPServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &HTTPServer{cfg: cfg, logger: cfg.Logger, engine: eng}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/workflows", s.handleStart)
	mux.HandleFunc("GET /v1/workflows", s.handleList)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/workflows/{id}/result", s.handleResult)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.handleCancel)
	if cfg.Monitor != nil {
		mux.Handle("/monitor", cfg.Monitor)
	}

	s.httpServer = &http.Server{
		Handler: mux,
		// WriteTimeout intentionally omitted: /v1/workflows/{id}/result and
		// the monitor channel are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go func() {
		s.logger.Info("http server listening", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a coordinator error onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case aerrors.IsNotFound(err):
		status = http.StatusNotFound
	case aerrors.IsDuplicate(err):
		status = http.StatusConflict
	case aerrors.IsProtocol(err):
		status = http.StatusBadRequest
	case aerrors.IsPersistence(err):
		status = http.StatusServiceUnavailable
	case aerrors.IsTimeout(err):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"code":  aerrors.Code(err),
		"error": err.Error(),
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	if s.cfg.Health != nil {
		checks = s.cfg.Health()
	}

	status := http.StatusOK
	overall := "ok"
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

// startRequest is the POST /v1/workflows body.
type startRequest struct {
	WorkflowType string `json:"workflow_type"`
	Input        []byte `json:"input,omitempty"`
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &aerrors.ProtocolError{Message: "invalid request body: " + err.Error()})
		return
	}
	if req.WorkflowType == "" {
		writeError(w, &aerrors.ProtocolError{Message: "workflow_type is required"})
		return
	}

	id, err := s.engine.Start(r.Context(), req.WorkflowType, req.Input, engine.StartOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartWorkflowResult{WorkflowID: id})
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Type:   r.URL.Query().Get("type"),
		Active: r.URL.Query().Get("active") == "true",
	}
	if state := r.URL.Query().Get("state"); state != "" {
		f.State = store.State(state)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}

	workflows, err := s.engine.ListWorkflows(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]WorkflowStatusResult, 0, len(workflows))
	for _, wf := range workflows {
		summaries = append(summaries, statusResult(wf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *HTTPServer) handleResult(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(0)
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, &aerrors.ProtocolError{Message: "invalid timeout: " + err.Error()})
			return
		}
		timeout = parsed
	}

	wf, terminal, err := s.engine.Await(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AwaitResultResult{
		WorkflowID:   wf.ID,
		State:        string(wf.State),
		StillRunning: !terminal,
		Result:       wf.Result,
		Error:        wf.ErrorMessage,
	})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	accepted, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelWorkflowResult{Accepted: accepted, AlreadyTerminal: !accepted})
}
