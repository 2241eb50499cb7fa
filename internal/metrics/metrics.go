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

// Package metrics exposes coordinator metrics via Prometheus.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics is
// safe to use; every method is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	workflowsStarted   prometheus.Counter
	workflowsCompleted *prometheus.CounterVec
	tasksDispatched    prometheus.Counter
	tasksRedelivered   prometheus.Counter
	stepRetries        prometheus.Counter
	queueDepth         *prometheus.GaugeVec
	workersLive        prometheus.Gauge
	eventsDropped      prometheus.Counter
}

// New creates and registers the coordinator collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_workflows_started_total",
			Help: "Workflows accepted by the coordinator.",
		}),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_workflows_finished_total",
			Help: "Workflows reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_tasks_dispatched_total",
			Help: "Step tasks handed to workers.",
		}),
		tasksRedelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_tasks_redelivered_total",
			Help: "Step tasks redelivered after a lost claim.",
		}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_step_retries_total",
			Help: "Step retry attempts scheduled after failures.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aether_queue_depth",
			Help: "Unclaimed tasks per workflow type.",
		}, []string{"workflow_type"}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aether_workers_live",
			Help: "Registered worker sessions that are not dead.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_events_dropped_total",
			Help: "Lifecycle events dropped for slow subscribers.",
		}),
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.tasksDispatched,
		m.tasksRedelivered,
		m.stepRetries,
		m.queueDepth,
		m.workersLive,
		m.eventsDropped,
	)
	return m
}

// WorkflowStarted counts an accepted workflow.
func (m *Metrics) WorkflowStarted() {
	if m != nil {
		m.workflowsStarted.Inc()
	}
}

// WorkflowFinished counts a terminal transition by outcome.
func (m *Metrics) WorkflowFinished(outcome string) {
	if m != nil {
		m.workflowsCompleted.WithLabelValues(outcome).Inc()
	}
}

// TaskDispatched counts a dispatch.
func (m *Metrics) TaskDispatched() {
	if m != nil {
		m.tasksDispatched.Inc()
	}
}

// TaskRedelivered counts a redelivery after a lost claim.
func (m *Metrics) TaskRedelivered() {
	if m != nil {
		m.tasksRedelivered.Inc()
	}
}

// StepRetried counts a scheduled retry.
func (m *Metrics) StepRetried() {
	if m != nil {
		m.stepRetries.Inc()
	}
}

// SetQueueDepth records the unclaimed depth for a workflow type.
func (m *Metrics) SetQueueDepth(workflowType string, depth int) {
	if m != nil {
		m.queueDepth.WithLabelValues(workflowType).Set(float64(depth))
	}
}

// SetWorkersLive records the live worker count.
func (m *Metrics) SetWorkersLive(n int) {
	if m != nil {
		m.workersLive.Set(float64(n))
	}
}

// EventDropped counts a dropped subscriber event.
func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

// Server serves the /metrics endpoint.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a metrics HTTP server on the given port.
func NewServer(m *Metrics, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", port),
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
