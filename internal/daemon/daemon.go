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

// Package daemon assembles the coordinator: persistence tier, event bus,
// worker registry, task queue, state machine, and the API surfaces.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aetherframework-ai/aether/internal/bus"
	"github.com/Aetherframework-ai/aether/internal/config"
	"github.com/Aetherframework-ai/aether/internal/definition"
	"github.com/Aetherframework-ai/aether/internal/engine"
	"github.com/Aetherframework-ai/aether/internal/log"
	"github.com/Aetherframework-ai/aether/internal/metrics"
	"github.com/Aetherframework-ai/aether/internal/monitor"
	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/registry"
	"github.com/Aetherframework-ai/aether/internal/server"
	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/internal/store/actionlog"
	"github.com/Aetherframework-ai/aether/internal/store/memory"
	"github.com/Aetherframework-ai/aether/internal/store/snapshot"
)

// Options carries build metadata.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the assembled coordinator.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store    store.Store
	bus      *bus.Bus
	registry *registry.Registry
	queue    *queue.Queue
	defs     *definition.Set
	engine   *engine.Engine

	rpcServer     *server.Server
	httpServer    *server.HTTPServer
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	done chan struct{}
	wg   sync.WaitGroup
}

// New assembles a coordinator from the configuration. The persistence tier
// presents its recovered state before any API accepts requests.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	defs, err := definition.NewSet(cfg.Server.WorkflowsDir, log.WithComponent(logger, "definitions"))
	if err != nil {
		st.Close()
		return nil, err
	}

	b := bus.New(0)
	q := queue.New(queue.Config{
		VisibilityTimeout: cfg.Workers.VisibilityTimeout.Duration(),
		Logger:            log.WithComponent(logger, "queue"),
	})
	reg := registry.New(registry.Config{
		HeartbeatTimeout: cfg.Workers.HeartbeatTimeout.Duration(),
		OnWorkerDead:     q.ReleaseSession,
		Logger:           log.WithComponent(logger, "registry"),
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	eng := engine.New(engine.Config{
		Store:          st,
		Queue:          q,
		Bus:            b,
		Definitions:    defs,
		Metrics:        m,
		CancelDeadline: cfg.Workers.CancelDeadline.Duration(),
		Logger:         log.WithComponent(logger, "engine"),
	})

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		store:    st,
		bus:      b,
		registry: reg,
		queue:    q,
		defs:     defs,
		engine:   eng,
		metrics:  m,
		done:     make(chan struct{}),
	}

	d.rpcServer = server.New(server.Config{
		Port:   cfg.Server.GRPCPort,
		Logger: log.WithComponent(logger, "rpc"),
	}, eng, q, reg)

	d.httpServer = server.NewHTTP(server.HTTPConfig{
		Port:    cfg.Server.HTTPPort,
		Monitor: monitor.NewHandler(eng, b, log.WithComponent(logger, "monitor")),
		Health:  d.healthChecks,
		Logger:  log.WithComponent(logger, "http"),
	}, eng)

	if cfg.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(m, cfg.Metrics.Port, log.WithComponent(logger, "metrics"))
	}

	return d, nil
}

// openStore selects the persistence tier.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	storeLogger := log.WithComponent(logger, "store")

	switch cfg.Persistence.Mode {
	case config.PersistenceMemory:
		return memory.New(), nil
	case config.PersistenceSnapshot:
		return snapshot.New(snapshot.Config{
			Path:     cfg.Server.DBPath,
			Interval: cfg.Persistence.SnapshotInterval.Duration(),
			Logger:   storeLogger,
		})
	case config.PersistenceActionLog:
		return actionlog.New(actionlog.Config{
			Dir:    cfg.Server.DBPath,
			Logger: storeLogger,
		})
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", cfg.Persistence.Mode)
	}
}

// healthChecks reports subsystem health for /healthz.
func (d *Daemon) healthChecks() map[string]string {
	checks := map[string]string{
		"store": "ok",
		"rpc":   "ok",
	}
	// A failed list means the store cannot serve reads.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.store.ListWorkflows(ctx, store.Filter{Limit: 1}); err != nil {
		checks["store"] = err.Error()
	}
	return checks
}

// Start brings the coordinator up: recovery first, then the listeners.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("aether coordinator starting",
		"version", d.opts.Version,
		"persistence", d.cfg.Persistence.Mode)

	// Re-enqueue interrupted workflows before any worker can connect.
	if err := d.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	if err := d.defs.Watch(); err != nil {
		d.logger.Warn("definition watching disabled", "error", err)
	}

	if err := d.rpcServer.Start(ctx); err != nil {
		return err
	}
	if err := d.httpServer.Start(); err != nil {
		return err
	}
	if d.metricsServer != nil {
		d.metricsServer.Start()
		d.wg.Add(1)
		go d.collectGauges()
	}

	if d.cfg.Retention.Mode == config.RetentionTTL {
		d.wg.Add(1)
		go d.retentionLoop()
	}

	<-ctx.Done()
	return nil
}

// collectGauges samples queue depth and live workers periodically.
func (d *Daemon) collectGauges() {
	defer d.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			live := 0
			for _, s := range d.registry.Sessions() {
				if s.State() != registry.SessionDead {
					live++
				}
			}
			d.metrics.SetWorkersLive(live)
			for _, name := range d.defs.Names() {
				d.metrics.SetQueueDepth(name, d.queue.Depth(name))
			}
		}
	}
}

// retentionLoop deletes terminal workflows older than the configured TTL.
// Non-terminal workflows are never deleted.
func (d *Daemon) retentionLoop() {
	defer d.wg.Done()

	interval := d.cfg.Retention.TTL.Duration() / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.sweepRetention()
		}
	}
}

func (d *Daemon) sweepRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-d.cfg.Retention.TTL.Duration())
	workflows, err := d.store.ListWorkflows(ctx, store.Filter{})
	if err != nil {
		d.logger.Warn("retention sweep failed", "error", err)
		return
	}

	deleted := 0
	for _, w := range workflows {
		if !w.State.IsTerminal() || w.CompletedAt == nil || w.CompletedAt.After(cutoff) {
			continue
		}
		if err := d.store.DeleteWorkflow(ctx, w.ID); err != nil {
			d.logger.Warn("retention delete failed", log.WorkflowIDKey, w.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		d.logger.Info("retention sweep removed terminal workflows", "count", deleted)
	}
}

// Shutdown stops the coordinator gracefully.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("aether coordinator shutting down")
	close(d.done)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.rpcServer.Shutdown(shutdownCtx); err != nil && err != server.ErrServerClosed {
		d.logger.Warn("rpc shutdown error", "error", err)
	}
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown error", "error", err)
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics shutdown error", "error", err)
		}
	}

	d.engine.Close()
	d.registry.Close()
	d.queue.Close()
	d.defs.Close()
	d.wg.Wait()

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("store close failed: %w", err)
	}
	return nil
}
