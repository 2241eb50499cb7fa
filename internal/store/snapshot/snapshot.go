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

// Package snapshot provides the snapshot persistence tier: the in-memory
// state is authoritative, and dirty workflows are flushed into SQLite
// periodically and on terminal transitions. Data loss after a crash is
// bounded by the flush interval.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/internal/store/memory"
	"github.com/Aetherframework-ai/aether/pkg/errors"
)

// DefaultInterval is the flush interval when the configuration does not
// specify one.
const DefaultInterval = 10 * time.Second

// Config contains snapshot tier configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// Interval is the flush interval. Default: 10s.
	Interval time.Duration

	// Logger is the structured logger. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Store is the snapshot persistence tier.
type Store struct {
	*memory.Store

	db       *sql.DB
	logger   *slog.Logger
	interval time.Duration

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	deleted map[string]struct{}

	degraded atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the snapshot store, recovers the latest snapshot into memory,
// and starts the background flusher.
func New(cfg Config) (*Store, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "open snapshot db", Cause: err}
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.PersistenceError{Op: "connect snapshot db", Cause: err}
	}

	s := &Store{
		Store:    memory.New(),
		db:       db,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		dirty:    make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, &errors.PersistenceError{Op: "configure snapshot db", Cause: err}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, &errors.PersistenceError{Op: "migrate snapshot db", Cause: err}
	}
	if err := s.recover(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_snapshots (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_updated_at ON workflow_snapshots(updated_at)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// recover loads every snapshot row into the in-memory state.
func (s *Store) recover(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM workflow_snapshots`)
	if err != nil {
		return &errors.PersistenceError{Op: "load snapshots", Cause: err}
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return &errors.PersistenceError{Op: "scan snapshot", Cause: err}
		}
		var w store.Workflow
		if err := json.Unmarshal([]byte(record), &w); err != nil {
			return &errors.PersistenceError{Op: "decode snapshot", Cause: err}
		}
		s.Store.Restore(&w)
		count++
	}
	if err := rows.Err(); err != nil {
		return &errors.PersistenceError{Op: "load snapshots", Cause: err}
	}

	if count > 0 {
		s.logger.Info("recovered workflow snapshots", "count", count)
	}
	return nil
}

// markDirty queues a workflow for the next flush.
func (s *Store) markDirty(id string) {
	s.dirtyMu.Lock()
	s.dirty[id] = struct{}{}
	delete(s.deleted, id)
	s.dirtyMu.Unlock()
}

// CreateWorkflow persists a new workflow record.
func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	if s.degraded.Load() {
		return &errors.PersistenceError{Op: "create workflow"}
	}
	if err := s.Store.CreateWorkflow(ctx, w); err != nil {
		return err
	}
	s.markDirty(w.ID)
	return nil
}

// UpdateWorkflow applies the mutation; terminal transitions are flushed
// promptly rather than waiting for the interval.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, mutate store.Mutation) (*store.Workflow, error) {
	if s.degraded.Load() {
		return nil, &errors.PersistenceError{Op: "update workflow"}
	}
	updated, err := s.Store.UpdateWorkflow(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	s.markDirty(id)
	if updated.State.IsTerminal() {
		s.flush()
	}
	return updated, nil
}

// AppendStep appends a step execution record.
func (s *Store) AppendStep(ctx context.Context, id string, step store.StepExecution) error {
	if s.degraded.Load() {
		return &errors.PersistenceError{Op: "append step"}
	}
	if err := s.Store.AppendStep(ctx, id, step); err != nil {
		return err
	}
	s.markDirty(id)
	return nil
}

// DeleteWorkflow removes a workflow record.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if s.degraded.Load() {
		return &errors.PersistenceError{Op: "delete workflow"}
	}
	if err := s.Store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	s.dirtyMu.Lock()
	delete(s.dirty, id)
	s.deleted[id] = struct{}{}
	s.dirtyMu.Unlock()
	return nil
}

// flushLoop flushes dirty workflows on the configured interval.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush writes all dirty workflows and processes pending deletes. A failed
// flush re-queues the affected ids and degrades the store to read-only; the
// next successful flush clears the degradation.
func (s *Store) flush() {
	s.dirtyMu.Lock()
	dirty := s.dirty
	deleted := s.deleted
	s.dirty = make(map[string]struct{})
	s.deleted = make(map[string]struct{})
	s.dirtyMu.Unlock()

	if len(dirty) == 0 && len(deleted) == 0 {
		if s.degraded.Load() {
			// Probe writability so degradation clears even when idle.
			if _, err := s.db.Exec("PRAGMA user_version"); err == nil {
				s.degraded.Store(false)
			}
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	for id := range dirty {
		w, err := s.Store.GetWorkflow(ctx, id)
		if err != nil {
			// Deleted between mark and flush.
			continue
		}
		if err := s.writeSnapshot(ctx, w); err != nil {
			s.logger.Error("snapshot flush failed", "workflow_id", id, "error", err)
			s.dirtyMu.Lock()
			s.dirty[id] = struct{}{}
			s.dirtyMu.Unlock()
			failed = true
		}
	}

	for id := range deleted {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE id = ?`, id); err != nil {
			s.logger.Error("snapshot delete failed", "workflow_id", id, "error", err)
			s.dirtyMu.Lock()
			s.deleted[id] = struct{}{}
			s.dirtyMu.Unlock()
			failed = true
		}
	}

	s.degraded.Store(failed)
}

func (s *Store) writeSnapshot(ctx context.Context, w *store.Workflow) error {
	record, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	query := `
		INSERT INTO workflow_snapshots (id, record, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			record = excluded.record,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, w.ID, string(record), time.Now().Format(time.RFC3339))
	return err
}

// Flush forces an immediate flush of all dirty workflows. Exposed for the
// shutdown path and tests.
func (s *Store) Flush() {
	s.flush()
}

// Close flushes outstanding state and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	s.flush()
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
