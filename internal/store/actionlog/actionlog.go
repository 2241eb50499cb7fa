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

// Package actionlog provides the state-action-log persistence tier: every
// mutation appends to a per-workflow write-ahead action log and is synced to
// disk before the caller is acknowledged. Recovery reads the most recent
// snapshot and replays the log forward.
//
// On-disk layout under the root directory:
//
//	<workflow-id>/snapshot.json   latest compacted state
//	<workflow-id>/actions.log     entries appended since the snapshot
//
// Each log record is self-describing: a one-byte version prefix, a 4-byte
// big-endian length, then the JSON-encoded entry. A torn record at the tail
// (crash mid-append) is discarded during replay.
package actionlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Aetherframework-ai/aether/internal/store"
	"github.com/Aetherframework-ai/aether/internal/store/memory"
	"github.com/Aetherframework-ai/aether/pkg/errors"
)

const (
	// recordVersion prefixes every log record for forward compatibility.
	recordVersion = byte(1)

	// snapshotVersion prefixes the snapshot file content.
	snapshotVersion = 1

	// DefaultCompactEvery is how many log entries accumulate before the
	// snapshot is rewritten and the log truncated.
	DefaultCompactEvery = 64

	snapshotFile = "snapshot.json"
	logFile      = "actions.log"
)

// Config contains action log tier configuration.
type Config struct {
	// Dir is the root directory holding one subdirectory per workflow.
	Dir string

	// CompactEvery is the compaction threshold. Default: 64.
	CompactEvery int

	// Logger is the structured logger. If nil, slog.Default is used.
	Logger *slog.Logger
}

// snapshotRecord is the content of snapshot.json.
type snapshotRecord struct {
	Version  int             `json:"version"`
	Seq      uint64          `json:"seq"`
	Workflow *store.Workflow `json:"workflow"`
}

// wal tracks the open log state for one workflow.
type wal struct {
	mu    sync.Mutex
	f     *os.File
	seq   uint64
	count int
}

// Store is the state-action-log persistence tier.
type Store struct {
	mem          *memory.Store
	root         string
	logger       *slog.Logger
	compactEvery int

	walMu sync.Mutex
	wals  map[string]*wal
}

// New opens the store, replaying every workflow directory into memory
// before returning.
func New(cfg Config) (*Store, error) {
	if cfg.CompactEvery <= 0 {
		cfg.CompactEvery = DefaultCompactEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &errors.PersistenceError{Op: "create data dir", Cause: err}
	}

	s := &Store{
		mem:          memory.New(),
		root:         cfg.Dir,
		logger:       cfg.Logger,
		compactEvery: cfg.CompactEvery,
		wals:         make(map[string]*wal),
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover replays every workflow directory.
func (s *Store) recover() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return &errors.PersistenceError{Op: "scan data dir", Cause: err}
	}

	recovered := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		w, seq, count, err := s.replayWorkflow(id)
		if err != nil {
			return err
		}
		if w == nil {
			// Directory holds only a delete record; clean it up.
			if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
				s.logger.Warn("cannot remove deleted workflow dir", "workflow_id", id, "error", err)
			}
			continue
		}
		s.mem.Restore(w)
		s.wals[id] = &wal{seq: seq, count: count}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("replayed workflow action logs", "count", recovered)
	}
	return nil
}

// replayWorkflow reads the snapshot then applies logged actions forward.
// It returns the final record (nil if the workflow was deleted), the highest
// sequence number seen, and the number of log entries since the snapshot.
func (s *Store) replayWorkflow(id string) (*store.Workflow, uint64, int, error) {
	dir := filepath.Join(s.root, id)

	var w *store.Workflow
	var seq uint64

	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	switch {
	case err == nil:
		var snap snapshotRecord
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, 0, 0, &errors.PersistenceError{Op: "decode snapshot " + id, Cause: err}
		}
		w = snap.Workflow
		seq = snap.Seq
	case os.IsNotExist(err):
		// No snapshot yet; state comes entirely from the log.
	default:
		return nil, 0, 0, &errors.PersistenceError{Op: "read snapshot " + id, Cause: err}
	}

	entries, err := readLog(filepath.Join(dir, logFile))
	if err != nil {
		return nil, 0, 0, err
	}

	count := 0
	for _, e := range entries {
		if e.Seq <= seq && seq != 0 {
			// Entry predates the snapshot; the log was not truncated after
			// a compaction crash. Skip it.
			continue
		}
		seq = e.Seq
		count++
		switch e.Kind {
		case store.ActionDelete:
			w = nil
		default:
			var rec store.Workflow
			if err := json.Unmarshal(e.Payload, &rec); err != nil {
				return nil, 0, 0, &errors.PersistenceError{Op: "decode action " + id, Cause: err}
			}
			w = &rec
		}
	}

	return w, seq, count, nil
}

// readLog decodes entries until EOF or a torn tail record.
func readLog(path string) ([]store.ActionEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.PersistenceError{Op: "open action log", Cause: err}
	}
	defer f.Close()

	var out []store.ActionEntry
	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			// Clean EOF or torn header; either way the tail is unusable.
			return out, nil
		}
		if header[0] != recordVersion {
			// Unknown record version; stop replay here rather than guess.
			return out, nil
		}
		length := binary.BigEndian.Uint32(header[1:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			// Torn record: the process died mid-append. Discard.
			return out, nil
		}
		var e store.ActionEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return out, nil
		}
		out = append(out, e)
	}
}

// walFor returns the open log handle for a workflow, opening it on demand.
// The caller must hold the returned wal's lock for the whole mutation.
func (s *Store) walFor(id string) (*wal, error) {
	s.walMu.Lock()
	defer s.walMu.Unlock()

	l, ok := s.wals[id]
	if !ok {
		l = &wal{}
		s.wals[id] = l
	}
	if l.f == nil {
		dir := filepath.Join(s.root, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &errors.PersistenceError{Op: "create workflow dir", Cause: err}
		}
		f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, &errors.PersistenceError{Op: "open action log", Cause: err}
		}
		l.f = f
	}
	return l, nil
}

// append writes one entry and syncs it to disk before returning.
func (l *wal) append(e *store.ActionEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &errors.PersistenceError{Op: "encode action", Cause: err}
	}

	buf := make([]byte, 5+len(payload))
	buf[0] = recordVersion
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[5:], payload)

	if _, err := l.f.Write(buf); err != nil {
		return &errors.PersistenceError{Op: "append action", Cause: err}
	}
	if err := l.f.Sync(); err != nil {
		return &errors.PersistenceError{Op: "sync action log", Cause: err}
	}
	l.count++
	return nil
}

// logMutation appends the post-mutation record and compacts if due.
// The caller must hold l.mu.
func (s *Store) logMutation(l *wal, id string, kind store.ActionKind, before, after string, w *store.Workflow) error {
	var payload []byte
	if w != nil {
		var err error
		payload, err = json.Marshal(w)
		if err != nil {
			return &errors.PersistenceError{Op: "encode workflow", Cause: err}
		}
	}

	l.seq++
	entry := &store.ActionEntry{
		Seq:        l.seq,
		WorkflowID: id,
		Kind:       kind,
		Before:     before,
		After:      after,
		Payload:    payload,
	}
	if err := l.append(entry); err != nil {
		l.seq--
		return err
	}

	if l.count >= s.compactEvery && w != nil {
		if err := s.compact(l, id, w); err != nil {
			// Compaction failure is not fatal: the log still holds the
			// authoritative state. Retry at the next threshold crossing.
			s.logger.Warn("compaction failed", "workflow_id", id, "error", err)
			l.count = 0
		}
	}
	return nil
}

// compact rewrites the snapshot and truncates the log.
func (s *Store) compact(l *wal, id string, w *store.Workflow) error {
	dir := filepath.Join(s.root, id)

	snap := snapshotRecord{Version: snapshotVersion, Seq: l.seq, Workflow: w}
	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := filepath.Join(dir, snapshotFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, snapshotFile)); err != nil {
		return err
	}

	// The snapshot now covers every logged entry; start a fresh log.
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	l.count = 0
	return nil
}

// CreateWorkflow persists a new workflow record, logging before the
// in-memory state is updated and before the caller is acknowledged.
func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	l, err := s.walFor(w.ID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := s.mem.GetWorkflow(ctx, w.ID); err == nil {
		return &errors.DuplicateError{Resource: "workflow", ID: w.ID}
	}

	c := w.Clone()
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	if err := s.logMutation(l, w.ID, store.ActionCreate, "", string(c.State), c); err != nil {
		return err
	}

	s.mem.Restore(c)
	w.CreatedAt = c.CreatedAt
	w.UpdatedAt = c.UpdatedAt
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return s.mem.GetWorkflow(ctx, id)
}

// UpdateWorkflow applies the mutation, appending to the action log before
// the in-memory state changes and before the caller is acknowledged.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, mutate store.Mutation) (*store.Workflow, error) {
	l, err := s.walFor(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := s.mem.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()

	if err := s.logMutation(l, id, store.ActionUpdate, string(cur.State), string(next.State), next); err != nil {
		return nil, err
	}

	s.mem.Restore(next)
	return next.Clone(), nil
}

// AppendStep appends a step execution record.
func (s *Store) AppendStep(ctx context.Context, id string, step store.StepExecution) error {
	l, err := s.walFor(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := s.mem.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}

	next := cur.Clone()
	next.Steps = append(next.Steps, step)
	next.UpdatedAt = time.Now()

	if err := s.logMutation(l, id, store.ActionAppendStep, string(cur.State), string(next.State), next); err != nil {
		return err
	}

	s.mem.Restore(next)
	return nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, f store.Filter) ([]*store.Workflow, error) {
	return s.mem.ListWorkflows(ctx, f)
}

// DeleteWorkflow removes the workflow record and its directory.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	l, err := s.walFor(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.mem.DeleteWorkflow(ctx, id); err != nil {
		return err
	}

	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
		return &errors.PersistenceError{Op: "remove workflow dir", Cause: err}
	}

	s.walMu.Lock()
	delete(s.wals, id)
	s.walMu.Unlock()
	return nil
}

// Close closes every open log handle.
func (s *Store) Close() error {
	s.walMu.Lock()
	defer s.walMu.Unlock()

	for _, l := range s.wals {
		l.mu.Lock()
		if l.f != nil {
			l.f.Close()
			l.f = nil
		}
		l.mu.Unlock()
	}
	return nil
}

var _ store.Store = (*Store)(nil)
