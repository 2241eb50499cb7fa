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

// Package definition loads workflow type definitions from a directory of
// YAML files and keeps them fresh with a filesystem watcher.
//
// A definition decides how the coordinator advances a workflow of that
// type: declared types carry a step list the coordinator walks itself;
// driven types get a single start task and the worker reports step
// boundaries. Types with no definition on disk default to driven.
package definition

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Aetherframework-ai/aether/internal/queue"
	"github.com/Aetherframework-ai/aether/internal/store"
)

// StartStep is the single step name used for driven-mode workflows.
const StartStep = "start"

// Definition describes one workflow type.
type Definition struct {
	// Name is the workflow type this definition applies to.
	Name string `yaml:"name"`

	// Mode is "declared" or "driven". Default: driven.
	Mode string `yaml:"mode"`

	// Steps is the ordered step list for declared mode.
	Steps []string `yaml:"steps"`

	// Retry is the step retry policy for tasks of this type.
	Retry RetrySpec `yaml:"retry"`
}

// RetrySpec is the YAML shape of a retry policy.
type RetrySpec struct {
	MaxRetries    int     `yaml:"max_retries"`
	Backoff       string  `yaml:"backoff"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// Policy converts the YAML retry fields into a queue retry policy.
func (r RetrySpec) Policy() queue.RetryPolicy {
	p := queue.RetryPolicy{
		MaxRetries:    r.MaxRetries,
		BackoffFactor: r.BackoffFactor,
	}
	if r.Backoff != "" {
		if d, err := time.ParseDuration(r.Backoff); err == nil {
			p.Backoff = d
		}
	}
	return p
}

// StoreMode maps the definition mode onto the store's workflow mode.
func (d *Definition) StoreMode() store.Mode {
	if d != nil && d.Mode == "declared" {
		return store.ModeDeclared
	}
	return store.ModeDriven
}

// FirstStep returns the first step name for the type.
func (d *Definition) FirstStep() string {
	if d != nil && d.StoreMode() == store.ModeDeclared && len(d.Steps) > 0 {
		return d.Steps[0]
	}
	return StartStep
}

// NextStep returns the step after current, or "" when current is the last.
func (d *Definition) NextStep(current string) string {
	if d == nil || d.StoreMode() != store.ModeDeclared {
		return ""
	}
	for i, s := range d.Steps {
		if s == current && i+1 < len(d.Steps) {
			return d.Steps[i+1]
		}
	}
	return ""
}

// validate checks the definition for internal consistency.
func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition missing name")
	}
	switch d.Mode {
	case "", "driven":
	case "declared":
		if len(d.Steps) == 0 {
			return fmt.Errorf("declared definition %q has no steps", d.Name)
		}
		seen := make(map[string]struct{}, len(d.Steps))
		for _, s := range d.Steps {
			if s == "" {
				return fmt.Errorf("definition %q has an empty step name", d.Name)
			}
			if _, dup := seen[s]; dup {
				return fmt.Errorf("definition %q repeats step %q", d.Name, s)
			}
			seen[s] = struct{}{}
		}
	default:
		return fmt.Errorf("definition %q has unknown mode %q", d.Name, d.Mode)
	}
	return nil
}

// Set is the live collection of definitions.
type Set struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSet loads every *.yaml file in dir. An empty dir yields an empty set
// (every type is treated as driven).
func NewSet(dir string, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]*Definition),
		done:   make(chan struct{}),
	}
	if dir == "" {
		return s, nil
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload re-reads the whole directory.
func (s *Set) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read definitions dir: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("cannot read definition", "path", path, "error", err)
			continue
		}
		var d Definition
		if err := yaml.Unmarshal(data, &d); err != nil {
			s.logger.Warn("cannot parse definition", "path", path, "error", err)
			continue
		}
		if err := d.validate(); err != nil {
			s.logger.Warn("invalid definition", "path", path, "error", err)
			continue
		}
		defs[d.Name] = &d
	}

	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()

	s.logger.Info("loaded workflow definitions", "dir", s.dir, "count", len(defs))
	return nil
}

// Get returns the definition for the workflow type, or nil when the type
// has no definition (driven by default).
func (s *Set) Get(workflowType string) *Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defs[workflowType]
}

// Names returns the defined type names.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	return out
}

// Watch starts reloading the directory on filesystem changes. A nil error
// means the watcher is running until Close.
func (s *Set) Watch() error {
	if s.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch definitions dir: %w", err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Editors produce bursts of events; debounce into one reload.
		var pending <-chan time.Time
		for {
			select {
			case <-s.done:
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("definition watcher error", "error", err)
			case <-pending:
				pending = nil
				if err := s.reload(); err != nil {
					s.logger.Warn("definition reload failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *Set) Close() error {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
	return nil
}
