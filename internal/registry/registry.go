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

// Package registry tracks live workers, their advertised capabilities, and
// session liveness.
//
// A session token is minted at registration and required on every
// subsequent worker operation; it prevents a stale worker from acting after
// its slot was revived. Workers that miss the heartbeat timeout are marked
// Dead and their claimed tasks become eligible for re-dispatch.
package registry

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Aetherframework-ai/aether/pkg/errors"
)

// SessionState is the lifecycle state of a worker session.
type SessionState string

// Session states.
const (
	SessionActive   SessionState = "active"
	SessionDraining SessionState = "draining"
	SessionDead     SessionState = "dead"
)

// CapabilityKind classifies an advertised capability.
type CapabilityKind string

// Capability kinds.
const (
	KindStep     CapabilityKind = "step"
	KindActivity CapabilityKind = "activity"
	KindWorkflow CapabilityKind = "workflow"
)

// Capability is an advertised (name, kind) pair a worker is willing to
// execute.
type Capability struct {
	Name string         `json:"name"`
	Kind CapabilityKind `json:"kind"`
}

// Registration is the worker-supplied registration record.
type Registration struct {
	// WorkerID is optional; a fresh id is assigned when absent.
	WorkerID string

	ServiceName   string
	Group         string
	Capabilities  []Capability
	WorkflowTypes []string
}

// Session is a live worker registration.
type Session struct {
	WorkerID      string
	SessionID     string
	Token         string
	ServiceName   string
	Group         string
	Capabilities  []Capability
	WorkflowTypes []string

	mu            sync.Mutex
	state         SessionState
	lastHeartbeat time.Time
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Advertises reports whether the session advertises the workflow type.
func (s *Session) Advertises(workflowType string) bool {
	for _, t := range s.WorkflowTypes {
		if t == workflowType {
			return true
		}
	}
	return false
}

// sessionClaims are the JWT claims carried by a session token.
type sessionClaims struct {
	WorkerID  string `json:"worker_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// DefaultHeartbeatTimeout is used when the configuration does not specify
// a heartbeat timeout.
const DefaultHeartbeatTimeout = 30 * time.Second

// Config contains registry configuration.
type Config struct {
	// HeartbeatTimeout is how long a worker may go silent before it is
	// marked Dead. Default: 30s.
	HeartbeatTimeout time.Duration

	// OnWorkerDead is invoked (outside registry locks) when a worker is
	// reaped, so the task queue can release its claims.
	OnWorkerDead func(sessionID string)

	// Logger is the structured logger. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Registry tracks worker sessions.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	// signingKey signs session tokens. Regenerated each boot: sessions do
	// not survive a coordinator restart, workers re-register.
	signingKey []byte

	mu        sync.RWMutex
	byWorker  map[string]*Session // keyed by worker id
	bySession map[string]*Session // keyed by session id

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry and starts the heartbeat reaper.
func New(cfg Config) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// crypto/rand failing means the host is unusable; nothing to
		// degrade to.
		panic("registry: cannot generate signing key: " + err.Error())
	}

	r := &Registry{
		cfg:        cfg,
		logger:     cfg.Logger,
		signingKey: key,
		byWorker:   make(map[string]*Session),
		bySession:  make(map[string]*Session),
		done:       make(chan struct{}),
	}

	r.wg.Add(1)
	go r.reapLoop()
	return r
}

// Register creates a session for the worker. Registering a worker id that
// is already Active or Draining returns a DuplicateError; a Dead worker id
// is revived with a fresh session.
func (r *Registry) Register(reg Registration) (*Session, error) {
	workerID := reg.WorkerID
	if workerID == "" {
		workerID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byWorker[workerID]; ok {
		if existing.State() != SessionDead {
			return nil, &errors.DuplicateError{Resource: "worker", ID: workerID}
		}
		// Revive the slot: drop the dead session.
		delete(r.bySession, existing.SessionID)
	}

	sessionID := uuid.New().String()
	token, err := r.mintToken(workerID, sessionID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		WorkerID:      workerID,
		SessionID:     sessionID,
		Token:         token,
		ServiceName:   reg.ServiceName,
		Group:         reg.Group,
		Capabilities:  reg.Capabilities,
		WorkflowTypes: reg.WorkflowTypes,
		state:         SessionActive,
		lastHeartbeat: time.Now(),
	}
	r.byWorker[workerID] = s
	r.bySession[sessionID] = s

	r.logger.Info("worker registered",
		"worker_id", workerID,
		"service", reg.ServiceName,
		"group", reg.Group,
		"types", reg.WorkflowTypes)
	return s, nil
}

// mintToken signs a session token.
func (r *Registry) mintToken(workerID, sessionID string) (string, error) {
	claims := sessionClaims{
		WorkerID:  workerID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "aether",
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.signingKey)
	if err != nil {
		return "", &errors.InternalError{Invariant: "token", Message: "cannot sign session token: " + err.Error()}
	}
	return signed, nil
}

// Authenticate resolves a session token to its live session. Tokens from a
// previous boot, unknown sessions, and Dead sessions are all protocol
// violations.
func (r *Registry) Authenticate(token string) (*Session, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, &errors.ProtocolError{Message: "unexpected token signing method"}
		}
		return r.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, &errors.ProtocolError{Message: "invalid session token"}
	}

	r.mu.RLock()
	s, ok := r.bySession[claims.SessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.ProtocolError{Message: "unknown session"}
	}
	if s.State() == SessionDead {
		return nil, &errors.ProtocolError{Message: "session is dead"}
	}
	return s, nil
}

// Heartbeat refreshes the session's liveness.
func (r *Registry) Heartbeat(token string) error {
	s, err := r.Authenticate(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	return nil
}

// Drain transitions the session to Draining: no new tasks are dispatched,
// in-flight tasks may complete.
func (r *Registry) Drain(token string) error {
	s, err := r.Authenticate(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == SessionActive {
		s.state = SessionDraining
	}
	s.mu.Unlock()
	r.logger.Info("worker draining", "worker_id", s.WorkerID)
	return nil
}

// Deregister removes the session entirely.
func (r *Registry) Deregister(token string) error {
	s, err := r.Authenticate(token)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.bySession, s.SessionID)
	if cur, ok := r.byWorker[s.WorkerID]; ok && cur.SessionID == s.SessionID {
		delete(r.byWorker, s.WorkerID)
	}
	r.mu.Unlock()

	r.logger.Info("worker deregistered", "worker_id", s.WorkerID)
	return nil
}

// LookupFor returns Active sessions whose advertised types include the
// workflow type. Routing granularity is the workflow type; step-level
// affinity is advisory only.
func (r *Registry) LookupFor(workflowType string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.bySession {
		if s.State() == SessionActive && s.Advertises(workflowType) {
			out = append(out, s)
		}
	}
	return out
}

// Sessions returns all tracked sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s)
	}
	return out
}

// reapLoop marks silent workers Dead.
func (r *Registry) reapLoop() {
	defer r.wg.Done()

	interval := r.cfg.HeartbeatTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap scans for expired sessions.
func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)

	var dead []*Session
	r.mu.RLock()
	for _, s := range r.bySession {
		s.mu.Lock()
		if s.state != SessionDead && s.lastHeartbeat.Before(cutoff) {
			s.state = SessionDead
			dead = append(dead, s)
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, s := range dead {
		r.logger.Warn("worker heartbeat expired",
			"worker_id", s.WorkerID,
			"last_heartbeat", s.LastHeartbeat())
		if r.cfg.OnWorkerDead != nil {
			r.cfg.OnWorkerDead(s.SessionID)
		}
	}
}

// Close stops the reaper.
func (r *Registry) Close() error {
	close(r.done)
	r.wg.Wait()
	return nil
}
