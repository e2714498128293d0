// Package session implements C11: an in-memory registry of active games,
// each wrapping one *engine.Engine plus a per-session "one command in
// flight" gate. Generalized from the teacher's InMemorySessionManager
// (internal/app/router.go), which kept a map[string]*GameSession behind a
// single sync.RWMutex and minted IDs from time.Now().UnixNano() — replaced
// here with internal/ids and a real concurrency gate, since the teacher
// never had more than one command running against a session at a time to
// begin with.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"llmrpg/internal/apperr"
	"llmrpg/internal/clock"
	"llmrpg/internal/engine"
	"llmrpg/internal/ids"
)

// Session wraps one Engine with the busy gate described in spec.md §5: a
// session rejects a command that arrives while another is still running,
// rather than queuing it.
type Session struct {
	ID         string
	Engine     *engine.Engine
	CreatedAt  time.Time
	LastActive time.Time

	busy atomic.Bool
	mu   sync.Mutex // guards LastActive
}

// Busy reports whether a command is currently running against this session.
func (s *Session) Busy() bool { return s.busy.Load() }

// Touch updates LastActive to now.
func (s *Session) Touch(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActive = c.Now()
}

// TryAcquire claims the busy gate, returning false if a command is already
// running. Callers must call Release when the command finishes.
func (s *Session) TryAcquire() bool {
	return s.busy.CompareAndSwap(false, true)
}

// Release frees the busy gate.
func (s *Session) Release() {
	s.busy.Store(false)
}

// ErrBusy is returned by Manager.WithCommand when a command arrives while
// the session is already processing one, per spec.md §5's "reject, don't
// queue" policy (see DESIGN.md's Open Question Decisions).
var ErrBusy = apperr.New(apperr.KindValidation, "a command is already running for this session")

// Manager is the process-wide in-memory session registry.
type Manager struct {
	clock clock.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager(c clock.Clock) *Manager {
	return &Manager{clock: c, sessions: make(map[string]*Session)}
}

// CreateSession mints a fresh sess-XXXXXXXX ID, registers eng under it, and
// returns the new Session.
func (m *Manager) CreateSession(eng *engine.Engine) *Session {
	now := m.clock.Now()
	s := &Session{ID: ids.NewSessionID(), Engine: eng, CreatedAt: now, LastActive: now}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s
}

// GetSession returns the session registered under id, or false if none
// exists.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListSessionIDs returns every currently registered session ID, in no
// particular order.
func (m *Manager) ListSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RemoveSession deregisters id. It is a no-op if id is not registered.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// WithCommand runs fn against the session registered under id, enforcing
// the single-command-in-flight gate: a second call arriving while fn is
// still running for that session returns ErrBusy without calling fn.
func (m *Manager) WithCommand(id string, fn func(*Session) error) error {
	s, ok := m.GetSession(id)
	if !ok {
		return apperr.New(apperr.KindNotFound, "session not found").WithDetails(id)
	}
	if !s.TryAcquire() {
		return ErrBusy
	}
	defer s.Release()

	s.Touch(m.clock)
	return fn(s)
}
