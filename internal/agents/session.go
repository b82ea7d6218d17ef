// Package agents provides the teammate session layer: spawning an agent
// CLI process, delivering messages to it, and aborting it. Prompt content
// and streaming are the CLI's business; foreman only needs the plumbing.
package agents

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionClosed is returned when sending to an aborted session.
var ErrSessionClosed = errors.New("session closed")

// Session is a running teammate agent.
type Session interface {
	// ID returns the session identifier.
	ID() string

	// Name returns the teammate's display name.
	Name() string

	// Send delivers a message to the session.
	Send(ctx context.Context, text string) error

	// Abort terminates the session. No further tool calls are dispatched
	// after Abort returns.
	Abort() error

	// Processing reports whether the session is mid-turn.
	Processing() bool

	// LastMessage returns the session's most recent final message.
	LastMessage() string

	// WorkingDir returns the session's working directory.
	WorkingDir() string
}

// Lookup resolves sessions by id.
type Lookup interface {
	GetByID(id string) (Session, bool)
}

// Store is an in-memory session registry implementing Lookup.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]Session)}
}

// Put registers a session.
func (s *Store) Put(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = session
}

// GetByID returns a session by id.
func (s *Store) GetByID(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Remove drops a session from the store.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// ToolEvent is one observed tool call or result from a session.
type ToolEvent struct {
	SessionID string
	TeamID    string
	Tool      string
	Input     string // serialized tool input, used for similarity checks
	IsError   bool
	Tokens    int64 // tokens consumed by this step, if known
	Time      time.Time
}
