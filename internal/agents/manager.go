package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rowan/foreman/internal/logging"
)

// ErrSessionNotFound is returned when a message targets an unknown id.
var ErrSessionNotFound = errors.New("session not found")

// Manager spawns CLI sessions and routes messages to them. It backs the
// orchestrator's Spawner, the coordinator's Messenger, and the health
// monitor's Releaser.
type Manager struct {
	store   *Store
	workDir string
	opts    []CLIOption
	logger  *logging.Logger

	mu     sync.RWMutex
	onStop func(sessionID string, failed bool)
}

// NewManager builds a Manager spawning sessions in workDir.
func NewManager(store *Store, workDir string, opts ...CLIOption) *Manager {
	return &Manager{
		store:   store,
		workDir: workDir,
		opts:    opts,
		logger:  logging.Component("agents"),
	}
}

// SetStopHook registers a callback fired after a session finishes a
// turn. One CLI invocation is one turn, so every completed Send counts.
func (m *Manager) SetStopHook(fn func(sessionID string, failed bool)) {
	m.mu.Lock()
	m.onStop = fn
	m.mu.Unlock()
}

func (m *Manager) notifyStop(sessionID string, err error) {
	m.mu.RLock()
	fn := m.onStop
	m.mu.RUnlock()
	if fn == nil {
		return
	}
	go fn(sessionID, err != nil)
}

func (m *Manager) spawn(ctx context.Context, name, prompt string) (string, error) {
	id := uuid.NewString()
	sess := NewCLISession(id, name, m.workDir, m.opts...)
	m.store.Put(sess)
	// The kickoff prompt is the session's first turn; it runs in the
	// background so spawning a whole team does not serialize on it.
	go func() {
		err := sess.Send(ctx, prompt)
		if err != nil {
			m.logger.Err(err).Str("session", id).Str("name", name).Msg("kickoff prompt failed")
		}
		m.notifyStop(id, err)
	}()
	m.logger.Infof("spawned %s (%s)", name, id)
	return id, nil
}

// SpawnLead starts a lead session.
func (m *Manager) SpawnLead(ctx context.Context, name, prompt string) (string, error) {
	return m.spawn(ctx, name, prompt)
}

// SpawnWorker starts a worker session for a team.
func (m *Manager) SpawnWorker(ctx context.Context, _ string, name, prompt string) (string, error) {
	return m.spawn(ctx, name, prompt)
}

// SpawnHead starts a phase-head session for a team.
func (m *Manager) SpawnHead(ctx context.Context, _ string, name, prompt string) (string, error) {
	return m.spawn(ctx, name, prompt)
}

// SendToSession delivers text to a session by id.
func (m *Manager) SendToSession(ctx context.Context, sessionID, text string) error {
	sess, ok := m.store.GetByID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	err := sess.Send(ctx, text)
	if err == nil {
		m.notifyStop(sessionID, nil)
	}
	return err
}

// DeliveryMetadata renders the delivery-status footer appended to
// relayed messages.
func (m *Manager) DeliveryMetadata(outputPresent bool, receiverID string) string {
	if outputPresent {
		return fmt.Sprintf("\n\n[relayed to %s with the teammate's output]", receiverID)
	}
	return fmt.Sprintf("\n\n[relayed to %s; the teammate produced no output]", receiverID)
}

// Release drops a finished session from the store.
func (m *Manager) Release(sessionID string) {
	m.store.Remove(sessionID)
}
