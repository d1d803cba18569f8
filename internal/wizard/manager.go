package wizard

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Manager holds wizard sessions in memory by id. Sessions are not
// persisted; only DKIM keys written through the KeyStore survive a restart.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	sessions map[string]*Wizard
	mu       sync.RWMutex
}

// NewManager creates a session manager
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.setDefaults()
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps.Logger = deps.Logger.With("component", "wizard")

	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		sessions: make(map[string]*Wizard),
	}
}

// Create starts a session seeded with the stored DKIM keys
func (m *Manager) Create(ctx context.Context) (*Wizard, error) {
	w := newWizard(uuid.NewString(), m.cfg, m.deps)
	if err := w.loadKeys(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[w.ID()] = w
	n := len(m.sessions)
	m.mu.Unlock()

	m.deps.Observer.SetActiveSessions(n)
	m.logger.Info("session created", "session", w.ID())
	return w, nil
}

// Get returns a session by id
func (m *Manager) Get(id string) (*Wizard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return w, nil
}

// Delete closes and forgets a session
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	w, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	w.Close()
	m.deps.Observer.SetActiveSessions(n)
	m.logger.Info("session deleted", "session", id)
	return nil
}

// IDs lists session ids in sorted order
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close closes every session
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Wizard)
	m.mu.Unlock()

	for _, w := range sessions {
		w.Close()
	}
	m.deps.Observer.SetActiveSessions(0)
}
