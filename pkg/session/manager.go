package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/log"
)

// Manager is the registry of live sessions. It enforces the one active
// session per bot invariant and owns graceful shutdown of the fleet.
type Manager struct {
	deps   Deps
	opts   []Option
	logger *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager validates the shared collaborators once; opts apply to
// every session it starts.
func NewManager(deps Deps, opts ...Option) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		logger:   log.WithComponent("manager"),
		sessions: make(map[string]*Session),
	}, nil
}

// Start builds and launches a session for b. The bot must be in a
// joinable state (ready or staged); a bot with a live session is
// rejected.
func (m *Manager) Start(b *bot.Bot) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager is shutting down")
	}
	if _, ok := m.sessions[b.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("bot %s already has an active session", b.ID)
	}

	s, err := New(b, m.deps, m.opts...)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[b.ID] = s
	m.mu.Unlock()

	if err := s.Start(); err != nil {
		m.remove(b.ID)
		return nil, err
	}
	m.logger.Infof("Session started for bot %s (%s)", b.ID, b.Platform)

	go func() {
		<-s.Done()
		m.remove(b.ID)
		m.logger.Infof("Session ended for bot %s in state %s", b.ID, s.State())
	}()
	return s, nil
}

// Get returns the live session for a bot id.
func (m *Manager) Get(botID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[botID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) remove(botID string) {
	m.mu.Lock()
	delete(m.sessions, botID)
	m.mu.Unlock()
}

// Shutdown asks every live session to leave and waits for them to
// finish. Sessions still running when ctx expires are aborted.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	if len(active) == 0 {
		return
	}
	m.logger.Infof("Shutting down %d active sessions", len(active))

	for _, s := range active {
		if err := s.RequestLeave(ctx); err != nil {
			m.logger.WithError(err).Warnf("Leave request for bot %s failed, aborting it", s.ID())
			s.Close()
		}
	}
	for _, s := range active {
		select {
		case <-s.Done():
		case <-ctx.Done():
			s.Close()
			<-s.Done()
		}
	}
}
