package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNoSession is returned when no document is loaded.
var ErrNoSession = errors.New("no document loaded")

// Factory opens a session for a document reference.
type Factory func(ctx context.Context, ref string) (*Session, error)

// Manager holds the current session. Loading a document replaces and
// closes the previous one.
type Manager struct {
	open Factory

	mu  sync.Mutex
	cur *Session
}

func NewManager(open Factory) *Manager { return &Manager{open: open} }

// Load opens ref and makes it current. The previous session is closed only
// after the new one opened successfully.
func (m *Manager) Load(ctx context.Context, ref string) (*Session, error) {
	s, err := m.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	prev := m.cur
	m.cur = s
	m.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", prev.ID()).Msg("closing replaced session")
		}
	}
	return s, nil
}

// Current returns the loaded session.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, ErrNoSession
	}
	return m.cur, nil
}

// Close discards the current session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	s := m.cur
	m.cur = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
