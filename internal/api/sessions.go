package api

import (
	"errors"
	"sync"

	"github.com/golemcore/agentd/internal/conversation"
	"github.com/golemcore/agentd/internal/store"
)

// SessionManager tracks live sessions and hydrates them from the
// store on first access. A session only has one in-process instance,
// so the append-only history and the per-session turn lock hold
// across concurrent API requests.
type SessionManager struct {
	mu    sync.Mutex
	live  map[string]*conversation.Session
	locks map[string]*sync.Mutex
	store store.Store
}

// NewSessionManager creates a manager backed by st.
func NewSessionManager(st store.Store) *SessionManager {
	return &SessionManager{
		live:  make(map[string]*conversation.Session),
		locks: make(map[string]*sync.Mutex),
		store: st,
	}
}

// GetOrCreate returns the live session for id, loading it from the
// store if needed. An empty id creates a fresh session.
func (m *SessionManager) GetOrCreate(id string) (*conversation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if sess, ok := m.live[id]; ok {
			return sess, nil
		}
		sess, err := m.store.LoadSession(id)
		if err == nil {
			m.live[id] = sess
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	sess := conversation.NewSession(id)
	m.live[sess.ID()] = sess
	return sess, nil
}

// Get returns a live or stored session without creating one.
func (m *SessionManager) Get(id string) (*conversation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.live[id]; ok {
		return sess, nil
	}
	sess, err := m.store.LoadSession(id)
	if err != nil {
		return nil, err
	}
	m.live[id] = sess
	return sess, nil
}

// Drop forgets the live instance and removes the session from the
// store.
func (m *SessionManager) Drop(id string) error {
	m.mu.Lock()
	delete(m.live, id)
	delete(m.locks, id)
	m.mu.Unlock()
	return m.store.DeleteSession(id)
}

// TurnLock returns the mutex serializing turns for one session.
func (m *SessionManager) TurnLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}
