package store

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/golemcore/agentd/internal/conversation"
)

// MemoryStore keeps sessions in process memory. Used for ephemeral
// mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	createdAt time.Time
	updatedAt time.Time
	messages  []conversation.Message
	metadata  map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) AppendMessage(sessionID string, msg conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(sessionID)
	sess.messages = append(sess.messages, msg.Clone())
	sess.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SaveMetadata(sessionID string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.metadata = maps.Clone(metadata)
	sess.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) LoadSession(id string) (*conversation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conversation.RestoreSession(id, sess.createdAt, sess.messages, sess.metadata), nil
}

func (s *MemoryStore) ListSessions() ([]SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		info := SessionInfo{
			ID:           id,
			CreatedAt:    sess.createdAt,
			UpdatedAt:    sess.updatedAt,
			MessageCount: len(sess.messages),
		}
		if model, ok := sess.metadata[conversation.MetadataModelKey].(string); ok {
			info.LastModel = model
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

func (s *MemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// getOrCreate assumes the write lock is held.
func (s *MemoryStore) getOrCreate(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		now := time.Now().UTC()
		sess = &memorySession{createdAt: now, updatedAt: now}
		s.sessions[id] = sess
	}
	return sess
}
