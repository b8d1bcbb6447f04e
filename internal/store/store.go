// Package store persists sessions and their message history. The
// SQLite store is the durable default; the in-memory store backs
// ephemeral mode and tests. Both satisfy conversation.Sink so the
// history writer can forward appends directly.
package store

import (
	"errors"
	"time"

	"github.com/golemcore/agentd/internal/conversation"
)

// ErrNotFound is returned when a session ID is unknown to the store.
var ErrNotFound = errors.New("session not found")

// SessionInfo is the listing row for a stored session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	LastModel    string    `json:"last_model,omitempty"`
}

// Store is the persistence port for sessions.
type Store interface {
	// AppendMessage records one message for a session, creating the
	// session row if needed. Implements conversation.Sink.
	AppendMessage(sessionID string, msg conversation.Message) error
	// SaveMetadata replaces the stored metadata for a session.
	SaveMetadata(sessionID string, metadata map[string]any) error
	// LoadSession rehydrates a session with its full history.
	LoadSession(id string) (*conversation.Session, error)
	// ListSessions returns all sessions, most recently updated first.
	ListSessions() ([]SessionInfo, error)
	// DeleteSession removes a session and its messages.
	DeleteSession(id string) error
	Close() error
}
