package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session owns one conversation's raw history: an ordered, append-only
// sequence of messages. Appends go through the HistoryWriter only;
// nothing mutates or reorders existing entries. The internal mutex
// serializes appends so concurrent tool completions keep ordering
// stable — callers must not hold it across model or tool calls.
type Session struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	messages  []Message
	metadata  map[string]any
	interrupt bool
}

// NewSession creates an empty session. An empty id gets a generated
// UUID.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	return &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		metadata:  make(map[string]any),
	}
}

// RestoreSession rebuilds a session from persisted state. Intended for
// storage adapters only; messages are copied, not aliased.
func RestoreSession(id string, createdAt time.Time, messages []Message, metadata map[string]any) *Session {
	s := NewSession(id)
	if !createdAt.IsZero() {
		s.createdAt = createdAt
	}
	s.messages = cloneMessages(messages)
	for k, v := range metadata {
		s.metadata[k] = v
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session started.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Messages returns a snapshot copy of the raw history.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Len returns the number of messages in the raw history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// append adds a message to the raw history. Unexported on purpose: the
// HistoryWriter is the only component allowed to append.
func (s *Session) append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// LastModel returns the model recorded after the most recent
// successful model call, and whether one is recorded at all. Absence
// is meaningful: the view builder treats unknown provenance as unsafe.
func (s *Session) LastModel() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model, ok := s.metadata[MetadataModelKey].(string)
	return model, ok && model != ""
}

// setMetadata stores a metadata value. Writer-only, like append.
func (s *Session) setMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Metadata returns a snapshot copy of the session metadata.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// RequestInterrupt asks the running loop to stop after the tool
// executions currently in flight. Safe to call from any goroutine.
func (s *Session) RequestInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupt = true
}

// TakeInterrupt reports whether an interrupt was requested and clears
// the flag.
func (s *Session) TakeInterrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.interrupt
	s.interrupt = false
	return was
}
