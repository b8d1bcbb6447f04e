package conversation

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink receives every message appended to a session, in append order.
// Storage adapters implement it to persist the audit trail. A sink
// failure never blocks the in-memory history — the durable copy is
// best-effort, the in-memory log is authoritative for the turn.
type Sink interface {
	AppendMessage(sessionID string, msg Message) error
}

// HistoryWriter is the single component allowed to grow a session's
// raw history. It stamps IDs and timestamps (from an injected clock,
// for deterministic tests) and forwards appends to an optional
// persistence sink. It never reorders, removes, or rewrites entries.
type HistoryWriter struct {
	now    func() time.Time
	sink   Sink
	logger *slog.Logger
}

// NewHistoryWriter creates a writer. now may be nil (wall clock), sink
// may be nil (no persistence), logger may be nil (default).
func NewHistoryWriter(now func() time.Time, sink Sink, logger *slog.Logger) *HistoryWriter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryWriter{now: now, sink: sink, logger: logger}
}

// Append stamps and appends one message, returning the stamped copy.
// An already-set ID or timestamp is preserved.
func (w *HistoryWriter) Append(sess *Session, msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = w.now().UTC()
	}
	sess.append(msg)

	if w.sink != nil {
		if err := w.sink.AppendMessage(sess.ID(), msg); err != nil {
			w.logger.Error("history sink append failed",
				"session", sess.ID(), "role", msg.Role, "error", err)
		}
	}
	return msg
}

// AppendToolExchange appends a tool-call-bearing assistant message
// followed by each tool result in the order the calls were issued.
func (w *HistoryWriter) AppendToolExchange(sess *Session, assistant Message, results []ToolResult) {
	w.Append(sess, assistant)
	for _, r := range results {
		w.Append(sess, r.Message())
	}
}

// RecordModel stores the model that just produced a successful turn in
// the session metadata, where the view builder reads it on the next
// request.
func (w *HistoryWriter) RecordModel(sess *Session, model string) {
	if model == "" {
		return
	}
	sess.setMetadata(MetadataModelKey, model)
}
