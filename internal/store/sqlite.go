package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/golemcore/agentd/internal/conversation"
)

// SQLiteStore is a SQLite-backed session store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendMessage records one message, creating the session row if
// needed.
func (s *SQLiteStore) AppendMessage(sessionID string, msg conversation.Message) error {
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	msgID := msg.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, tool_name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msgID, sessionID, msg.Role, msg.Content, toolCalls, nullable(msg.ToolCallID), nullable(msg.ToolName), ts)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// SaveMetadata replaces the stored metadata JSON for a session.
func (s *SQLiteStore) SaveMetadata(sessionID string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.Exec(`UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadSession rehydrates a session with its full message history.
func (s *SQLiteStore) LoadSession(id string) (*conversation.Session, error) {
	var createdAt time.Time
	var metaRaw sql.NullString
	err := s.db.QueryRow(`SELECT created_at, metadata FROM sessions WHERE id = ?`, id).
		Scan(&createdAt, &metaRaw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var metadata map[string]any
	if metaRaw.Valid && metaRaw.String != "" {
		if err := json.Unmarshal([]byte(metaRaw.String), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	rows, err := s.db.Query(`
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var m conversation.Message
		var toolCalls, toolCallID, toolName sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID, &toolName, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCallID = toolCallID.String
		m.ToolName = toolName.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return conversation.RestoreSession(id, createdAt, messages, metadata), nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *SQLiteStore) ListSessions() ([]SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.created_at, s.updated_at, s.metadata,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var metaRaw sql.NullString
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &metaRaw, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if metaRaw.Valid && metaRaw.String != "" {
			var metadata map[string]any
			if json.Unmarshal([]byte(metaRaw.String), &metadata) == nil {
				if model, ok := metadata[conversation.MetadataModelKey].(string); ok {
					info.LastModel = model
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
