package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS terminals (
			id TEXT PRIMARY KEY,
			model_type TEXT NOT NULL DEFAULT 'stub',
			status TEXT NOT NULL DEFAULT 'idle',
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			terminal1_id TEXT NOT NULL REFERENCES terminals(id),
			terminal2_id TEXT NOT NULL REFERENCES terminals(id),
			status TEXT NOT NULL DEFAULT 'active',
			start_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			end_time DATETIME,
			last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			content TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			state TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS system_log (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_log_type ON system_log(event_type, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertTerminal(ctx context.Context, t *Terminal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (id, model_type, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET model_type=excluded.model_type, status=excluded.status, last_seen=excluded.last_seen`,
		t.ID, t.ModelType, t.Status, t.LastSeen, t.CreatedAt)
	return err
}

func (s *SQLiteStore) GetTerminal(ctx context.Context, id string) (*Terminal, error) {
	var t Terminal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model_type, status, last_seen, created_at FROM terminals WHERE id = ?`, id).
		Scan(&t.ID, &t.ModelType, &t.Status, &t.LastSeen, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTerminals(ctx context.Context) ([]Terminal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_type, status, last_seen, created_at FROM terminals ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Terminal
	for rows.Next() {
		var t Terminal
		if err := rows.Scan(&t.ID, &t.ModelType, &t.Status, &t.LastSeen, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetTerminalStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE terminals SET status = ?, last_seen = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, terminal1_id, terminal2_id, status, start_time, last_activity, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Terminal1ID, c.Terminal2ID, c.Status, c.StartTime, c.LastActivity, c.MessageCount)
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var endTime sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, terminal1_id, terminal2_id, status, start_time, end_time, last_activity, message_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Terminal1ID, &c.Terminal2ID, &c.Status, &c.StartTime, &endTime, &c.LastActivity, &c.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		c.EndTime = endTime.Time
	}
	return &c, nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity = ?, message_count = message_count + 1 WHERE id = ?`,
		time.Now(), id)
	return err
}

func (s *SQLiteStore) EndConversation(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, end_time = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal1_id, terminal2_id, status, start_time, end_time, last_activity, message_count
		FROM conversations WHERE status = 'active' ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var endTime sql.NullTime
		if err := rows.Scan(&c.ID, &c.Terminal1ID, &c.Terminal2ID, &c.Status, &c.StartTime, &endTime, &c.LastActivity, &c.MessageCount); err != nil {
			return nil, err
		}
		if endTime.Valid {
			c.EndTime = endTime.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, priority, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Content, m.Priority, m.State, m.CreatedAt)
	return err
}

func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, after time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, content, priority, state, created_at
		FROM messages WHERE conversation_id = ? AND created_at > ?
		ORDER BY created_at LIMIT ?`, conversationID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.Priority, &m.State, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendSystemLog(ctx context.Context, eventType string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal log fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_log (id, event_type, fields, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), eventType, string(data), time.Now())
	return err
}

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
