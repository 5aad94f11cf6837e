package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS terminals (
			id TEXT PRIMARY KEY,
			model_type TEXT NOT NULL DEFAULT 'stub',
			status TEXT NOT NULL DEFAULT 'idle',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			terminal1_id TEXT NOT NULL REFERENCES terminals(id),
			terminal2_id TEXT NOT NULL REFERENCES terminals(id),
			status TEXT NOT NULL DEFAULT 'active',
			start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			end_time TIMESTAMPTZ,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS system_log (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			fields JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) UpsertTerminal(ctx context.Context, t *Terminal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (id, model_type, status, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET model_type=EXCLUDED.model_type, status=EXCLUDED.status, last_seen=EXCLUDED.last_seen`,
		t.ID, t.ModelType, t.Status, t.LastSeen, t.CreatedAt)
	return err
}

func (s *PostgresStore) GetTerminal(ctx context.Context, id string) (*Terminal, error) {
	var t Terminal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model_type, status, last_seen, created_at FROM terminals WHERE id = $1`, id).
		Scan(&t.ID, &t.ModelType, &t.Status, &t.LastSeen, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTerminals(ctx context.Context) ([]Terminal, error) {
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

func (s *PostgresStore) SetTerminalStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE terminals SET status = $1, last_seen = NOW() WHERE id = $2`, status, id)
	return err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, terminal1_id, terminal2_id, status, start_time, last_activity, message_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Terminal1ID, c.Terminal2ID, c.Status, c.StartTime, c.LastActivity, c.MessageCount)
	return err
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var endTime sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, terminal1_id, terminal2_id, status, start_time, end_time, last_activity, message_count
		FROM conversations WHERE id = $1`, id).
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

func (s *PostgresStore) TouchConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity = NOW(), message_count = message_count + 1 WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) EndConversation(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = $1, end_time = NOW() WHERE id = $2`, status, id)
	return err
}

func (s *PostgresStore) ListActiveConversations(ctx context.Context) ([]Conversation, error) {
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

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, priority, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Content, m.Priority, m.State, m.CreatedAt)
	return err
}

func (s *PostgresStore) GetMessages(ctx context.Context, conversationID string, after time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, content, priority, state, created_at
		FROM messages WHERE conversation_id = $1 AND created_at > $2
		ORDER BY created_at LIMIT $3`, conversationID, after, limit)
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

func (s *PostgresStore) AppendSystemLog(ctx context.Context, eventType string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal log fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_log (id, event_type, fields, created_at) VALUES ($1, $2, $3, NOW())`,
		uuid.New().String(), eventType, string(data))
	return err
}

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
