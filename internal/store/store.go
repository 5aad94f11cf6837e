// Package store defines the persistence interface for the gateway and
// provides SQLite and PostgreSQL implementations. The gateway core treats it
// as fire-and-forget: it appends audit records and reads or updates terminal
// status, nothing else.
package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the persistence interface.
type Store interface {
	// Terminals
	UpsertTerminal(ctx context.Context, t *Terminal) error
	GetTerminal(ctx context.Context, id string) (*Terminal, error)
	ListTerminals(ctx context.Context) ([]Terminal, error)
	SetTerminalStatus(ctx context.Context, id, status string) error

	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	TouchConversation(ctx context.Context, id string) error
	EndConversation(ctx context.Context, id, status string) error
	ListActiveConversations(ctx context.Context) ([]Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, m *Message) error
	GetMessages(ctx context.Context, conversationID string, after time.Time, limit int) ([]Message, error)

	// Audit
	AppendSystemLog(ctx context.Context, eventType string, fields map[string]any) error

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Terminal is a registered message endpoint.
type Terminal struct {
	ID        string    `json:"id"`
	ModelType string    `json:"model_type"` // "hosted", "stub"
	Status    string    `json:"status"`     // "idle", "active", "error", "maintenance"
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// Terminal status values.
const (
	TerminalIdle        = "idle"
	TerminalActive      = "active"
	TerminalError       = "error"
	TerminalMaintenance = "maintenance"
)

// Conversation pairs two terminals.
type Conversation struct {
	ID           string    `json:"id"`
	Terminal1ID  string    `json:"terminal1_id"`
	Terminal2ID  string    `json:"terminal2_id"`
	Status       string    `json:"status"` // "active", "paused", "ended", "error"
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// Conversation status values.
const (
	ConversationActive = "active"
	ConversationPaused = "paused"
	ConversationEnded  = "ended"
	ConversationError  = "error"
)

// Message is a stored transcript entry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Content        string    `json:"content"`
	Priority       string    `json:"priority"`
	State          string    `json:"state"` // final envelope state at write time
	CreatedAt      time.Time `json:"created_at"`
}

// New creates a Store based on the configured storage driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}
}
