// Package conversation pairs terminals into conversations, keeps a bounded
// in-memory history per conversation and routes messages through the gateway
// so each delivery triggers a generated reply.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termvoid/termvoid/internal/gateway"
	"github.com/termvoid/termvoid/internal/generate"
	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/internal/store"
)

// Caller-facing errors.
var (
	ErrTooManyConversations = fmt.Errorf("conversation limit reached")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrConversationEnded    = fmt.Errorf("conversation has ended")
)

// Limits bounds the manager's in-memory state and maintenance cadence.
type Limits struct {
	MaxConversations int           // default 1000
	MaxHistory       int           // per conversation; default 1000
	IdleTimeout      time.Duration // default 30m
	FlushInterval    time.Duration // default 15m
}

func (l *Limits) applyDefaults() {
	if l.MaxConversations == 0 {
		l.MaxConversations = 1000
	}
	if l.MaxHistory == 0 {
		l.MaxHistory = 1000
	}
	if l.IdleTimeout == 0 {
		l.IdleTimeout = 30 * time.Minute
	}
	if l.FlushInterval == 0 {
		l.FlushInterval = 15 * time.Minute
	}
}

type state struct {
	id           string
	terminal1    string
	terminal2    string
	history      []generate.Exchange
	lastActivity time.Time
	ended        bool
}

// Manager owns active conversations. Bind must be called with the gateway
// coordinator before any conversation starts.
type Manager struct {
	store   store.Store
	limits  Limits
	logger  *slog.Logger
	metrics metrics.Recorder

	coord *gateway.SessionCoordinator

	mu    sync.RWMutex
	convs map[string]*state
}

func NewManager(st store.Store, limits Limits, logger *slog.Logger, rec metrics.Recorder) *Manager {
	limits.applyDefaults()
	return &Manager{
		store:   st,
		limits:  limits,
		logger:  logger.With("component", "conversation"),
		metrics: rec,
		convs:   make(map[string]*state),
	}
}

// Bind attaches the gateway coordinator. Separate from the constructor
// because the coordinator's options reference the manager's History and
// RecordReply callbacks.
func (m *Manager) Bind(coord *gateway.SessionCoordinator) {
	m.coord = coord
}

// Start begins a conversation between two registered terminals and routes the
// opening message from terminal1 to terminal2.
func (m *Manager) Start(ctx context.Context, terminal1, terminal2, opening string) (*store.Conversation, error) {
	if _, ok := m.coord.ConnectionInfo(terminal1); !ok {
		return nil, fmt.Errorf("terminal %s: %w", terminal1, gateway.ErrRecipientNotRegistered)
	}
	if _, ok := m.coord.ConnectionInfo(terminal2); !ok {
		return nil, fmt.Errorf("terminal %s: %w", terminal2, gateway.ErrRecipientNotRegistered)
	}

	m.mu.Lock()
	if len(m.convs) >= m.limits.MaxConversations {
		m.mu.Unlock()
		return nil, ErrTooManyConversations
	}
	conv := &store.Conversation{
		ID:           uuid.New().String(),
		Terminal1ID:  terminal1,
		Terminal2ID:  terminal2,
		Status:       store.ConversationActive,
		StartTime:    time.Now(),
		LastActivity: time.Now(),
	}
	m.convs[conv.ID] = &state{
		id:           conv.ID,
		terminal1:    terminal1,
		terminal2:    terminal2,
		lastActivity: time.Now(),
	}
	m.mu.Unlock()

	if err := m.store.CreateConversation(ctx, conv); err != nil {
		m.mu.Lock()
		delete(m.convs, conv.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	m.metrics.Increment("conversation.started")
	m.logger.Info("conversation started", "conversation_id", conv.ID,
		"terminal1", terminal1, "terminal2", terminal2)

	if opening != "" {
		if _, err := m.Route(ctx, conv.ID, terminal1, opening, gateway.PriorityNormal); err != nil {
			m.logger.Warn("opening message failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return conv, nil
}

// Route submits a message within a conversation. The recipient is the other
// party; delivery asks the gateway to generate the recipient's reply. It
// returns the assigned message ID.
func (m *Manager) Route(ctx context.Context, conversationID, senderID, content string, p gateway.Priority) (string, error) {
	m.mu.Lock()
	st, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%s: %w", conversationID, ErrConversationNotFound)
	}
	if st.ended {
		m.mu.Unlock()
		return "", fmt.Errorf("%s: %w", conversationID, ErrConversationEnded)
	}
	recipient := st.terminal1
	if senderID == st.terminal1 {
		recipient = st.terminal2
	} else if senderID != st.terminal2 {
		m.mu.Unlock()
		return "", fmt.Errorf("terminal %s is not part of conversation %s", senderID, conversationID)
	}
	m.appendHistoryLocked(st, senderID, content)
	m.mu.Unlock()

	msgID, err := m.coord.Send(ctx, gateway.Submit{
		SenderID:       senderID,
		RecipientID:    recipient,
		ConversationID: conversationID,
		Content:        content,
		Priority:       p,
		AwaitReply:     true,
	})
	if err != nil {
		return "", err
	}

	m.persist(ctx, &store.Message{
		ID:             msgID,
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipient,
		Content:        content,
		Priority:       p.String(),
		State:          string(gateway.StatePending),
		CreatedAt:      time.Now(),
	})
	m.metrics.Increment("conversation.messages")
	return msgID, nil
}

// RecordReply stores a gateway-generated reply in the conversation history.
// Wired into the coordinator's OnReply option.
func (m *Manager) RecordReply(ctx context.Context, conversationID, senderID, recipientID, content string) {
	m.mu.Lock()
	if st, ok := m.convs[conversationID]; ok {
		m.appendHistoryLocked(st, senderID, content)
	}
	m.mu.Unlock()

	m.persist(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		Priority:       gateway.PriorityNormal.String(),
		State:          string(gateway.StatePending),
		CreatedAt:      time.Now(),
	})
}

// History returns the conversation's in-memory exchange history, oldest
// first. Wired into the coordinator's History option.
func (m *Manager) History(ctx context.Context, conversationID string) ([]generate.Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.convs[conversationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, ErrConversationNotFound)
	}
	out := make([]generate.Exchange, len(st.history))
	copy(out, st.history)
	return out, nil
}

// End finishes a conversation and releases its in-memory state.
func (m *Manager) End(ctx context.Context, conversationID, status string) error {
	m.mu.Lock()
	st, ok := m.convs[conversationID]
	if ok {
		st.ended = true
		delete(m.convs, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", conversationID, ErrConversationNotFound)
	}

	if err := m.store.EndConversation(ctx, conversationID, status); err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	m.metrics.Increment("conversation.ended")
	m.logger.Info("conversation ended", "conversation_id", conversationID, "status", status)
	return nil
}

// Active returns the number of live conversations.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

// Run performs idle cleanup and periodic snapshots until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	idle := time.NewTicker(m.limits.IdleTimeout / 2)
	flush := time.NewTicker(m.limits.FlushInterval)
	defer idle.Stop()
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			m.reapIdle(ctx)
		case <-flush.C:
			m.snapshot(ctx)
		}
	}
}

func (m *Manager) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.limits.IdleTimeout)

	m.mu.Lock()
	var stale []string
	for id, st := range m.convs {
		if st.lastActivity.Before(cutoff) {
			stale = append(stale, id)
			st.ended = true
			delete(m.convs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.store.EndConversation(ctx, id, store.ConversationEnded); err != nil {
			m.logger.Warn("idle cleanup failed", "conversation_id", id, "error", err)
			continue
		}
		m.metrics.Increment("conversation.idle_reaped")
		m.logger.Info("ended idle conversation", "conversation_id", id)
	}
}

func (m *Manager) snapshot(ctx context.Context) {
	m.mu.RLock()
	active := len(m.convs)
	messages := 0
	for _, st := range m.convs {
		messages += len(st.history)
	}
	m.mu.RUnlock()

	m.metrics.Gauge("conversation.active", float64(active))
	if err := m.store.AppendSystemLog(ctx, "conversation.snapshot", map[string]any{
		"active":   active,
		"messages": messages,
	}); err != nil {
		m.logger.Debug("snapshot log failed", "error", err)
	}
}

// appendHistoryLocked appends an exchange, trimming to the history bound.
// Caller holds m.mu.
func (m *Manager) appendHistoryLocked(st *state, senderID, content string) {
	st.history = append(st.history, generate.Exchange{SenderID: senderID, Content: content})
	if len(st.history) > m.limits.MaxHistory {
		st.history = st.history[len(st.history)-m.limits.MaxHistory:]
	}
	st.lastActivity = time.Now()
}

// persist writes a transcript row and bumps conversation activity. Failures
// are logged; persistence never blocks routing.
func (m *Manager) persist(ctx context.Context, msg *store.Message) {
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		m.logger.Warn("message persist failed", "message_id", msg.ID, "error", err)
		return
	}
	if err := m.store.TouchConversation(ctx, msg.ConversationID); err != nil {
		m.logger.Debug("conversation touch failed", "conversation_id", msg.ConversationID, "error", err)
	}
}
