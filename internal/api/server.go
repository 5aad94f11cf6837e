// Package api exposes the gateway over HTTP: a WebSocket endpoint for
// terminal sessions and a JSON API for pairing, transcripts and status.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/termvoid/termvoid/internal/auth"
	"github.com/termvoid/termvoid/internal/config"
	"github.com/termvoid/termvoid/internal/conversation"
	"github.com/termvoid/termvoid/internal/gateway"
	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/internal/store"
)

// Server wires the coordinator, conversation manager and store behind HTTP.
type Server struct {
	coord    *gateway.SessionCoordinator
	convs    *conversation.Manager
	store    store.Store
	auth     *auth.Service
	logger   *slog.Logger
	metrics  metrics.Recorder
	upgrader websocket.Upgrader
}

func NewServer(cfg config.ServerConfig, coord *gateway.SessionCoordinator, convs *conversation.Manager, st store.Store, authSvc *auth.Service, logger *slog.Logger, rec metrics.Recorder) *Server {
	s := &Server{
		coord:   coord,
		convs:   convs,
		store:   st,
		auth:    authSvc,
		logger:  logger.With("component", "api"),
		metrics: rec,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Post("/api/tokens", s.handleIssueToken)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/terminals", s.handleListTerminals)
		r.Get("/api/terminals/{id}", s.handleGetTerminal)
		r.Post("/api/conversations", s.handleStartConversation)
		r.Get("/api/conversations", s.handleListConversations)
		r.Delete("/api/conversations/{id}", s.handleEndConversation)
		r.Get("/api/conversations/{id}/messages", s.handleGetMessages)
		r.Post("/api/messages", s.handleSendMessage)
		r.Post("/api/broadcast", s.handleBroadcast)
		r.Get("/api/stats", s.handleStats)
	})

	r.Get("/ws/terminal/{id}", s.handleTerminalSocket)

	return r
}

// requireAuth validates the bearer token and stashes the terminal identity in
// the request header for handlers that need it.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		terminalID, err := s.auth.ValidateToken(raw)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		r.Header.Set("X-Terminal-ID", terminalID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TerminalID string `json:"terminal_id"`
		ModelType  string `json:"model_type,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TerminalID == "" {
		s.writeError(w, http.StatusBadRequest, "terminal_id is required")
		return
	}

	modelType := req.ModelType
	if modelType == "" {
		modelType = "stub"
	}
	now := time.Now()
	if err := s.store.UpsertTerminal(r.Context(), &store.Terminal{
		ID:        req.TerminalID,
		ModelType: modelType,
		Status:    store.TerminalIdle,
		LastSeen:  now,
		CreatedAt: now,
	}); err != nil {
		s.logger.Error("upsert terminal", "terminal_id", req.TerminalID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	token, err := s.auth.IssueToken(req.TerminalID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	terminals, err := s.store.ListTerminals(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	type entry struct {
		store.Terminal
		Connection *gateway.Info `json:"connection,omitempty"`
	}
	out := make([]entry, 0, len(terminals))
	for _, t := range terminals {
		e := entry{Terminal: t}
		if info, ok := s.coord.ConnectionInfo(t.ID); ok {
			e.Connection = &info
		}
		out = append(out, e)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTerminal(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	if t == nil {
		s.writeError(w, http.StatusNotFound, "unknown terminal")
		return
	}

	resp := map[string]any{"terminal": t}
	if info, ok := s.coord.ConnectionInfo(id); ok {
		resp["connection"] = info
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Terminal1ID string `json:"terminal1_id"`
		Terminal2ID string `json:"terminal2_id"`
		Opening     string `json:"opening,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Terminal1ID == "" || req.Terminal2ID == "" {
		s.writeError(w, http.StatusBadRequest, "terminal1_id and terminal2_id are required")
		return
	}
	if req.Terminal1ID == req.Terminal2ID {
		s.writeError(w, http.StatusBadRequest, "a terminal cannot converse with itself")
		return
	}

	conv, err := s.convs.Start(r.Context(), req.Terminal1ID, req.Terminal2ID, req.Opening)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrRecipientNotRegistered):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, conversation.ErrTooManyConversations):
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			s.logger.Error("start conversation", "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not start conversation")
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListActiveConversations(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	s.writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.convs.End(r.Context(), id, store.ConversationEnded); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown conversation")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "could not end conversation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": store.ConversationEnded})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "after must be RFC3339")
			return
		}
		after = t
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.store.GetMessages(r.Context(), id, after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	senderID := r.Header.Get("X-Terminal-ID")

	var req struct {
		RecipientID    string `json:"recipient_id"`
		ConversationID string `json:"conversation_id,omitempty"`
		Content        string `json:"content"`
		Priority       string `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	var msgID string
	var err error
	if req.ConversationID != "" {
		msgID, err = s.convs.Route(r.Context(), req.ConversationID, senderID, req.Content, gateway.ParsePriority(req.Priority))
	} else {
		if req.RecipientID == "" {
			s.writeError(w, http.StatusBadRequest, "recipient_id is required")
			return
		}
		msgID, err = s.coord.Send(r.Context(), gateway.Submit{
			SenderID:    senderID,
			RecipientID: req.RecipientID,
			Content:     req.Content,
			Priority:    gateway.ParsePriority(req.Priority),
		})
	}
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msgID})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	senderID := r.Header.Get("X-Terminal-ID")

	var req struct {
		Content  string `json:"content"`
		Priority string `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	accepted, err := s.coord.Broadcast(r.Context(), senderID, req.Content, gateway.ParsePriority(req.Priority))
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"gateway":              stats,
		"active_conversations": s.convs.Active(),
	})
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrRateLimitExceeded):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, gateway.ErrRecipientNotRegistered), errors.Is(err, conversation.ErrConversationNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrShutdown), errors.Is(err, conversation.ErrConversationEnded):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("send failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "send failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
