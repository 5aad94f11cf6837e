package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/termvoid/termvoid/internal/gateway"
	"github.com/termvoid/termvoid/pkg/protocol"
)

// handleTerminalSocket authenticates the terminal, upgrades to WebSocket and
// runs the session read loop until the peer goes away.
func (s *Server) handleTerminalSocket(w http.ResponseWriter, r *http.Request) {
	terminalID := chi.URLParam(r, "id")

	token := r.URL.Query().Get("token")
	if token == "" {
		token = websocketBearer(r)
	}
	subject, err := s.auth.ValidateToken(token)
	if err != nil || subject != terminalID {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "terminal_id", terminalID, "error", err)
		return
	}

	t := newWSTransport(conn)
	if err := s.coord.Register(r.Context(), terminalID, t); err != nil {
		s.sendAck(t, false, err.Error())
		_ = t.Close(protocol.ClosePolicyError, err.Error())
		s.metrics.Increment("api.ws.register_rejected")
		s.logger.Warn("registration rejected", "terminal_id", terminalID, "error", err)
		return
	}
	s.sendAck(t, true, "")
	s.metrics.Increment("api.ws.sessions")
	s.logger.Info("terminal session opened", "terminal_id", terminalID)

	s.readLoop(terminalID, t)
}

func websocketBearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) sendAck(t gateway.Transport, ok bool, msg string) {
	data, err := json.Marshal(protocol.Envelope{
		Type:      protocol.TypeHelloAck,
		Timestamp: time.Now(),
		Payload:   protocol.HelloAck{OK: ok, Error: msg},
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.Send(ctx, data)
}

// readLoop is the sole reader for the session. Inbound heartbeats refresh
// liveness; inbound messages are submitted to the delivery pipeline and
// answered with a submission ack.
func (s *Server) readLoop(terminalID string, t *wsTransport) {
	ctx := context.Background()
	for {
		data, err := t.Receive(ctx)
		if err != nil {
			s.handleReadError(terminalID, err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.metrics.Increment("api.ws.malformed")
			s.logger.Debug("malformed frame", "terminal_id", terminalID, "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeHeartbeat, protocol.TypeHeartbeatAck:
			s.coord.TouchHeartbeat(terminalID)
			if env.Type == protocol.TypeHeartbeat {
				s.sendHeartbeatAck(t)
			}
		case protocol.TypeHello:
			// Registration already happened on upgrade; a late hello just
			// refreshes liveness.
			s.coord.TouchHeartbeat(terminalID)
		case protocol.TypeMessage:
			s.handleInboundMessage(terminalID, t, env)
		default:
			s.metrics.Increment("api.ws.unknown_type")
			s.logger.Debug("unknown frame type", "terminal_id", terminalID, "type", env.Type)
		}
	}
}

func (s *Server) sendHeartbeatAck(t gateway.Transport) {
	data, err := json.Marshal(protocol.Envelope{
		Type:      protocol.TypeHeartbeatAck,
		Timestamp: time.Now(),
		Payload:   protocol.Heartbeat{Timestamp: time.Now()},
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.Send(ctx, data)
}

func (s *Server) handleInboundMessage(terminalID string, t gateway.Transport, env protocol.Envelope) {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		s.sendMessageAck(t, env.ID, false, "malformed payload")
		return
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Content == "" {
		s.sendMessageAck(t, env.ID, false, "malformed payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var msgID string
	if msg.ConversationID != "" {
		msgID, err = s.convs.Route(ctx, msg.ConversationID, terminalID, msg.Content, gateway.ParsePriority(msg.Priority))
	} else if msg.RecipientID != "" {
		msgID, err = s.coord.Send(ctx, gateway.Submit{
			SenderID:    terminalID,
			RecipientID: msg.RecipientID,
			Content:     msg.Content,
			Priority:    gateway.ParsePriority(msg.Priority),
		})
	} else {
		err = errors.New("recipient_id or conversation_id required")
	}
	if err != nil {
		s.sendMessageAck(t, env.ID, false, err.Error())
		return
	}
	s.sendMessageAck(t, msgID, true, "")
}

func (s *Server) sendMessageAck(t gateway.Transport, messageID string, accepted bool, msg string) {
	data, err := json.Marshal(protocol.Envelope{
		Type:      protocol.TypeMessageAck,
		ID:        messageID,
		Timestamp: time.Now(),
		Payload:   protocol.MessageAck{MessageID: messageID, Accepted: accepted, Error: msg},
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.Send(ctx, data)
}

// handleReadError distinguishes a clean client close from a dropped
// connection. Clean closes disconnect; drops leave the terminal eligible to
// reconnect within the reconnect window.
func (s *Server) handleReadError(terminalID string, err error) {
	if websocket.IsCloseError(errors.Unwrap(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.coord.Disconnect(terminalID, protocol.CloseNormal, "client closed")
		s.logger.Info("terminal session closed", "terminal_id", terminalID)
		return
	}
	s.metrics.Increment("api.ws.read_errors")
	s.logger.Warn("terminal session dropped", "terminal_id", terminalID, "error", err)
	s.coord.HandleTransportError(terminalID)
}
