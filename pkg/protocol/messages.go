// Package protocol defines the wire protocol messages exchanged between
// terminal endpoints and the termvoid gateway over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // message ID for idempotency
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Message types.
const (
	TypeHello         = "hello"
	TypeHelloAck      = "hello.ack"
	TypeMessage       = "message"
	TypeMessageAck    = "message.ack"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat.ack"
	TypeErrorResponse = "error"
	TypeShutdown      = "server.shutdown"
)

// Hello is sent by a terminal immediately after connecting.
type Hello struct {
	TerminalID string            `json:"terminal_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HelloAck is the gateway's response to Hello.
type HelloAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Message carries application text between terminals.
type Message struct {
	MessageID      string `json:"message_id,omitempty"` // assigned by the gateway on submission
	ConversationID string `json:"conversation_id,omitempty"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Content        string `json:"content"`
	Priority       string `json:"priority,omitempty"` // "high", "normal" (default), "low"
}

// MessageAck confirms submission of a message. It acknowledges that the
// gateway accepted the message for delivery, not that it was delivered:
// ultimate disposition is observable only via the status API or metrics.
type MessageAck struct {
	MessageID string `json:"message_id"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// Heartbeat is a liveness probe. The gateway sends it periodically; terminals
// answer with the heartbeat.ack type using the same payload shape.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse reports a request-level failure to a terminal.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Close codes used when the gateway closes a terminal connection.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001 // server shutdown
	ClosePolicyError   = 1008
	CloseInternalError = 1011 // max retries exceeded
)
