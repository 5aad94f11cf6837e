package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termvoid/termvoid/internal/gateway"
)

// wsTransport adapts a gorilla WebSocket connection to gateway.Transport.
// Writes are serialized through a mutex since multiple goroutines (the
// delivery worker, the heartbeat pinger, the read loop's acks) share the
// connection; reads happen only from the session's read loop.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

var _ gateway.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if t.IsClosed() {
		return gateway.ErrTransportClosed
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.markClosed()
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.IsClosed() {
		return nil, gateway.ErrTransportClosed
	}

	var deadline time.Time // zero means no deadline
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		t.markClosed()
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// Close sends a close frame with the given code and reason, then tears down
// the connection. Safe to call more than once.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.markClosed()
		msg := websocket.FormatCloseMessage(code, reason)
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) IsClosed() bool {
	t.closedMu.Lock()
	defer t.closedMu.Unlock()
	return t.closed
}

func (t *wsTransport) markClosed() {
	t.closedMu.Lock()
	t.closed = true
	t.closedMu.Unlock()
}
