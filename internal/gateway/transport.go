package gateway

import "context"

// Transport is a bidirectional message channel to one terminal endpoint. The
// gateway receives it already accepted; implementations wrap a WebSocket or an
// in-memory pipe in tests.
//
// Send and Receive honor context cancellation and deadlines. Close must be
// idempotent: closing an already-closed transport is a no-op.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
	IsClosed() bool
}
