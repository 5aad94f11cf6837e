package gateway

import "errors"

// Caller-facing errors returned synchronously by Register, Send and friends.
// Delivery-path failures (transport errors, generation timeouts, expiry) never
// surface here; they mutate envelope and connection state and emit metrics.
// A full delivery queue is not an error: the submission degrades to the
// recipient's pending buffer and is reported by metric only.
var (
	ErrAlreadyConnected       = errors.New("terminal already connected")
	ErrRecipientNotRegistered = errors.New("recipient terminal not registered")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrTransportClosed        = errors.New("transport closed")
	ErrShutdown               = errors.New("gateway is shut down")
)

// errHeartbeatTimeout drives reconnect handling inside the monitor; it is
// never returned to callers.
var errHeartbeatTimeout = errors.New("heartbeat timeout")
