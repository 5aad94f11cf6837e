package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/pkg/protocol"
)

// ConnState is the lifecycle state of a terminal's connection.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnReconnecting ConnState = "reconnecting"
	ConnError        ConnState = "error"
)

// Connection tracks one terminal's transport, lifecycle state and pending
// buffer. Fields are guarded by the connection's own mutex; the registry lock
// only covers the terminal map.
type Connection struct {
	TerminalID string

	mu             sync.Mutex
	transport      Transport
	state          ConnState
	lastHeartbeat  time.Time
	connectedAt    time.Time
	disconnectedAt time.Time
	retries        int
	pending        *pendingBuffer
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transport returns the transport while the connection is addressable:
// connected, or reconnecting with the socket still open. Delivery keeps
// retrying an errored connection until its retry budget runs out; messages
// buffer once the terminal is disconnected or the socket is closed.
func (c *Connection) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConnConnected && c.state != ConnReconnecting {
		return nil
	}
	if c.transport == nil || c.transport.IsClosed() {
		return nil
	}
	return c.transport
}

// TouchHeartbeat records liveness evidence for the connection.
func (c *Connection) TouchHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time of the most recent liveness evidence.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Buffer stores an envelope for delivery after reconnect. It returns the
// envelope evicted to make room, or nil when the buffer had capacity.
func (c *Connection) Buffer(env *Envelope) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.push(env)
}

// PendingLen returns the number of buffered envelopes.
func (c *Connection) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.len()
}

// Info is a point-in-time view of a connection for status reporting.
type Info struct {
	TerminalID      string    `json:"terminal_id"`
	State           ConnState `json:"state"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	Retries         int       `json:"retries"`
	PendingBuffered int       `json:"pending_buffered"`
}

// Info returns a snapshot of the connection's state.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		TerminalID:      c.TerminalID,
		State:           c.state,
		ConnectedAt:     c.connectedAt,
		LastHeartbeat:   c.lastHeartbeat,
		Retries:         c.retries,
		PendingBuffered: c.pending.len(),
	}
}

// ConnectionRegistry maps terminal IDs to connections. It owns the
// registration, reconnect and disconnect transitions.
type ConnectionRegistry struct {
	mu         sync.RWMutex
	conns      map[string]*Connection
	bufferSize int
	maxRetries int
	logger     *slog.Logger
	metrics    metrics.Recorder
}

func NewConnectionRegistry(bufferSize, maxRetries int, logger *slog.Logger, rec metrics.Recorder) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:      make(map[string]*Connection),
		bufferSize: bufferSize,
		maxRetries: maxRetries,
		logger:     logger.With("component", "registry"),
		metrics:    rec,
	}
}

// Connect attaches a transport for the terminal. A fresh terminal gets a new
// connection; a disconnected or reconnecting terminal is reattached and its
// pending buffer is drained and returned for requeueing. A terminal with a
// live transport cannot connect again.
func (r *ConnectionRegistry) Connect(terminalID string, t Transport) (*Connection, []*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[terminalID]
	if !ok {
		conn = &Connection{
			TerminalID:    terminalID,
			transport:     t,
			state:         ConnConnected,
			lastHeartbeat: time.Now(),
			connectedAt:   time.Now(),
			pending:       newPendingBuffer(r.bufferSize),
		}
		r.conns[terminalID] = conn
		r.metrics.Increment("gateway.connections.registered")
		r.logger.Info("terminal registered", "terminal_id", terminalID)
		return conn, nil, nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.state == ConnConnected && !conn.transport.IsClosed() {
		return nil, nil, fmt.Errorf("terminal %s: %w", terminalID, ErrAlreadyConnected)
	}

	conn.transport = t
	conn.state = ConnConnected
	conn.lastHeartbeat = time.Now()
	conn.connectedAt = time.Now()
	conn.retries = 0
	buffered := conn.pending.drain()

	r.metrics.Increment("gateway.connections.reconnected")
	r.logger.Info("terminal reconnected", "terminal_id", terminalID, "buffered", len(buffered))
	return conn, buffered, nil
}

// Disconnect moves the terminal to the disconnected state and closes its
// transport. It is idempotent; disconnecting an unknown or already
// disconnected terminal is a no-op.
func (r *ConnectionRegistry) Disconnect(terminalID string, code int, reason string) {
	r.mu.RLock()
	conn, ok := r.conns[terminalID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	if conn.state == ConnDisconnected {
		conn.mu.Unlock()
		return
	}
	conn.state = ConnDisconnected
	conn.disconnectedAt = time.Now()
	t := conn.transport
	conn.mu.Unlock()

	if t != nil {
		_ = t.Close(code, reason)
	}
	r.metrics.Increment("gateway.connections.disconnected")
	r.logger.Info("terminal disconnected", "terminal_id", terminalID, "code", code, "reason", reason)
}

// MarkError records a delivery or liveness failure for the terminal. Up to
// the retry limit the connection moves to reconnecting and keeps buffering;
// past it the connection is closed for good. The return value reports whether
// the connection is still eligible to reconnect.
func (r *ConnectionRegistry) MarkError(terminalID string) bool {
	r.mu.RLock()
	conn, ok := r.conns[terminalID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	conn.mu.Lock()
	conn.state = ConnError
	conn.retries++
	retries := conn.retries
	t := conn.transport
	if retries >= r.maxRetries {
		conn.state = ConnDisconnected
		conn.disconnectedAt = time.Now()
	} else {
		conn.state = ConnReconnecting
		conn.disconnectedAt = time.Now()
	}
	conn.mu.Unlock()

	if retries >= r.maxRetries {
		if t != nil {
			_ = t.Close(protocol.CloseInternalError, "max retries exceeded")
		}
		r.metrics.Increment("gateway.connections.retry_exhausted")
		r.logger.Warn("terminal exceeded retry limit", "terminal_id", terminalID, "retries", retries)
		return false
	}

	r.metrics.Increment("gateway.connections.errors")
	r.logger.Warn("terminal connection error", "terminal_id", terminalID, "retries", retries)
	return true
}

// Get returns the connection for a terminal, or nil when unknown.
func (r *ConnectionRegistry) Get(terminalID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[terminalID]
}

// Remove drops the terminal from the registry entirely. Buffered envelopes
// are returned so the caller can account for them.
func (r *ConnectionRegistry) Remove(terminalID string) []*Envelope {
	r.mu.Lock()
	conn, ok := r.conns[terminalID]
	if ok {
		delete(r.conns, terminalID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	conn.mu.Lock()
	t := conn.transport
	buffered := conn.pending.drain()
	conn.state = ConnDisconnected
	conn.mu.Unlock()

	if t != nil && !t.IsClosed() {
		_ = t.Close(protocol.CloseNormal, "unregistered")
	}
	r.logger.Info("terminal removed", "terminal_id", terminalID, "buffered_dropped", len(buffered))
	return buffered
}

// Snapshot returns all connections for iteration outside the registry lock.
func (r *ConnectionRegistry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered terminals.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// staleSince reports connections whose last heartbeat is older than the
// cutoff. Reconnecting connections are included so repeated sweeps keep
// escalating a silent connection until its retry budget runs out.
func (r *ConnectionRegistry) staleSince(cutoff time.Time) []*Connection {
	var out []*Connection
	for _, c := range r.Snapshot() {
		c.mu.Lock()
		if (c.state == ConnConnected || c.state == ConnReconnecting) && c.lastHeartbeat.Before(cutoff) {
			out = append(out, c)
		}
		c.mu.Unlock()
	}
	return out
}

// expiredSince reports connections that have been disconnected or waiting to
// reconnect since before the cutoff.
func (r *ConnectionRegistry) expiredSince(cutoff time.Time) []*Connection {
	var out []*Connection
	for _, c := range r.Snapshot() {
		c.mu.Lock()
		if (c.state == ConnDisconnected || c.state == ConnReconnecting) && !c.disconnectedAt.IsZero() && c.disconnectedAt.Before(cutoff) {
			out = append(out, c)
		}
		c.mu.Unlock()
	}
	return out
}
