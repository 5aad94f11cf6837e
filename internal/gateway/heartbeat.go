package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/pkg/protocol"
)

// HeartbeatMonitor probes connected terminals and reaps the ones that stop
// answering. Three loops run under the coordinator's task group:
//
//   - the pinger sends a heartbeat probe every interval; a failed probe
//     counts against the connection's retry budget
//   - the staleness sweep fails connections quiet for two intervals, and
//     keeps escalating them every interval until the budget runs out
//   - the cleanup removes connections that never reconnected in time
type HeartbeatMonitor struct {
	registry         *ConnectionRegistry
	interval         time.Duration
	reconnectTimeout time.Duration
	cleanupInterval  time.Duration
	logger           *slog.Logger
	metrics          metrics.Recorder

	// onRemoved lets the owner tear down per-terminal delivery state when
	// the cleanup gives up on a connection.
	onRemoved func(terminalID string)
}

func NewHeartbeatMonitor(reg *ConnectionRegistry, interval, reconnectTimeout, cleanupInterval time.Duration, logger *slog.Logger, rec metrics.Recorder, onRemoved func(string)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry:         reg,
		interval:         interval,
		reconnectTimeout: reconnectTimeout,
		cleanupInterval:  cleanupInterval,
		logger:           logger.With("component", "heartbeat"),
		metrics:          rec,
		onRemoved:        onRemoved,
	}
}

// RunPinger sends a heartbeat probe to every connected terminal each
// interval until ctx is done.
func (m *HeartbeatMonitor) RunPinger(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pingAll(ctx)
		}
	}
}

func (m *HeartbeatMonitor) pingAll(ctx context.Context) {
	probe, err := json.Marshal(protocol.Envelope{
		Type:      protocol.TypeHeartbeat,
		Timestamp: time.Now(),
		Payload:   protocol.Heartbeat{Timestamp: time.Now()},
	})
	if err != nil {
		m.logger.Error("marshal heartbeat", "error", err)
		return
	}

	for _, conn := range m.registry.Snapshot() {
		t := conn.Transport()
		if t == nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, m.interval)
		err := t.Send(sendCtx, probe)
		cancel()
		if err != nil {
			m.metrics.Increment("gateway.heartbeat.send_failed")
			m.logger.Warn("heartbeat send failed", "terminal_id", conn.TerminalID, "error", err)
			m.registry.MarkError(conn.TerminalID)
		}
	}
}

// RunStalenessSweep periodically fails connections whose last heartbeat is
// older than twice the probe interval.
func (m *HeartbeatMonitor) RunStalenessSweep(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *HeartbeatMonitor) sweep() {
	cutoff := time.Now().Add(-2 * m.interval)
	for _, conn := range m.registry.staleSince(cutoff) {
		m.metrics.Increment("gateway.heartbeat.stale")
		m.logger.Warn("heartbeat timeout", "terminal_id", conn.TerminalID,
			"last_heartbeat", conn.LastHeartbeat(), "error", errHeartbeatTimeout)
		m.registry.MarkError(conn.TerminalID)
	}
}

// RunCleanup removes connections that stayed disconnected past the reconnect
// timeout, forwarding each removal to the onRemoved callback.
func (m *HeartbeatMonitor) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *HeartbeatMonitor) cleanup() {
	cutoff := time.Now().Add(-m.reconnectTimeout)
	for _, conn := range m.registry.expiredSince(cutoff) {
		dropped := m.registry.Remove(conn.TerminalID)
		m.metrics.Increment("gateway.connections.reaped")
		m.logger.Info("reaped disconnected terminal", "terminal_id", conn.TerminalID, "buffered_dropped", len(dropped))
		if m.onRemoved != nil {
			m.onRemoved(conn.TerminalID)
		}
	}
}
