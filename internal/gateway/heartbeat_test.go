package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/pkg/protocol"
)

func newTestMonitor(reg *ConnectionRegistry, onRemoved func(string)) *HeartbeatMonitor {
	return NewHeartbeatMonitor(reg, 30*time.Second, time.Minute, time.Minute,
		testLogger(), metrics.NewMemory(), onRemoved)
}

func TestMonitorPingsConnectedTerminals(t *testing.T) {
	reg := newTestRegistry(3)
	ft := newFakeTransport()
	reg.Connect("term-a", ft)

	disconnected := newFakeTransport()
	reg.Connect("term-b", disconnected)
	reg.Disconnect("term-b", protocol.CloseNormal, "drop")

	m := newTestMonitor(reg, nil)
	m.pingAll(context.Background())

	if ft.sentCount() != 1 {
		t.Fatalf("connected terminal got %d probes, want 1", ft.sentCount())
	}
	var wire protocol.Envelope
	if err := json.Unmarshal(ft.lastSent(), &wire); err != nil {
		t.Fatalf("unmarshal probe: %v", err)
	}
	if wire.Type != protocol.TypeHeartbeat {
		t.Fatalf("probe type = %s, want heartbeat", wire.Type)
	}
	if disconnected.sentCount() != 0 {
		t.Fatal("disconnected terminal should not be probed")
	}
}

func TestMonitorPingFailureChargesRetryBudget(t *testing.T) {
	reg := newTestRegistry(3)
	ft := newFakeTransport()
	ft.failSends = 100
	reg.Connect("term-a", ft)

	m := newTestMonitor(reg, nil)
	m.pingAll(context.Background())

	conn := reg.Get("term-a")
	if got := conn.State(); got != ConnReconnecting {
		t.Fatalf("state = %s, want reconnecting after a failed probe", got)
	}
	if got := conn.Info().Retries; got != 1 {
		t.Fatalf("retries = %d, want 1", got)
	}
}

func TestMonitorEscalatesSilentConnectionToDisconnect(t *testing.T) {
	reg := newTestRegistry(3)
	ft := newFakeTransport()
	ft.failSends = 100
	reg.Connect("term-a", ft)
	conn := reg.Get("term-a")

	m := newTestMonitor(reg, nil)
	m.pingAll(context.Background())
	if got := conn.State(); got != ConnReconnecting {
		t.Fatalf("state = %s, want reconnecting after the first failure", got)
	}

	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().Add(-5 * time.Minute)
	conn.mu.Unlock()

	m.sweep()
	if got := conn.State(); got != ConnReconnecting {
		t.Fatalf("state = %s, want still reconnecting with budget left", got)
	}

	m.sweep()
	if got := conn.State(); got != ConnDisconnected {
		t.Fatalf("state = %s, want disconnected after exhausting retries", got)
	}
	if !ft.IsClosed() || ft.closeCode != protocol.CloseInternalError {
		t.Fatalf("close code = %d (closed=%v), want %d", ft.closeCode, ft.IsClosed(), protocol.CloseInternalError)
	}
	if ft.closeReason != "max retries exceeded" {
		t.Fatalf("close reason = %q, want max retries exceeded", ft.closeReason)
	}
}

func TestMonitorSweepFailsStaleConnections(t *testing.T) {
	reg := newTestRegistry(3)
	reg.Connect("term-a", newFakeTransport())

	conn := reg.Get("term-a")
	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().Add(-5 * time.Minute)
	conn.mu.Unlock()

	m := newTestMonitor(reg, nil)
	m.sweep()

	if got := conn.State(); got != ConnReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}
}

func TestMonitorSweepIgnoresFreshConnections(t *testing.T) {
	reg := newTestRegistry(3)
	reg.Connect("term-a", newFakeTransport())

	m := newTestMonitor(reg, nil)
	m.sweep()

	if got := reg.Get("term-a").State(); got != ConnConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestMonitorCleanupReapsExpiredConnections(t *testing.T) {
	reg := newTestRegistry(3)
	reg.Connect("term-a", newFakeTransport())
	reg.Disconnect("term-a", protocol.CloseNormal, "drop")

	conn := reg.Get("term-a")
	conn.mu.Lock()
	conn.disconnectedAt = time.Now().Add(-5 * time.Minute)
	conn.mu.Unlock()

	var removed []string
	m := newTestMonitor(reg, func(id string) { removed = append(removed, id) })
	m.cleanup()

	if reg.Get("term-a") != nil {
		t.Fatal("expired terminal should have been removed")
	}
	if len(removed) != 1 || removed[0] != "term-a" {
		t.Fatalf("onRemoved calls = %v, want [term-a]", removed)
	}
}

func TestMonitorCleanupSparesRecentDisconnects(t *testing.T) {
	reg := newTestRegistry(3)
	reg.Connect("term-a", newFakeTransport())
	reg.Disconnect("term-a", protocol.CloseNormal, "drop")

	m := newTestMonitor(reg, func(string) { t.Fatal("nothing should be removed") })
	m.cleanup()

	if reg.Get("term-a") == nil {
		t.Fatal("recently disconnected terminal must keep its reconnect window")
	}
}
