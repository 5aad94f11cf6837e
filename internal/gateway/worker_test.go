package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/pkg/protocol"
)

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         10,
		PollInterval:      2 * time.Millisecond,
		DeliveryTimeout:   time.Second,
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        10 * time.Millisecond,
	}
}

func startWorker(t *testing.T, reg *ConnectionRegistry, cfg WorkerConfig) (*DeliveryQueue, chan *Envelope) {
	t.Helper()
	q := NewDeliveryQueue(100)
	final := make(chan *Envelope, 16)
	w := NewDeliveryWorker("term-b", q, reg, cfg, testLogger(), metrics.NewMemory(), nil,
		func(e *Envelope) { final <- e })

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return q, final
}

func pendingEnv(id, content string) *Envelope {
	return &Envelope{
		ID:          id,
		SenderID:    "term-a",
		RecipientID: "term-b",
		Payload:     content,
		Priority:    PriorityNormal,
		CreatedAt:   time.Now(),
		Timeout:     time.Minute,
		State:       StatePending,
	}
}

func TestWorkerDeliversQueuedEnvelope(t *testing.T) {
	reg := newTestRegistry(3)
	ft := newFakeTransport()
	reg.Connect("term-b", ft)
	q, final := startWorker(t, reg, testWorkerConfig())

	q.Offer(pendingEnv("m1", "hello"))

	select {
	case e := <-final:
		if e.State != StateDelivered {
			t.Fatalf("state = %s, want delivered", e.State)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery never finished")
	}

	var wire protocol.Envelope
	if err := json.Unmarshal(ft.lastSent(), &wire); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if wire.Type != protocol.TypeMessage || wire.ID != "m1" {
		t.Fatalf("frame = %+v, want message m1", wire)
	}
}

func TestWorkerExpiresStaleEnvelope(t *testing.T) {
	reg := newTestRegistry(3)
	reg.Connect("term-b", newFakeTransport())
	q, final := startWorker(t, reg, testWorkerConfig())

	stale := pendingEnv("m1", "too late")
	stale.CreatedAt = time.Now().Add(-time.Millisecond)
	stale.Timeout = 0
	q.Offer(stale)

	select {
	case e := <-final:
		if e.State != StateExpired {
			t.Fatalf("state = %s, want expired", e.State)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry never happened")
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	reg := newTestRegistry(3)
	ft := newFakeTransport()
	ft.failSends = 100
	reg.Connect("term-b", ft)

	cfg := testWorkerConfig()
	cfg.MaxRetries = 3
	q, final := startWorker(t, reg, cfg)

	q.Offer(pendingEnv("m1", "doomed"))

	select {
	case e := <-final:
		if e.State != StateFailed {
			t.Fatalf("state = %s, want failed", e.State)
		}
		if e.Attempts != 3 {
			t.Fatalf("attempts = %d, want 3", e.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never failed")
	}

	// Each send failure also counts against the connection's retry budget.
	if got := reg.Get("term-b").State(); got != ConnDisconnected {
		t.Fatalf("connection state = %s, want disconnected after exhausting retries", got)
	}
	if ft.closeCode != protocol.CloseInternalError || ft.closeReason != "max retries exceeded" {
		t.Fatalf("close = (%d, %q), want (%d, max retries exceeded)", ft.closeCode, ft.closeReason, protocol.CloseInternalError)
	}
}

func TestWorkerBuffersWhenDisconnected(t *testing.T) {
	reg := newTestRegistry(3)
	reg.Connect("term-b", newFakeTransport())
	reg.Disconnect("term-b", protocol.CloseNormal, "drop")
	q, _ := startWorker(t, reg, testWorkerConfig())

	q.Offer(pendingEnv("m1", "park me"))

	conn := reg.Get("term-b")
	waitFor(t, time.Second, func() bool { return conn.PendingLen() == 1 })
}

func TestWorkerFailsWhenRecipientGone(t *testing.T) {
	reg := newTestRegistry(3)
	q, final := startWorker(t, reg, testWorkerConfig())

	q.Offer(pendingEnv("m1", "nobody home"))

	select {
	case e := <-final:
		if e.State != StateFailed {
			t.Fatalf("state = %s, want failed", e.State)
		}
	case <-time.After(time.Second):
		t.Fatal("envelope never failed")
	}
}

func TestWorkerBackoffGrowsAndCaps(t *testing.T) {
	reg := newTestRegistry(3)
	cfg := WorkerConfig{
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        5 * time.Second,
	}
	w := NewDeliveryWorker("term-b", NewDeliveryQueue(1), reg, cfg, testLogger(), metrics.NewMemory(), nil, nil)

	if got := w.backoff(1); got != 2*time.Second {
		t.Fatalf("backoff(1) = %v, want 2s", got)
	}
	if got := w.backoff(2); got != 4*time.Second {
		t.Fatalf("backoff(2) = %v, want 4s", got)
	}
	if got := w.backoff(10); got != 5*time.Second {
		t.Fatalf("backoff(10) = %v, want the cap", got)
	}
}
