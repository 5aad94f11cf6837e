package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/termvoid/termvoid/internal/gateway"
	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/internal/store"
)

// nullTransport accepts every send and never produces input.
type nullTransport struct {
	mu   sync.Mutex
	sent int
}

func (t *nullTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	return nil
}

func (t *nullTransport) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (t *nullTransport) Close(code int, reason string) error { return nil }
func (t *nullTransport) IsClosed() bool                      { return false }

func (t *nullTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

type fixture struct {
	mgr   *Manager
	store store.Store
	a, b  *nullTransport
}

func newFixture(t *testing.T, limits Limits) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mgr := NewManager(db, limits, logger, metrics.NewMemory())
	coord := gateway.NewSessionCoordinator(gateway.Options{
		HeartbeatInterval: time.Minute,
		MessageTimeout:    time.Minute,
		PollInterval:      2 * time.Millisecond,
		Logger:            logger,
		Metrics:           metrics.NewMemory(),
		History:           mgr.History,
		OnReply:           mgr.RecordReply,
	})
	mgr.Bind(coord)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		coord.Shutdown(time.Second)
		cancel()
	})

	f := &fixture{mgr: mgr, store: db, a: &nullTransport{}, b: &nullTransport{}}
	for id, tr := range map[string]*nullTransport{"term-a": f.a, "term-b": f.b} {
		now := time.Now().UTC()
		if err := db.UpsertTerminal(ctx, &store.Terminal{ID: id, ModelType: "stub", Status: store.TerminalIdle, LastSeen: now, CreatedAt: now}); err != nil {
			t.Fatalf("seed terminal %s: %v", id, err)
		}
		if err := coord.Register(ctx, id, tr); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestStartConversationRoutesOpening(t *testing.T) {
	f := newFixture(t, Limits{})
	ctx := context.Background()

	conv, err := f.mgr.Start(ctx, "term-a", "term-b", "hello void")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if conv.Status != store.ConversationActive {
		t.Fatalf("status = %s", conv.Status)
	}

	waitFor(t, time.Second, func() bool { return f.b.sentCount() == 1 })

	hist, err := f.mgr.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Content != "hello void" || hist[0].SenderID != "term-a" {
		t.Fatalf("history = %+v", hist)
	}

	stored, err := f.store.GetConversation(ctx, conv.ID)
	if err != nil || stored == nil {
		t.Fatalf("stored conversation: %+v, %v", stored, err)
	}
}

func TestStartRequiresRegisteredTerminals(t *testing.T) {
	f := newFixture(t, Limits{})
	_, err := f.mgr.Start(context.Background(), "term-a", "ghost", "hi")
	if !errors.Is(err, gateway.ErrRecipientNotRegistered) {
		t.Fatalf("err = %v, want ErrRecipientNotRegistered", err)
	}
}

func TestConversationLimit(t *testing.T) {
	f := newFixture(t, Limits{MaxConversations: 1})
	ctx := context.Background()

	if _, err := f.mgr.Start(ctx, "term-a", "term-b", ""); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := f.mgr.Start(ctx, "term-b", "term-a", "")
	if !errors.Is(err, ErrTooManyConversations) {
		t.Fatalf("err = %v, want ErrTooManyConversations", err)
	}
}

func TestRouteUnknownConversation(t *testing.T) {
	f := newFixture(t, Limits{})
	_, err := f.mgr.Route(context.Background(), "nope", "term-a", "hi", gateway.PriorityNormal)
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestRouteRejectsOutsider(t *testing.T) {
	f := newFixture(t, Limits{})
	ctx := context.Background()
	conv, err := f.mgr.Start(ctx, "term-a", "term-b", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := f.mgr.Route(ctx, conv.ID, "intruder", "hi", gateway.PriorityNormal); err == nil {
		t.Fatal("outsider should be rejected")
	}
}

func TestRouteAlternatesRecipients(t *testing.T) {
	f := newFixture(t, Limits{})
	ctx := context.Background()
	conv, err := f.mgr.Start(ctx, "term-a", "term-b", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := f.mgr.Route(ctx, conv.ID, "term-a", "to b", gateway.PriorityNormal); err != nil {
		t.Fatalf("route a->b: %v", err)
	}
	if _, err := f.mgr.Route(ctx, conv.ID, "term-b", "to a", gateway.PriorityNormal); err != nil {
		t.Fatalf("route b->a: %v", err)
	}

	waitFor(t, time.Second, func() bool { return f.b.sentCount() == 1 && f.a.sentCount() == 1 })

	msgs, err := f.store.GetMessages(ctx, conv.ID, time.Time{}, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("stored msgs = %d, %v", len(msgs), err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t, Limits{MaxHistory: 3})
	ctx := context.Background()
	conv, err := f.mgr.Start(ctx, "term-a", "term-b", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := f.mgr.Route(ctx, conv.ID, "term-a", content, gateway.PriorityNormal); err != nil {
			t.Fatalf("route %s: %v", content, err)
		}
	}

	hist, _ := f.mgr.History(ctx, conv.ID)
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	if hist[0].Content != "m3" || hist[2].Content != "m5" {
		t.Fatalf("history = %+v, want the newest three", hist)
	}
}

func TestEndConversation(t *testing.T) {
	f := newFixture(t, Limits{})
	ctx := context.Background()
	conv, err := f.mgr.Start(ctx, "term-a", "term-b", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.mgr.End(ctx, conv.ID, store.ConversationEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	if f.mgr.Active() != 0 {
		t.Fatal("conversation should be released")
	}

	stored, _ := f.store.GetConversation(ctx, conv.ID)
	if stored.Status != store.ConversationEnded {
		t.Fatalf("stored status = %s", stored.Status)
	}

	if _, err := f.mgr.Route(ctx, conv.ID, "term-a", "too late", gateway.PriorityNormal); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("route after end: %v", err)
	}
}

func TestReapIdleEndsStaleConversations(t *testing.T) {
	f := newFixture(t, Limits{IdleTimeout: time.Minute})
	ctx := context.Background()
	conv, err := f.mgr.Start(ctx, "term-a", "term-b", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.mgr.mu.Lock()
	f.mgr.convs[conv.ID].lastActivity = time.Now().Add(-time.Hour)
	f.mgr.mu.Unlock()

	f.mgr.reapIdle(ctx)

	if f.mgr.Active() != 0 {
		t.Fatal("idle conversation should be reaped")
	}
	stored, _ := f.store.GetConversation(ctx, conv.ID)
	if stored.Status != store.ConversationEnded {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestRecordReplyAppendsHistory(t *testing.T) {
	f := newFixture(t, Limits{})
	ctx := context.Background()
	conv, err := f.mgr.Start(ctx, "term-a", "term-b", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.mgr.RecordReply(ctx, conv.ID, "term-b", "term-a", "generated reply")

	hist, _ := f.mgr.History(ctx, conv.ID)
	if len(hist) != 1 || hist[0].SenderID != "term-b" {
		t.Fatalf("history = %+v", hist)
	}
	msgs, _ := f.store.GetMessages(ctx, conv.ID, time.Time{}, 10)
	if len(msgs) != 1 {
		t.Fatalf("stored msgs = %d, want 1", len(msgs))
	}
}
