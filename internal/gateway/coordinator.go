package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termvoid/termvoid/internal/generate"
	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/pkg/protocol"
)

const queueHealthInterval = 5 * time.Second

// AuditLog is the slice of the persistence layer the coordinator writes to.
type AuditLog interface {
	AppendSystemLog(ctx context.Context, eventType string, fields map[string]any) error
	SetTerminalStatus(ctx context.Context, id, status string) error
}

// Options configures a SessionCoordinator. Zero values take the documented
// defaults.
type Options struct {
	HeartbeatInterval time.Duration // default 30s
	ReconnectTimeout  time.Duration // default 60s
	CleanupInterval   time.Duration // default 60s
	MaxRetries        int           // default 3
	QueueCapacity     int           // default 1000
	PendingBufferSize int           // default 1000
	MessageTimeout    time.Duration // default 30s
	DeliveryTimeout   time.Duration // default 30s
	BatchSize         int           // default 50
	PollInterval      time.Duration // default 100ms
	BackoffBase       time.Duration // default 1s
	BackoffMultiplier float64       // default 2
	BackoffMax        time.Duration // default 30s
	RateLimitWindow   time.Duration // default 60s
	RateLimitMax      int           // default 100

	Logger    *slog.Logger
	Metrics   metrics.Recorder
	Audit     AuditLog
	Generator generate.Generator

	// History supplies conversation context to the response generator.
	History func(ctx context.Context, conversationID string) ([]generate.Exchange, error)

	// OnReply observes generated replies after they are queued, so the
	// conversation layer can record them.
	OnReply func(ctx context.Context, conversationID, senderID, recipientID, content string)
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectTimeout == 0 {
		o.ReconnectTimeout = 60 * time.Second
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = 60 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = 1000
	}
	if o.PendingBufferSize == 0 {
		o.PendingBufferSize = 1000
	}
	if o.MessageTimeout == 0 {
		o.MessageTimeout = 30 * time.Second
	}
	if o.DeliveryTimeout == 0 {
		o.DeliveryTimeout = 30 * time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 50
	}
	if o.PollInterval == 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMultiplier == 0 {
		o.BackoffMultiplier = 2
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.RateLimitWindow == 0 {
		o.RateLimitWindow = 60 * time.Second
	}
	if o.RateLimitMax == 0 {
		o.RateLimitMax = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
}

// Submit is a message submission request.
type Submit struct {
	SenderID       string
	RecipientID    string
	ConversationID string
	Content        string
	Priority       Priority

	// AwaitReply asks the gateway to generate a response on behalf of the
	// recipient after delivery and route it back to the sender.
	AwaitReply bool
}

// SessionCoordinator owns the registries, rate limiter, heartbeat monitor and
// per-terminal delivery workers, and exposes the gateway's operations.
type SessionCoordinator struct {
	opts     Options
	registry *ConnectionRegistry
	limiter  *RateLimiter
	monitor  *HeartbeatMonitor
	tasks    *taskGroup
	logger   *slog.Logger
	metrics  metrics.Recorder

	mu      sync.Mutex
	workers map[string]*workerHandle
	warned  map[string]bool
	closed  bool

	shutdownOnce sync.Once
}

type workerHandle struct {
	queue  *DeliveryQueue
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSessionCoordinator(opts Options) *SessionCoordinator {
	opts.applyDefaults()
	c := &SessionCoordinator{
		opts:    opts,
		logger:  opts.Logger.With("component", "coordinator"),
		metrics: opts.Metrics,
		workers: make(map[string]*workerHandle),
		warned:  make(map[string]bool),
	}
	c.registry = NewConnectionRegistry(opts.PendingBufferSize, opts.MaxRetries, opts.Logger, opts.Metrics)
	c.limiter = NewRateLimiter(opts.RateLimitWindow, opts.RateLimitMax)
	c.monitor = NewHeartbeatMonitor(c.registry, opts.HeartbeatInterval, opts.ReconnectTimeout,
		opts.CleanupInterval, opts.Logger, opts.Metrics, c.teardownWorker)
	return c
}

// Start launches the supervised background loops. It must be called before
// Register; ctx cancellation stops everything Start began.
func (c *SessionCoordinator) Start(ctx context.Context) {
	c.tasks = newTaskGroup(ctx, c.logger)
	c.tasks.Go("heartbeat.pinger", c.monitor.RunPinger)
	c.tasks.Go("heartbeat.sweep", c.monitor.RunStalenessSweep)
	c.tasks.Go("heartbeat.cleanup", c.monitor.RunCleanup)
	c.tasks.Go("queue.health", c.runQueueHealth)
	c.tasks.Go("ratelimit.cleanup", func(ctx context.Context) {
		c.limiter.StartCleanup(ctx, c.opts.RateLimitWindow)
	})
}

// Register attaches a terminal's transport and starts its delivery worker. A
// terminal reconnecting after a drop gets its pending buffer requeued ahead
// of newer traffic.
func (c *SessionCoordinator) Register(ctx context.Context, terminalID string, t Transport) error {
	if c.isClosed() {
		return ErrShutdown
	}

	_, buffered, err := c.registry.Connect(terminalID, t)
	if err != nil {
		return err
	}

	c.mu.Lock()
	h, ok := c.workers[terminalID]
	if !ok {
		h = c.startWorker(terminalID)
	}
	c.mu.Unlock()

	// The buffer drains oldest first; front-offering in reverse puts the
	// oldest message at the head of its priority band.
	requeued := 0
	for i := len(buffered) - 1; i >= 0; i-- {
		if buffered[i].State != StatePending {
			continue
		}
		if !h.queue.OfferFront(buffered[i]) {
			buffered[i].State = StateExpired
			c.metrics.Increment("gateway.buffer.requeue_dropped")
			continue
		}
		requeued++
	}

	c.audit("terminal.connected", map[string]any{"terminal_id": terminalID, "requeued": requeued})
	c.setStatus(terminalID, "active")
	return nil
}

// startWorker creates the queue and worker loop for a terminal. Caller holds
// c.mu.
func (c *SessionCoordinator) startWorker(terminalID string) *workerHandle {
	queue := NewDeliveryQueue(c.opts.QueueCapacity)
	worker := NewDeliveryWorker(terminalID, queue, c.registry, WorkerConfig{
		BatchSize:         c.opts.BatchSize,
		PollInterval:      c.opts.PollInterval,
		DeliveryTimeout:   c.opts.DeliveryTimeout,
		MaxRetries:        c.opts.MaxRetries,
		BackoffBase:       c.opts.BackoffBase,
		BackoffMultiplier: c.opts.BackoffMultiplier,
		BackoffMax:        c.opts.BackoffMax,
	}, c.opts.Logger, c.metrics, c.respond, c.onFinal)

	wctx, cancel := context.WithCancel(c.tasks.ctx)
	h := &workerHandle{queue: queue, cancel: cancel, done: make(chan struct{})}
	c.workers[terminalID] = h
	c.tasks.Go("worker."+terminalID, func(context.Context) {
		defer close(h.done)
		worker.Run(wctx)
	})
	return h
}

// Unregister removes a terminal for good. With drain set, queued messages get
// up to the delivery timeout to flush before the worker stops.
func (c *SessionCoordinator) Unregister(ctx context.Context, terminalID string, drain bool) error {
	c.mu.Lock()
	h, ok := c.workers[terminalID]
	if ok {
		delete(c.workers, terminalID)
	}
	delete(c.warned, terminalID)
	c.mu.Unlock()

	if ok {
		if drain {
			c.awaitEmpty(ctx, h.queue)
		}
		h.cancel()
		<-h.done
	}

	dropped := c.registry.Remove(terminalID)
	for _, env := range dropped {
		env.State = StateFailed
	}

	c.audit("terminal.unregistered", map[string]any{"terminal_id": terminalID, "dropped": len(dropped)})
	c.setStatus(terminalID, "idle")
	c.logger.Info("terminal unregistered", "terminal_id", terminalID, "drained", drain, "dropped", len(dropped))
	return nil
}

func (c *SessionCoordinator) awaitEmpty(ctx context.Context, q *DeliveryQueue) {
	deadline := time.Now().Add(c.opts.DeliveryTimeout)
	for q.Len() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// Send submits a message for delivery. It returns the assigned message ID.
// Acceptance means queued, not delivered.
func (c *SessionCoordinator) Send(ctx context.Context, req Submit) (string, error) {
	if c.isClosed() {
		return "", ErrShutdown
	}
	if !c.limiter.Allow(req.SenderID) {
		c.metrics.Increment("gateway.send.rate_limited")
		return "", fmt.Errorf("sender %s: %w", req.SenderID, ErrRateLimitExceeded)
	}
	if c.registry.Get(req.RecipientID) == nil {
		return "", fmt.Errorf("recipient %s: %w", req.RecipientID, ErrRecipientNotRegistered)
	}

	env := &Envelope{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Payload:        req.Content,
		Priority:       req.Priority,
		CreatedAt:      time.Now(),
		Timeout:        c.opts.MessageTimeout,
		State:          StatePending,
		AwaitReply:     req.AwaitReply,
	}

	if err := c.enqueue(env); err != nil {
		return "", err
	}
	c.limiter.Record(req.SenderID)
	c.metrics.Increment("gateway.send.accepted")
	return env.ID, nil
}

// Broadcast enqueues the content for every registered terminal except the
// sender. It returns how many recipients accepted the message; individual
// failures are skipped, not retried.
func (c *SessionCoordinator) Broadcast(ctx context.Context, senderID, content string, p Priority) (int, error) {
	if c.isClosed() {
		return 0, ErrShutdown
	}
	if !c.limiter.Allow(senderID) {
		c.metrics.Increment("gateway.send.rate_limited")
		return 0, fmt.Errorf("sender %s: %w", senderID, ErrRateLimitExceeded)
	}

	accepted := 0
	for _, conn := range c.registry.Snapshot() {
		if conn.TerminalID == senderID {
			continue
		}
		env := &Envelope{
			ID:          uuid.New().String(),
			SenderID:    senderID,
			RecipientID: conn.TerminalID,
			Payload:     content,
			Priority:    p,
			CreatedAt:   time.Now(),
			Timeout:     c.opts.MessageTimeout,
			State:       StatePending,
		}
		if err := c.enqueue(env); err != nil {
			c.logger.Warn("broadcast enqueue failed", "recipient_id", conn.TerminalID, "error", err)
			continue
		}
		accepted++
	}
	c.limiter.Record(senderID)
	c.metrics.Increment("gateway.broadcast.sent")
	return accepted, nil
}

// enqueue offers the envelope to the recipient's queue. A full queue is a
// degrade, not a failure: the envelope is parked in the recipient's pending
// buffer and the submission still succeeds, reported by metric only.
func (c *SessionCoordinator) enqueue(env *Envelope) error {
	c.mu.Lock()
	h, ok := c.workers[env.RecipientID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("recipient %s: %w", env.RecipientID, ErrRecipientNotRegistered)
	}
	if h.queue.Offer(env) {
		return nil
	}

	conn := c.registry.Get(env.RecipientID)
	if conn == nil {
		return fmt.Errorf("recipient %s: %w", env.RecipientID, ErrRecipientNotRegistered)
	}
	if evicted := conn.Buffer(env); evicted != nil {
		evicted.State = StateExpired
		c.metrics.Increment("gateway.buffer.evicted")
	}
	c.metrics.Increment("gateway.queue.degraded")
	c.logger.Warn("delivery queue full, message parked in pending buffer",
		"recipient_id", env.RecipientID, "message_id", env.ID)
	return nil
}

// respond generates a reply on behalf of the envelope's recipient and routes
// it back to the sender as a fresh normal-priority message. Replies never
// await replies themselves, so a pair of terminals cannot loop.
func (c *SessionCoordinator) respond(ctx context.Context, env *Envelope) error {
	if c.opts.Generator == nil {
		return nil
	}

	gc := generate.Context{ConversationID: env.ConversationID, TerminalID: env.RecipientID}
	if c.opts.History != nil && env.ConversationID != "" {
		history, err := c.opts.History(ctx, env.ConversationID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		gc.History = history
	}

	reply, err := c.opts.Generator.Generate(ctx, generate.FormatPrompt(env.Payload, gc), gc)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	replyEnv := &Envelope{
		ID:             uuid.New().String(),
		ConversationID: env.ConversationID,
		SenderID:       env.RecipientID,
		RecipientID:    env.SenderID,
		Payload:        reply,
		Priority:       PriorityNormal,
		CreatedAt:      time.Now(),
		Timeout:        c.opts.MessageTimeout,
		State:          StatePending,
	}
	if err := c.enqueue(replyEnv); err != nil {
		return err
	}
	if c.opts.OnReply != nil {
		c.opts.OnReply(ctx, replyEnv.ConversationID, replyEnv.SenderID, replyEnv.RecipientID, reply)
	}
	c.metrics.Increment("gateway.replies.generated")
	return nil
}

// onFinal audits envelopes that never reached their recipient.
func (c *SessionCoordinator) onFinal(env *Envelope) {
	if env.State == StateDelivered {
		return
	}
	c.audit("message."+string(env.State), map[string]any{
		"message_id":   env.ID,
		"sender_id":    env.SenderID,
		"recipient_id": env.RecipientID,
		"attempts":     env.Attempts,
	})
}

// HandleTransportError records a transport-level failure for the terminal. It
// reports whether the terminal may still reconnect.
func (c *SessionCoordinator) HandleTransportError(terminalID string) bool {
	return c.registry.MarkError(terminalID)
}

// Disconnect closes the terminal's transport but keeps its registration so it
// can reconnect within the reconnect timeout.
func (c *SessionCoordinator) Disconnect(terminalID string, code int, reason string) {
	c.registry.Disconnect(terminalID, code, reason)
	c.setStatus(terminalID, "idle")
}

// TouchHeartbeat records liveness evidence for the terminal.
func (c *SessionCoordinator) TouchHeartbeat(terminalID string) {
	if conn := c.registry.Get(terminalID); conn != nil {
		conn.TouchHeartbeat()
	}
}

// ConnectionInfo returns a snapshot of the terminal's connection state.
func (c *SessionCoordinator) ConnectionInfo(terminalID string) (Info, bool) {
	conn := c.registry.Get(terminalID)
	if conn == nil {
		return Info{}, false
	}
	return conn.Info(), true
}

// Stats is a point-in-time view of the coordinator for the status API.
type Stats struct {
	Terminals   int            `json:"terminals"`
	Connections []Info         `json:"connections"`
	QueueDepths map[string]int `json:"queue_depths"`
}

func (c *SessionCoordinator) Stats() Stats {
	s := Stats{QueueDepths: make(map[string]int)}
	for _, conn := range c.registry.Snapshot() {
		s.Connections = append(s.Connections, conn.Info())
	}
	s.Terminals = len(s.Connections)

	c.mu.Lock()
	for id, h := range c.workers {
		s.QueueDepths[id] = h.queue.Len()
	}
	c.mu.Unlock()
	return s
}

// runQueueHealth gauges queue depth and warns once per queue when it crosses
// 80% of capacity, rearming after it falls back below.
func (c *SessionCoordinator) runQueueHealth(ctx context.Context) {
	ticker := time.NewTicker(queueHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkQueues()
		}
	}
}

func (c *SessionCoordinator) checkQueues() {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for id, h := range c.workers {
		depth := h.queue.Len()
		total += depth
		threshold := h.queue.Cap() * 8 / 10
		switch {
		case depth >= threshold && !c.warned[id]:
			c.warned[id] = true
			c.metrics.Increment("gateway.queue.pressure")
			c.logger.Warn("delivery queue under pressure", "terminal_id", id,
				"depth", depth, "capacity", h.queue.Cap())
		case depth < threshold && c.warned[id]:
			delete(c.warned, id)
		}
	}
	c.metrics.Gauge("gateway.queue.depth", float64(total))
	c.metrics.Gauge("gateway.connections.registered", float64(c.registry.Len()))
}

// teardownWorker stops the worker for a terminal the heartbeat cleanup has
// already removed from the registry.
func (c *SessionCoordinator) teardownWorker(terminalID string) {
	c.mu.Lock()
	h, ok := c.workers[terminalID]
	if ok {
		delete(c.workers, terminalID)
	}
	delete(c.warned, terminalID)
	c.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	c.setStatus(terminalID, "idle")
}

// Shutdown notifies connected terminals, stops every background task and
// closes all transports. It is idempotent; subsequent calls return
// immediately.
func (c *SessionCoordinator) Shutdown(timeout time.Duration) {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		notice, err := json.Marshal(protocol.Envelope{
			Type:      protocol.TypeShutdown,
			Timestamp: time.Now(),
		})
		if err == nil {
			for _, conn := range c.registry.Snapshot() {
				t := conn.Transport()
				if t == nil {
					continue
				}
				sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = t.Send(sendCtx, notice)
				cancel()
			}
		}

		if !c.tasks.Shutdown(timeout) {
			c.logger.Warn("shutdown timed out waiting for tasks")
		}

		for _, conn := range c.registry.Snapshot() {
			c.registry.Disconnect(conn.TerminalID, protocol.CloseGoingAway, "server shutdown")
		}

		c.audit("gateway.shutdown", map[string]any{"terminals": c.registry.Len()})
		c.logger.Info("coordinator shut down")
	})
}

func (c *SessionCoordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// audit writes a best-effort system log entry. Audit failures never affect
// the calling operation.
func (c *SessionCoordinator) audit(eventType string, fields map[string]any) {
	if c.opts.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.Audit.AppendSystemLog(ctx, eventType, fields); err != nil {
		c.logger.Debug("audit append failed", "event", eventType, "error", err)
	}
}

func (c *SessionCoordinator) setStatus(terminalID, status string) {
	if c.opts.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.Audit.SetTerminalStatus(ctx, terminalID, status); err != nil {
		c.logger.Debug("status update failed", "terminal_id", terminalID, "error", err)
	}
}
