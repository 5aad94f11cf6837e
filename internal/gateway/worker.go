package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/pkg/protocol"
)

// WorkerConfig bounds one delivery worker's batch loop and retry policy.
type WorkerConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	DeliveryTimeout   time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// DeliveryWorker drains one terminal's queue and pushes envelopes over the
// terminal's transport. Each registered terminal gets exactly one worker, so
// the worker is the sole mutator of envelope state after submission.
type DeliveryWorker struct {
	terminalID string
	queue      *DeliveryQueue
	registry   *ConnectionRegistry
	cfg        WorkerConfig
	logger     *slog.Logger
	metrics    metrics.Recorder

	// respond generates and resubmits a reply for envelopes that await one.
	// It runs inside the delivery deadline.
	respond func(ctx context.Context, env *Envelope) error

	// onFinal observes every envelope reaching a terminal state.
	onFinal func(env *Envelope)
}

func NewDeliveryWorker(terminalID string, queue *DeliveryQueue, reg *ConnectionRegistry, cfg WorkerConfig, logger *slog.Logger, rec metrics.Recorder, respond func(context.Context, *Envelope) error, onFinal func(*Envelope)) *DeliveryWorker {
	return &DeliveryWorker{
		terminalID: terminalID,
		queue:      queue,
		registry:   reg,
		cfg:        cfg,
		logger:     logger.With("component", "worker", "terminal_id", terminalID),
		metrics:    rec,
		respond:    respond,
		onFinal:    onFinal,
	}
}

// Run processes the queue until ctx is done, then moves whatever is left into
// the terminal's pending buffer so nothing in flight is silently lost.
func (w *DeliveryWorker) Run(ctx context.Context) {
	defer w.drainToBuffer()
	for {
		batch := w.queue.Drain(w.cfg.BatchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
				continue
			}
		}
		for i, env := range batch {
			if ctx.Err() != nil {
				for _, rest := range batch[i:] {
					w.bufferPending(rest)
				}
				return
			}
			w.process(ctx, env)
		}
	}
}

func (w *DeliveryWorker) process(ctx context.Context, env *Envelope) {
	if env.Expired(time.Now()) {
		w.finalize(env, StateExpired)
		w.metrics.Increment("gateway.delivery.expired")
		w.logger.Debug("envelope expired", "message_id", env.ID, "age", time.Since(env.CreatedAt))
		return
	}

	conn := w.registry.Get(env.RecipientID)
	if conn == nil {
		w.finalize(env, StateFailed)
		w.metrics.Increment("gateway.delivery.failed")
		w.logger.Warn("recipient no longer registered", "message_id", env.ID, "recipient_id", env.RecipientID)
		return
	}

	t := conn.Transport()
	if t == nil {
		w.bufferPending(env)
		return
	}

	start := time.Now()
	err := w.deliver(ctx, t, env)
	if err != nil {
		w.retry(env, err)
		return
	}

	w.finalize(env, StateDelivered)
	w.metrics.Increment("gateway.delivery.delivered")
	w.metrics.Timing("gateway.delivery.latency", time.Since(start))
}

// deliver sends the envelope and, when a reply is awaited, generates and
// resubmits it, all within the delivery deadline.
func (w *DeliveryWorker) deliver(ctx context.Context, t Transport, env *Envelope) error {
	deliverCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	defer cancel()

	data, err := json.Marshal(protocol.Envelope{
		Type:      protocol.TypeMessage,
		ID:        env.ID,
		Timestamp: time.Now(),
		Payload: protocol.Message{
			MessageID:      env.ID,
			ConversationID: env.ConversationID,
			SenderID:       env.SenderID,
			RecipientID:    env.RecipientID,
			Content:        env.Payload,
			Priority:       env.Priority.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := t.Send(deliverCtx, data); err != nil {
		return fmt.Errorf("send to %s: %w", env.RecipientID, err)
	}

	if env.AwaitReply && w.respond != nil {
		if err := w.respond(deliverCtx, env); err != nil {
			// The message itself reached the recipient; a failed reply is
			// logged but does not fail or retry the delivery.
			w.metrics.Increment("gateway.delivery.reply_failed")
			w.logger.Warn("reply generation failed", "message_id", env.ID, "error", err)
		}
	}
	return nil
}

// retry charges the failure against the connection's retry budget, then
// requeues the envelope with exponential backoff or fails it once the attempt
// limit is reached. Exhausting the connection's budget closes its transport,
// so later attempts buffer instead of retrying a dead socket.
func (w *DeliveryWorker) retry(env *Envelope, cause error) {
	w.registry.MarkError(env.RecipientID)

	env.Attempts++
	if env.Attempts >= w.cfg.MaxRetries {
		w.finalize(env, StateFailed)
		w.metrics.Increment("gateway.delivery.failed")
		w.logger.Warn("delivery failed after retries", "message_id", env.ID,
			"attempts", env.Attempts, "error", cause)
		return
	}

	env.notBefore = time.Now().Add(w.backoff(env.Attempts))
	if !w.queue.Offer(env) {
		w.bufferPending(env)
		w.logger.Warn("retry queue full, message parked in pending buffer", "message_id", env.ID, "error", cause)
		return
	}
	w.metrics.Increment("gateway.delivery.retried")
	w.logger.Debug("delivery retry scheduled", "message_id", env.ID,
		"attempt", env.Attempts, "not_before", env.notBefore, "error", cause)
}

func (w *DeliveryWorker) backoff(attempts int) time.Duration {
	d := time.Duration(float64(w.cfg.BackoffBase) * math.Pow(w.cfg.BackoffMultiplier, float64(attempts)))
	if d > w.cfg.BackoffMax || d <= 0 {
		return w.cfg.BackoffMax
	}
	return d
}

// bufferPending parks the envelope in the recipient's pending buffer; it stays
// pending and is requeued on reconnect. A full buffer evicts its oldest entry,
// which is then expired.
func (w *DeliveryWorker) bufferPending(env *Envelope) {
	conn := w.registry.Get(env.RecipientID)
	if conn == nil {
		w.finalize(env, StateFailed)
		w.metrics.Increment("gateway.delivery.failed")
		return
	}
	if evicted := conn.Buffer(env); evicted != nil {
		w.finalize(evicted, StateExpired)
		w.metrics.Increment("gateway.buffer.evicted")
		w.logger.Warn("pending buffer full, evicted oldest", "terminal_id", env.RecipientID, "evicted_id", evicted.ID)
	}
	w.metrics.Increment("gateway.buffer.parked")
}

func (w *DeliveryWorker) drainToBuffer() {
	for _, env := range w.queue.DrainAll() {
		w.bufferPending(env)
	}
}

func (w *DeliveryWorker) finalize(env *Envelope, state EnvelopeState) {
	env.State = state
	if w.onFinal != nil {
		w.onFinal(env)
	}
}
