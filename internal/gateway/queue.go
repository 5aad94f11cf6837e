package gateway

import (
	"container/heap"
	"sync"
	"time"
)

// DeliveryQueue is a bounded priority queue of envelopes for one recipient.
// Envelopes drain in priority order; within a priority, arrival order holds.
// Offer never blocks: at capacity it rejects instead of waiting.
type DeliveryQueue struct {
	mu      sync.Mutex
	heap    envelopeHeap
	cap     int
	nextSeq int64
	// frontSeq decreases so envelopes offered to the front keep their
	// relative order ahead of every normally offered envelope.
	frontSeq int64
}

func NewDeliveryQueue(capacity int) *DeliveryQueue {
	return &DeliveryQueue{cap: capacity}
}

// Offer enqueues an envelope. It reports false when the queue is full.
func (q *DeliveryQueue) Offer(env *Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.cap {
		return false
	}
	q.nextSeq++
	env.seq = q.nextSeq
	heap.Push(&q.heap, env)
	return true
}

// OfferFront enqueues an envelope ahead of all envelopes of equal priority
// already offered. Used when flushing a reconnected terminal's pending buffer
// so buffered messages keep their place in line. Callers flush the buffer in
// reverse arrival order so the earliest message drains first.
func (q *DeliveryQueue) OfferFront(env *Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.cap {
		return false
	}
	q.frontSeq--
	env.seq = q.frontSeq
	heap.Push(&q.heap, env)
	return true
}

// Drain removes and returns up to max envelopes that are ready for delivery,
// in priority-then-arrival order. Envelopes still inside a retry backoff are
// left queued. Drain never blocks; an empty result means nothing is ready.
func (q *DeliveryQueue) Drain(max int) []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []*Envelope
	var deferred []*Envelope
	for len(out) < max && q.heap.Len() > 0 {
		env := heap.Pop(&q.heap).(*Envelope)
		if env.notBefore.After(now) {
			deferred = append(deferred, env)
			continue
		}
		out = append(out, env)
	}
	for _, env := range deferred {
		heap.Push(&q.heap, env)
	}
	return out
}

// DrainAll removes and returns every queued envelope in priority-then-arrival
// order, ignoring retry backoff. Used when tearing a worker down.
func (q *DeliveryQueue) DrainAll() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Envelope, 0, len(q.heap))
	for q.heap.Len() > 0 {
		out = append(out, heap.Pop(&q.heap).(*Envelope))
	}
	return out
}

// Len returns the number of queued envelopes, including those in backoff.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Cap returns the queue capacity.
func (q *DeliveryQueue) Cap() int {
	return q.cap
}

type envelopeHeap []*Envelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) {
	*h = append(*h, x.(*Envelope))
}

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return env
}
