package gateway

// pendingBuffer holds envelopes addressed to a terminal that is not currently
// connected. It is bounded; pushing past capacity evicts the oldest entry.
// Callers synchronize access through the owning connection's registry lock.
type pendingBuffer struct {
	items []*Envelope
	cap   int
}

func newPendingBuffer(capacity int) *pendingBuffer {
	return &pendingBuffer{cap: capacity}
}

// push appends an envelope, evicting the oldest when full. It returns the
// evicted envelope, or nil when nothing was dropped.
func (b *pendingBuffer) push(env *Envelope) *Envelope {
	var evicted *Envelope
	if len(b.items) >= b.cap {
		evicted = b.items[0]
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
	}
	b.items = append(b.items, env)
	return evicted
}

// drain returns all buffered envelopes in arrival order and resets the buffer.
func (b *pendingBuffer) drain() []*Envelope {
	out := b.items
	b.items = nil
	return out
}

func (b *pendingBuffer) len() int {
	return len(b.items)
}
