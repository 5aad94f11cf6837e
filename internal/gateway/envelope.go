package gateway

import (
	"time"
)

// Priority orders envelopes within a delivery queue. Lower values drain first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a wire-level priority string to a Priority. Unknown
// values default to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// EnvelopeState is the delivery lifecycle state of an envelope. Transitions
// are monotone: pending moves to exactly one of delivered, failed or expired
// and never back. An application-level resend creates a new envelope.
type EnvelopeState string

const (
	StatePending   EnvelopeState = "pending"
	StateDelivered EnvelopeState = "delivered"
	StateFailed    EnvelopeState = "failed"
	StateExpired   EnvelopeState = "expired"
)

// Envelope is a message plus its delivery metadata. After submission it is
// mutated only by the delivery worker that owns its recipient's queue.
type Envelope struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Payload        string
	Priority       Priority
	CreatedAt      time.Time
	Timeout        time.Duration
	State          EnvelopeState
	Attempts       int

	// AwaitReply marks an inbound message whose delivery includes invoking
	// the response generator on behalf of the recipient.
	AwaitReply bool

	// notBefore gates retry backoff: Drain skips the envelope until this
	// time has passed.
	notBefore time.Time

	// seq is the arrival order within a queue, assigned on offer.
	seq int64
}

// Expired reports whether the envelope has outlived its timeout. A zero
// timeout expires as soon as any time has elapsed since creation.
func (e *Envelope) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.Timeout
}
