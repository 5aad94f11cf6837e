package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func env(id string, p Priority) *Envelope {
	return &Envelope{ID: id, Priority: p, CreatedAt: time.Now(), Timeout: time.Minute, State: StatePending}
}

func TestQueuePriorityThenArrival(t *testing.T) {
	q := NewDeliveryQueue(10)
	q.Offer(env("n1", PriorityNormal))
	q.Offer(env("h1", PriorityHigh))
	q.Offer(env("l1", PriorityLow))
	q.Offer(env("h2", PriorityHigh))
	q.Offer(env("n2", PriorityNormal))

	got := q.Drain(10)
	want := []string{"h1", "h2", "n1", "n2", "l1"}
	if len(got) != len(want) {
		t.Fatalf("drained %d envelopes, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, w)
		}
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewDeliveryQueue(2)
	if !q.Offer(env("a", PriorityNormal)) || !q.Offer(env("b", PriorityNormal)) {
		t.Fatal("offers under capacity should succeed")
	}
	if q.Offer(env("c", PriorityNormal)) {
		t.Fatal("offer at capacity should be rejected")
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
}

func TestQueueOfferFrontPrecedesEqualPriority(t *testing.T) {
	q := NewDeliveryQueue(10)
	q.Offer(env("new1", PriorityNormal))
	q.Offer(env("high", PriorityHigh))

	// Requeue two buffered messages; flushed in reverse arrival order, so
	// "old1" (offered last) must drain before "old2".
	q.OfferFront(env("old2", PriorityNormal))
	q.OfferFront(env("old1", PriorityNormal))

	got := q.Drain(10)
	want := []string{"high", "old1", "old2", "new1"}
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, w)
		}
	}
}

func TestQueueDrainRespectsBatchLimit(t *testing.T) {
	q := NewDeliveryQueue(10)
	for i := 0; i < 5; i++ {
		q.Offer(env(fmt.Sprintf("m%d", i), PriorityNormal))
	}
	if got := len(q.Drain(3)); got != 3 {
		t.Fatalf("drained %d, want 3", got)
	}
	if q.Len() != 2 {
		t.Fatalf("remaining %d, want 2", q.Len())
	}
}

func TestQueueDrainSkipsBackoff(t *testing.T) {
	q := NewDeliveryQueue(10)
	held := env("held", PriorityHigh)
	held.notBefore = time.Now().Add(time.Hour)
	q.Offer(held)
	q.Offer(env("ready", PriorityNormal))

	got := q.Drain(10)
	if len(got) != 1 || got[0].ID != "ready" {
		t.Fatalf("drain = %v, want just the ready envelope", got)
	}
	if q.Len() != 1 {
		t.Fatal("held envelope should remain queued")
	}
}

func TestQueueDrainAllIgnoresBackoff(t *testing.T) {
	q := NewDeliveryQueue(10)
	held := env("held", PriorityNormal)
	held.notBefore = time.Now().Add(time.Hour)
	q.Offer(held)
	q.Offer(env("ready", PriorityNormal))

	if got := len(q.DrainAll()); got != 2 {
		t.Fatalf("DrainAll returned %d, want 2", got)
	}
	if q.Len() != 0 {
		t.Fatal("queue should be empty after DrainAll")
	}
}

func TestQueueOrderingProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("drain order is priority-sorted and FIFO within priority",
		prop.ForAll(func(priorities []int) bool {
			q := NewDeliveryQueue(len(priorities) + 1)
			for i, p := range priorities {
				q.Offer(env(fmt.Sprintf("m%d", i), Priority(p)))
			}
			drained := q.Drain(len(priorities) + 1)
			if len(drained) != len(priorities) {
				return false
			}
			for i := 1; i < len(drained); i++ {
				prev, cur := drained[i-1], drained[i]
				if prev.Priority > cur.Priority {
					return false
				}
				if prev.Priority == cur.Priority && prev.seq > cur.seq {
					return false
				}
			}
			return true
		}, gen.SliceOf(gen.IntRange(0, 2))))

	properties.TestingRun(t)
}
