package gateway

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const rateLimiterShards = 16

// RateLimiter is a sliding-window counter per sender identity. State is
// sharded by identity hash so concurrent senders do not contend on one lock.
type RateLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu   sync.Mutex
	byID map[string][]time.Time
}

// NewRateLimiter creates a limiter allowing max operations per identity
// within a rolling window.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	rl := &RateLimiter{window: window, max: max, now: time.Now}
	for i := range rl.shards {
		rl.shards[i].byID = make(map[string][]time.Time)
	}
	return rl
}

func (rl *RateLimiter) shard(identity string) *rateLimiterShard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return &rl.shards[h.Sum32()%rateLimiterShards]
}

// Allow reports whether the identity may perform another operation. It purges
// timestamps outside the window but records nothing; pair with Record on
// acceptance.
func (rl *RateLimiter) Allow(identity string) bool {
	s := rl.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := rl.purgeLocked(s, identity)
	return len(kept) < rl.max
}

// Record appends the current timestamp for the identity.
func (rl *RateLimiter) Record(identity string) {
	s := rl.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[identity] = append(rl.purgeLocked(s, identity), rl.now())
}

// purgeLocked drops timestamps older than the window and stores the result.
func (rl *RateLimiter) purgeLocked(s *rateLimiterShard, identity string) []time.Time {
	cutoff := rl.now().Add(-rl.window)
	stamps := s.byID[identity]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0:0], stamps[i:]...)
		if len(stamps) == 0 {
			delete(s.byID, identity)
		} else {
			s.byID[identity] = stamps
		}
	}
	return stamps
}

// cleanup removes identities with no activity inside the window.
func (rl *RateLimiter) cleanup() {
	cutoff := rl.now().Add(-rl.window)
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for id, stamps := range s.byID {
			if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
				delete(s.byID, id)
			}
		}
		s.mu.Unlock()
	}
}

// StartCleanup periodically removes stale identities until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}
