package lane

import (
	"time"
)

// tokenBucket implements the per-interval rate limit. Refill is computed
// lazily from the clock so tests can drive it deterministically. Callers
// hold the lane lock; no internal locking needed.
type tokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per nanosecond
	tokens     float64
	last       time.Time
}

func newTokenBucket(cfg *RateLimitConfig, now time.Time) *tokenBucket {
	capacity := float64(cfg.Count)
	return &tokenBucket{
		capacity:   capacity,
		refillRate: capacity / float64(cfg.Interval),
		tokens:     capacity,
		last:       now,
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// available reports whether a token could be taken without consuming it.
func (b *tokenBucket) available(now time.Time) bool {
	b.refill(now)
	return b.tokens >= 1
}

// take consumes one token if available.
func (b *tokenBucket) take(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
