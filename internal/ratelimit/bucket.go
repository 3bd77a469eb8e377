package ratelimit

import (
	"math"
	"time"
)

// bucket is a token bucket: it holds up to capacity tokens and refills at rate tokens per second.
// It is not safe for concurrent use; MemoryStore guards it.
type bucket struct {
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time
}

func newBucket(capacity, rate float64, now time.Time) *bucket {
	return &bucket{capacity: capacity, rate: rate, tokens: capacity, lastRefill: now}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
}

// take consumes one token if available.
func (b *bucket) take(now time.Time) Decision {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}
	return Decision{Remaining: b.tokens, RetryAfter: waitFor(b.tokens, b.rate)}
}

// full reports whether the bucket has refilled to capacity, meaning it can be dropped.
func (b *bucket) full(now time.Time) bool {
	b.refill(now)
	return b.tokens >= b.capacity
}

// waitFor is the time until one token is available.
func waitFor(tokens, rate float64) time.Duration {
	if tokens >= 1 || rate <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / rate * float64(time.Second))
}
