package ratelimit

import (
	"context"
	"log"
	"math"
	"time"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until a token is available; zero when Allowed.
	RetryAfter time.Duration
}

// Store keeps token buckets keyed by caller. MemoryStore serves a single
// instance; RedisStore shares buckets between instances.
type Store interface {
	Take(ctx context.Context, key string, capacity, rate float64) (Decision, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Config holds the per-user limits.
type Config struct {
	Store Store
	// RequestsPerSecond is the sustained rate, Burst the bucket capacity.
	RequestsPerSecond float64
	Burst             float64
	Logger            *log.Logger
}

// Limiter applies one token bucket per user.
type Limiter struct {
	store    Store
	capacity float64
	rate     float64
	logger   *log.Logger
}

const (
	defaultRequestsPerSecond = 1
	defaultBurst             = 10
)

// NewLimiter builds a Limiter, defaulting to a MemoryStore.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst < 1 {
		cfg.Burst = math.Max(defaultBurst, math.Ceil(cfg.RequestsPerSecond))
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, capacity: cfg.Burst, rate: cfg.RequestsPerSecond, logger: cfg.Logger}
}

// Allow checks and consumes one token for userID. An empty userID is never
// limited, and a failing store lets the request through.
func (l *Limiter) Allow(ctx context.Context, userID string) Decision {
	if userID == "" {
		return Decision{Allowed: true, Remaining: l.capacity}
	}
	d, err := l.store.Take(ctx, userKey(userID), l.capacity, l.rate)
	if err != nil {
		if l.logger != nil {
			l.logger.Printf("rate limit store error (allowing request): %v", err)
		}
		return Decision{Allowed: true, Remaining: l.capacity}
	}
	return d
}

// Reset refills the bucket of userID.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	return l.store.Reset(ctx, userKey(userID))
}

// Capacity is the configured burst size.
func (l *Limiter) Capacity() float64 { return l.capacity }

// Rate is the configured sustained rate per second.
func (l *Limiter) Rate() float64 { return l.rate }

func (l *Limiter) Close() error { return l.store.Close() }

func userKey(userID string) string { return "user:" + userID }
