package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStoreWithCleanup(0)
	s.now = clock.now
	return s, clock
}

func TestLimiterBurstThenRefill(t *testing.T) {
	store, clock := newClockedStore()
	l := NewLimiter(Config{Store: store, RequestsPerSecond: 2, Burst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.Allow(ctx, "u1"); !d.Allowed {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	d := l.Allow(ctx, "u1")
	if d.Allowed {
		t.Fatalf("4th request should be limited")
	}
	if d.RetryAfter != 500*time.Millisecond {
		t.Fatalf("expected 500ms retry, got %s", d.RetryAfter)
	}

	clock.advance(500 * time.Millisecond)
	if d := l.Allow(ctx, "u1"); !d.Allowed {
		t.Fatalf("request after refill should be allowed")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	store, _ := newClockedStore()
	l := NewLimiter(Config{Store: store, RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()

	if !l.Allow(ctx, "a").Allowed || l.Allow(ctx, "a").Allowed {
		t.Fatalf("user a should get exactly one request")
	}
	if !l.Allow(ctx, "b").Allowed {
		t.Fatalf("user b must not share user a's bucket")
	}
	if !l.Allow(ctx, "").Allowed {
		t.Fatalf("anonymous requests are not limited")
	}
}

func TestLimiterReset(t *testing.T) {
	store, _ := newClockedStore()
	l := NewLimiter(Config{Store: store, RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()
	l.Allow(ctx, "a")
	if err := l.Reset(ctx, "a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !l.Allow(ctx, "a").Allowed {
		t.Fatalf("bucket should be full after reset")
	}
}

type brokenStore struct{}

func (brokenStore) Take(context.Context, string, float64, float64) (Decision, error) {
	return Decision{}, errors.New("redis down")
}
func (brokenStore) Reset(context.Context, string) error { return nil }
func (brokenStore) Close() error                        { return nil }

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(Config{Store: brokenStore{}})
	if !l.Allow(context.Background(), "u").Allowed {
		t.Fatalf("store errors must not block requests")
	}
}

func TestMemoryStoreSweepsFullBuckets(t *testing.T) {
	store, clock := newClockedStore()
	ctx := context.Background()
	if _, err := store.Take(ctx, "k", 2, 1); err != nil {
		t.Fatalf("Take: %v", err)
	}
	store.sweep()
	if store.Len() != 1 {
		t.Fatalf("partially drained bucket should be kept")
	}
	clock.advance(2 * time.Second)
	store.sweep()
	if store.Len() != 0 {
		t.Fatalf("full bucket should be swept")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = store.Close()
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GRADIENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GRADIENT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "gradient:test:" + time.Now().Format("150405.000000") + ":"})
	if err != nil {
		t.Skipf("Skipping test: cannot connect to redis: %v", err)
	}
	defer store.Close()

	l := NewLimiter(Config{Store: store, RequestsPerSecond: 0.5, Burst: 2})
	defer func() { _ = l.Reset(ctx, "u") }()
	if !l.Allow(ctx, "u").Allowed || !l.Allow(ctx, "u").Allowed {
		t.Fatalf("burst of 2 should be allowed")
	}
	d := l.Allow(ctx, "u")
	if d.Allowed {
		t.Fatalf("third request should be limited")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %s", d.RetryAfter)
	}
}
