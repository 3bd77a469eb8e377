package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory. Full buckets are evicted periodically.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore returns a MemoryStore that sweeps idle buckets every five minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup sets the sweep interval; zero or negative disables sweeping.
func NewMemoryStoreWithCleanup(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	}
	return s
}

func (s *MemoryStore) Take(ctx context.Context, key string, capacity, rate float64) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	b, ok := s.buckets[key]
	if !ok || b.capacity != capacity || b.rate != rate {
		b = newBucket(capacity, rate, now)
		s.buckets[key] = b
	}
	return b.take(now), nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of tracked buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, b := range s.buckets {
		if b.full(now) {
			delete(s.buckets, key)
		}
	}
}
