package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an x/time/rate bucket per key. A
// background goroutine evicts keys idle for staleThreshold.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rps sustained requests per
// key with the given burst. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(rps, burst, time.Now)
	go m.cleanup()
	return m
}

func newMemoryLimiter(rps float64, burst int, now func() time.Time) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MemoryLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     now,
		buckets: make(map[string]*entry),
		done:    make(chan struct{}),
	}
}

// Allow consumes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	e, ok := m.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = e
	}
	e.lastAccess = now
	m.mu.Unlock()

	return e.limiter.AllowN(now, 1), nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, e := range m.buckets {
		if e.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
