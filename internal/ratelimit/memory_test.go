package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(rps float64, burst int) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newMemoryLimiter(rps, burst, clock.now), clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(1, 3)
	assert.Equal(t, 3, allowN(t, m, "k1", 5))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(2, 2)
	assert.Equal(t, 2, allowN(t, m, "k1", 3))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k1", 2))

	clock.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "k1", 5), "tokens cap at burst")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(1, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(1, 50)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clock := newTestLimiter(1, 1)
	allowN(t, m, "old", 1)
	clock.advance(staleThreshold - time.Second)
	allowN(t, m, "recent", 1)
	clock.advance(2 * time.Second)

	m.evictStale()
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingLimiter) Close() error                                { return nil }

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	byHeader := func(r *http.Request) string { return r.Header.Get("X-Key") }
	reqID := func(*http.Request) string { return "req-1" }

	m, _ := newTestLimiter(1, 1)
	h := Middleware(m, byHeader, reqID, nil)(ok)

	do := func(h http.Handler, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
		if key != "" {
			req.Header.Set("X-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do(h, "ada").Code)
	rec := do(h, "ada")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"RATE_LIMITED"`)
	assert.Contains(t, rec.Body.String(), `"req-1"`)

	assert.Equal(t, http.StatusNoContent, do(h, "").Code, "empty key skips limiting")
	assert.Equal(t, http.StatusNoContent, do(Middleware(failingLimiter{}, byHeader, nil, nil)(ok), "ada").Code, "fails open")
	assert.Equal(t, http.StatusNoContent, do(Middleware(NoopLimiter{}, byHeader, nil, nil)(ok), "ada").Code)
}
