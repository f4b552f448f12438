package runstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// DefaultLookupTimeout bounds a single ResolveLocator call. The lookup runs
// on its own budget, separate from the caller's request deadline.
const DefaultLookupTimeout = 2 * time.Second

// LocatorResolver maps a run id to its partition key. Control calls that
// carry an encoded locator skip the store entirely; the rest go through a
// bounded cache and a coalesced store lookup.
type LocatorResolver struct {
	store   Store
	cache   *LocatorCache
	group   singleflight.Group
	timeout time.Duration
}

// NewLocatorResolver creates a resolver. cache may be nil to disable caching.
func NewLocatorResolver(store Store, cache *LocatorCache, timeout time.Duration) *LocatorResolver {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &LocatorResolver{store: store, cache: cache, timeout: timeout}
}

// Resolve returns the locator for runID. An encoded hint is trusted for
// addressing only: a wrong hint makes the subsequent load miss.
func (r *LocatorResolver) Resolve(ctx context.Context, runID uuid.UUID, hint string) (model.Locator, error) {
	if hint != "" {
		if loc, err := model.ParseLocator(hint); err == nil {
			return loc, nil
		}
	}
	if r.cache != nil {
		if loc, ok := r.cache.Get(runID); ok {
			return loc, nil
		}
	}

	v, err, _ := r.group.Do(runID.String(), func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.store.ResolveLocator(lookupCtx, runID)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.Locator{}, fmt.Errorf("runstore: resolve locator %s: lookup timed out: %w", runID, err)
		}
		return model.Locator{}, err
	}
	loc := v.(model.Locator)
	if r.cache != nil {
		r.cache.Set(runID, loc)
	}
	return loc, nil
}

// Remember records a locator learned elsewhere, such as at Run creation.
func (r *LocatorResolver) Remember(runID uuid.UUID, loc model.Locator) {
	if r.cache != nil {
		r.cache.Set(runID, loc)
	}
}

// LocatorCache is a size-bounded, TTL-expiring cache of run locators.
// Locators never change for a Run, so the TTL only bounds memory for
// Runs that are no longer being controlled.
type LocatorCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]cachedLocator
	ttl     time.Duration
	max     int
	done    chan struct{}
	once    sync.Once
}

type cachedLocator struct {
	loc       model.Locator
	expiresAt time.Time
}

// NewLocatorCache creates a cache holding at most max entries for ttl.
// Call Close to stop the background eviction goroutine.
func NewLocatorCache(max int, ttl time.Duration) *LocatorCache {
	c := &LocatorCache{
		entries: make(map[uuid.UUID]cachedLocator),
		ttl:     ttl,
		max:     max,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached locator and true if a valid entry exists.
func (c *LocatorCache) Get(runID uuid.UUID) (model.Locator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[runID]
	if !ok || time.Now().After(entry.expiresAt) {
		return model.Locator{}, false
	}
	return entry.loc, true
}

// Set stores a locator. When full, expired entries are dropped first and
// then an arbitrary entry is evicted.
func (c *LocatorCache) Set(runID uuid.UUID, loc model.Locator) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[runID]; !ok && c.max > 0 && len(c.entries) >= c.max {
		c.evictExpiredLocked(time.Now())
		if len(c.entries) >= c.max {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}
	c.entries[runID] = cachedLocator{loc: loc, expiresAt: time.Now().Add(c.ttl)}
}

// Len returns the number of cached entries, including expired ones not yet evicted.
func (c *LocatorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine.
func (c *LocatorCache) Close() {
	c.once.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *LocatorCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked(time.Now())
			c.mu.Unlock()
		}
	}
}

func (c *LocatorCache) evictExpiredLocked(now time.Time) {
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
