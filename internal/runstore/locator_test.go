package runstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
)

// countingStore counts ResolveLocator calls and can block them.
type countingStore struct {
	*runstore.Memory
	calls   atomic.Int32
	release chan struct{}
}

func (s *countingStore) ResolveLocator(ctx context.Context, runID uuid.UUID) (model.Locator, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return model.Locator{}, ctx.Err()
		}
	}
	return s.Memory.ResolveLocator(ctx, runID)
}

func TestLocatorResolver_HintSkipsStore(t *testing.T) {
	store := &countingStore{Memory: runstore.NewMemory()}
	r := runstore.NewLocatorResolver(store, nil, 0)

	loc := model.Locator{TenantID: "t", UserID: "u", ConversationID: "c"}
	got, err := r.Resolve(context.Background(), uuid.New(), loc.Encode())
	require.NoError(t, err)
	assert.Equal(t, loc, got)
	assert.Equal(t, int32(0), store.calls.Load())
}

func TestLocatorResolver_CachesLookups(t *testing.T) {
	store := &countingStore{Memory: runstore.NewMemory()}
	cache := runstore.NewLocatorCache(10, time.Minute)
	defer cache.Close()
	r := runstore.NewLocatorResolver(store, cache, 0)

	loc := model.Locator{TenantID: "t", UserID: "u", ConversationID: "c"}
	run, err := store.CreateRun(context.Background(), model.NewRun{ID: uuid.New(), Locator: loc})
	require.NoError(t, err)

	for range 3 {
		got, err := r.Resolve(context.Background(), run.ID, "not-a-locator")
		require.NoError(t, err)
		assert.Equal(t, loc, got)
	}
	assert.Equal(t, int32(1), store.calls.Load())

	_, err = r.Resolve(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, runstore.ErrNotFound)
}

func TestLocatorResolver_CoalescesConcurrentLookups(t *testing.T) {
	store := &countingStore{Memory: runstore.NewMemory(), release: make(chan struct{})}
	r := runstore.NewLocatorResolver(store, nil, 5*time.Second)

	loc := model.Locator{TenantID: "t", UserID: "u", ConversationID: "c"}
	run, err := store.CreateRun(context.Background(), model.NewRun{ID: uuid.New(), Locator: loc})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Resolve(context.Background(), run.ID, "")
			assert.NoError(t, err)
			assert.Equal(t, loc, got)
		}()
	}
	require.Eventually(t, func() bool { return store.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	close(store.release)
	wg.Wait()
	assert.LessOrEqual(t, store.calls.Load(), int32(8))
}

func TestLocatorResolver_LookupTimeout(t *testing.T) {
	store := &countingStore{Memory: runstore.NewMemory(), release: make(chan struct{})}
	r := runstore.NewLocatorResolver(store, nil, 20*time.Millisecond)

	_, err := r.Resolve(context.Background(), uuid.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestLocatorCache_BoundedSize(t *testing.T) {
	cache := runstore.NewLocatorCache(2, time.Minute)
	defer cache.Close()

	for range 5 {
		cache.Set(uuid.New(), model.Locator{TenantID: "t"})
	}
	assert.Equal(t, 2, cache.Len())
}

func TestLocatorCache_Expiry(t *testing.T) {
	cache := runstore.NewLocatorCache(10, time.Millisecond)
	defer cache.Close()

	id := uuid.New()
	cache.Set(id, model.Locator{TenantID: "t"})
	time.Sleep(5 * time.Millisecond)
	_, ok := cache.Get(id)
	assert.False(t, ok)
}
