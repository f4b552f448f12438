package runstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/runstore"
)

func TestHub_PublishWakesSubscribers(t *testing.T) {
	hub := runstore.NewHub()
	runID := uuid.New()

	ch1, release1 := hub.Subscribe(runID)
	defer release1()
	ch2, release2 := hub.Subscribe(runID)
	defer release2()
	other, releaseOther := hub.Subscribe(uuid.New())
	defer releaseOther()

	require.NoError(t, hub.Publish(context.Background(), runID))

	for _, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber was not signalled")
		}
	}
	select {
	case <-other:
		t.Fatal("unrelated subscriber was signalled")
	default:
	}
}

func TestHub_CoalescesBursts(t *testing.T) {
	hub := runstore.NewHub()
	runID := uuid.New()
	ch, release := hub.Subscribe(runID)
	defer release()

	for range 10 {
		hub.Signal(runID)
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("burst should coalesce into a single pending signal")
	default:
	}
}

func TestHub_ReleaseIsIdempotent(t *testing.T) {
	hub := runstore.NewHub()
	runID := uuid.New()

	_, release := hub.Subscribe(runID)
	assert.Equal(t, 1, hub.SubscriberCount())
	release()
	release()
	assert.Equal(t, 0, hub.SubscriberCount())

	// A late release of an old subscription does not drop a newer one.
	_, releaseOld := hub.Subscribe(runID)
	releaseOld()
	ch, releaseNew := hub.Subscribe(runID)
	defer releaseNew()
	releaseOld()
	hub.Signal(runID)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("new subscription lost")
	}
}

func TestHub_ConcurrentUse(t *testing.T) {
	hub := runstore.NewHub()
	runID := uuid.New()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, release := hub.Subscribe(runID)
			release()
		}()
		go func() {
			defer wg.Done()
			hub.Signal(runID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.SubscriberCount())
}
