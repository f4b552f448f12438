package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/testutil"
)

type notification struct {
	channel, payload string
	err              error
}

// fakeListener replays queued notifications and blocks once drained.
type fakeListener struct {
	mu         sync.Mutex
	queue      chan notification
	listens    int
	reconnects int
}

func newFakeListener() *fakeListener {
	return &fakeListener{queue: make(chan notification, 16)}
}

func (f *fakeListener) Listen(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	return nil
}

func (f *fakeListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case n := <-f.queue:
		return n.channel, n.payload, n.err
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (f *fakeListener) ReconnectNotify(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func TestBrokerSignalsHub(t *testing.T) {
	hub := runstore.NewHub()
	db := newFakeListener()
	b := NewBroker(db, hub, testutil.TestLogger())
	b.retryDelay = time.Millisecond

	runID := uuid.New()
	wake, release := hub.Subscribe(runID)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	db.queue <- notification{channel: storage.ChannelRuns, payload: "not-a-uuid"}
	db.queue <- notification{channel: "other", payload: runID.String()}
	db.queue <- notification{err: errors.New("connection reset")}
	db.queue <- notification{channel: storage.ChannelRuns, payload: runID.String()}

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not signal the hub")
	}

	cancel()
	<-done

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Equal(t, 1, db.reconnects)
	assert.Equal(t, 2, db.listens, "channel is listened again after reconnect")
}

func TestBrokerDispatchIgnoresForeignChannels(t *testing.T) {
	hub := runstore.NewHub()
	b := NewBroker(newFakeListener(), hub, testutil.TestLogger())
	runID := uuid.New()
	wake, release := hub.Subscribe(runID)
	defer release()

	b.dispatch("other", runID.String())
	select {
	case <-wake:
		t.Fatal("foreign channel must not signal")
	default:
	}

	b.dispatch(storage.ChannelRuns, runID.String())
	select {
	case <-wake:
	default:
		require.Fail(t, "expected a signal")
	}
}
