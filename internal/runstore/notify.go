package runstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Notifier signals that a Run's durable record changed. Signals carry no
// data; subscribers reload from the Store. Delivery is best-effort and
// polling remains the correctness baseline.
type Notifier interface {
	// Publish announces a change to runID. Callers publish only after the
	// corresponding write has committed.
	Publish(ctx context.Context, runID uuid.UUID) error

	// Subscribe returns a channel that receives a value after each change
	// to runID, coalescing bursts, and a function that releases it.
	Subscribe(runID uuid.UUID) (<-chan struct{}, func())
}

// Hub is an in-process Notifier. It also serves as the local fan-out for
// cross-process notifiers, which call Signal when a remote change arrives.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan struct{}]struct{}
}

var _ Notifier = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[chan struct{}]struct{})}
}

// Publish signals local subscribers of runID.
func (h *Hub) Publish(_ context.Context, runID uuid.UUID) error {
	h.Signal(runID)
	return nil
}

// Signal wakes every subscriber of runID without blocking. A subscriber
// that has not yet drained its previous signal keeps that single pending value.
func (h *Hub) Signal(runID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers interest in runID.
func (h *Hub) Subscribe(runID uuid.UUID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			cur := h.subs[runID]
			delete(cur, ch)
			if len(cur) == 0 {
				delete(h.subs, runID)
			}
		})
	}
}

// SubscriberCount returns the number of active subscriptions across all Runs.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
