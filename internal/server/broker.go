package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/storage"
)

// Listener is the part of storage.DB the Broker needs.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	ReconnectNotify(ctx context.Context) error
}

var _ Listener = (*storage.DB)(nil)

// Broker relays Postgres LISTEN/NOTIFY run-change messages into a local
// Hub, waking engines on this instance whose Run was changed by a control
// call served elsewhere.
type Broker struct {
	db     Listener
	hub    *runstore.Hub
	logger *slog.Logger

	retryDelay time.Duration
}

// NewBroker creates a Broker. Call Start to begin listening.
func NewBroker(db Listener, hub *runstore.Hub, logger *slog.Logger) *Broker {
	return &Broker{db: db, hub: hub, logger: logger, retryDelay: time.Second}
}

// Start listens on storage.ChannelRuns until ctx is cancelled. A broken
// connection is re-established; engines keep polling meanwhile.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelRuns); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelRuns, "error", err)
		return
	}
	b.logger.Info("broker: listening for run changes", "channel", storage.ChannelRuns)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, reconnecting", "error", err)
			if !b.reconnect(ctx) {
				return
			}
			continue
		}
		b.dispatch(channel, payload)
	}
}

func (b *Broker) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.retryDelay):
		}
		err := b.db.ReconnectNotify(ctx)
		if err == nil {
			err = b.db.Listen(ctx, storage.ChannelRuns)
		}
		if err == nil {
			b.logger.Info("broker: reconnected")
			return true
		}
		b.logger.Warn("broker: reconnect failed", "error", err)
	}
}

func (b *Broker) dispatch(channel, payload string) {
	if channel != storage.ChannelRuns {
		return
	}
	runID, err := uuid.Parse(payload)
	if err != nil {
		b.logger.Warn("broker: ignoring malformed payload", "payload", payload)
		return
	}
	b.hub.Signal(runID)
}
