// Package redisnotify carries run change signals between processes over
// Redis pub/sub. It is used when the configured store has no native push
// channel (SQLite) or when instances do not share a Postgres LISTEN connection.
package redisnotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kaiwa/internal/runstore"
)

// DefaultChannel is the pub/sub channel carrying run ids.
const DefaultChannel = "kaiwa:runs"

// Notifier publishes run ids to Redis and fans received ids into a local Hub.
type Notifier struct {
	rdb     *redis.Client
	hub     *runstore.Hub
	channel string
	logger  *slog.Logger
}

var _ runstore.Notifier = (*Notifier)(nil)

// New creates a Notifier. hub receives the signals for local subscribers.
func New(rdb *redis.Client, hub *runstore.Hub, logger *slog.Logger) *Notifier {
	return &Notifier{rdb: rdb, hub: hub, channel: DefaultChannel, logger: logger}
}

// Connect parses a redis:// URL, pings the server and returns the client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisnotify: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisnotify: ping: %w", err)
	}
	return rdb, nil
}

// Publish signals local subscribers and broadcasts runID to other processes.
func (n *Notifier) Publish(ctx context.Context, runID uuid.UUID) error {
	n.hub.Signal(runID)
	if err := n.rdb.Publish(ctx, n.channel, runID.String()).Err(); err != nil {
		return fmt.Errorf("redisnotify: publish: %w", err)
	}
	return nil
}

// Subscribe registers interest in runID on the local hub.
func (n *Notifier) Subscribe(runID uuid.UUID) (<-chan struct{}, func()) {
	return n.hub.Subscribe(runID)
}

// Start relays messages from the Redis channel into the hub. It blocks
// until ctx is cancelled, re-subscribing after connection loss.
func (n *Notifier) Start(ctx context.Context) {
	for {
		if err := n.relay(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("redisnotify: subscription lost, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (n *Notifier) relay(ctx context.Context) error {
	sub := n.rdb.Subscribe(ctx, n.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redisnotify: subscribe: %w", err)
	}
	n.logger.Info("redisnotify: listening for run changes", "channel", n.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redisnotify: channel closed")
			}
			runID, err := uuid.Parse(msg.Payload)
			if err != nil {
				n.logger.Debug("redisnotify: ignoring malformed payload", "payload", msg.Payload)
				continue
			}
			n.hub.Signal(runID)
		}
	}
}
