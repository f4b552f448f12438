package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiwa/internal/runstore"
)

// ChannelRuns is the Postgres LISTEN/NOTIFY channel carrying run ids whose
// durable record changed.
const ChannelRuns = "kaiwa_runs"

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// ReconnectNotify replaces a broken LISTEN connection. Channels must be
// listened again afterwards.
func (db *DB) ReconnectNotify(ctx context.Context) error {
	if db.notifyDSN == "" {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		_ = db.notifyConn.Close(ctx)
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}
	db.notifyConn = conn
	return nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// Notifier publishes run changes with pg_notify and delivers them to local
// subscribers through a Hub fed by the LISTEN loop (see server.Broker).
type Notifier struct {
	db  *DB
	hub *runstore.Hub
}

var _ runstore.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier. hub must be the same Hub the LISTEN loop signals.
func NewNotifier(db *DB, hub *runstore.Hub) *Notifier {
	return &Notifier{db: db, hub: hub}
}

// Publish sends the run id on ChannelRuns. The local hub is signalled
// directly as well so same-process waiters do not depend on the round trip.
func (n *Notifier) Publish(ctx context.Context, runID uuid.UUID) error {
	n.hub.Signal(runID)
	return n.db.Notify(ctx, ChannelRuns, runID.String())
}

// Subscribe registers interest in runID on the local hub.
func (n *Notifier) Subscribe(runID uuid.UUID) (<-chan struct{}, func()) {
	return n.hub.Subscribe(runID)
}
