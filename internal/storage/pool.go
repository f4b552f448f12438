// Package storage provides the PostgreSQL Run Store for Kaiwa.
//
// It manages connection pooling (via pgxpool, optionally through PgBouncer),
// a dedicated connection for LISTEN/NOTIFY (direct to Postgres), and the
// conditional-update queries that back runstore.Store.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiwa/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries
// and a dedicated pgx.Conn for LISTEN/NOTIFY (direct to Postgres).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	notifyDSN  string
	logger     *slog.Logger
}

// New creates a new DB with a connection pool.
// poolDSN may point to PgBouncer (or directly to Postgres in dev).
// notifyDSN should point directly to Postgres for LISTEN/NOTIFY support;
// when empty, push notification is disabled and engines rely on polling.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		notifyDSN:  notifyDSN,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// RegisterPoolMetrics exports pool statistics as observable gauges. Call it
// after telemetry.Init so the gauges bind to the configured provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kaiwa/storage")
	total, _ := meter.Int64ObservableGauge("kaiwa.db.pool.total_conns",
		metric.WithDescription("Open connections in the pool"))
	idle, _ := meter.Int64ObservableGauge("kaiwa.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pool"))
	acquired, _ := meter.Int64ObservableGauge("kaiwa.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out"))

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}
