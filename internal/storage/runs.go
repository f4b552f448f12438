package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
)

var _ runstore.Store = (*DB)(nil)

const runColumns = `id, tenant_id, user_id, conversation_id, state, pending_tool_call_id,
	cancel_requested, version, error, created_at, updated_at, completed_at`

const terminalStates = `('DONE', 'CANCELLED', 'FAILED')`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.TenantID, &r.UserID, &r.ConversationID, &r.State, &r.PendingToolCallID,
		&r.CancelRequested, &r.Version, &r.Error, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	return r, err
}

// CreateRun inserts a Run in STREAMING at version 1. The partial unique
// index on non-terminal runs enforces one active run per conversation.
func (db *DB) CreateRun(ctx context.Context, nr model.NewRun) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`INSERT INTO runs (id, tenant_id, user_id, conversation_id, state, version)
		 VALUES ($1, $2, $3, $4, $5, 1)
		 RETURNING `+runColumns,
		nr.ID, nr.Locator.TenantID, nr.Locator.UserID, nr.Locator.ConversationID, string(model.RunStateStreaming),
	))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == constraintOneActiveRun {
				return model.Run{}, fmt.Errorf("storage: create run: %w", runstore.ErrActiveRunExists)
			}
			return model.Run{}, fmt.Errorf("storage: create run %s: %w", nr.ID, runstore.ErrConcurrencyConflict)
		}
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	run.ToolCalls = []model.ToolCall{}
	return run, nil
}

// LoadRun retrieves a run and its tool calls, scoped to the locator.
func (db *DB) LoadRun(ctx context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE id = $1 AND tenant_id = $2 AND user_id = $3 AND conversation_id = $4`,
		runID, loc.TenantID, loc.UserID, loc.ConversationID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", runID, runstore.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: load run: %w", err)
	}
	run.ToolCalls, err = db.listToolCalls(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// ResolveLocator looks a run up by primary key alone.
func (db *DB) ResolveLocator(ctx context.Context, runID uuid.UUID) (model.Locator, error) {
	var loc model.Locator
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, user_id, conversation_id FROM runs WHERE id = $1`, runID,
	).Scan(&loc.TenantID, &loc.UserID, &loc.ConversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Locator{}, fmt.Errorf("storage: resolve locator %s: %w", runID, runstore.ErrNotFound)
		}
		return model.Locator{}, fmt.Errorf("storage: resolve locator: %w", err)
	}
	return loc, nil
}

// CASUpdateRun writes the engine-owned fields if the version matches and
// the run is not terminal. After a stop only CANCELLED is written.
func (db *DB) CASUpdateRun(ctx context.Context, loc model.Locator, runID uuid.UUID, expectedVersion int64, upd model.RunUpdate) (model.Run, error) {
	var run model.Run
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var scanErr error
		run, scanErr = scanRun(db.pool.QueryRow(ctx,
			`UPDATE runs SET
			state = $1::text,
			pending_tool_call_id = $2,
			error = $3,
			version = version + 1,
			updated_at = now(),
			completed_at = CASE WHEN $1::text IN `+terminalStates+` THEN now() ELSE completed_at END
		 WHERE id = $4 AND tenant_id = $5 AND user_id = $6 AND conversation_id = $7
		   AND version = $8 AND state NOT IN `+terminalStates+`
		   AND (NOT cancel_requested OR $1::text = 'CANCELLED')
		 RETURNING `+runColumns,
			string(upd.State), upd.PendingToolCallID, upd.Error,
			runID, loc.TenantID, loc.UserID, loc.ConversationID, expectedVersion,
		))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, loadErr := db.LoadRun(ctx, loc, runID)
			if loadErr != nil {
				return model.Run{}, loadErr
			}
			if current.Version == expectedVersion && !current.State.Terminal() && current.CancelRequested {
				return model.Run{}, fmt.Errorf("storage: update run %s to %s: %w", runID, upd.State, runstore.ErrCancelRequested)
			}
			return model.Run{}, fmt.Errorf("storage: update run %s: expected version %d, have %d (%s): %w",
				runID, expectedVersion, current.Version, current.State, runstore.ErrConcurrencyConflict)
		}
		return model.Run{}, fmt.Errorf("storage: update run: %w", err)
	}
	run.ToolCalls, err = db.listToolCalls(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// RequestCancel sets cancel_requested on a non-terminal run. The version
// is left alone so the engine's next conditional write still succeeds.
func (db *DB) RequestCancel(ctx context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error) {
	if err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, execErr := db.pool.Exec(ctx,
			`UPDATE runs SET cancel_requested = true, updated_at = now()
			 WHERE id = $1 AND tenant_id = $2 AND user_id = $3 AND conversation_id = $4
			   AND state NOT IN `+terminalStates+` AND NOT cancel_requested`,
			runID, loc.TenantID, loc.UserID, loc.ConversationID,
		)
		return execErr
	}); err != nil {
		return model.Run{}, fmt.Errorf("storage: request cancel: %w", err)
	}
	return db.LoadRun(ctx, loc, runID)
}
