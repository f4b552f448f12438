package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
)

const toolCallColumns = `run_id, id, name, arguments, status, missing_parameters,
	result, error, created_at, resolved_at, completed_at`

func scanToolCall(row pgx.Row) (model.ToolCall, error) {
	var (
		tc     model.ToolCall
		args   string
		result *string
	)
	err := row.Scan(
		&tc.RunID, &tc.ID, &tc.Name, &args, &tc.Status, &tc.MissingParameters,
		&result, &tc.Error, &tc.CreatedAt, &tc.ResolvedAt, &tc.CompletedAt,
	)
	if err != nil {
		return model.ToolCall{}, err
	}
	tc.Arguments = json.RawMessage(args)
	if result != nil {
		tc.Result = json.RawMessage(*result)
	}
	if len(tc.MissingParameters) == 0 {
		tc.MissingParameters = nil
	}
	return tc, nil
}

func (db *DB) listToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE run_id = $1 ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer rows.Close()

	calls := []model.ToolCall{}
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// InsertToolCall adds a tool call to a run owned by loc.
func (db *DB) InsertToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, tc model.ToolCall) (model.ToolCall, error) {
	if err := db.checkRun(ctx, loc, runID); err != nil {
		return model.ToolCall{}, err
	}
	inserted, err := scanToolCall(db.pool.QueryRow(ctx,
		`INSERT INTO tool_calls (run_id, id, name, arguments, status, missing_parameters)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+toolCallColumns,
		runID, tc.ID, tc.Name, string(tc.Arguments), string(tc.Status), nonNil(tc.MissingParameters),
	))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == constraintToolCallPKey {
			return model.ToolCall{}, fmt.Errorf("storage: insert tool call %s: %w", tc.ID, runstore.ErrDuplicateToolCall)
		}
		return model.ToolCall{}, fmt.Errorf("storage: insert tool call: %w", err)
	}
	return inserted, nil
}

// LoadToolCall retrieves one tool call of a run owned by loc.
func (db *DB) LoadToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, toolCallID string) (model.ToolCall, error) {
	tc, err := scanToolCall(db.pool.QueryRow(ctx,
		`SELECT `+prefixed("tc.", toolCallColumns)+`
		 FROM tool_calls tc JOIN runs r ON r.id = tc.run_id
		 WHERE tc.run_id = $1 AND tc.id = $2 AND r.tenant_id = $3 AND r.user_id = $4 AND r.conversation_id = $5`,
		runID, toolCallID, loc.TenantID, loc.UserID, loc.ConversationID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ToolCall{}, fmt.Errorf("storage: tool call %s: %w", toolCallID, runstore.ErrNotFound)
		}
		return model.ToolCall{}, fmt.Errorf("storage: load tool call: %w", err)
	}
	return tc, nil
}

// CASUpdateToolCall applies a status transition guarded by the expected
// status. A miss returns the current record with ErrAlreadyResolved.
func (db *DB) CASUpdateToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, toolCallID string, expected, next model.ToolCallStatus, patch model.ToolCallPatch) (model.ToolCall, error) {
	var args, result *string
	if patch.Arguments != nil {
		s := string(patch.Arguments)
		args = &s
	}
	if patch.Result != nil {
		s := string(patch.Result)
		result = &s
	}

	var tc model.ToolCall
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var scanErr error
		tc, scanErr = scanToolCall(db.pool.QueryRow(ctx,
			`UPDATE tool_calls tc SET
			status = $1::text,
			arguments = COALESCE($2, tc.arguments),
			missing_parameters = $3,
			result = COALESCE($4, tc.result),
			error = COALESCE($5, tc.error),
			resolved_at = CASE WHEN $1::text IN ('APPROVED', 'REJECTED') THEN now() ELSE tc.resolved_at END,
			completed_at = CASE WHEN $1::text IN ('EXECUTED', 'EXECUTION_FAILED') THEN now() ELSE tc.completed_at END
			 FROM runs r
			 WHERE r.id = tc.run_id AND tc.run_id = $6 AND tc.id = $7 AND tc.status = $8
			   AND r.tenant_id = $9 AND r.user_id = $10 AND r.conversation_id = $11
			 RETURNING `+prefixed("tc.", toolCallColumns),
			string(next), args, nonNil(patch.MissingParameters), result, patch.Error,
			runID, toolCallID, string(expected),
			loc.TenantID, loc.UserID, loc.ConversationID,
		))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, loadErr := db.LoadToolCall(ctx, loc, runID, toolCallID)
			if loadErr != nil {
				return model.ToolCall{}, loadErr
			}
			return current, fmt.Errorf("storage: tool call %s is %s, expected %s: %w",
				toolCallID, current.Status, expected, runstore.ErrAlreadyResolved)
		}
		return model.ToolCall{}, fmt.Errorf("storage: update tool call: %w", err)
	}
	return tc, nil
}

func (db *DB) checkRun(ctx context.Context, loc model.Locator, runID uuid.UUID) error {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1 AND tenant_id = $2 AND user_id = $3 AND conversation_id = $4)`,
		runID, loc.TenantID, loc.UserID, loc.ConversationID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("storage: check run: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: run %s: %w", runID, runstore.ErrNotFound)
	}
	return nil
}
