// Package sqlite is a single-node runstore.Store backed by an embedded
// SQLite database. It has no push notification; engines observe control
// calls by polling or through an in-process runstore.Hub.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id                   TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    user_id              TEXT NOT NULL,
    conversation_id      TEXT NOT NULL,
    state                TEXT NOT NULL,
    pending_tool_call_id TEXT,
    cancel_requested     INTEGER NOT NULL DEFAULT 0,
    version              INTEGER NOT NULL DEFAULT 1,
    error                TEXT,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,
    completed_at         INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS runs_one_active_per_conversation
    ON runs (tenant_id, user_id, conversation_id)
    WHERE state NOT IN ('DONE', 'CANCELLED', 'FAILED');
CREATE TABLE IF NOT EXISTS tool_calls (
    run_id             TEXT NOT NULL REFERENCES runs (id),
    id                 TEXT NOT NULL,
    ordinal            INTEGER NOT NULL,
    name               TEXT NOT NULL,
    arguments          TEXT NOT NULL,
    status             TEXT NOT NULL,
    missing_parameters TEXT NOT NULL DEFAULT '[]',
    result             TEXT,
    error              TEXT,
    created_at         INTEGER NOT NULL,
    resolved_at        INTEGER,
    completed_at       INTEGER,
    PRIMARY KEY (run_id, id)
);
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    run_id          TEXT,
    seq             INTEGER NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL DEFAULT '',
    file_ids        TEXT NOT NULL DEFAULT '[]',
    tool_call_id    TEXT,
    tool_calls      TEXT,
    created_at      INTEGER NOT NULL,
    UNIQUE (tenant_id, user_id, conversation_id, seq)
);
`

const terminalStates = `('DONE', 'CANCELLED', 'FAILED')`

// Store is the SQLite runstore.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ runstore.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("sqlite: missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection serializes writes, which makes every conditional
	// UPDATE below atomic with respect to the others.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const runColumns = `id, tenant_id, user_id, conversation_id, state, pending_tool_call_id,
	cancel_requested, version, error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                model.Run
		id, state        string
		pending, errMsg  sql.NullString
		cancel           int64
		created, updated int64
		completed        sql.NullInt64
	)
	if err := row.Scan(&id, &r.TenantID, &r.UserID, &r.ConversationID, &state, &pending,
		&cancel, &r.Version, &errMsg, &created, &updated, &completed); err != nil {
		return model.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: parse run id: %w", err)
	}
	r.ID = parsed
	r.State = model.RunState(state)
	r.PendingToolCallID = nullString(pending)
	r.Error = nullString(errMsg)
	r.CancelRequested = cancel != 0
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.CompletedAt = nullTime(completed)
	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, nr model.NewRun) (model.Run, error) {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, user_id, conversation_id, state, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		nr.ID.String(), nr.Locator.TenantID, nr.Locator.UserID, nr.Locator.ConversationID,
		string(model.RunStateStreaming), now, now,
	)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "runs.tenant_id, runs.user_id, runs.conversation_id"):
			return model.Run{}, fmt.Errorf("sqlite: create run: %w", runstore.ErrActiveRunExists)
		case strings.Contains(msg, "UNIQUE constraint failed"):
			return model.Run{}, fmt.Errorf("sqlite: create run %s: %w", nr.ID, runstore.ErrConcurrencyConflict)
		}
		return model.Run{}, fmt.Errorf("sqlite: create run: %w", err)
	}
	return s.LoadRun(ctx, nr.Locator, nr.ID)
}

func (s *Store) LoadRun(ctx context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? AND tenant_id = ? AND user_id = ? AND conversation_id = ?`,
		runID.String(), loc.TenantID, loc.UserID, loc.ConversationID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("sqlite: run %s: %w", runID, runstore.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("sqlite: load run: %w", err)
	}
	run.ToolCalls, err = s.listToolCalls(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func (s *Store) ResolveLocator(ctx context.Context, runID uuid.UUID) (model.Locator, error) {
	var loc model.Locator
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, user_id, conversation_id FROM runs WHERE id = ?`, runID.String(),
	).Scan(&loc.TenantID, &loc.UserID, &loc.ConversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Locator{}, fmt.Errorf("sqlite: resolve locator %s: %w", runID, runstore.ErrNotFound)
		}
		return model.Locator{}, fmt.Errorf("sqlite: resolve locator: %w", err)
	}
	return loc, nil
}

func (s *Store) CASUpdateRun(ctx context.Context, loc model.Locator, runID uuid.UUID, expectedVersion int64, upd model.RunUpdate) (model.Run, error) {
	now := s.now().UnixNano()
	var completed any
	if upd.State.Terminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, pending_tool_call_id = ?, error = ?, version = version + 1,
			updated_at = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND tenant_id = ? AND user_id = ? AND conversation_id = ?
		   AND version = ? AND state NOT IN `+terminalStates+`
		   AND (cancel_requested = 0 OR ? = 'CANCELLED')`,
		string(upd.State), upd.PendingToolCallID, upd.Error, now, completed,
		runID.String(), loc.TenantID, loc.UserID, loc.ConversationID, expectedVersion,
		string(upd.State),
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: update run: %w", err)
	}
	current, err := s.LoadRun(ctx, loc, runID)
	if err != nil {
		return model.Run{}, err
	}
	if n == 0 && current.Version == expectedVersion && !current.State.Terminal() && current.CancelRequested {
		return model.Run{}, fmt.Errorf("sqlite: update run %s to %s: %w", runID, upd.State, runstore.ErrCancelRequested)
	}
	if n == 0 {
		return model.Run{}, fmt.Errorf("sqlite: update run %s: expected version %d, have %d (%s): %w",
			runID, expectedVersion, current.Version, current.State, runstore.ErrConcurrencyConflict)
	}
	return current, nil
}

func (s *Store) RequestCancel(ctx context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = 1, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND user_id = ? AND conversation_id = ?
		   AND state NOT IN `+terminalStates+` AND cancel_requested = 0`,
		s.now().UnixNano(), runID.String(), loc.TenantID, loc.UserID, loc.ConversationID,
	); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: request cancel: %w", err)
	}
	return s.LoadRun(ctx, loc, runID)
}

const toolCallColumns = `run_id, id, name, arguments, status, missing_parameters,
	result, error, created_at, resolved_at, completed_at`

func scanToolCall(row rowScanner) (model.ToolCall, error) {
	var (
		tc                  model.ToolCall
		runID, args, status string
		missing             string
		result, errMsg      sql.NullString
		created             int64
		resolved, completed sql.NullInt64
	)
	if err := row.Scan(&runID, &tc.ID, &tc.Name, &args, &status, &missing,
		&result, &errMsg, &created, &resolved, &completed); err != nil {
		return model.ToolCall{}, err
	}
	parsed, err := uuid.Parse(runID)
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("sqlite: parse run id: %w", err)
	}
	tc.RunID = parsed
	tc.Arguments = json.RawMessage(args)
	tc.Status = model.ToolCallStatus(status)
	if err := json.Unmarshal([]byte(missing), &tc.MissingParameters); err != nil {
		return model.ToolCall{}, fmt.Errorf("sqlite: decode missing parameters: %w", err)
	}
	if len(tc.MissingParameters) == 0 {
		tc.MissingParameters = nil
	}
	if result.Valid {
		tc.Result = json.RawMessage(result.String)
	}
	tc.Error = nullString(errMsg)
	tc.CreatedAt = fromNanos(created)
	tc.ResolvedAt = nullTime(resolved)
	tc.CompletedAt = nullTime(completed)
	return tc, nil
}

func (s *Store) listToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE run_id = ? ORDER BY ordinal`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calls := []model.ToolCall{}
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

func (s *Store) InsertToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, tc model.ToolCall) (model.ToolCall, error) {
	if err := s.checkRun(ctx, loc, runID); err != nil {
		return model.ToolCall{}, err
	}
	missing, err := encodeStrings(tc.MissingParameters)
	if err != nil {
		return model.ToolCall{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (run_id, id, ordinal, name, arguments, status, missing_parameters, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM tool_calls WHERE run_id = ?), ?, ?, ?, ?, ?)`,
		runID.String(), tc.ID, runID.String(), tc.Name, string(tc.Arguments), string(tc.Status), missing, s.now().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.ToolCall{}, fmt.Errorf("sqlite: insert tool call %s: %w", tc.ID, runstore.ErrDuplicateToolCall)
		}
		return model.ToolCall{}, fmt.Errorf("sqlite: insert tool call: %w", err)
	}
	return s.LoadToolCall(ctx, loc, runID, tc.ID)
}

// checkRun verifies that runID exists under loc.
func (s *Store) checkRun(ctx context.Context, loc model.Locator, runID uuid.UUID) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM runs WHERE id = ? AND tenant_id = ? AND user_id = ? AND conversation_id = ?`,
		runID.String(), loc.TenantID, loc.UserID, loc.ConversationID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: run %s: %w", runID, runstore.ErrNotFound)
		}
		return fmt.Errorf("sqlite: check run: %w", err)
	}
	return nil
}

func (s *Store) LoadToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, toolCallID string) (model.ToolCall, error) {
	if err := s.checkRun(ctx, loc, runID); err != nil {
		return model.ToolCall{}, err
	}
	tc, err := scanToolCall(s.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE run_id = ? AND id = ?`,
		runID.String(), toolCallID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ToolCall{}, fmt.Errorf("sqlite: tool call %s: %w", toolCallID, runstore.ErrNotFound)
		}
		return model.ToolCall{}, fmt.Errorf("sqlite: load tool call: %w", err)
	}
	return tc, nil
}

func (s *Store) CASUpdateToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, toolCallID string, expected, next model.ToolCallStatus, patch model.ToolCallPatch) (model.ToolCall, error) {
	if err := s.checkRun(ctx, loc, runID); err != nil {
		return model.ToolCall{}, err
	}
	missing, err := encodeStrings(patch.MissingParameters)
	if err != nil {
		return model.ToolCall{}, err
	}
	var args, result any
	if patch.Arguments != nil {
		args = string(patch.Arguments)
	}
	if patch.Result != nil {
		result = string(patch.Result)
	}
	now := s.now().UnixNano()
	var resolvedAt, completedAt any
	switch next {
	case model.ToolCallApproved, model.ToolCallRejected:
		resolvedAt = now
	case model.ToolCallExecuted, model.ToolCallExecutionFailed:
		completedAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, arguments = COALESCE(?, arguments), missing_parameters = ?,
			result = COALESCE(?, result), error = COALESCE(?, error),
			resolved_at = COALESCE(?, resolved_at), completed_at = COALESCE(?, completed_at)
		 WHERE run_id = ? AND id = ? AND status = ?`,
		string(next), args, missing, result, patch.Error, resolvedAt, completedAt,
		runID.String(), toolCallID, string(expected),
	)
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("sqlite: update tool call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("sqlite: update tool call: %w", err)
	}
	current, err := s.LoadToolCall(ctx, loc, runID, toolCallID)
	if err != nil {
		return model.ToolCall{}, err
	}
	if n == 0 {
		return current, fmt.Errorf("sqlite: tool call %s is %s, expected %s: %w",
			toolCallID, current.Status, expected, runstore.ErrAlreadyResolved)
	}
	return current, nil
}

func (s *Store) AppendMessage(ctx context.Context, loc model.Locator, msg model.Message) (model.Message, error) {
	fileIDs, err := encodeStrings(msg.FileIDs)
	if err != nil {
		return model.Message{}, err
	}
	var toolCalls, toolCallID, runID any
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return model.Message{}, fmt.Errorf("sqlite: marshal tool call refs: %w", err)
		}
		toolCalls = string(b)
	}
	if msg.ToolCallID != "" {
		toolCallID = msg.ToolCallID
	}
	if msg.RunID != nil {
		runID = msg.RunID.String()
	}

	msg.ID = uuid.New()
	msg.ConversationID = loc.ConversationID
	msg.CreatedAt = s.now()

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, tenant_id, user_id, conversation_id, run_id, seq, role, content, file_ids, tool_call_id, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE tenant_id = ? AND user_id = ? AND conversation_id = ?),
		         ?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		msg.ID.String(), loc.TenantID, loc.UserID, loc.ConversationID, runID,
		loc.TenantID, loc.UserID, loc.ConversationID,
		string(msg.Role), msg.Content, fileIDs, toolCallID, toolCalls, msg.CreatedAt.UnixNano(),
	).Scan(&msg.Seq)
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite: append message: %w", err)
	}
	msg.CreatedAt = fromNanos(msg.CreatedAt.UnixNano())
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, loc model.Locator) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, run_id, seq, role, content, file_ids, tool_call_id, tool_calls, created_at
		 FROM messages WHERE tenant_id = ? AND user_id = ? AND conversation_id = ? ORDER BY seq`,
		loc.TenantID, loc.UserID, loc.ConversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m                               model.Message
			id, role, fileIDs               string
			runID, toolCallID, toolCallRefs sql.NullString
			created                         int64
		)
		if err := rows.Scan(&id, &m.ConversationID, &runID, &m.Seq, &role, &m.Content,
			&fileIDs, &toolCallID, &toolCallRefs, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse message id: %w", err)
		}
		if runID.Valid {
			rid, err := uuid.Parse(runID.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: parse message run id: %w", err)
			}
			m.RunID = &rid
		}
		m.Role = model.Role(role)
		if err := json.Unmarshal([]byte(fileIDs), &m.FileIDs); err != nil {
			return nil, fmt.Errorf("sqlite: decode file ids: %w", err)
		}
		if len(m.FileIDs) == 0 {
			m.FileIDs = nil
		}
		m.ToolCallID = toolCallID.String
		if toolCallRefs.Valid {
			if err := json.Unmarshal([]byte(toolCallRefs.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("sqlite: decode tool call refs: %w", err)
			}
		}
		m.CreatedAt = fromNanos(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode strings: %w", err)
	}
	return string(b), nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
