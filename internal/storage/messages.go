package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// AppendMessage appends to the conversation with the next sequence number.
// Concurrent appends to one conversation collide on the (conversation, seq)
// key and are retried.
func (db *DB) AppendMessage(ctx context.Context, loc model.Locator, msg model.Message) (model.Message, error) {
	var toolCalls []byte
	if len(msg.ToolCalls) > 0 {
		var err error
		toolCalls, err = json.Marshal(msg.ToolCalls)
		if err != nil {
			return model.Message{}, fmt.Errorf("storage: marshal tool call refs: %w", err)
		}
	}
	var toolCallID *string
	if msg.ToolCallID != "" {
		toolCallID = &msg.ToolCallID
	}

	msg.ID = uuid.New()
	msg.ConversationID = loc.ConversationID

	const maxAttempts = 5
	for attempt := range maxAttempts {
		err := db.pool.QueryRow(ctx,
			`INSERT INTO messages (id, tenant_id, user_id, conversation_id, run_id, seq, role, content, file_ids, tool_call_id, tool_calls)
			 SELECT $1, $2, $3, $4, $5,
			        COALESCE((SELECT MAX(seq) FROM messages WHERE tenant_id = $2 AND user_id = $3 AND conversation_id = $4), 0) + 1,
			        $6, $7, $8, $9, $10
			 RETURNING seq, created_at`,
			msg.ID, loc.TenantID, loc.UserID, loc.ConversationID, msg.RunID,
			string(msg.Role), msg.Content, nonNil(msg.FileIDs), toolCallID, toolCalls,
		).Scan(&msg.Seq, &msg.CreatedAt)
		if err == nil {
			return msg, nil
		}
		if _, dup := uniqueViolation(err); !dup || attempt == maxAttempts-1 {
			return model.Message{}, fmt.Errorf("storage: append message: %w", err)
		}
		select {
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return model.Message{}, fmt.Errorf("storage: append message: exhausted retries")
}

// ListMessages returns the conversation in sequence order.
func (db *DB) ListMessages(ctx context.Context, loc model.Locator) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, run_id, seq, role, content, file_ids, tool_call_id, tool_calls, created_at
		 FROM messages
		 WHERE tenant_id = $1 AND user_id = $2 AND conversation_id = $3
		 ORDER BY seq`,
		loc.TenantID, loc.UserID, loc.ConversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m          model.Message
			toolCallID *string
			toolCalls  []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.RunID, &m.Seq, &m.Role, &m.Content,
			&m.FileIDs, &toolCallID, &toolCalls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		if toolCallID != nil {
			m.ToolCallID = *toolCallID
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("storage: unmarshal tool call refs: %w", err)
			}
		}
		if len(m.FileIDs) == 0 {
			m.FileIDs = nil
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// nonNil returns s, or an empty slice so TEXT[] NOT NULL columns never receive NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// prefixed qualifies each column in a comma-separated list with p.
func prefixed(p, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
