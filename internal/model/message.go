package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of conversation content. Messages are append-only
// and ordered by Seq within their conversation.
type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID string        `json:"conversationId"`
	RunID          *uuid.UUID    `json:"runId,omitempty"`
	Seq            int64         `json:"seq"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	FileIDs        []string      `json:"fileIds,omitempty"`
	ToolCallID     string        `json:"toolCallId,omitempty"`
	ToolCalls      []ToolCallRef `json:"toolCalls,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// ToolCallRef records a tool call on the assistant message that requested it.
type ToolCallRef struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"argumentsJson"`
}

// FileUpload is an opaque reference to uploaded bytes. Runs and messages
// only ever hold the ID.
type FileUpload struct {
	ID          string    `json:"fileId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}
