package kaiwa

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Run states.
const (
	RunStateStreaming          = "STREAMING"
	RunStateAwaitingParameters = "AWAITING_PARAMETERS"
	RunStateAwaitingApproval   = "AWAITING_APPROVAL"
	RunStateExecutingTool      = "EXECUTING_TOOL"
	RunStateDone               = "DONE"
	RunStateCancelled          = "CANCELLED"
	RunStateFailed             = "FAILED"
)

// Tool call statuses.
const (
	ToolCallPending             = "PENDING"
	ToolCallParametersRequested = "PARAMETERS_REQUESTED"
	ToolCallApproved            = "APPROVED"
	ToolCallRejected            = "REJECTED"
	ToolCallExecuted            = "EXECUTED"
	ToolCallExecutionFailed     = "EXECUTION_FAILED"
)

// Stream event types.
const (
	EventMessageDelta      = "message_delta"
	EventMessageDone       = "message_done"
	EventParameterRequest  = "parameter_request"
	EventToolCallRequested = "tool_call_requested"
	EventToolCallResult    = "tool_call_result"
	EventError             = "error"
	EventDone              = "done"
)

// InputMessage is a message submitted when starting a Run.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StartRunRequest starts a Run. ThreadID continues a conversation; leave
// it empty to start a new one.
type StartRunRequest struct {
	Messages []InputMessage `json:"messages"`
	FileIDs  []string       `json:"fileIds,omitempty"`
	ThreadID string         `json:"threadId,omitempty"`
}

// Run is a Run with its tool calls, as returned by GetRun.
type Run struct {
	ID                uuid.UUID  `json:"runId"`
	TenantID          string     `json:"tenantId"`
	UserID            string     `json:"userId"`
	ConversationID    string     `json:"conversationId"`
	State             string     `json:"state"`
	PendingToolCallID *string    `json:"pendingToolCallId"`
	CancelRequested   bool       `json:"cancelRequested"`
	Version           int64      `json:"version"`
	Error             *string    `json:"error,omitempty"`
	ToolCalls         []ToolCall `json:"toolCalls"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// ToolCall is a model-requested tool invocation within a Run.
type ToolCall struct {
	ID                string          `json:"id"`
	RunID             uuid.UUID       `json:"runId"`
	Name              string          `json:"name"`
	Arguments         json.RawMessage `json:"argumentsJson"`
	Status            string          `json:"status"`
	MissingParameters []string        `json:"missingParameters,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *string         `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID string     `json:"conversationId"`
	RunID          *uuid.UUID `json:"runId,omitempty"`
	Seq            int64      `json:"seq"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	FileIDs        []string   `json:"fileIds,omitempty"`
	ToolCallID     string     `json:"toolCallId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// FileUpload references uploaded bytes by id.
type FileUpload struct {
	ID          string    `json:"fileId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ToolInfo describes a tool the model may call.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Source      string          `json:"source"`
}

// ControlResponse is returned by Stop, ResolveToolCall and
// SupplyParameters. Applied is false when the call observed an outcome
// that was already in place.
type ControlResponse struct {
	RunID          uuid.UUID `json:"runId"`
	ToolCallID     string    `json:"toolCallId,omitempty"`
	State          string    `json:"state"`
	ToolCallStatus string    `json:"toolCallStatus,omitempty"`
	Applied        bool      `json:"applied"`
}

// Event is one frame of a Run's stream. Decode Data with the payload type
// matching Type, or use the typed accessors.
type Event struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type MessageDelta struct {
	RunID     uuid.UUID `json:"runId"`
	DeltaText string    `json:"deltaText"`
}

type MessageDone struct {
	RunID   uuid.UUID `json:"runId"`
	Message Message   `json:"message"`
}

type ParameterRequest struct {
	RunID             uuid.UUID `json:"runId"`
	ToolCallID        string    `json:"toolCallId"`
	ToolName          string    `json:"toolName"`
	MissingParameters []string  `json:"missingParameters"`
}

type ToolCallRequested struct {
	RunID    uuid.UUID `json:"runId"`
	ToolCall struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ArgumentsJSON string `json:"argumentsJson"`
	} `json:"toolCall"`
}

type ToolCallResult struct {
	RunID      uuid.UUID       `json:"runId"`
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

// StreamError ends a stream that did not complete. Code is one of
// cancelled, rejected, tool_failed, generation_failed, conflict, internal.
type StreamError struct {
	RunID   uuid.UUID `json:"runId"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// apiEnvelope is the server's standard {"data": ...} response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard {"error": ...} response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
