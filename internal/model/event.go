package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventType names an SSE event emitted while a Run is driven.
type EventType string

const (
	EventMessageDelta      EventType = "message_delta"
	EventMessageDone       EventType = "message_done"
	EventParameterRequest  EventType = "parameter_request"
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolCallResult    EventType = "tool_call_result"
	EventError             EventType = "error"
	EventDone              EventType = "done"
)

// Event is one frame of a Run's stream. Data is one of the *Data payloads below.
type Event struct {
	Type EventType
	Data any
}


type MessageDeltaData struct {
	RunID     uuid.UUID `json:"runId"`
	DeltaText string    `json:"deltaText"`
}

type MessageDoneData struct {
	RunID   uuid.UUID `json:"runId"`
	Message Message   `json:"message"`
}

type ParameterRequestData struct {
	RunID             uuid.UUID `json:"runId"`
	ToolCallID        string    `json:"toolCallId"`
	ToolName          string    `json:"toolName"`
	MissingParameters []string  `json:"missingParameters"`
}

type ToolCallRequestedData struct {
	RunID    uuid.UUID       `json:"runId"`
	ToolCall ToolCallPayload `json:"toolCall"`
}

// ToolCallPayload is the client-facing view of a tool call awaiting approval.
// ArgumentsJSON is the arguments object serialized as a string.
type ToolCallPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"argumentsJson"`
}

type ToolCallResultData struct {
	RunID      uuid.UUID       `json:"runId"`
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

// Error reasons carried in ErrorData.Code.
const (
	ErrorReasonCancelled  = "cancelled"
	ErrorReasonRejected   = "rejected"
	ErrorReasonTool       = "tool_failed"
	ErrorReasonGeneration = "generation_failed"
	ErrorReasonConflict   = "conflict"
	ErrorReasonInternal   = "internal"
)

type ErrorData struct {
	RunID   uuid.UUID `json:"runId"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

type DoneData struct {
	RunID uuid.UUID `json:"runId"`
}
