package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request limits enforced at the gateway.
const (
	MaxInputMessages   = 64
	MaxMessageLen      = 64 * 1024 // 64 KB
	MaxFileIDsPerStart = 16
	MaxThreadIDLen     = 200
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// InputMessage is a message submitted by the client when starting a Run.
type InputMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StartRunRequest is the body of POST /v1/runs. ThreadID selects an
// existing conversation; when empty a new conversation is created.
type StartRunRequest struct {
	Messages []InputMessage `json:"messages"`
	FileIDs  []string       `json:"fileIds,omitempty"`
	ThreadID string         `json:"threadId,omitempty"`
}

// Validate checks shape and size limits.
func (r StartRunRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	if len(r.Messages) > MaxInputMessages {
		return fmt.Errorf("messages exceeds maximum of %d", MaxInputMessages)
	}
	hasUser := false
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser:
			hasUser = true
		case RoleSystem:
		default:
			return fmt.Errorf("messages[%d].role must be user or system (got %q)", i, m.Role)
		}
		if len(m.Content) > MaxMessageLen {
			return fmt.Errorf("messages[%d].content exceeds maximum length of %d bytes", i, MaxMessageLen)
		}
	}
	if !hasUser {
		return fmt.Errorf("messages must contain at least one user message")
	}
	if len(r.FileIDs) > MaxFileIDsPerStart {
		return fmt.Errorf("fileIds exceeds maximum of %d", MaxFileIDsPerStart)
	}
	if len(r.ThreadID) > MaxThreadIDLen {
		return fmt.Errorf("threadId exceeds maximum length of %d characters", MaxThreadIDLen)
	}
	return nil
}

// StopRequest is the optional body of POST /v1/runs/{run_id}/stop.
type StopRequest struct {
	Locator string `json:"locator,omitempty"`
}

// ResolveToolCallRequest is the body of the resolve endpoint.
type ResolveToolCallRequest struct {
	Approved *bool  `json:"approved"`
	Locator  string `json:"locator,omitempty"`
}

// SupplyParametersRequest is the body of the parameters endpoint. The
// parameters object is merged over the tool call's current arguments.
type SupplyParametersRequest struct {
	Parameters map[string]json.RawMessage `json:"parameters"`
	Locator    string                     `json:"locator,omitempty"`
}

// ControlResponse is returned by stop, resolve and supply-parameters.
// Applied is false when the call observed an already-applied outcome.
type ControlResponse struct {
	RunID          uuid.UUID      `json:"runId"`
	ToolCallID     string         `json:"toolCallId,omitempty"`
	State          RunState       `json:"state"`
	ToolCallStatus ToolCallStatus `json:"toolCallStatus,omitempty"`
	Applied        bool           `json:"applied"`
}

// ToolInfo describes a tool the model may call.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Source      string          `json:"source"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Store    string `json:"store"`
	Notifier string `json:"notifier,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
