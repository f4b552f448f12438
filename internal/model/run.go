// Package model defines the core domain types for Kaiwa.
//
// Runs, tool calls and messages map directly to the tables in migrations/
// and to the payloads of the SSE events emitted while a Run is driven.
// Wire field names are camelCase to match the streaming protocol consumed
// by browser clients.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunStateStreaming          RunState = "STREAMING"
	RunStateAwaitingParameters RunState = "AWAITING_PARAMETERS"
	RunStateAwaitingApproval   RunState = "AWAITING_APPROVAL"
	RunStateExecutingTool      RunState = "EXECUTING_TOOL"
	RunStateDone               RunState = "DONE"
	RunStateCancelled          RunState = "CANCELLED"
	RunStateFailed             RunState = "FAILED"
)

// Terminal reports whether no further transition is possible from s.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateDone, RunStateCancelled, RunStateFailed:
		return true
	}
	return false
}

// Suspended reports whether s is a state in which the engine waits for a
// control call and performs no generation work.
func (s RunState) Suspended() bool {
	return s == RunStateAwaitingParameters || s == RunStateAwaitingApproval
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	switch s {
	case RunStateStreaming, RunStateAwaitingParameters, RunStateAwaitingApproval,
		RunStateExecutingTool, RunStateDone, RunStateCancelled, RunStateFailed:
		return true
	}
	return false
}

// Run is one execution of a chat turn, from the user's message to a
// terminal event. State, PendingToolCallID and Version are written only by
// the engine driving the Run; CancelRequested only by the stop path.
type Run struct {
	ID                uuid.UUID  `json:"runId"`
	TenantID          string     `json:"tenantId"`
	UserID            string     `json:"userId"`
	ConversationID    string     `json:"conversationId"`
	State             RunState   `json:"state"`
	PendingToolCallID *string    `json:"pendingToolCallId"`
	CancelRequested   bool       `json:"cancelRequested"`
	Version           int64      `json:"version"`
	Error             *string    `json:"error,omitempty"`
	ToolCalls         []ToolCall `json:"toolCalls"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// Locator returns the partition key that owns the Run.
func (r Run) Locator() Locator {
	return Locator{TenantID: r.TenantID, UserID: r.UserID, ConversationID: r.ConversationID}
}

// ToolCall returns the embedded tool call with the given id.
func (r Run) ToolCall(id string) (ToolCall, bool) {
	for _, tc := range r.ToolCalls {
		if tc.ID == id {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// PendingToolCall returns the tool call the Run is currently blocked on.
func (r Run) PendingToolCall() (ToolCall, bool) {
	if r.PendingToolCallID == nil {
		return ToolCall{}, false
	}
	return r.ToolCall(*r.PendingToolCallID)
}

// NewRun holds the caller-supplied fields for creating a Run.
type NewRun struct {
	ID      uuid.UUID
	Locator Locator
}

// RunUpdate is the engine-owned mutation applied by a versioned Run write.
// All three fields are written as given; a nil PendingToolCallID clears it.
type RunUpdate struct {
	State             RunState
	PendingToolCallID *string
	Error             *string
}

// ToolCallStatus is the lifecycle state of a ToolCall.
type ToolCallStatus string

const (
	ToolCallPending             ToolCallStatus = "PENDING"
	ToolCallParametersRequested ToolCallStatus = "PARAMETERS_REQUESTED"
	ToolCallApproved            ToolCallStatus = "APPROVED"
	ToolCallRejected            ToolCallStatus = "REJECTED"
	ToolCallExecuted            ToolCallStatus = "EXECUTED"
	ToolCallExecutionFailed     ToolCallStatus = "EXECUTION_FAILED"
)

// Resolved reports whether the approve/reject decision has been applied.
func (s ToolCallStatus) Resolved() bool {
	switch s {
	case ToolCallApproved, ToolCallRejected, ToolCallExecuted, ToolCallExecutionFailed:
		return true
	}
	return false
}

// ToolCall is one model-requested invocation of a named tool, scoped to a
// single Run. Its status only moves forward through conditional writes.
type ToolCall struct {
	ID                string          `json:"id"`
	RunID             uuid.UUID       `json:"runId"`
	Name              string          `json:"name"`
	Arguments         json.RawMessage `json:"argumentsJson"`
	Status            ToolCallStatus  `json:"status"`
	MissingParameters []string        `json:"missingParameters,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *string         `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// ToolCallPatch carries the payload written together with a status
// transition. Arguments, Result and Error are written when non-nil;
// MissingParameters is always written.
type ToolCallPatch struct {
	Arguments         json.RawMessage
	MissingParameters []string
	Result            json.RawMessage
	Error             *string
}
