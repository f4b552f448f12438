// Package runstore defines the durable Run record contract shared by the
// engine and the control service, plus an in-memory implementation and the
// change-notification hub.
//
// All mutations are conditional. Run writes are guarded by the Run version
// and only the engine driving a Run performs them; tool call writes are
// guarded by the expected status so exactly one approve or reject wins.
package runstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

var (
	// ErrNotFound is returned when a Run or tool call does not exist under
	// the given locator.
	ErrNotFound = errors.New("runstore: not found")

	// ErrConcurrencyConflict is returned by CASUpdateRun when the stored
	// version does not match or the Run is already terminal.
	ErrConcurrencyConflict = errors.New("runstore: concurrency conflict")

	// ErrCancelRequested is returned by CASUpdateRun when a stop was
	// requested and the update would move the Run anywhere but CANCELLED.
	ErrCancelRequested = errors.New("runstore: cancel requested")

	// ErrAlreadyResolved is returned by CASUpdateToolCall when the tool call
	// is no longer in the expected status.
	ErrAlreadyResolved = errors.New("runstore: tool call already resolved")

	// ErrActiveRunExists is returned by CreateRun when the conversation
	// already has a non-terminal Run.
	ErrActiveRunExists = errors.New("runstore: conversation has an active run")

	// ErrDuplicateToolCall is returned by InsertToolCall when the Run already
	// holds a tool call with the same id.
	ErrDuplicateToolCall = errors.New("runstore: duplicate tool call id")
)

// Store is the durable, versioned record of Runs, their tool calls, and
// the conversation messages they produce.
type Store interface {
	// CreateRun inserts a Run in STREAMING at version 1.
	CreateRun(ctx context.Context, nr model.NewRun) (model.Run, error)

	// LoadRun returns the Run with its tool calls in creation order.
	LoadRun(ctx context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error)

	// ResolveLocator finds the partition key of a Run from its id alone.
	ResolveLocator(ctx context.Context, runID uuid.UUID) (model.Locator, error)

	// CASUpdateRun applies upd if the stored version equals expectedVersion
	// and the Run is not terminal, bumping the version. Once CancelRequested
	// is set only a move to CANCELLED is accepted; anything else fails with
	// ErrCancelRequested. It never touches CancelRequested.
	CASUpdateRun(ctx context.Context, loc model.Locator, runID uuid.UUID, expectedVersion int64, upd model.RunUpdate) (model.Run, error)

	// RequestCancel sets the sticky CancelRequested flag without bumping the
	// version. It is a no-op on terminal Runs.
	RequestCancel(ctx context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error)

	// InsertToolCall adds a tool call to a Run.
	InsertToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, tc model.ToolCall) (model.ToolCall, error)

	// LoadToolCall returns a single tool call.
	LoadToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, toolCallID string) (model.ToolCall, error)

	// CASUpdateToolCall moves a tool call from expected to next, writing
	// patch. When the stored status differs from expected it returns the
	// current record together with ErrAlreadyResolved.
	CASUpdateToolCall(ctx context.Context, loc model.Locator, runID uuid.UUID, toolCallID string, expected, next model.ToolCallStatus, patch model.ToolCallPatch) (model.ToolCall, error)

	// AppendMessage appends to the conversation, assigning ID, Seq and CreatedAt.
	AppendMessage(ctx context.Context, loc model.Locator, msg model.Message) (model.Message, error)

	// ListMessages returns the conversation in Seq order.
	ListMessages(ctx context.Context, loc model.Locator) ([]model.Message, error)

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}
