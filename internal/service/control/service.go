// Package control implements the out-of-band calls that steer a Run while
// its stream is open: stop, approve or reject a tool call, and supply
// missing tool parameters. Each call mutates the Run Store with a
// conditional write and then publishes a change signal; none of them
// touch the engine directly. HTTP and MCP handlers share this service.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

var (
	// ErrNotPending is returned when a tool call is not awaiting the
	// requested decision, such as supplying parameters to a call that
	// already has them.
	ErrNotPending = errors.New("control: tool call is not awaiting this action")

	// ErrInvalidParameters is returned when supplied parameters are not
	// valid JSON or leave required parameters missing.
	ErrInvalidParameters = errors.New("control: invalid parameters")
)

// Caller identifies who is issuing a control call. Runs outside the
// caller's tenant and user are reported as not found.
type Caller struct {
	TenantID string
	UserID   string
}

// Service applies control calls to the Run Store.
type Service struct {
	store    runstore.Store
	notifier runstore.Notifier
	resolver *runstore.LocatorResolver
	executor tools.Executor
	logger   *slog.Logger
}

// New creates a control Service. notifier may be nil; engines then observe
// changes at their poll interval.
func New(store runstore.Store, notifier runstore.Notifier, resolver *runstore.LocatorResolver, executor tools.Executor, logger *slog.Logger) *Service {
	if resolver == nil {
		resolver = runstore.NewLocatorResolver(store, nil, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, resolver: resolver, executor: executor, logger: logger}
}

// Remember caches the locator of a Run created on this instance so later
// control calls without a locator hint skip the store lookup.
func (s *Service) Remember(run model.Run) {
	s.resolver.Remember(run.ID, run.Locator())
}

func (s *Service) locate(ctx context.Context, caller Caller, runID uuid.UUID, hint string) (model.Locator, error) {
	loc, err := s.resolver.Resolve(ctx, runID, hint)
	if err != nil {
		return model.Locator{}, err
	}
	if loc.TenantID != caller.TenantID || loc.UserID != caller.UserID {
		return model.Locator{}, fmt.Errorf("control: run %s: %w", runID, runstore.ErrNotFound)
	}
	return loc, nil
}

func (s *Service) publish(ctx context.Context, runID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, runID); err != nil {
		s.logger.Warn("control: publish change", "run_id", runID, "error", err)
	}
}

// Status returns the Run with its tool calls, for reconciling after a
// dropped stream.
func (s *Service) Status(ctx context.Context, caller Caller, runID uuid.UUID, hint string) (model.Run, error) {
	loc, err := s.locate(ctx, caller, runID, hint)
	if err != nil {
		return model.Run{}, err
	}
	return s.store.LoadRun(ctx, loc, runID)
}

// Stop requests cancellation. It succeeds for any existing Run and is a
// no-op on terminal Runs.
func (s *Service) Stop(ctx context.Context, caller Caller, runID uuid.UUID, hint string) (model.ControlResponse, error) {
	loc, err := s.locate(ctx, caller, runID, hint)
	if err != nil {
		return model.ControlResponse{}, err
	}
	run, err := s.store.RequestCancel(ctx, loc, runID)
	if err != nil {
		return model.ControlResponse{}, err
	}
	applied := !run.State.Terminal()
	if applied {
		s.publish(ctx, runID)
	}
	s.logger.Info("stop requested", "run_id", runID, "state", run.State, "applied", applied)
	return model.ControlResponse{RunID: runID, State: run.State, Applied: applied}, nil
}

// ResolveToolCall approves or rejects the Run's pending tool call. Exactly
// one resolution is ever applied; a call that finds the tool call already
// resolved returns success with Applied false.
func (s *Service) ResolveToolCall(ctx context.Context, caller Caller, runID uuid.UUID, toolCallID string, approved bool, hint string) (model.ControlResponse, error) {
	loc, err := s.locate(ctx, caller, runID, hint)
	if err != nil {
		return model.ControlResponse{}, err
	}
	run, err := s.store.LoadRun(ctx, loc, runID)
	if err != nil {
		return model.ControlResponse{}, err
	}
	tc, ok := run.ToolCall(toolCallID)
	if !ok {
		return model.ControlResponse{}, fmt.Errorf("control: tool call %s: %w", toolCallID, runstore.ErrNotFound)
	}
	resp := model.ControlResponse{RunID: runID, ToolCallID: toolCallID, State: run.State, ToolCallStatus: tc.Status}
	if tc.Status.Resolved() {
		return resp, nil
	}
	if !isPending(run, toolCallID) {
		return model.ControlResponse{}, fmt.Errorf("control: tool call %s is %s: %w", toolCallID, tc.Status, ErrNotPending)
	}

	next := model.ToolCallRejected
	if approved {
		next = model.ToolCallApproved
	}
	updated, err := s.store.CASUpdateToolCall(ctx, loc, runID, toolCallID, model.ToolCallPending, next, model.ToolCallPatch{})
	if err != nil {
		if errors.Is(err, runstore.ErrAlreadyResolved) && updated.Status.Resolved() {
			resp.ToolCallStatus = updated.Status
			return resp, nil
		}
		if errors.Is(err, runstore.ErrAlreadyResolved) {
			return model.ControlResponse{}, fmt.Errorf("control: tool call %s is %s: %w", toolCallID, updated.Status, ErrNotPending)
		}
		return model.ControlResponse{}, err
	}
	s.publish(ctx, runID)
	s.logger.Info("tool call resolved", "run_id", runID, "tool_call_id", toolCallID, "status", updated.Status)

	resp.ToolCallStatus = updated.Status
	resp.Applied = true
	return resp, nil
}

// SupplyParameters merges params into a tool call awaiting parameters and
// moves it to PENDING. It is rejected without any write unless the call is
// the Run's pending call in PARAMETERS_REQUESTED and the merged arguments
// satisfy every required parameter.
func (s *Service) SupplyParameters(ctx context.Context, caller Caller, runID uuid.UUID, toolCallID string, params map[string]json.RawMessage, hint string) (model.ControlResponse, error) {
	loc, err := s.locate(ctx, caller, runID, hint)
	if err != nil {
		return model.ControlResponse{}, err
	}
	run, err := s.store.LoadRun(ctx, loc, runID)
	if err != nil {
		return model.ControlResponse{}, err
	}
	tc, ok := run.ToolCall(toolCallID)
	if !ok {
		return model.ControlResponse{}, fmt.Errorf("control: tool call %s: %w", toolCallID, runstore.ErrNotFound)
	}
	if tc.Status != model.ToolCallParametersRequested || !isPending(run, toolCallID) {
		return model.ControlResponse{}, fmt.Errorf("control: tool call %s is %s: %w", toolCallID, tc.Status, ErrNotPending)
	}
	if len(params) == 0 {
		return model.ControlResponse{}, fmt.Errorf("%w: parameters is required", ErrInvalidParameters)
	}

	merged, err := tools.MergeArguments(tc.Arguments, params)
	if err != nil {
		return model.ControlResponse{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	missing, err := s.executor.MissingParameters(tc.Name, merged)
	if err != nil {
		return model.ControlResponse{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if len(missing) > 0 {
		return model.ControlResponse{}, fmt.Errorf("%w: still missing %s", ErrInvalidParameters, strings.Join(missing, ", "))
	}

	updated, err := s.store.CASUpdateToolCall(ctx, loc, runID, toolCallID,
		model.ToolCallParametersRequested, model.ToolCallPending, model.ToolCallPatch{Arguments: merged})
	if err != nil {
		if errors.Is(err, runstore.ErrAlreadyResolved) {
			return model.ControlResponse{}, fmt.Errorf("control: tool call %s is %s: %w", toolCallID, updated.Status, ErrNotPending)
		}
		return model.ControlResponse{}, err
	}
	s.publish(ctx, runID)
	s.logger.Info("tool parameters supplied", "run_id", runID, "tool_call_id", toolCallID)

	return model.ControlResponse{
		RunID:          runID,
		ToolCallID:     toolCallID,
		State:          run.State,
		ToolCallStatus: updated.Status,
		Applied:        true,
	}, nil
}

// Messages returns a conversation's history for the caller.
func (s *Service) Messages(ctx context.Context, caller Caller, conversationID string) ([]model.Message, error) {
	return s.store.ListMessages(ctx, model.Locator{
		TenantID:       caller.TenantID,
		UserID:         caller.UserID,
		ConversationID: conversationID,
	})
}

// isPending reports whether toolCallID is the call a live Run is blocked on.
func isPending(run model.Run, toolCallID string) bool {
	return !run.State.Terminal() && run.PendingToolCallID != nil && *run.PendingToolCallID == toolCallID
}
