package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiwa/internal/generation"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

// runner holds the state of one Drive call. r.run is the last record
// written or read by this runner; its Version is the CAS token.
type runner struct {
	e    *Engine
	loc  model.Locator
	run  model.Run
	emit Emitter
	wake <-chan struct{}
	log  *slog.Logger

	sendFailed bool
}

func (r *runner) loop(ctx context.Context) error {
	for !r.run.State.Terminal() {
		var err error
		switch r.run.State {
		case model.RunStateStreaming:
			err = r.generate(ctx)
		case model.RunStateAwaitingParameters:
			err = r.awaitParameters(ctx)
		case model.RunStateAwaitingApproval:
			err = r.awaitApproval(ctx)
		case model.RunStateExecutingTool:
			err = r.execute(ctx)
		default:
			err = fmt.Errorf("engine: unexpected state %q", r.run.State)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// finish records the terminal state for a Run that ended with err and
// emits the single error event. After a disconnect nothing is emitted.
func (r *runner) finish(ctx context.Context, err error) (model.Run, error) {
	if err == nil {
		r.log.Info("run finished", "state", r.run.State)
		return r.run, nil
	}

	disconnected := errors.Is(err, errDisconnected) || ctx.Err() != nil
	out := classify(err)
	if disconnected {
		out = outcome{model.RunStateCancelled, model.ErrorReasonCancelled, "client disconnected"}
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if !r.run.State.Terminal() {
		if terr := r.terminate(wctx, out.state, out.message); terr != nil {
			r.log.Error("engine: record terminal state", "state", out.state, "error", terr)
		}
	}
	if r.run.State == model.RunStateCancelled && out.state != model.RunStateCancelled {
		out = outcome{model.RunStateCancelled, model.ErrorReasonCancelled, "run cancelled"}
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	switch out.state {
	case model.RunStateCancelled:
		r.log.Info("run cancelled", "reason", out.message)
	default:
		r.log.Warn("run failed", "code", out.code, "error", err)
	}

	if !disconnected {
		_ = r.send(model.EventError, model.ErrorData{RunID: r.run.ID, Message: out.message, Code: out.code})
	}
	return r.run, err
}

// terminate writes a terminal state. A version conflict is retried once
// against the reloaded record unless that record is already terminal. A
// recorded stop turns any other terminal state into CANCELLED.
func (r *runner) terminate(ctx context.Context, state model.RunState, message string) error {
	msg := message
	upd := model.RunUpdate{State: state, Error: &msg}
	run, err := r.e.store.CASUpdateRun(ctx, r.loc, r.run.ID, r.run.Version, upd)
	if errors.Is(err, runstore.ErrCancelRequested) {
		msg = "run cancelled"
		upd.State = model.RunStateCancelled
		run, err = r.e.store.CASUpdateRun(ctx, r.loc, r.run.ID, r.run.Version, upd)
	}
	if errors.Is(err, runstore.ErrConcurrencyConflict) {
		current, lerr := r.e.store.LoadRun(ctx, r.loc, r.run.ID)
		if lerr != nil {
			return lerr
		}
		if current.State.Terminal() {
			r.run = current
			return nil
		}
		run, err = r.e.store.CASUpdateRun(ctx, r.loc, r.run.ID, current.Version, upd)
	}
	if err != nil {
		return err
	}
	r.run = run
	return nil
}

func (r *runner) send(typ model.EventType, data any) error {
	if r.sendFailed {
		return errDisconnected
	}
	if err := r.emit(model.Event{Type: typ, Data: data}); err != nil {
		if errors.Is(err, ErrEncodeEvent) {
			return err
		}
		r.sendFailed = true
		return fmt.Errorf("%w: %v", errDisconnected, err)
	}
	return nil
}

// transition performs the engine-owned versioned write. The store refuses
// it once a stop is recorded, so a stop accepted before the write always
// wins.
func (r *runner) transition(ctx context.Context, state model.RunState, pending *string, errMsg *string) error {
	from := r.run.State
	run, err := r.e.store.CASUpdateRun(ctx, r.loc, r.run.ID, r.run.Version, model.RunUpdate{
		State:             state,
		PendingToolCallID: pending,
		Error:             errMsg,
	})
	if errors.Is(err, runstore.ErrCancelRequested) {
		r.run.CancelRequested = true
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if err != nil {
		return err
	}
	r.run = run
	r.log.Debug("run transition", "from", from, "to", state, "version", run.Version)
	return nil
}

// reload refreshes r.run. A version other than the one this runner last
// wrote means another writer touched the Run.
func (r *runner) reload(ctx context.Context) error {
	run, err := r.e.store.LoadRun(ctx, r.loc, r.run.ID)
	if err != nil {
		return err
	}
	if run.Version != r.run.Version {
		return fmt.Errorf("engine: run %s at version %d, expected %d: %w",
			run.ID, run.Version, r.run.Version, runstore.ErrConcurrencyConflict)
	}
	r.run = run
	return nil
}

func (r *runner) checkCancel(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}
	if r.run.CancelRequested {
		return ErrCancelled
	}
	return nil
}

// await blocks until ready reports true for the reloaded Run, checking
// for cancellation on every wake-up. Wake-ups come from change signals
// and the poll ticker.
func (r *runner) await(ctx context.Context, ready func(model.Run) bool) error {
	ticker := time.NewTicker(r.e.pollInterval)
	defer ticker.Stop()
	for {
		if err := r.checkCancel(ctx); err != nil {
			return err
		}
		if ready(r.run) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// cancelPoint is the check made between generation events. It reloads
// only when signalled or when the poll interval has elapsed.
func (r *runner) cancelPoint(ctx context.Context, last *time.Time) error {
	select {
	case <-r.wake:
	default:
		if time.Since(*last) < r.e.pollInterval {
			return nil
		}
	}
	*last = time.Now()
	return r.checkCancel(ctx)
}

func (r *runner) history(ctx context.Context) ([]model.Message, error) {
	msgs, err := r.e.store.ListMessages(ctx, r.loc)
	if err != nil {
		return nil, err
	}
	if r.e.systemPrompt == "" {
		return msgs, nil
	}
	return append([]model.Message{{Role: model.RoleSystem, Content: r.e.systemPrompt}}, msgs...), nil
}

// generate plays one generation turn. The turn either completes the Run
// or leaves it suspended on its last requested tool call.
func (r *runner) generate(ctx context.Context) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	msgs, err := r.history(ctx)
	if err != nil {
		return err
	}
	stream, err := r.e.adapter.Stream(ctx, generation.Request{Messages: msgs, Tools: r.e.executor.Definitions()})
	if err != nil {
		return asGenerationError(err)
	}
	defer func() { _ = stream.Close() }()

	var (
		text  strings.Builder
		calls []model.ToolCall
		done  bool
		last  = time.Now()
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return asGenerationError(err)
		}
		if err := r.cancelPoint(ctx, &last); err != nil {
			return err
		}

		switch ev.Kind {
		case generation.KindTextDelta:
			if ev.Text == "" {
				continue
			}
			text.WriteString(ev.Text)
			if err := r.send(model.EventMessageDelta, model.MessageDeltaData{RunID: r.run.ID, DeltaText: ev.Text}); err != nil {
				return err
			}
		case generation.KindToolCall:
			if ev.ToolCall == nil {
				return &generation.Error{Provider: "adapter", Err: errors.New("tool call event without payload")}
			}
			tc, err := r.recordToolCall(ctx, *ev.ToolCall)
			if err != nil {
				return err
			}
			calls = append(calls, tc)
		case generation.KindDone:
			done = true
		}
	}

	switch {
	case len(calls) > 0:
		return r.suspend(ctx, text.String(), calls[len(calls)-1])
	case done:
		return r.complete(ctx, text.String())
	default:
		return &generation.Error{Provider: "adapter", Err: errors.New("turn ended without completion or tool call")}
	}
}

// recordToolCall persists a requested tool call as soon as it arrives.
// Its initial status depends on whether required parameters are missing.
func (r *runner) recordToolCall(ctx context.Context, call generation.ToolCall) (model.ToolCall, error) {
	id := call.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	status := model.ToolCallPending
	missing, err := r.e.executor.MissingParameters(call.Name, args)
	if err != nil {
		// Unknown tools and malformed arguments surface when the call
		// becomes pending or is executed.
		missing = nil
	}
	if len(missing) > 0 {
		status = model.ToolCallParametersRequested
	}

	tc, err := r.e.store.InsertToolCall(ctx, r.loc, r.run.ID, model.ToolCall{
		ID:                id,
		RunID:             r.run.ID,
		Name:              call.Name,
		Arguments:         args,
		Status:            status,
		MissingParameters: missing,
	})
	if err != nil {
		return model.ToolCall{}, err
	}
	r.log.Debug("tool call requested", "tool_call_id", tc.ID, "tool", tc.Name, "status", tc.Status)
	return tc, nil
}

// suspend ends a turn that requested tools. Only the last request becomes
// pending; earlier ones in the same turn stay as recorded.
func (r *runner) suspend(ctx context.Context, text string, tc model.ToolCall) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	if _, err := r.e.executor.MissingParameters(tc.Name, tc.Arguments); errors.Is(err, tools.ErrUnknownTool) {
		return r.failUnknownTool(ctx, tc, err)
	}

	if _, err := r.e.store.AppendMessage(ctx, r.loc, model.Message{
		RunID:     &r.run.ID,
		Role:      model.RoleAssistant,
		Content:   text,
		ToolCalls: []model.ToolCallRef{{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}},
	}); err != nil {
		return err
	}

	id := tc.ID
	if tc.Status == model.ToolCallParametersRequested {
		if err := r.transition(ctx, model.RunStateAwaitingParameters, &id, nil); err != nil {
			return err
		}
		return r.send(model.EventParameterRequest, model.ParameterRequestData{
			RunID:             r.run.ID,
			ToolCallID:        tc.ID,
			ToolName:          tc.Name,
			MissingParameters: tc.MissingParameters,
		})
	}
	if err := r.transition(ctx, model.RunStateAwaitingApproval, &id, nil); err != nil {
		return err
	}
	return r.sendToolCallRequested(tc)
}

// failUnknownTool closes out a tool call that can never run so it does not
// stay PENDING on a terminal Run.
func (r *runner) failUnknownTool(ctx context.Context, tc model.ToolCall, cause error) error {
	msg := cause.Error()
	if _, err := r.e.store.CASUpdateToolCall(ctx, r.loc, r.run.ID, tc.ID,
		tc.Status, model.ToolCallExecutionFailed, model.ToolCallPatch{Error: &msg}); err != nil {
		r.log.Error("engine: fail unknown tool call", "tool_call_id", tc.ID, "error", err)
	}
	return fmt.Errorf("engine: tool call %s: %w", tc.ID, cause)
}

func (r *runner) sendToolCallRequested(tc model.ToolCall) error {
	return r.send(model.EventToolCallRequested, model.ToolCallRequestedData{
		RunID: r.run.ID,
		ToolCall: model.ToolCallPayload{
			ID:            tc.ID,
			Name:          tc.Name,
			ArgumentsJSON: string(tc.Arguments),
		},
	})
}

// complete ends the Run after a turn that finished without tool calls.
func (r *runner) complete(ctx context.Context, text string) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	msg, err := r.e.store.AppendMessage(ctx, r.loc, model.Message{
		RunID:   &r.run.ID,
		Role:    model.RoleAssistant,
		Content: text,
	})
	if err != nil {
		return err
	}
	if err := r.transition(ctx, model.RunStateDone, nil, nil); err != nil {
		return err
	}
	if err := r.send(model.EventMessageDone, model.MessageDoneData{RunID: r.run.ID, Message: msg}); err != nil {
		return err
	}
	return r.send(model.EventDone, model.DoneData{RunID: r.run.ID})
}

func (r *runner) pending() (model.ToolCall, error) {
	tc, ok := r.run.PendingToolCall()
	if !ok {
		return model.ToolCall{}, fmt.Errorf("engine: run %s in %s has no pending tool call", r.run.ID, r.run.State)
	}
	return tc, nil
}

func (r *runner) pendingStatus(run model.Run) model.ToolCallStatus {
	tc, _ := run.PendingToolCall()
	return tc.Status
}

// awaitParameters suspends until the pending call leaves
// PARAMETERS_REQUESTED. A call that was supplied and already resolved
// while the engine slept still passes through AWAITING_APPROVAL.
func (r *runner) awaitParameters(ctx context.Context) error {
	if err := r.await(ctx, func(run model.Run) bool {
		return r.pendingStatus(run) != model.ToolCallParametersRequested
	}); err != nil {
		return err
	}
	tc, err := r.pending()
	if err != nil {
		return err
	}
	id := tc.ID
	if err := r.transition(ctx, model.RunStateAwaitingApproval, &id, nil); err != nil {
		return err
	}
	return r.sendToolCallRequested(tc)
}

// awaitApproval suspends until the pending call is approved or rejected.
func (r *runner) awaitApproval(ctx context.Context) error {
	if err := r.await(ctx, func(run model.Run) bool {
		return r.pendingStatus(run).Resolved()
	}); err != nil {
		return err
	}
	tc, err := r.pending()
	if err != nil {
		return err
	}

	switch tc.Status {
	case model.ToolCallRejected:
		msg := "tool call rejected"
		if err := r.transition(ctx, model.RunStateDone, nil, &msg); err != nil {
			return err
		}
		r.log.Info("tool call rejected", "tool_call_id", tc.ID)
		return r.send(model.EventError, model.ErrorData{RunID: r.run.ID, Message: msg, Code: model.ErrorReasonRejected})
	case model.ToolCallApproved:
		id := tc.ID
		return r.transition(ctx, model.RunStateExecutingTool, &id, nil)
	default:
		return fmt.Errorf("engine: tool call %s is %s before execution", tc.ID, tc.Status)
	}
}

// execute runs the approved tool once. The call is not aborted by a stop;
// its result is recorded but discarded if cancellation is observed after.
func (r *runner) execute(ctx context.Context) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	tc, err := r.pending()
	if err != nil {
		return err
	}

	wctx := context.WithoutCancel(ctx)
	result, execErr := r.e.executor.Execute(wctx, tc.Name, tc.Arguments)
	if execErr != nil {
		msg := execErr.Error()
		if _, err := r.e.store.CASUpdateToolCall(wctx, r.loc, r.run.ID, tc.ID,
			model.ToolCallApproved, model.ToolCallExecutionFailed, model.ToolCallPatch{Error: &msg}); err != nil {
			return err
		}
		r.e.toolsExecuted.Add(wctx, 1, metric.WithAttributes(
			attribute.String("tool", tc.Name), attribute.String("outcome", "failed")))
		if err := r.checkCancel(ctx); err != nil {
			return err
		}
		return execErr
	}

	if _, err := r.e.store.CASUpdateToolCall(wctx, r.loc, r.run.ID, tc.ID,
		model.ToolCallApproved, model.ToolCallExecuted, model.ToolCallPatch{Result: result}); err != nil {
		return err
	}
	r.e.toolsExecuted.Add(wctx, 1, metric.WithAttributes(
		attribute.String("tool", tc.Name), attribute.String("outcome", "executed")))
	if err := r.checkCancel(ctx); err != nil {
		return err
	}

	if _, err := r.e.store.AppendMessage(ctx, r.loc, model.Message{
		RunID:      &r.run.ID,
		Role:       model.RoleTool,
		Content:    string(result),
		ToolCallID: tc.ID,
	}); err != nil {
		return err
	}
	if err := r.transition(ctx, model.RunStateStreaming, nil, nil); err != nil {
		return err
	}
	return r.send(model.EventToolCallResult, model.ToolCallResultData{
		RunID:      r.run.ID,
		ToolCallID: tc.ID,
		Result:     result,
	})
}

func asGenerationError(err error) error {
	var genErr *generation.Error
	if errors.As(err, &genErr) {
		return err
	}
	return &generation.Error{Provider: "adapter", Err: err}
}
