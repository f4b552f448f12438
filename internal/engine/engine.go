// Package engine drives a Run through its state machine: it streams
// generation turns, suspends on tool-call approval and parameter
// collection, executes approved tools, and emits the ordered event
// sequence for the Run's stream.
//
// The engine is the only writer of a Run's state. Control calls never
// touch the engine directly; they mutate the store and publish a change
// signal, and the engine observes the change at its next check (a push
// signal or the poll interval, whichever comes first).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kaiwa/internal/generation"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

// ErrCancelled is returned by Drive when the Run ended because a stop was
// requested or the client went away.
var ErrCancelled = errors.New("engine: run cancelled")

// ErrEncodeEvent marks an Emitter failure to serialize an event. Unlike
// other Emitter errors it does not mean the client is gone; the Run fails
// as an internal error and the error event is still sent.
var ErrEncodeEvent = errors.New("engine: encode event")

var errDisconnected = errors.New("engine: client disconnected")

const (
	DefaultPollInterval = 500 * time.Millisecond
	finalizeTimeout     = 5 * time.Second
)

// Emitter delivers one event to the Run's stream. A non-nil error means
// the client is gone and the engine stops emitting and cancels the Run,
// unless the error wraps ErrEncodeEvent.
type Emitter func(model.Event) error

// Config holds the engine's collaborators.
type Config struct {
	Store        runstore.Store
	Notifier     runstore.Notifier // optional; polling alone is sufficient
	Adapter      generation.Adapter
	Executor     tools.Executor
	Logger       *slog.Logger
	PollInterval time.Duration
	SystemPrompt string
}

// Engine starts and drives Runs.
type Engine struct {
	store        runstore.Store
	notifier     runstore.Notifier
	adapter      generation.Adapter
	executor     tools.Executor
	logger       *slog.Logger
	pollInterval time.Duration
	systemPrompt string

	tracer        trace.Tracer
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	toolsExecuted metric.Int64Counter
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("engine: generation adapter is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: tool executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	meter := telemetry.Meter("kaiwa/engine")
	started, _ := meter.Int64Counter("kaiwa.runs.started",
		metric.WithDescription("Runs created"))
	finished, _ := meter.Int64Counter("kaiwa.runs.finished",
		metric.WithDescription("Runs that reached a terminal state"))
	executed, _ := meter.Int64Counter("kaiwa.tool_calls.executed",
		metric.WithDescription("Approved tool calls executed"))

	return &Engine{
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		adapter:       cfg.Adapter,
		executor:      cfg.Executor,
		logger:        cfg.Logger,
		pollInterval:  cfg.PollInterval,
		systemPrompt:  cfg.SystemPrompt,
		tracer:        otel.Tracer("kaiwa/engine"),
		runsStarted:   started,
		runsFinished:  finished,
		toolsExecuted: executed,
	}, nil
}

// StartInput is a new user turn.
type StartInput struct {
	Locator  model.Locator
	Messages []model.InputMessage
	FileIDs  []string
}

// Start creates a Run in STREAMING and appends the submitted messages to
// the conversation. File ids are attached to the last user message. It
// fails with runstore.ErrActiveRunExists if the conversation is busy.
func (e *Engine) Start(ctx context.Context, in StartInput) (model.Run, error) {
	run, err := e.store.CreateRun(ctx, model.NewRun{ID: uuid.New(), Locator: in.Locator})
	if err != nil {
		return model.Run{}, fmt.Errorf("engine: start: %w", err)
	}

	lastUser := -1
	for i, m := range in.Messages {
		if m.Role == model.RoleUser {
			lastUser = i
		}
	}
	for i, m := range in.Messages {
		msg := model.Message{RunID: &run.ID, Role: m.Role, Content: m.Content}
		if i == lastUser {
			msg.FileIDs = in.FileIDs
		}
		if _, err := e.store.AppendMessage(ctx, in.Locator, msg); err != nil {
			reason := "failed to record input"
			if _, cerr := e.store.CASUpdateRun(context.WithoutCancel(ctx), in.Locator, run.ID, run.Version,
				model.RunUpdate{State: model.RunStateFailed, Error: &reason}); cerr != nil {
				e.logger.Error("engine: fail run after append error", "run_id", run.ID, "error", cerr)
			}
			return model.Run{}, fmt.Errorf("engine: start: append message: %w", err)
		}
	}

	e.runsStarted.Add(ctx, 1)
	e.logger.Info("run started", "run_id", run.ID, "conversation_id", run.ConversationID)
	return run, nil
}

// Drive runs the state machine for run until it is terminal, calling emit
// for each event in transition order. Every event is emitted after the
// write it reports has been stored. It returns the final Run and the
// error that ended it, if any; ErrCancelled for stops and disconnects.
func (e *Engine) Drive(ctx context.Context, run model.Run, emit Emitter) (model.Run, error) {
	ctx, span := e.tracer.Start(ctx, "kaiwa.run",
		trace.WithAttributes(attribute.String("kaiwa.run_id", run.ID.String())))
	defer span.End()

	r := &runner{
		e:    e,
		loc:  run.Locator(),
		run:  run,
		emit: emit,
		log:  e.logger.With("run_id", run.ID, "conversation_id", run.ConversationID),
	}
	if e.notifier != nil {
		wake, release := e.notifier.Subscribe(run.ID)
		defer release()
		r.wake = wake
	}

	final, err := r.finish(ctx, r.loop(ctx))
	span.SetAttributes(attribute.String("kaiwa.run_state", string(final.State)))
	e.runsFinished.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("state", string(final.State))))
	return final, err
}

// outcome classifies an error that ended a Run.
type outcome struct {
	state   model.RunState
	code    string
	message string
}

func classify(err error) outcome {
	var genErr *generation.Error
	var execErr *tools.ExecutionError
	switch {
	case errors.Is(err, ErrCancelled):
		return outcome{model.RunStateCancelled, model.ErrorReasonCancelled, "run cancelled"}
	case errors.As(err, &genErr):
		return outcome{model.RunStateFailed, model.ErrorReasonGeneration, "generation failed: " + genErr.Err.Error()}
	case errors.As(err, &execErr), errors.Is(err, tools.ErrUnknownTool), errors.Is(err, tools.ErrInvalidArguments):
		return outcome{model.RunStateFailed, model.ErrorReasonTool, err.Error()}
	case errors.Is(err, runstore.ErrConcurrencyConflict):
		return outcome{model.RunStateFailed, model.ErrorReasonConflict, "run was modified concurrently"}
	default:
		return outcome{model.RunStateFailed, model.ErrorReasonInternal, "internal error"}
	}
}
