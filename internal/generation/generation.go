// Package generation wraps the language model behind a small streaming
// contract: one call to Stream produces one generation turn.
package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

// EventKind discriminates Event.
type EventKind string

const (
	KindTextDelta EventKind = "text_delta"
	KindToolCall  EventKind = "tool_call"
	KindDone      EventKind = "done"
)

// ToolCall is a model request to invoke a tool. Arguments may be
// incomplete or empty.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Event is one item of a generation turn.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
}

// Request is the input to one generation turn.
type Request struct {
	Messages []model.Message
	Tools    []tools.Definition
}

// Adapter starts generation turns.
type Adapter interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields the events of one turn. Recv returns io.EOF after the last
// event. A turn ends with a KindDone event, or with one or more
// KindToolCall events when the model wants tools run before it continues.
// Close must be called by the consumer.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Error reports a failure of the upstream model or its transport.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation: %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Text builds a KindTextDelta event.
func Text(s string) Event { return Event{Kind: KindTextDelta, Text: s} }

// Call builds a KindToolCall event.
func Call(id, name, args string) Event {
	return Event{Kind: KindToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}}
}

// Done builds a KindDone event.
func Done() Event { return Event{Kind: KindDone} }
