// Package tools implements the Tool Executor: a catalog of named,
// JSON-Schema-described capabilities and the call path that validates
// arguments and invokes them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool is returned for names not present in the catalog.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArguments is returned when arguments are malformed or fail
	// schema validation. Such calls are never retried.
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// ExecutionError wraps a failure raised by the tool itself.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tools: %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Source values reported in Definition.Source.
const (
	SourceBuiltin  = "builtin"
	SourceWebhook  = "webhook"
	SourceMCP      = "mcp"
	SourceEmbedded = "embedded"
)

// Definition describes a tool to the model and to clients.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Source      string          `json:"source"`
}

// Executor runs tools by name.
type Executor interface {
	// Execute validates args against the tool's schema and invokes it once.
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

	// Definitions lists the catalog in registration order.
	Definitions() []Definition

	// MissingParameters reports required parameters absent from args.
	// Unparsable (incomplete) arguments report every required parameter.
	MissingParameters(name string, args json.RawMessage) ([]string, error)
}

// Handler implements a tool. args has already passed schema validation.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool couples a Definition with its Handler.
type Tool struct {
	Definition
	Handler Handler
}

// MergeArguments overlays params onto the JSON object in base. An
// unparsable base is treated as empty.
func MergeArguments(base json.RawMessage, params map[string]json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil || merged == nil {
			merged = map[string]json.RawMessage{}
		}
	}
	for k, v := range params {
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: parameter %q is not valid JSON", ErrInvalidArguments, k)
		}
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("tools: marshal arguments: %w", err)
	}
	return out, nil
}
