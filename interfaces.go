package kaiwa

import (
	"context"
	"encoding/json"
	"net/http"
)

// ToolHandler executes an approved tool call. args is the JSON arguments
// object; the returned value is recorded as the tool result and sent to the
// model. A returned error fails the Run.
type ToolHandler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
type Middleware func(http.Handler) http.Handler
