package tools

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMCP struct {
	tools  []mcplib.Tool
	calls  []mcplib.CallToolRequest
	result *mcplib.CallToolResult
}

func (f *fakeMCP) ListTools(context.Context, mcplib.ListToolsRequest) (*mcplib.ListToolsResult, error) {
	return &mcplib.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCP) CallTool(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	f.calls = append(f.calls, req)
	return f.result, nil
}

func textResult(text string, isError bool) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}

func TestRegisterMCP(t *testing.T) {
	fake := &fakeMCP{
		tools: []mcplib.Tool{
			mcplib.NewTool("search_docs",
				mcplib.WithDescription("Search internal docs"),
				mcplib.WithString("query", mcplib.Description("Search text"), mcplib.Required()),
			),
		},
	}
	r := NewRegistry()
	require.NoError(t, RegisterMCP(context.Background(), r, fake))

	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "search_docs", defs[0].Name)
	assert.Equal(t, SourceMCP, defs[0].Source)

	missing, err := r.MissingParameters("search_docs", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, missing)

	ctx := context.Background()

	t.Run("json text passes through", func(t *testing.T) {
		fake.result = textResult(`{"hits":3}`, false)
		out, err := r.Execute(ctx, "search_docs", json.RawMessage(`{"query":"sse"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"hits":3}`, string(out))
		last := fake.calls[len(fake.calls)-1]
		assert.Equal(t, "search_docs", last.Params.Name)
		assert.Equal(t, map[string]any{"query": "sse"}, last.Params.Arguments)
	})

	t.Run("plain text becomes string", func(t *testing.T) {
		fake.result = textResult("three hits", false)
		out, err := r.Execute(ctx, "search_docs", json.RawMessage(`{"query":"sse"}`))
		require.NoError(t, err)
		assert.Equal(t, `"three hits"`, string(out))
	})

	t.Run("remote error", func(t *testing.T) {
		fake.result = textResult("index offline", true)
		_, err := r.Execute(ctx, "search_docs", json.RawMessage(`{"query":"sse"}`))
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Contains(t, err.Error(), "index offline")
	})
}
