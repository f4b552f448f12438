package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// MCPCaller is the subset of an MCP client used to import remote tools.
type MCPCaller interface {
	ListTools(ctx context.Context, req mcplib.ListToolsRequest) (*mcplib.ListToolsResult, error)
	CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
}

// ConnectMCP opens a streamable-HTTP MCP client to url and completes the
// initialize handshake.
func ConnectMCP(ctx context.Context, url string, headers map[string]string, version string) (*mcpclient.Client, error) {
	c, err := mcpclient.NewStreamableHttpClient(url, mcptransport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("tools: create mcp client: %w", err)
	}
	if _, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "kaiwa", Version: version},
		},
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tools: initialize mcp client: %w", err)
	}
	return c, nil
}

// RegisterMCP lists the remote server's tools and registers each in r.
// Calls are forwarded to the remote server.
func RegisterMCP(ctx context.Context, r *Registry, c MCPCaller) error {
	res, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("tools: list mcp tools: %w", err)
	}
	for _, t := range res.Tools {
		schema := t.RawInputSchema
		if len(schema) == 0 {
			schema, err = json.Marshal(t.InputSchema)
			if err != nil {
				return fmt.Errorf("tools: %s: encode mcp schema: %w", t.Name, err)
			}
		}
		if err := r.Register(Tool{
			Definition: Definition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
				Source:      SourceMCP,
			},
			Handler: mcpHandler(c, t.Name),
		}); err != nil {
			return err
		}
	}
	return nil
}

func mcpHandler(c MCPCaller, name string) Handler {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var arguments map[string]any
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		res, err := c.CallTool(ctx, mcplib.CallToolRequest{
			Params: mcplib.CallToolParams{Name: name, Arguments: arguments},
		})
		if err != nil {
			return nil, fmt.Errorf("call mcp tool: %w", err)
		}

		var texts []string
		for _, content := range res.Content {
			if tc, ok := mcplib.AsTextContent(content); ok {
				texts = append(texts, tc.Text)
			}
		}
		text := strings.Join(texts, "\n")
		if res.IsError {
			return nil, fmt.Errorf("remote tool error: %s", truncate(text, 200))
		}
		if len(texts) == 1 && json.Valid([]byte(text)) {
			return json.RawMessage(text), nil
		}
		return json.Marshal(text)
	}
}
