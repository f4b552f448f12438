// Package mcp exposes Run control over the Model Context Protocol.
//
// An MCP-capable agent supervising a chat can inspect a Run, stop it,
// approve or reject its pending tool call and supply missing parameters.
// Every tool delegates to the same control service as the HTTP API and
// acts for the principal the gateway's auth middleware resolved.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaiwa/internal/service/control"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

// Server wraps the MCP server with Kaiwa's control service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	control   *control.Service
	executor  tools.Executor
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc *control.Service, executor tools.Executor, logger *slog.Logger, version string) *Server {
	s := &Server{
		control:  svc,
		executor: executor,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaiwa",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

