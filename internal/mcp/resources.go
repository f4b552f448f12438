package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaiwa/internal/ctxutil"
	"github.com/ashita-ai/kaiwa/internal/service/control"
)

const (
	runURIPrefix          = "kaiwa://runs/"
	conversationURIPrefix = "kaiwa://conversations/"
)

func (s *Server) registerResources() {
	// kaiwa://runs/{run_id}: a run with its tool calls.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{run_id}",
			"Run",
			mcplib.WithTemplateDescription("A run's state, pending tool call and tool call history"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)

	// kaiwa://conversations/{conversation_id}/messages: conversation history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			conversationURIPrefix+"{conversation_id}/messages",
			"Conversation Messages",
			mcplib.WithTemplateDescription("Messages of one of the caller's conversations, oldest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleMessagesResource,
	)
}

func resourceCaller(ctx context.Context) (control.Caller, error) {
	p, ok := ctxutil.PrincipalFromContext(ctx)
	if !ok {
		return control.Caller{}, fmt.Errorf("mcp: unauthenticated")
	}
	return control.Caller{TenantID: p.TenantID, UserID: p.UserID}, nil
}

// parseRunURI extracts the run id from kaiwa://runs/{run_id}.
func parseRunURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	return id, nil
}

// parseMessagesURI extracts the conversation id from
// kaiwa://conversations/{conversation_id}/messages.
func parseMessagesURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, conversationURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid conversation URI: %s", uri)
	}
	id, ok := strings.CutSuffix(rest, "/messages")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid conversation URI: %s", uri)
	}
	return id, nil
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	c, err := resourceCaller(ctx)
	if err != nil {
		return nil, err
	}
	runID, err := parseRunURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	run, err := s.control.Status(ctx, c, runID, "")
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}
	return jsonContents(request.Params.URI, run)
}

func (s *Server) handleMessagesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	c, err := resourceCaller(ctx)
	if err != nil {
		return nil, err
	}
	conversationID, err := parseMessagesURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	msgs, err := s.control.Messages(ctx, c, conversationID)
	if err != nil {
		return nil, fmt.Errorf("mcp: messages: %w", err)
	}
	return jsonContents(request.Params.URI, msgs)
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
