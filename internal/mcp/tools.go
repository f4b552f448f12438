package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaiwa/internal/ctxutil"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/service/control"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_run_status",
			mcplib.WithDescription("Read a run's state, pending tool call and tool call history"),
			mcplib.WithString("run_id", mcplib.Description("Run id from the X-Kaiwa-Run-Id header of the run stream"), mcplib.Required()),
			mcplib.WithString("locator", mcplib.Description("Optional locator from the X-Kaiwa-Locator header of the run stream")),
		),
		s.handleRunStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_stop_run",
			mcplib.WithDescription("Request cancellation of a run. A no-op on finished runs."),
			mcplib.WithString("run_id", mcplib.Description("Run id"), mcplib.Required()),
			mcplib.WithString("locator", mcplib.Description("Optional locator from the X-Kaiwa-Locator header of the run stream")),
		),
		s.handleStopRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_resolve_tool_call",
			mcplib.WithDescription("Approve or reject the tool call a run is waiting on. Only the first resolution applies."),
			mcplib.WithString("run_id", mcplib.Description("Run id"), mcplib.Required()),
			mcplib.WithString("tool_call_id", mcplib.Description("Pending tool call id"), mcplib.Required()),
			mcplib.WithBoolean("approved", mcplib.Description("true to execute the tool, false to reject it"), mcplib.Required()),
			mcplib.WithString("locator", mcplib.Description("Optional locator from the X-Kaiwa-Locator header of the run stream")),
		),
		s.handleResolveToolCall,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_supply_parameters",
			mcplib.WithDescription("Supply the missing parameters of a tool call. The run then waits for approval."),
			mcplib.WithString("run_id", mcplib.Description("Run id"), mcplib.Required()),
			mcplib.WithString("tool_call_id", mcplib.Description("Tool call id from the parameter_request event"), mcplib.Required()),
			mcplib.WithObject("parameters", mcplib.Description("Parameter values merged over the tool call's arguments"), mcplib.Required()),
			mcplib.WithString("locator", mcplib.Description("Optional locator from the X-Kaiwa-Locator header of the run stream")),
		),
		s.handleSupplyParameters,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaiwa_list_tools",
			mcplib.WithDescription("List the tools the model may call, with their parameter schemas"),
		),
		s.handleListTools,
	)
}

// caller returns the principal for ctx or an error result for
// unauthenticated sessions.
func caller(ctx context.Context) (control.Caller, *mcplib.CallToolResult) {
	p, ok := ctxutil.PrincipalFromContext(ctx)
	if !ok {
		return control.Caller{}, errorResult("unauthenticated")
	}
	return control.Caller{TenantID: p.TenantID, UserID: p.UserID}, nil
}

func runIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("run_id must be a UUID")
	}
	return id, nil
}

// controlError turns a control-service failure into a tool error result.
// Unexpected errors are logged and reported generically.
func (s *Server) controlError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		return errorResult("not found")
	case errors.Is(err, control.ErrNotPending):
		return errorResult("tool call is not awaiting this action")
	case errors.Is(err, control.ErrInvalidParameters):
		return errorResult(err.Error())
	default:
		s.logger.Error("mcp: control call failed", "op", op, "error", err)
		return errorResult(fmt.Sprintf("%s failed", op))
	}
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	c, res := caller(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	run, err := s.control.Status(ctx, c, runID, request.GetString("locator", ""))
	if err != nil {
		return s.controlError("status", err), nil
	}
	return jsonResult(run)
}

func (s *Server) handleStopRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	c, res := caller(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	resp, err := s.control.Stop(ctx, c, runID, request.GetString("locator", ""))
	if err != nil {
		return s.controlError("stop", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleResolveToolCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	c, res := caller(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	toolCallID := request.GetString("tool_call_id", "")
	if toolCallID == "" {
		return errorResult("tool_call_id is required"), nil
	}
	approved, err := request.RequireBool("approved")
	if err != nil {
		return errorResult("approved is required"), nil
	}

	resp, err := s.control.ResolveToolCall(ctx, c, runID, toolCallID, approved, request.GetString("locator", ""))
	if err != nil {
		return s.controlError("resolve", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSupplyParameters(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	c, res := caller(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	toolCallID := request.GetString("tool_call_id", "")
	if toolCallID == "" {
		return errorResult("tool_call_id is required"), nil
	}
	raw, ok := request.GetArguments()["parameters"].(map[string]any)
	if !ok || len(raw) == 0 {
		return errorResult("parameters must be a non-empty object"), nil
	}
	params := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		b, err := json.Marshal(v)
		if err != nil {
			return errorResult(fmt.Sprintf("parameter %q is not JSON-encodable", k)), nil
		}
		params[k] = b
	}

	resp, err := s.control.SupplyParameters(ctx, c, runID, toolCallID, params, request.GetString("locator", ""))
	if err != nil {
		return s.controlError("supply parameters", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleListTools(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, res := caller(ctx); res != nil {
		return res, nil
	}
	defs := s.executor.Definitions()
	out := make([]model.ToolInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, model.ToolInfo{Name: d.Name, Description: d.Description, Parameters: d.Parameters, Source: d.Source})
	}
	return jsonResult(out)
}
