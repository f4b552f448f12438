package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/files"
	"github.com/ashita-ai/kaiwa/internal/ratelimit"
	"github.com/ashita-ai/kaiwa/internal/service/control"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

// Server is the Kaiwa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Limiter, Files, Pinger, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Engine   *engine.Engine
	Control  *control.Service
	Executor tools.Executor
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr    *auth.JWTManager // nil trusts the dev identity headers
	Limiter   ratelimit.Limiter
	Files     *files.Store
	Pinger    Pinger
	MCPServer *mcpserver.MCPServer

	// Middlewares wrap the whole handler; the first one is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	NotifierName        string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Control:             cfg.Control,
		Executor:            cfg.Executor,
		Files:               cfg.Files,
		Pinger:              cfg.Pinger,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StoreName:           cfg.StoreName,
		NotifierName:        cfg.NotifierName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	startRL := ratelimit.Middleware(cfg.Limiter, principalKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Runs: start streams over SSE, the rest are short control calls.
	mux.Handle("POST /v1/runs", startRL(http.HandlerFunc(h.HandleStartRun)))
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/stop", h.HandleStopRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/tool-calls/{tool_call_id}/resolve", h.HandleResolveToolCall)
	mux.HandleFunc("POST /v1/runs/{run_id}/tool-calls/{tool_call_id}/parameters", h.HandleSupplyParameters)

	mux.HandleFunc("POST /v1/files", h.HandleUploadFile)
	mux.HandleFunc("GET /v1/conversations/{conversation_id}/messages", h.HandleListMessages)
	mux.HandleFunc("GET /v1/tools", h.HandleListTools)

	// MCP StreamableHTTP transport for run control (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(mux, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	// Request contexts derive from baseCtx so shutdown ends open streams.
	baseCtx, cancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancel)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Open streams end when
// their request contexts are cancelled, which cancels their Runs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
