package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/ctxutil"
	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/files"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/service/control"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

// Pinger reports backend liveness for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	control             *control.Service
	executor            tools.Executor
	files               *files.Store
	pinger              Pinger
	logger              *slog.Logger
	version             string
	storeName           string
	notifierName        string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	keepalive           time.Duration
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Engine              *engine.Engine
	Control             *control.Service
	Executor            tools.Executor
	Files               *files.Store // optional; nil disables uploads
	Pinger              Pinger       // optional
	Logger              *slog.Logger
	Version             string
	StoreName           string
	NotifierName        string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		engine:              d.Engine,
		control:             d.Control,
		executor:            d.Executor,
		files:               d.Files,
		pinger:              d.Pinger,
		logger:              d.Logger,
		version:             d.Version,
		storeName:           d.StoreName,
		notifierName:        d.NotifierName,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		keepalive:           keepaliveInterval,
		startedAt:           time.Now(),
	}
}

func callerFrom(r *http.Request) (control.Caller, bool) {
	p, ok := ctxutil.PrincipalFromContext(r.Context())
	return control.Caller{TenantID: p.TenantID, UserID: p.UserID}, ok
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("run_id"))
}

// writeServiceError maps store, control and file errors onto the API
// envelope. Anything unrecognised is logged and reported as internal.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, runstore.ErrNotFound), errors.Is(err, files.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, runstore.ErrActiveRunExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "conversation already has an active run")
	case errors.Is(err, control.ErrNotPending):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "tool call is not awaiting this action")
	case errors.Is(err, runstore.ErrConcurrencyConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run was modified concurrently")
	case errors.Is(err, control.ErrInvalidParameters):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrInvalidLocator):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid locator")
	case errors.Is(err, files.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	defs := h.executor.Definitions()
	out := make([]model.ToolInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, model.ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
			Source:      d.Source,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleListMessages handles GET /v1/conversations/{conversation_id}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	conversationID := r.PathValue("conversation_id")
	if conversationID == "" || len(conversationID) > model.MaxThreadIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	msgs, err := h.control.Messages(r.Context(), caller, conversationID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("health: store ping failed", "error", err)
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Store:    h.storeName,
		Notifier: h.notifierName,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(h.openapiSpec)
}
