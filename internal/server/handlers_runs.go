package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/files"
	"github.com/ashita-ai/kaiwa/internal/model"
)

// HandleStartRun handles POST /v1/runs. Validation and the busy-conversation
// check answer with a JSON error; once the Run exists the response is an
// SSE stream that ends when the Run is terminal.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}
	caller, _ := callerFrom(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.StartRunRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if len(req.FileIDs) > 0 {
		if h.files == nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "file uploads are not enabled")
			return
		}
		owner := files.Owner{TenantID: caller.TenantID, UserID: caller.UserID}
		if err := h.files.Exists(r.Context(), owner, req.FileIDs); err != nil {
			if errors.Is(err, files.ErrNotFound) {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown file id")
				return
			}
			h.writeServiceError(w, r, err)
			return
		}
	}

	conversationID := req.ThreadID
	if conversationID == "" {
		conversationID = "conv_" + uuid.NewString()
	}
	run, err := h.engine.Start(r.Context(), engine.StartInput{
		Locator: model.Locator{
			TenantID:       caller.TenantID,
			UserID:         caller.UserID,
			ConversationID: conversationID,
		},
		Messages: req.Messages,
		FileIDs:  req.FileIDs,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.control.Remember(run)

	stream := startSSE(r.Context(), w, flusher, run)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		stream.keepalive(h.keepalive, stop)
	}()

	final, err := h.engine.Drive(r.Context(), run, stream.Send)
	close(stop)
	<-done

	attrs := []any{"run_id", run.ID, "state", final.State}
	switch {
	case err == nil, errors.Is(err, engine.ErrCancelled):
		h.logger.Info("run finished", attrs...)
	default:
		h.logger.Warn("run finished with error", append(attrs, "error", err)...)
	}
}

// HandleGetRun handles GET /v1/runs/{run_id}. The optional locator query
// parameter skips the run-id lookup.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	run, err := h.control.Status(r.Context(), caller, runID, r.URL.Query().Get("locator"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if run.ToolCalls == nil {
		run.ToolCalls = []model.ToolCall{}
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleStopRun handles POST /v1/runs/{run_id}/stop.
func (h *Handlers) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.StopRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	resp, err := h.control.Stop(r.Context(), caller, runID, req.Locator)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleResolveToolCall handles
// POST /v1/runs/{run_id}/tool-calls/{tool_call_id}/resolve.
func (h *Handlers) HandleResolveToolCall(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.ResolveToolCallRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Approved == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "approved is required")
		return
	}

	resp, err := h.control.ResolveToolCall(r.Context(), caller, runID, r.PathValue("tool_call_id"), *req.Approved, req.Locator)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSupplyParameters handles
// POST /v1/runs/{run_id}/tool-calls/{tool_call_id}/parameters.
func (h *Handlers) HandleSupplyParameters(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r)
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.SupplyParametersRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	resp, err := h.control.SupplyParameters(r.Context(), caller, runID, r.PathValue("tool_call_id"), req.Parameters, req.Locator)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleUploadFile handles POST /v1/files: a multipart form whose "file"
// part is streamed to the file store.
func (h *Handlers) HandleUploadFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "file uploads are not enabled")
		return
	}
	caller, _ := callerFrom(r)
	if max := h.files.MaxBytes(); max > 0 {
		// Leave room for multipart framing; the store enforces the exact cap.
		r.Body = http.MaxBytesReader(w, r.Body, max+64<<10)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expected multipart/form-data")
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing file part")
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		up, err := h.files.Save(ctx, files.Owner{TenantID: caller.TenantID, UserID: caller.UserID},
			part.FileName(), part.Header.Get("Content-Type"), part)
		cancel()
		_ = part.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				err = files.ErrTooLarge
			}
			h.writeServiceError(w, r, err)
			return
		}
		h.logger.Info("file uploaded", "file_id", up.ID, "size", up.Size)
		writeJSON(w, r, http.StatusCreated, up)
		return
	}
}
