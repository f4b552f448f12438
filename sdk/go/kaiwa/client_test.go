package kaiwa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the Kaiwa API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Tenant:  "acme",
		User:    "ada",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Tenant: "acme", User: "ada"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", Tenant: "acme"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", Token: "t"})
	assert.NoError(t, err)
}

func TestStartRunStreamsEvents(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "acme", r.Header.Get(headerTenant))
			assert.Equal(t, "ada", r.Header.Get(headerUser))
			var req StartRunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "conv-1", req.ThreadID)

			w.Header().Set(HeaderRunID, runID.String())
			w.Header().Set(HeaderConversationID, "conv-1")
			w.Header().Set(HeaderLocator, "loc")
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ":keepalive\n\n")
			fmt.Fprintf(w, "event: message_delta\ndata: {\"runId\":%q,\"deltaText\":\"Hi\"}\n\n", runID)
			fmt.Fprintf(w, "event: done\ndata: {\"runId\":%q}\n\n", runID)
		},
	})
	c := newTestClient(t, srv.URL)

	stream, err := c.StartRun(context.Background(), StartRunRequest{
		Messages: []InputMessage{{Role: RoleUser, Content: "hello"}},
		ThreadID: "conv-1",
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	assert.Equal(t, runID, stream.RunID)
	assert.Equal(t, "conv-1", stream.ConversationID)
	assert.Equal(t, "loc", stream.Locator)

	ev, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, EventMessageDelta, ev.Type)
	var delta MessageDelta
	require.NoError(t, ev.Decode(&delta))
	assert.Equal(t, "Hi", delta.DeltaText)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Type)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStartRunRequiresRunIDHeader(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: done\ndata: {}\n\n")
		},
	})
	c := newTestClient(t, srv.URL)
	_, err := c.StartRun(context.Background(), StartRunRequest{Messages: []InputMessage{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), HeaderRunID)
}

func TestStartRunConflict(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "CONFLICT", "message": "conversation already has an active run"},
			})
		},
	})
	c := newTestClient(t, srv.URL)
	_, err := c.StartRun(context.Background(), StartRunRequest{Messages: []InputMessage{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "CONFLICT", apiErr.Code)
}

func TestControlCalls(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/stop": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, runID.String(), r.PathValue("run_id"))
			writeJSON(w, http.StatusOK, map[string]any{"data": ControlResponse{RunID: runID, State: RunStateAwaitingApproval, Applied: true}})
		},
		"POST /v1/runs/{run_id}/tool-calls/{tool_call_id}/resolve": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Approved bool   `json:"approved"`
				Locator  string `json:"locator"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.True(t, body.Approved)
			assert.Equal(t, "loc", body.Locator)
			writeJSON(w, http.StatusOK, map[string]any{"data": ControlResponse{
				RunID: runID, ToolCallID: r.PathValue("tool_call_id"), ToolCallStatus: ToolCallApproved, Applied: true,
			}})
		},
		"POST /v1/runs/{run_id}/tool-calls/{tool_call_id}/parameters": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Parameters map[string]json.RawMessage `json:"parameters"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.JSONEq(t, `"Asia/Tokyo"`, string(body.Parameters["timezone"]))
			writeJSON(w, http.StatusOK, map[string]any{"data": ControlResponse{RunID: runID, ToolCallStatus: ToolCallPending, Applied: true}})
		},
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "loc", r.URL.Query().Get("locator"))
			writeJSON(w, http.StatusOK, map[string]any{"data": Run{ID: runID, State: RunStateDone}})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	resp, err := c.Stop(ctx, runID, "")
	require.NoError(t, err)
	assert.True(t, resp.Applied)

	resp, err = c.ResolveToolCall(ctx, runID, "call_1", true, "loc")
	require.NoError(t, err)
	assert.Equal(t, "call_1", resp.ToolCallID)
	assert.Equal(t, ToolCallApproved, resp.ToolCallStatus)

	resp, err = c.SupplyParameters(ctx, runID, "call_1", map[string]any{"timezone": "Asia/Tokyo"}, "")
	require.NoError(t, err)
	assert.Equal(t, ToolCallPending, resp.ToolCallStatus)

	run, err := c.GetRun(ctx, runID, "loc")
	require.NoError(t, err)
	assert.Equal(t, RunStateDone, run.State)
}

func TestNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": "not found"}})
		},
	})
	_, err := newTestClient(t, srv.URL).GetRun(context.Background(), uuid.New(), "")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
}

func TestUploadFile(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/files": func(w http.ResponseWriter, r *http.Request) {
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			defer func() { _ = f.Close() }()
			data, _ := io.ReadAll(f)
			assert.Equal(t, "hello", string(data))
			assert.Equal(t, "text/plain", hdr.Header.Get("Content-Type"))
			writeJSON(w, http.StatusCreated, map[string]any{"data": FileUpload{ID: "file_1", Name: hdr.Filename, Size: int64(len(data))}})
		},
	})
	up, err := newTestClient(t, srv.URL).UploadFile(context.Background(), "notes.txt", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "file_1", up.ID)
	assert.Equal(t, "notes.txt", up.Name)
}

func TestBearerToken(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/tools": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": []ToolInfo{{Name: "get_time"}}})
		},
	})
	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok"})
	require.NoError(t, err)
	tools, err := c.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	c, err = NewClient(Config{BaseURL: srv.URL, Token: "wrong"})
	require.NoError(t, err)
	_, err = c.Tools(context.Background())
	assert.True(t, IsUnauthorized(err))
}
