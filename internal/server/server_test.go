package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/files"
	"github.com/ashita-ai/kaiwa/internal/generation"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/service/control"
	"github.com/ashita-ai/kaiwa/internal/testutil"
	"github.com/ashita-ai/kaiwa/internal/tools"
)

type testEnv struct {
	srv   *httptest.Server
	store *runstore.Memory
	jwt   *auth.JWTManager
}

func newTestEnv(t *testing.T, withJWT bool) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()
	store := runstore.NewMemory()
	hub := runstore.NewHub()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))

	eng, err := engine.New(engine.Config{
		Store:        store,
		Notifier:     hub,
		Adapter:      generation.NewScriptedFunc(generation.Demo),
		Executor:     reg,
		Logger:       logger,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	fileStore, err := files.NewStore(t.TempDir(), 1024)
	require.NoError(t, err)

	env := &testEnv{store: store}
	if withJWT {
		env.jwt, err = auth.NewJWTManager("", "", time.Hour)
		require.NoError(t, err)
	}

	srv := New(ServerConfig{
		Engine:      eng,
		Control:     control.New(store, hub, nil, reg, logger),
		Executor:    reg,
		Logger:      logger,
		JWTMgr:      env.jwt,
		Files:       fileStore,
		Pinger:      store,
		Version:     "test",
		StoreName:   "memory",
		OpenAPISpec: []byte("openapi: 3.1.0\n"),
	})
	env.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenant, "acme")
	req.Header.Set(HeaderUser, "ada")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Data
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error.Code
}

type sseEvent struct {
	Type string
	Data json.RawMessage
}

// eventReader parses frames from an open SSE response.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(resp *http.Response) *eventReader {
	return &eventReader{scanner: bufio.NewScanner(resp.Body)}
}

// next returns the next event, skipping keepalive comments. ok is false at
// end of stream.
func (er *eventReader) next() (sseEvent, bool) {
	var ev sseEvent
	for er.scanner.Scan() {
		line := er.scanner.Text()
		switch {
		case line == "":
			if ev.Type != "" {
				return ev, true
			}
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}
	return ev, false
}

func (er *eventReader) until(t *testing.T, typ model.EventType) (sseEvent, []string) {
	t.Helper()
	var seen []string
	for {
		ev, ok := er.next()
		require.True(t, ok, "stream ended before %s; saw %v", typ, seen)
		seen = append(seen, ev.Type)
		if ev.Type == string(typ) {
			return ev, seen
		}
	}
}

// streamedRun is the Run identity a stream response carries in its headers.
type streamedRun struct {
	RunID   uuid.UUID
	Locator string
}

func streamRun(t *testing.T, resp *http.Response) streamedRun {
	t.Helper()
	id, err := uuid.Parse(resp.Header.Get(HeaderRunID))
	require.NoError(t, err, "run id header")
	loc := resp.Header.Get(HeaderLocator)
	require.NotEmpty(t, loc, "locator header")
	return streamedRun{RunID: id, Locator: loc}
}

func TestStartRun_ApprovalFlow(t *testing.T) {
	env := newTestEnv(t, false)
	resp := env.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{
		Messages: []model.InputMessage{{Role: model.RoleUser, Content: "what time is it?"}},
		ThreadID: "conv-1",
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	started := streamRun(t, resp)
	assert.Equal(t, "conv-1", resp.Header.Get(HeaderConversationID))
	loc, err := model.ParseLocator(started.Locator)
	require.NoError(t, err)
	assert.Equal(t, model.Locator{TenantID: "acme", UserID: "ada", ConversationID: "conv-1"}, loc)

	events := newEventReader(resp)
	ev, seen := events.until(t, model.EventToolCallRequested)
	assert.Equal(t, []string{
		string(model.EventMessageDelta),
		string(model.EventMessageDelta),
		string(model.EventToolCallRequested),
	}, seen, "the stream opens with run events")
	var requested model.ToolCallRequestedData
	require.NoError(t, json.Unmarshal(ev.Data, &requested))
	assert.Equal(t, "get_time", requested.ToolCall.Name)

	// The run is visible and suspended while the stream is open.
	status := env.do(t, http.MethodGet, "/v1/runs/"+started.RunID.String()+"?locator="+started.Locator, nil)
	require.Equal(t, http.StatusOK, status.StatusCode)
	run := decodeData[model.Run](t, status)
	assert.Equal(t, model.RunStateAwaitingApproval, run.State)

	approve := env.do(t, http.MethodPost,
		"/v1/runs/"+started.RunID.String()+"/tool-calls/"+requested.ToolCall.ID+"/resolve",
		map[string]any{"approved": true, "locator": started.Locator})
	require.Equal(t, http.StatusOK, approve.StatusCode)
	ctrl := decodeData[model.ControlResponse](t, approve)
	assert.True(t, ctrl.Applied)

	result, _ := events.until(t, model.EventToolCallResult)
	var res model.ToolCallResultData
	require.NoError(t, json.Unmarshal(result.Data, &res))
	assert.JSONEq(t, `"2026-03-01T12:00:00Z"`, string(res.Result))

	_, seen = events.until(t, model.EventDone)
	assert.Contains(t, seen, string(model.EventMessageDone))
	_, ok := events.next()
	assert.False(t, ok, "done is the last event")

	// A duplicate resolution after the fact reports the applied outcome.
	dup := env.do(t, http.MethodPost,
		"/v1/runs/"+started.RunID.String()+"/tool-calls/"+requested.ToolCall.ID+"/resolve",
		map[string]any{"approved": false})
	require.Equal(t, http.StatusOK, dup.StatusCode)
	ctrl = decodeData[model.ControlResponse](t, dup)
	assert.False(t, ctrl.Applied)
	assert.Equal(t, model.ToolCallExecuted, ctrl.ToolCallStatus)

	msgs := env.do(t, http.MethodGet, "/v1/conversations/conv-1/messages", nil)
	require.Equal(t, http.StatusOK, msgs.StatusCode)
	history := decodeData[[]model.Message](t, msgs)
	require.NotEmpty(t, history)
	assert.Equal(t, model.RoleUser, history[0].Role)
}

func TestStartRun_BusyConversationAndStop(t *testing.T) {
	env := newTestEnv(t, false)
	start := model.StartRunRequest{
		Messages: []model.InputMessage{{Role: model.RoleUser, Content: "time please"}},
		ThreadID: "conv-busy",
	}
	resp := env.do(t, http.MethodPost, "/v1/runs", start)
	defer func() { _ = resp.Body.Close() }()
	started := streamRun(t, resp)
	events := newEventReader(resp)
	events.until(t, model.EventToolCallRequested)

	busy := env.do(t, http.MethodPost, "/v1/runs", start)
	assert.Equal(t, http.StatusConflict, busy.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, busy))

	stop := env.do(t, http.MethodPost, "/v1/runs/"+started.RunID.String()+"/stop", nil)
	require.Equal(t, http.StatusOK, stop.StatusCode)
	assert.True(t, decodeData[model.ControlResponse](t, stop).Applied)

	errEv, _ := events.until(t, model.EventError)
	var data model.ErrorData
	require.NoError(t, json.Unmarshal(errEv.Data, &data))
	assert.Equal(t, model.ErrorReasonCancelled, data.Code)
	_, ok := events.next()
	assert.False(t, ok, "a cancelled run ends with its error event")

	run, err := env.store.LoadRun(context.Background(),
		model.Locator{TenantID: "acme", UserID: "ada", ConversationID: "conv-busy"}, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCancelled, run.State)

	// The conversation accepts a new run once the previous one is terminal.
	next := env.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{
		Messages: []model.InputMessage{{Role: model.RoleUser, Content: "hello"}},
		ThreadID: "conv-busy",
	})
	defer func() { _ = next.Body.Close() }()
	require.Equal(t, http.StatusOK, next.StatusCode)
	newEventReader(next).until(t, model.EventDone)
}

func TestStartRun_Validation(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name string
		body any
	}{
		{"no messages", map[string]any{"messages": []any{}}},
		{"assistant role", map[string]any{"messages": []any{map[string]any{"role": "assistant", "content": "x"}}}},
		{"unknown field", map[string]any{"messages": []any{map[string]any{"role": "user", "content": "x"}}, "bogus": 1}},
		{"unknown file", map[string]any{"messages": []any{map[string]any{"role": "user", "content": "x"}},
			"fileIds": []string{"file_00000000-0000-0000-0000-000000000000"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))
		})
	}
}

func TestControlErrors(t *testing.T) {
	env := newTestEnv(t, false)
	unknown := "00000000-0000-0000-0000-000000000001"
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad run id", http.MethodGet, "/v1/runs/nope", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown run", http.MethodGet, "/v1/runs/" + unknown, nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"stop unknown run", http.MethodPost, "/v1/runs/" + unknown + "/stop", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"resolve without approved", http.MethodPost, "/v1/runs/" + unknown + "/tool-calls/call_1/resolve",
			map[string]any{}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"resolve unknown run", http.MethodPost, "/v1/runs/" + unknown + "/tool-calls/call_1/resolve",
			map[string]any{"approved": true}, http.StatusNotFound, model.ErrCodeNotFound},
		{"malformed locator", http.MethodPost, "/v1/runs/" + unknown + "/tool-calls/call_1/parameters",
			map[string]any{"parameters": map[string]any{"timezone": "UTC"}, "locator": "%%%"}, http.StatusNotFound, model.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
}

func TestDevHeadersRequired(t *testing.T) {
	env := newTestEnv(t, false)
	resp, err := env.srv.Client().Get(env.srv.URL + "/v1/tools")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestJWTAuth(t *testing.T) {
	env := newTestEnv(t, true)
	token, _, err := env.jwt.IssueToken("acme", "ada")
	require.NoError(t, err)

	get := func(authz string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/tools", nil)
		require.NoError(t, err)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		// Dev headers are ignored once tokens are required.
		req.Header.Set(HeaderTenant, "acme")
		req.Header.Set(HeaderUser, "ada")
		resp, err := env.srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get("")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = get("Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = get("Bearer " + token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	infos := decodeData[[]model.ToolInfo](t, resp)
	assert.NotEmpty(t, infos)
}

func TestUploadFile(t *testing.T) {
	env := newTestEnv(t, false)
	upload := func(content []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "notes.txt")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/files", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set(HeaderTenant, "acme")
		req.Header.Set(HeaderUser, "ada")
		resp, err := env.srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := upload([]byte("hello"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	up := decodeData[model.FileUpload](t, resp)
	assert.Equal(t, "notes.txt", up.Name)
	assert.EqualValues(t, 5, up.Size)

	resp = upload(bytes.Repeat([]byte("x"), 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	_ = resp.Body.Close()

	// An uploaded file can be attached to a run.
	run := env.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{
		Messages: []model.InputMessage{{Role: model.RoleUser, Content: "summarize"}},
		FileIDs:  []string{up.ID},
		ThreadID: "conv-files",
	})
	defer func() { _ = run.Body.Close() }()
	require.Equal(t, http.StatusOK, run.StatusCode)
	newEventReader(run).until(t, model.EventDone)

	msgs, err := env.store.ListMessages(context.Background(),
		model.Locator{TenantID: "acme", UserID: "ada", ConversationID: "conv-files"})
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, []string{up.ID}, msgs[0].FileIDs)
}

func TestHealthAndOpenAPI(t *testing.T) {
	env := newTestEnv(t, false)
	resp, err := env.srv.Client().Get(env.srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Store)

	resp, err = env.srv.Client().Get(env.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestFormatSSE(t *testing.T) {
	got := formatSSE("done", []byte(`{"runId":"x"}`))
	assert.Equal(t, "event: done\ndata: {\"runId\":\"x\"}\n\n", string(got))
}
