package kaiwa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity headers accepted by servers running with auth disabled.
const (
	headerTenant = "X-Kaiwa-Tenant"
	headerUser   = "X-Kaiwa-User"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kaiwa server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer JWT. Leave empty for servers running with auth
	// disabled and set Tenant and User instead.
	Token string

	// Tenant and User are sent as identity headers when Token is empty.
	Tenant string
	User   string

	// HTTPClient is an optional custom HTTP client. If nil, a client
	// without an overall timeout is used so streams can stay open.
	HTTPClient *http.Client

	// Timeout applies to individual non-streaming requests. Defaults to
	// 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kaiwa API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	tenant  string
	user    string
	client  *http.Client
	timeout time.Duration
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or no identity is configured.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kaiwa: BaseURL is required")
	}
	if cfg.Token == "" && (cfg.Tenant == "" || cfg.User == "") {
		return nil, fmt.Errorf("kaiwa: Token, or Tenant and User, is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		tenant:  cfg.Tenant,
		user:    cfg.User,
		client:  httpClient,
		timeout: timeout,
	}, nil
}

// StartRun starts a Run and returns its event stream. The stream's RunID,
// ConversationID and Locator are known before any event is read. A conversation that already has an active Run is
// reported as a conflict error before any event is read. Cancelling ctx
// closes the stream, which cancels the Run on the server.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*EventStream, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("kaiwa: marshal request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("kaiwa: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kaiwa: POST /v1/runs: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	stream, err := newEventStream(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return stream, nil
}

// GetRun returns a Run with its tool calls. locator may be empty.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID, locator string) (*Run, error) {
	path := "/v1/runs/" + runID.String()
	if locator != "" {
		path += "?locator=" + url.QueryEscape(locator)
	}
	var run Run
	if err := c.get(ctx, path, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Stop requests cancellation of a Run. It succeeds on finished Runs with
// Applied false.
func (c *Client) Stop(ctx context.Context, runID uuid.UUID, locator string) (*ControlResponse, error) {
	var resp ControlResponse
	body := map[string]string{"locator": locator}
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/stop", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveToolCall approves or rejects the tool call a Run is waiting on.
// Only the first resolution applies; later calls report it with Applied
// false.
func (c *Client) ResolveToolCall(ctx context.Context, runID uuid.UUID, toolCallID string, approved bool, locator string) (*ControlResponse, error) {
	var resp ControlResponse
	body := map[string]any{"approved": approved, "locator": locator}
	path := "/v1/runs/" + runID.String() + "/tool-calls/" + url.PathEscape(toolCallID) + "/resolve"
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SupplyParameters fills in missing tool parameters. Values are encoded as
// JSON.
func (c *Client) SupplyParameters(ctx context.Context, runID uuid.UUID, toolCallID string, params map[string]any, locator string) (*ControlResponse, error) {
	var resp ControlResponse
	body := map[string]any{"parameters": params, "locator": locator}
	path := "/v1/runs/" + runID.String() + "/tool-calls/" + url.PathEscape(toolCallID) + "/parameters"
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListMessages returns a conversation's history, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := c.get(ctx, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Tools lists the tools the model may call.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	var infos []ToolInfo
	if err := c.get(ctx, "/v1/tools", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// UploadFile uploads r as a file and returns its reference. Pass the id in
// StartRunRequest.FileIDs to attach it to a message.
func (c *Client) UploadFile(ctx context.Context, name, contentType string, r io.Reader) (*FileUpload, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeFilePart(mw, name, contentType, r)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("kaiwa: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var up FileUpload
	if err := c.doRequest(req, &up); err != nil {
		return nil, err
	}
	return &up, nil
}

func writeFilePart(mw *multipart.Writer, name, contentType string, r io.Reader) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	req.Header.Set(headerTenant, c.tenant)
	req.Header.Set(headerUser, c.user)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kaiwa: marshal request body: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kaiwa: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kaiwa: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kaiwa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kaiwa: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kaiwa: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
