package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultWebhookTimeout = 15 * time.Second
	maxWebhookResponse    = 1 << 20
)

// Catalog is the YAML document listing webhook-backed tools.
//
//	tools:
//	  - name: lookup_order
//	    description: Look up an order by id
//	    url: https://orders.internal/lookup
//	    timeout: 5s
//	    headers:
//	      Authorization: Bearer ${ORDERS_TOKEN}
//	    parameters:
//	      type: object
//	      properties:
//	        order_id: {type: string}
//	      required: [order_id]
type Catalog struct {
	Tools []WebhookTool `yaml:"tools"`
}

// WebhookTool describes one tool that is executed by an HTTP call.
type WebhookTool struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	Parameters  map[string]any    `yaml:"parameters"`
}

// LoadCatalog reads a YAML catalog from path. ${VAR} references in URLs
// and header values are expanded from the environment.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("tools: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and checks a YAML catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Catalog{}, fmt.Errorf("tools: parse catalog: %w", err)
	}
	for i := range c.Tools {
		wt := &c.Tools[i]
		if wt.Name == "" {
			return Catalog{}, fmt.Errorf("tools: catalog entry %d: name is required", i)
		}
		if wt.URL == "" {
			return Catalog{}, fmt.Errorf("tools: catalog entry %s: url is required", wt.Name)
		}
		wt.URL = os.ExpandEnv(wt.URL)
		for k, v := range wt.Headers {
			wt.Headers[k] = os.ExpandEnv(v)
		}
		if wt.Method == "" {
			wt.Method = http.MethodPost
		}
		wt.Method = strings.ToUpper(wt.Method)
		if wt.Timeout <= 0 {
			wt.Timeout = defaultWebhookTimeout
		}
	}
	return c, nil
}

// RegisterCatalog adds every webhook tool in c to r.
func RegisterCatalog(r *Registry, c Catalog, client *http.Client) error {
	if client == nil {
		client = http.DefaultClient
	}
	for _, wt := range c.Tools {
		params := json.RawMessage(nil)
		if wt.Parameters != nil {
			b, err := json.Marshal(wt.Parameters)
			if err != nil {
				return fmt.Errorf("tools: %s: encode parameters: %w", wt.Name, err)
			}
			params = b
		}
		if err := r.Register(Tool{
			Definition: Definition{
				Name:        wt.Name,
				Description: wt.Description,
				Parameters:  params,
				Source:      SourceWebhook,
			},
			Handler: webhookHandler(wt, client),
		}); err != nil {
			return err
		}
	}
	return nil
}

func webhookHandler(wt WebhookTool, client *http.Client) Handler {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, wt.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, wt.Method, wt.URL, bytes.NewReader(args))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range wt.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call webhook: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
		if err != nil {
			return nil, fmt.Errorf("read webhook response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(body) {
			return json.Marshal(string(body))
		}
		return body, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
