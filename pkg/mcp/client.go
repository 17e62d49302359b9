package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/stream"
)

// HTTPInvoker calls tools through the chat backend's MCP endpoints
type HTTPInvoker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.ComponentLogger
}

// NewHTTPInvoker creates an invoker against baseURL
func NewHTTPInvoker(baseURL, apiKey string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithComponent("mcp"),
	}
}

// Invoke implements Invoker. A failed call still returns a record carrying
// the error, so it can be shown to the user.
func (c *HTTPInvoker) Invoke(ctx context.Context, server, tool string, params map[string]any) (*ToolInvocationRecord, error) {
	if params == nil {
		params = map[string]any{}
	}
	record := &ToolInvocationRecord{
		ID:         uuid.New().String(),
		ToolName:   tool,
		ServerName: server,
		Parameters: params,
		Timestamp:  time.Now(),
	}

	endpoint := fmt.Sprintf("%s/mcp/servers/%s/tools/%s/execute", c.baseURL, url.PathEscape(server), url.PathEscape(tool))
	var response ToolInvocationRecord
	start := time.Now()
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"parameters": params}, &response)
	record.Duration = time.Since(start)

	if err != nil {
		record.Error = err.Error()
		record.Status = "error"
		c.log.Warn("tool call failed", "tool", tool, "server", server, "error", err)
		return record, err
	}

	record.Result = response.Result
	record.Status = response.Status
	record.Error = response.Error
	c.log.Info("tool call finished", "tool", tool, "server", server, "status", record.Status, "duration", record.Duration)
	return record, nil
}

// ListTools returns the tools a server offers
func (c *HTTPInvoker) ListTools(ctx context.Context, server string) ([]ToolDefinition, error) {
	endpoint := fmt.Sprintf("%s/mcp/servers/%s/tools/", c.baseURL, url.PathEscape(server))
	var tools []ToolDefinition
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &tools); err != nil {
		return nil, err
	}
	for i := range tools {
		tools[i].Server = server
	}
	return tools, nil
}

func (c *HTTPInvoker) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &stream.TransportError{Op: "tool request", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &stream.TransportError{Op: "tool request", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &errResp) == nil {
			if errResp.Error != "" {
				msg = errResp.Error
			} else if errResp.Message != "" {
				msg = errResp.Message
			}
		}
		return &stream.TransportError{Op: "tool request", Status: resp.StatusCode, Body: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

var _ Invoker = (*HTTPInvoker)(nil)
