package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/dispatch-core/services/providers"
)

// ExecutionError represents a failed tool invocation. The dispatch loop
// surfaces these to the model as tool output rather than aborting the
// conversation.
type ExecutionError struct {
	Tool    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s failed: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// Unwrap implements error unwrapping
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Executor lists available tools and runs individual calls.
type Executor interface {
	ListTools(ctx context.Context) ([]providers.ToolDefinition, error)
	Call(ctx context.Context, name string, arguments json.RawMessage) (string, error)
}

// Client is an HTTP Executor against the tool host service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a tool host client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type listToolsResponse struct {
	Tools []providers.ToolDefinition `json:"tools"`
}

// ListTools fetches the tool definitions the host currently advertises.
func (c *Client) ListTools(ctx context.Context) ([]providers.ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("create list tools request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list tools: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed listToolsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return parsed.Tools, nil
}

type callRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type callResponse struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Call executes a named tool with the given arguments and returns its
// textual result.
func (c *Client) Call(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(callRequest{Name: name, Arguments: arguments})
	if err != nil {
		return "", &ExecutionError{Tool: name, Message: "marshal arguments", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/call", bytes.NewReader(body))
	if err != nil {
		return "", &ExecutionError{Tool: name, Message: "create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ExecutionError{Tool: name, Message: "transport failure", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &ExecutionError{
			Tool:    name,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var parsed callResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &ExecutionError{Tool: name, Message: "decode response", Cause: err}
	}
	if parsed.Error != "" {
		return "", &ExecutionError{Tool: name, Message: parsed.Error}
	}

	c.logger.Debug("tool call completed", zap.String("tool", name))
	return parsed.Result, nil
}
