package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/dispatch-core/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4-turbo"
)

// Config holds OpenAI adapter configuration
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Adapter implements the Provider interface against the OpenAI chat
// completions API in streaming mode.
type Adapter struct {
	config     Config
	httpClient *http.Client
}

// NewAdapter creates a new OpenAI adapter
func NewAdapter(config Config) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "openai"
}

// Stream starts a streaming chat completion. Text deltas are forwarded as
// they arrive; tool call deltas are accumulated per index and emitted as
// complete calls when the model finishes requesting them.
func (a *Adapter) Stream(ctx context.Context, req providers.GenerationRequest) (<-chan providers.StreamEvent, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "HTTP request failed", 0, true, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, a.handleErrorResponse(resp.StatusCode, respBody)
	}

	events := make(chan providers.StreamEvent, 32)
	go a.consume(resp.Body, events)
	return events, nil
}

// consume reads the SSE body and translates frames into stream events.
func (a *Adapter) consume(body io.ReadCloser, events chan<- providers.StreamEvent) {
	defer close(events)
	defer body.Close()

	type toolState struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int]*toolState)
	var pendingOrder []int

	flushTools := func() {
		for _, idx := range pendingOrder {
			ts := pending[idx]
			events <- providers.ToolCallEvent{Call: providers.ToolCall{
				ID:        ts.id,
				Name:      ts.name,
				Arguments: json.RawMessage(ts.args.String()),
			}}
		}
		pending = make(map[int]*toolState)
		pendingOrder = nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			flushTools()
			events <- providers.DoneEvent{}
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Skip frames we cannot parse rather than killing the stream.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			events <- providers.TextEvent{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			ts, ok := pending[tc.Index]
			if !ok {
				ts = &toolState{}
				pending[tc.Index] = ts
				pendingOrder = append(pendingOrder, tc.Index)
			}
			if tc.ID != "" {
				ts.id = tc.ID
			}
			if tc.Function.Name != "" {
				ts.name = tc.Function.Name
			}
			ts.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason == "tool_calls" {
			flushTools()
		}
	}

	if err := scanner.Err(); err != nil {
		events <- providers.ErrorEvent{
			Err: providers.NewProviderError(a.Name(), "STREAM_ERROR", "stream read failed", 0, true, err),
		}
		return
	}

	// Body ended without a [DONE] frame; treat it as a clean end so partial
	// answers still terminate properly.
	flushTools()
	events <- providers.DoneEvent{}
}

func (a *Adapter) buildRequest(req providers.GenerationRequest) chatRequest {
	out := chatRequest{
		Model:  a.config.Model,
		Stream: true,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		if m.Role == "tool" {
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out.Messages = append(out.Messages, cm)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	return out
}

func (a *Adapter) handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := fmt.Sprintf("OpenAI API error (status %d)", statusCode)
	code := "API_ERROR"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		if errResp.Error.Code != "" {
			code = errResp.Error.Code
		}
	}

	retryable := statusCode == http.StatusTooManyRequests || statusCode >= 500
	return providers.NewProviderError(a.Name(), code, message, statusCode, retryable, nil)
}

// Wire types for the OpenAI chat completions API.

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
