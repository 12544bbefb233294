package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/upb/dispatch-core/services/providers"
)

const (
	defaultHost  = "http://localhost:11434"
	defaultModel = "llama3.1"
)

// Config holds Ollama adapter configuration.
type Config struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// Adapter implements the Provider interface against a local Ollama
// instance. It registers under the name "local" so requests addressed to
// the local backend resolve here.
type Adapter struct {
	config     Config
	httpClient *http.Client
}

// NewAdapter creates a new Ollama adapter.
func NewAdapter(config Config) *Adapter {
	if config.Host == "" {
		config.Host = defaultHost
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = 300 * time.Second
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
	return "local"
}

// Stream starts a streaming chat against /api/chat. Ollama streams
// newline-delimited JSON objects, one message delta per line. Tool
// definitions are not forwarded; the local backend answers text only.
func (a *Adapter) Stream(ctx context.Context, req providers.GenerationRequest) (<-chan providers.StreamEvent, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "Ollama request failed", 0, true, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, providers.NewProviderError(a.Name(), "API_ERROR",
			fmt.Sprintf("Ollama API error (status %d): %s", resp.StatusCode, string(respBody)),
			resp.StatusCode, resp.StatusCode >= 500, nil)
	}

	events := make(chan providers.StreamEvent, 32)
	go a.consume(resp.Body, events)
	return events, nil
}

func (a *Adapter) consume(body io.ReadCloser, events chan<- providers.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			events <- providers.ErrorEvent{
				Err: providers.NewProviderError(a.Name(), "API_ERROR", chunk.Error, 0, false, nil),
			}
			return
		}
		if chunk.Message.Content != "" {
			events <- providers.TextEvent{Text: chunk.Message.Content}
		}
		if chunk.Done {
			events <- providers.DoneEvent{}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		events <- providers.ErrorEvent{
			Err: providers.NewProviderError(a.Name(), "STREAM_ERROR", "stream read failed", 0, true, err),
		}
		return
	}

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
		role := m.Role
		// Ollama has no tool role; fold tool results into user turns so
		// the model still sees them.
		if role == "tool" {
			role = "user"
		}
		if m.Content == "" {
			continue
		}
		out.Messages = append(out.Messages, chatMessage{Role: role, Content: m.Content})
	}

	return out
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}
