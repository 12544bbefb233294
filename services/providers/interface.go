package providers

import (
	"context"
	"encoding/json"
)

// Message represents a single message in a conversation.
type Message struct {
	// Role can be "system", "user", "assistant" or "tool"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// Name is the tool name for role=tool messages
	Name string `json:"name,omitempty"`

	// ToolCallID links a tool result back to the call that produced it
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls carries the calls an assistant message requested
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured request from the model to execute a named
// external capability.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool advertised to the model. The
// core routes these through untouched; schemas stay opaque.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// GenerationRequest is the unified input every provider accepts.
type GenerationRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// StreamEvent is one unit yielded by a provider stream. Consumers receive
// TextEvent and ToolCallEvent values until a DoneEvent or ErrorEvent, after
// which the channel is closed.
type StreamEvent interface {
	streamEvent()
}

// TextEvent carries incremental text from the model.
type TextEvent struct {
	Text string
}

func (TextEvent) streamEvent() {}

// ToolCallEvent carries a fully-formed tool call requested by the model.
type ToolCallEvent struct {
	Call ToolCall
}

func (ToolCallEvent) streamEvent() {}

// DoneEvent signals clean completion of the stream.
type DoneEvent struct{}

func (DoneEvent) streamEvent() {}

// ErrorEvent signals a transport or backend failure mid-stream.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) streamEvent() {}

// Provider is an interchangeable generation backend. Each Stream call
// yields a fresh event channel; streams are lazy and per-call, never
// globally restartable.
type Provider interface {
	// Name returns the provider id (e.g. "openai", "anthropic", "local")
	Name() string

	// Stream starts a generation and returns its event channel. The channel
	// is closed after a DoneEvent or ErrorEvent, or when ctx is cancelled.
	Stream(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error)
}

// ProviderError represents an error from a provider backend.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}
