package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/upb/dispatch-core/services/providers"
)

const defaultMaxTokens = 4096

// Config controls the Anthropic adapter.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// Adapter implements the Provider interface on top of the official
// Anthropic SDK's streaming Messages API.
type Adapter struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAdapter constructs an Anthropic adapter from config.
func NewAdapter(cfg Config) (*Adapter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Adapter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "anthropic"
}

// Stream calls the Anthropic Messages API in streaming mode. Tool input
// arrives as partial JSON deltas and is reassembled into complete calls
// before being emitted.
func (a *Adapter) Stream(ctx context.Context, req providers.GenerationRequest) (<-chan providers.StreamEvent, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages:  buildMessages(req.Messages),
	}

	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	events := make(chan providers.StreamEvent, 32)
	go func() {
		defer close(events)
		defer func() { _ = stream.Close() }()

		type toolState struct {
			id          string
			name        string
			partialJSON strings.Builder
		}
		var currentTool *toolState

		for stream.Next() {
			ev := stream.Current()

			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock.Type != "tool_use" {
					continue
				}
				currentTool = &toolState{
					id:   strings.TrimSpace(ev.ContentBlock.ID),
					name: strings.TrimSpace(ev.ContentBlock.Name),
				}

			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						events <- providers.TextEvent{Text: ev.Delta.Text}
					}
				case "input_json_delta":
					if currentTool != nil && ev.Delta.PartialJSON != "" {
						currentTool.partialJSON.WriteString(ev.Delta.PartialJSON)
					}
				}

			case "content_block_stop":
				if currentTool == nil {
					continue
				}

				rawJSON := strings.TrimSpace(currentTool.partialJSON.String())
				if rawJSON == "" {
					rawJSON = "{}"
				}
				if !json.Valid([]byte(rawJSON)) {
					events <- providers.ErrorEvent{Err: providers.NewProviderError(
						a.Name(), "INVALID_TOOL_INPUT",
						fmt.Sprintf("invalid tool input json for %q (%s)", currentTool.name, currentTool.id),
						0, false, nil,
					)}
					return
				}

				callID := currentTool.id
				if callID == "" {
					callID = currentTool.name
				}
				events <- providers.ToolCallEvent{Call: providers.ToolCall{
					ID:        callID,
					Name:      currentTool.name,
					Arguments: json.RawMessage(rawJSON),
				}}
				currentTool = nil
			}
		}

		if err := stream.Err(); err != nil {
			events <- providers.ErrorEvent{
				Err: providers.NewProviderError(a.Name(), "STREAM_ERROR", "stream failed", 0, true, err),
			}
			return
		}

		events <- providers.DoneEvent{}
	}()

	return events, nil
}

// buildMessages converts the unified history into Anthropic's required
// tool_use/tool_result structure. Tool results become user messages
// carrying tool_result blocks.
func buildMessages(history []providers.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, msg := range history {
		switch msg.Role {
		case "user":
			if strings.TrimSpace(msg.Content) != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, decodeArgs(call.Arguments), call.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}

		case "tool":
			id := strings.TrimSpace(msg.ToolCallID)
			if id == "" {
				id = msg.Name
			}
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(id, msg.Content, false),
			))

		case "system":
			if strings.TrimSpace(msg.Content) != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	return messages
}

func buildTools(tools []providers.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param := anthropic.ToolParam{
			Name:        tool.Name,
			InputSchema: schemaFromRaw(tool.InputSchema),
		}
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func schemaFromRaw(raw json.RawMessage) anthropic.ToolInputSchemaParam {
	schema := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}

	required := requiredFields(schema["required"])

	extras := map[string]any{}
	for key, value := range schema {
		switch key {
		case "properties", "required", "type":
			continue
		default:
			extras[key] = value
		}
	}

	param := anthropic.ToolInputSchemaParam{
		Properties: schema["properties"],
		Required:   required,
	}
	if len(extras) > 0 {
		param.ExtraFields = extras
	}
	return param
}

func requiredFields(value any) []string {
	switch items := value.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func decodeArgs(input json.RawMessage) any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}
