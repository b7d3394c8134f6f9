package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/driveline/al-assistant/internal/config"
	"github.com/driveline/al-assistant/internal/httpkit"
)

// OpenAIClient is a client for any OpenAI-compatible chat completion
// endpoint. The base URL is configurable, so the same client fronts
// hosted OpenAI and compatible fallback providers.
type OpenAIClient struct {
	name   string
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a provider client from its configuration.
func NewOpenAIClient(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	// No global timeout: streaming responses can be long-lived. Rely on
	// ctx deadlines/cancellation for timeout control.
	oc.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0))

	return &OpenAIClient{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(oc),
		logger: logger.With("provider", cfg.Name),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	}

	c.logger.Log(ctx, config.LevelTrace, "chat request", "model", model, "messages", len(messages), "tools", len(tools))

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: empty choices", c.name)
	}

	msg, err := fromOpenAIMessage(resp.Choices[0].Message)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}

	c.logger.Debug("chat completed",
		"model", resp.Model,
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return &ChatResponse{
		Model:        resp.Model,
		Provider:     c.name,
		CreatedAt:    time.Unix(resp.Created, 0),
		Message:      msg,
		Done:         true,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// ChatStream sends a streaming chat completion request. Text deltas are
// delivered as KindToken events; tool calls are accumulated across
// deltas and emitted as KindToolCallStart once complete. Usage comes
// from the final chunk (stream_options.include_usage).
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec, callback StreamCallback) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	c.logger.Log(ctx, config.LevelTrace, "chat stream request", "model", model, "messages", len(messages), "tools", len(tools))

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s chat stream: %w", c.name, err)
	}
	defer stream.Close()

	var (
		content   strings.Builder
		acc       = map[int]*openai.ToolCall{} // index → accumulating call
		order     []int
		respModel = model
		usage     openai.Usage
		start     = time.Now()
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s chat stream recv: %w", c.name, err)
		}

		if chunk.Model != "" {
			respModel = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: delta.Content})
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := acc[idx]
			if !ok {
				call = &openai.ToolCall{Type: openai.ToolTypeFunction}
				acc[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}

	msg := Message{Role: RoleAssistant, Content: content.String()}
	for _, idx := range order {
		tc, err := fromOpenAIToolCall(*acc[idx])
		if err != nil {
			return nil, fmt.Errorf("%s chat stream: %w", c.name, err)
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
		if callback != nil {
			call := tc
			callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &call})
		}
	}

	resp := &ChatResponse{
		Model:        respModel,
		Provider:     c.name,
		CreatedAt:    start,
		Message:      msg,
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("chat stream completed",
		"model", respModel,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(msg.ToolCalls),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}
	return resp, nil
}

// Ping checks if the provider is reachable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	_, err := c.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("%s ping: %w", c.name, err)
	}
	return nil
}

// Message roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) (Message, error) {
	msg := Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		call, err := fromOpenAIToolCall(tc)
		if err != nil {
			return Message{}, err
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg, nil
}

func fromOpenAIToolCall(tc openai.ToolCall) (ToolCall, error) {
	var call ToolCall
	call.ID = tc.ID
	call.Function.Name = tc.Function.Name
	call.Function.Arguments = map[string]any{}
	if strings.TrimSpace(tc.Function.Arguments) != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Function.Arguments); err != nil {
			return ToolCall{}, fmt.Errorf("parse tool call %q arguments: %w", tc.Function.Name, err)
		}
	}
	return call, nil
}
