package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentd/internal/store"
)

// Payload is the provider-shaped body stored in a message's content column.
type Payload struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the token accounting of a single model call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
}

// Response is a parsed model reply.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Client calls a chat model with thread history and tool definitions.
type Client struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

func NewClient(model llms.Model, temperature float64, maxTokens int) *Client {
	return &Client{model: model, temperature: temperature, maxTokens: maxTokens}
}

// Generate sends the system prompt, history, and tool definitions to the
// model and parses the first choice. Messages whose content cannot be
// decoded are skipped with a warning rather than failing the call.
func (c *Client) Generate(ctx context.Context, systemPrompt string, history []*store.Message, tools []llms.Tool) (*Response, error) {
	msgs := make([]llms.MessageContent, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}

	for _, stored := range history {
		mc, err := toMessageContent(stored)
		if err != nil {
			log.Warn().
				Str("message_id", stored.ID).
				Err(err).
				Msg("Skipping undecodable message in model context")
			continue
		}
		msgs = append(msgs, mc)
	}

	opts := []llms.CallOption{llms.WithTemperature(c.temperature)}
	if c.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.maxTokens))
	}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}

	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:    choice.Content,
		StopReason: choice.StopReason,
		Usage:      extractUsage(choice.GenerationInfo),
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	return out, nil
}

func toMessageContent(stored *store.Message) (llms.MessageContent, error) {
	var p Payload
	if err := json.Unmarshal(stored.Content, &p); err != nil {
		return llms.MessageContent{}, fmt.Errorf("decode message content: %w", err)
	}

	switch p.Role {
	case "system":
		return llms.TextParts(llms.ChatMessageTypeSystem, p.Content), nil
	case "user":
		return llms.TextParts(llms.ChatMessageTypeHuman, p.Content), nil
	case "assistant":
		mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if p.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextContent{Text: p.Content})
		}
		for _, tc := range p.ToolCalls {
			mc.Parts = append(mc.Parts, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return mc, nil
	case "tool":
		return llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{llms.ToolCallResponse{
				ToolCallID: p.ToolCallID,
				Name:       p.Name,
				Content:    p.Content,
			}},
		}, nil
	default:
		return llms.MessageContent{}, fmt.Errorf("unknown role %q", p.Role)
	}
}

// extractUsage pulls token counts out of the provider-specific generation
// info. Providers disagree on key names and numeric types.
func extractUsage(info map[string]any) Usage {
	var u Usage
	u.PromptTokens = firstCount(info, "PromptTokens", "prompt_tokens", "InputTokens", "input_tokens")
	u.CompletionTokens = firstCount(info, "CompletionTokens", "completion_tokens", "OutputTokens", "output_tokens")
	u.CacheReadTokens = firstCount(info, "CacheReadInputTokens", "cache_read_input_tokens", "CachedTokens", "cached_tokens")
	u.CacheWriteTokens = firstCount(info, "CacheCreationInputTokens", "cache_creation_input_tokens")
	return u
}

func firstCount(info map[string]any, keys ...string) int64 {
	for _, key := range keys {
		v, ok := info[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return int64(n)
		case int64:
			return n
		case float64:
			return int64(n)
		}
	}
	return 0
}
