package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/golemcore/agentd/internal/conversation"
)

const anthropicMaxTokens = 4096

// AnthropicClient implements Client using the Anthropic SDK.
type AnthropicClient struct {
	client *anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic-backed client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{client: &client, logger: logger.With("provider", "anthropic")}
}

// Chat sends a messages request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []conversation.Message, tools []Tool) (*ChatResponse, error) {
	antMsgs, system := toAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  antMsgs,
		MaxTokens: anthropicMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	c.logger.Debug("preparing request",
		"model", model, "messages", len(antMsgs), "tools", len(tools), "system_len", len(system))

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	return &ChatResponse{
		Model:        string(resp.Model),
		Message:      fromAnthropicMessage(resp),
		FinishReason: string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// Ping verifies the API key with a minimal one-token request.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_20250514,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("anthropic unreachable: %w", err)
	}
	return nil
}

func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		props, _ := t.Parameters["properties"].(map[string]any)
		if props == nil {
			props = map[string]any{}
		}
		var required []string
		switch req := t.Parameters["required"].(type) {
		case []string:
			required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}

		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   required,
				},
			},
		}
	}
	return out
}

// toAnthropicMessages converts canonical messages to Anthropic params.
//
// The Anthropic API accepts only "user" and "assistant" roles: system
// turns are hoisted into the system parameter, tool results travel as
// user messages with a tool_result block, and assistant tool calls
// become tool_use blocks.
func toAnthropicMessages(messages []conversation.Message) ([]anthropic.MessageParam, string) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	system := ""

	for _, m := range messages {
		switch m.Role {
		case conversation.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case conversation.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case conversation.RoleTool:
			// Built by hand: the v1 NewToolResultBlock helper takes only
			// the tool_use ID and would drop the result content.
			out = append(out, anthropic.NewUserMessage(anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: m.ToolCallID,
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: m.Content}},
					},
				},
			}))
		case conversation.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage("{}")
				if len(tc.Arguments) > 0 {
					if data, err := json.Marshal(tc.Arguments); err == nil {
						input = data
					}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return out, system
}

func fromAnthropicMessage(resp *anthropic.Message) conversation.Message {
	msg := conversation.Message{Role: conversation.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				args = map[string]any{"_raw": string(tu.Input), "_parse_error": err.Error()}
			}
			msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}
	return msg
}
