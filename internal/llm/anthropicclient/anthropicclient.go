// Package anthropicclient implements llm.Client on top of the official
// Anthropic SDK, used as the engine's default streaming-capable LLMClient.
// It replaces the teacher's hand-rolled single-shot Gemini HTTP adapter with
// a maintained SDK client that already speaks streaming and tool use.
package anthropicclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"llmrpg/internal/llm"
)

// Client adapts the Anthropic SDK to llm.Client.
type Client struct {
	sdk         anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// Config configures a Client.
type Config struct {
	APIKey      string
	Model       string // defaults to claude-sonnet-4-5 if empty
	MaxTokens   int64  // defaults to 4096 if zero
	Temperature float64
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &Client{
		sdk:         anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

func (c *Client) buildParams(conversation []llm.Message, opts llm.CompletionOptions) (anthropic.MessageNewParams, error) {
	system, messages := convertConversation(conversation)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(opts.Tools) > 0 {
		toolUnions := make([]anthropic.ToolUnionParam, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			schema, err := toInputSchema(t.Parameters)
			if err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("tool %q: %w", t.Name, err)
			}
			toolUnions = append(toolUnions, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: schema,
				},
			})
		}
		params.Tools = toolUnions
	}
	return params, nil
}

// Complete drives one non-streaming round via Messages.New.
func (c *Client) Complete(ctx context.Context, conversation []llm.Message, opts llm.CompletionOptions) (llm.Completion, error) {
	params, err := c.buildParams(conversation, opts)
	if err != nil {
		return llm.Completion{}, err
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llm.Completion{}, fmt.Errorf("anthropic Messages.New: %w", err)
	}

	return llm.Completion{Message: convertResponse(msg)}, nil
}

// StreamComplete drives one streaming round via Messages.NewStreaming,
// forwarding text deltas and fully-assembled tool calls to onChunk in
// arrival order.
func (c *Client) StreamComplete(ctx context.Context, conversation []llm.Message, opts llm.CompletionOptions, onChunk llm.OnChunk) (llm.Completion, error) {
	params, err := c.buildParams(conversation, opts)
	if err != nil {
		return llm.Completion{}, err
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)

	var contentBuf strings.Builder
	var toolCalls []llm.ToolCall
	toolInputBuf := make(map[int64]*strings.Builder)
	toolIndexForBlock := make(map[int64]int)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				tc := llm.ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}
				toolIndexForBlock[event.Index] = len(toolCalls)
				toolCalls = append(toolCalls, tc)
				toolInputBuf[event.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					contentBuf.WriteString(event.Delta.Text)
					onChunk(llm.StreamChunk{Content: event.Delta.Text})
				}
			case "input_json_delta":
				if buf, ok := toolInputBuf[event.Index]; ok {
					buf.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if idx, ok := toolIndexForBlock[event.Index]; ok {
				args := toolInputBuf[event.Index].String()
				if args == "" {
					args = "{}"
				}
				toolCalls[idx].Arguments = args
				onChunk(llm.StreamChunk{ToolCallDelta: &toolCalls[idx]})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return llm.Completion{}, fmt.Errorf("anthropic stream: %w", err)
	}

	return llm.Completion{Message: llm.Message{
		Role:      llm.RoleAssistant,
		Content:   contentBuf.String(),
		ToolCalls: toolCalls,
	}}, nil
}

func convertConversation(conversation []llm.Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	var out []anthropic.MessageParam

	for _, m := range conversation {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}

		case llm.RoleUser:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}

		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		case llm.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}

	return strings.Join(systemParts, "\n\n"), out
}

func convertResponse(msg *anthropic.Message) llm.Message {
	var content strings.Builder
	var toolCalls []llm.ToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	return llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content.String(),
		ToolCalls: toolCalls,
	}
}

func toInputSchema(parameters map[string]any) (anthropic.ToolInputSchemaParam, error) {
	if parameters == nil {
		return anthropic.ToolInputSchemaParam{Type: "object"}, nil
	}
	properties, _ := parameters["properties"]
	required, _ := parameters["required"].([]string)
	return anthropic.ToolInputSchemaParam{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}, nil
}
