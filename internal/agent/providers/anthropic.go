package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/palaverhq/palaver/internal/agent"
	"github.com/palaverhq/palaver/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements agent.Provider for Claude models.
//
// Tool input streams as JSON fragments inside one content block; the
// block stop event finalizes the call.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider for the Anthropic API.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(options...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends a streaming messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

// Chat sends a one-shot request and returns the concatenated text blocks.
func (p *AnthropicProvider) Chat(ctx context.Context, req *agent.CompletionRequest) (string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", err
	}
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Error: errors.New("anthropic stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: err}
	}
}

func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid input: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		// Tool results ride in a user-role message on the Anthropic API.
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.JSONSchema) > 0 {
			if err := json.Unmarshal(tool.JSONSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}
