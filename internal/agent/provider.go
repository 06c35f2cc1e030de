// Package agent runs the tool-calling loop between the LLM provider and
// the remote tool executor, streaming progress as events.
package agent

import (
	"context"
	"encoding/json"

	"github.com/palaverhq/palaver/pkg/models"
)

// Provider abstracts an LLM backend. Complete streams; Chat is the
// one-shot form used for templated content and scoring.
type Provider interface {
	// Complete sends a request and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Chat sends a request and returns the full response text.
	Chat(ctx context.Context, req *CompletionRequest) (string, error)

	// Name returns the provider name.
	Name() string
}

// ToolSpec advertises one callable tool to the LLM.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
}

// CompletionRequest carries one LLM call: history, system prompt, tools,
// and generation parameters.
type CompletionRequest struct {
	Model     string              `json:"model,omitempty"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []ToolSpec          `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// CompletionMessage is one turn of the conversation sent to the LLM.
// Role is "user", "assistant", "system", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one streamed slice of an LLM response: partial
// text, a complete tool call, a done signal, or an error.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`
}
