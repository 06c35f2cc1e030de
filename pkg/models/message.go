package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation's ordered message log.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult   `json:"tool_results,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Interrupted    bool           `json:"interrupted,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID      string `json:"tool_call_id"`
	Content         string `json:"content"`
	IsError         bool   `json:"is_error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
}

// User represents an authenticated user as seen by the orchestrator.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}
