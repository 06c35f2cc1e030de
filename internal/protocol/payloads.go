package protocol

import "encoding/json"

// Client to server payloads.

// MessageSendPayload carries a free-form user message.
type MessageSendPayload struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResponseSubmitPayload carries one widget response. Batch submissions set
// Batch=true on every entry and Final=true on the last; completion is only
// evaluated on the final one.
type ResponseSubmitPayload struct {
	ItemID   string `json:"itemId"`
	WidgetID string `json:"widgetId"`
	Value    any    `json:"value"`
	Batch    bool   `json:"batch,omitempty"`
	Final    bool   `json:"final,omitempty"`
}

// AuditEventsPayload carries client-side audit events for persistence.
type AuditEventsPayload struct {
	Events []AuditEvent `json:"events"`
}

// AuditEvent is one client-side observation (focus change, visibility...).
type AuditEvent struct {
	Kind      string         `json:"kind"`
	Timestamp int64          `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// FlowControlPayload is shared by control.flow.* client messages.
type FlowControlPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ConnResumePayload asks the server to re-bind a dropped conversation.
type ConnResumePayload struct {
	ConversationID string `json:"conversationId"`
	LastMessageID  string `json:"lastMessageId,omitempty"`
	LastItemIndex  *int   `json:"lastItemIndex,omitempty"`
}

// PongPayload answers a server ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Server to client payloads.

// PingPayload is the server heartbeat.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ConnResumedPayload reports the outcome of a resume attempt.
type ConnResumedPayload struct {
	StateValid       bool            `json:"stateValid"`
	CurrentItemIndex int             `json:"currentItemIndex"`
	MissedMessages   int             `json:"missedMessages"`
	Replay           []*Envelope     `json:"replay,omitempty"`
	Detail           json.RawMessage `json:"detail,omitempty"`
}

// MessageAckPayload acknowledges receipt of a user message.
type MessageAckPayload struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// ContentChunkPayload is one streamed slice of assistant output.
type ContentChunkPayload struct {
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
	Final     bool   `json:"final"`
}

// ContentCompletePayload closes a streamed message.
type ContentCompletePayload struct {
	MessageID   string `json:"messageId"`
	Role        string `json:"role"`
	FullContent string `json:"fullContent"`
}

// ToolCallPayload mirrors an agent tool-call event to the client.
type ToolCallPayload struct {
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultPayload mirrors a tool outcome to the client.
type ToolResultPayload struct {
	CallID          string `json:"callId"`
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs,omitempty"`
}

// ResponseAckPayload acknowledges a widget submission.
type ResponseAckPayload struct {
	ItemID   string `json:"itemId"`
	WidgetID string `json:"widgetId"`
	Accepted bool   `json:"accepted"`
}

// ConversationConfigPayload tells the client how the bound conversation
// behaves before any item is presented.
type ConversationConfigPayload struct {
	ConversationID           string `json:"conversationId"`
	DefinitionName           string `json:"definitionName,omitempty"`
	IsProactive              bool   `json:"isProactive"`
	TotalItems               int    `json:"totalItems,omitempty"`
	EnableChatInput          bool   `json:"enableChatInput"`
	DisplayProgressIndicator bool   `json:"displayProgressIndicator,omitempty"`
	AllowNavigation          bool   `json:"allowNavigation,omitempty"`
}

// ItemContextPayload introduces the item about to be presented.
type ItemContextPayload struct {
	ItemID           string `json:"itemId"`
	ItemIndex        int    `json:"itemIndex"`
	TotalItems       int    `json:"totalItems"`
	EnableChatInput  bool   `json:"enableChatInput"`
	TimeLimitSeconds int    `json:"timeLimitSeconds,omitempty"`
}

// WidgetRenderPayload instructs the client to render one widget.
// Correct answers are resolved server-side and never serialized here.
type WidgetRenderPayload struct {
	ItemID           string         `json:"itemId"`
	WidgetID         string         `json:"widgetId"`
	WidgetType       string         `json:"widgetType"`
	Stem             string         `json:"stem,omitempty"`
	Options          []string       `json:"options,omitempty"`
	WidgetConfig     map[string]any `json:"widgetConfig,omitempty"`
	Required         bool           `json:"required"`
	Skippable        bool           `json:"skippable,omitempty"`
	InitialValue     any            `json:"initialValue,omitempty"`
	ShowUserResponse bool           `json:"showUserResponse,omitempty"`
	Layout           string         `json:"layout,omitempty"`
	Constraints      map[string]any `json:"constraints,omitempty"`
}

// WidgetUpdatePayload revises an already-rendered widget (feedback reveal,
// correct-answer reveal after scoring when the item allows it).
type WidgetUpdatePayload struct {
	ItemID   string         `json:"itemId"`
	WidgetID string         `json:"widgetId"`
	Fields   map[string]any `json:"fields"`
}

// ChatInputPayload toggles the free-text input on the client.
type ChatInputPayload struct {
	Enabled bool `json:"enabled"`
}

// FlowAckPayload acknowledges pause/cancel/resume with a server timestamp.
type FlowAckPayload struct {
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}
