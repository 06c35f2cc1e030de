package gateway

import (
	"time"

	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/pkg/models"
)

// transport delivers envelopes to a connection. Implemented by Manager;
// tests use an in-memory capture.
type transport interface {
	SendToConnection(connectionID string, env *protocol.Envelope) error
}

// SenderConfig tunes content streaming.
type SenderConfig struct {
	ChunkSize  int
	ChunkDelay time.Duration
}

// DefaultSenderConfig returns the production streaming settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{ChunkSize: 50}
}

// Sender formats and emits every server-to-client message. Correct
// answers are resolved upstream and never pass through here.
type Sender struct {
	transport transport
	config    SenderConfig
}

// NewSender builds a sender over the given transport.
func NewSender(t transport, config SenderConfig) *Sender {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 50
	}
	return &Sender{transport: t, config: config}
}

// StreamContent splits full text into chunks and closes the stream with
// a content.complete frame. Used when the text is already fully known.
func (s *Sender) StreamContent(connectionID, conversationID, messageID, role, text string) error {
	runes := []rune(text)
	if len(runes) == 0 {
		return s.CompleteContent(connectionID, conversationID, messageID, role, text)
	}
	for start := 0; start < len(runes); start += s.config.ChunkSize {
		end := start + s.config.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		err := s.SendContentChunk(connectionID, conversationID, messageID,
			string(runes[start:end]), end == len(runes))
		if err != nil {
			return err
		}
		if s.config.ChunkDelay > 0 && end < len(runes) {
			time.Sleep(s.config.ChunkDelay)
		}
	}
	return s.CompleteContent(connectionID, conversationID, messageID, role, text)
}

// SendContentChunk emits one streamed slice of assistant output.
func (s *Sender) SendContentChunk(connectionID, conversationID, messageID, content string, final bool) error {
	return s.send(connectionID, protocol.TypeContentChunk, conversationID,
		protocol.ContentChunkPayload{Content: content, MessageID: messageID, Final: final})
}

// CompleteContent closes a streamed message.
func (s *Sender) CompleteContent(connectionID, conversationID, messageID, role, fullContent string) error {
	return s.send(connectionID, protocol.TypeContentComplete, conversationID,
		protocol.ContentCompletePayload{MessageID: messageID, Role: role, FullContent: fullContent})
}

// RenderWidget instructs the client to render one widget.
func (s *Sender) RenderWidget(connectionID, conversationID string, widget protocol.WidgetRenderPayload) error {
	return s.send(connectionID, protocol.TypeWidgetRender, conversationID, widget)
}

// UpdateWidget revises an already-rendered widget.
func (s *Sender) UpdateWidget(connectionID, conversationID string, update protocol.WidgetUpdatePayload) error {
	return s.send(connectionID, protocol.TypeWidgetUpdate, conversationID, update)
}

// SendItemContext introduces the item about to be presented.
func (s *Sender) SendItemContext(connectionID, conversationID string, item protocol.ItemContextPayload) error {
	return s.send(connectionID, protocol.TypeItemContext, conversationID, item)
}

// SendConversationConfig tells the client how the conversation behaves.
func (s *Sender) SendConversationConfig(connectionID string, config protocol.ConversationConfigPayload) error {
	return s.send(connectionID, protocol.TypeConversationConfig, config.ConversationID, config)
}

// SendChatInput toggles the free-text input on the client.
func (s *Sender) SendChatInput(connectionID, conversationID string, enabled bool) error {
	return s.send(connectionID, protocol.TypeFlowChatInput, conversationID,
		protocol.ChatInputPayload{Enabled: enabled})
}

// SendFlowAck acknowledges a conversation pause, cancel, or resume.
func (s *Sender) SendFlowAck(connectionID, conversationID string, t protocol.MessageType, state string) error {
	return s.send(connectionID, t, conversationID,
		protocol.FlowAckPayload{State: state, Timestamp: time.Now().UnixMilli()})
}

// SendMessageAck acknowledges receipt of a user message.
func (s *Sender) SendMessageAck(connectionID, conversationID, messageID string) error {
	return s.send(connectionID, protocol.TypeMessageAck, conversationID,
		protocol.MessageAckPayload{MessageID: messageID, Timestamp: time.Now().UnixMilli()})
}

// SendResponseAck acknowledges a widget submission.
func (s *Sender) SendResponseAck(connectionID, conversationID, itemID, widgetID string) error {
	return s.send(connectionID, protocol.TypeResponseAck, conversationID,
		protocol.ResponseAckPayload{ItemID: itemID, WidgetID: widgetID, Accepted: true})
}

// SendToolCall mirrors an agent tool call to the client.
func (s *Sender) SendToolCall(connectionID, conversationID string, call models.ToolCall) error {
	return s.send(connectionID, protocol.TypeToolCall, conversationID,
		protocol.ToolCallPayload{CallID: call.ID, Name: call.Name, Arguments: call.Input})
}

// SendToolResult mirrors a tool outcome to the client.
func (s *Sender) SendToolResult(connectionID, conversationID string, result protocol.ToolResultPayload) error {
	return s.send(connectionID, protocol.TypeToolResult, conversationID, result)
}

// SendError emits a system.error frame.
func (s *Sender) SendError(connectionID, conversationID string, ep *protocol.ErrorPayload) error {
	return s.send(connectionID, protocol.TypeSystemError, conversationID, ep)
}

// SendConnResumed reports the outcome of a resume attempt.
func (s *Sender) SendConnResumed(connectionID, conversationID string, resumed protocol.ConnResumedPayload) error {
	return s.send(connectionID, protocol.TypeConnResumed, conversationID, resumed)
}

func (s *Sender) send(connectionID string, t protocol.MessageType, conversationID string, payload any) error {
	env, err := protocol.NewEnvelope(t, conversationID, payload)
	if err != nil {
		return err
	}
	return s.transport.SendToConnection(connectionID, env)
}
