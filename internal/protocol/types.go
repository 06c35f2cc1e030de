// Package protocol defines the WebSocket wire format: the message envelope,
// the closed type registry, per-type payload schemas, and close codes.
package protocol

// MessageType is the dotted wire identifier of a protocol message.
type MessageType string

// System plane.
const (
	TypeSystemPing      MessageType = "system.ping"
	TypeSystemPong      MessageType = "system.pong"
	TypeSystemError     MessageType = "system.error"
	TypeConnResume      MessageType = "system.connection.resume"
	TypeConnResumed     MessageType = "system.connection.resumed"
)

// Control plane.
const (
	TypeConversationConfig MessageType = "control.conversation.config"
	TypeConversationPause  MessageType = "control.conversation.pause"
	TypeConversationCancel MessageType = "control.conversation.cancel"
	TypeConversationResume MessageType = "control.conversation.resume"
	TypeItemContext        MessageType = "control.item.context"
	TypeWidgetRender       MessageType = "control.widget.render"
	TypeWidgetUpdate       MessageType = "control.widget.update"
	TypeFlowChatInput      MessageType = "control.flow.chatInput"
	TypeFlowPause          MessageType = "control.flow.pause"
	TypeFlowResume         MessageType = "control.flow.resume"
	TypeFlowStart          MessageType = "control.flow.start"
	TypeFlowCancel         MessageType = "control.flow.cancel"
)

// Data plane, client to server.
const (
	TypeMessageSend    MessageType = "data.message.send"
	TypeResponseSubmit MessageType = "data.response.submit"
	TypeAuditEvents    MessageType = "data.audit.events"
	TypeToolResultIn   MessageType = "data.tool.result"
)

// Data plane, server to client.
const (
	TypeMessageAck      MessageType = "data.message.ack"
	TypeContentChunk    MessageType = "data.content.chunk"
	TypeContentComplete MessageType = "data.content.complete"
	TypeToolCall        MessageType = "data.tool.call"
	TypeToolResult      MessageType = "data.tool.result"
	TypeResponseAck     MessageType = "data.response.ack"
)

// Plane partitions the type registry.
type Plane string

const (
	PlaneSystem  Plane = "system"
	PlaneControl Plane = "control"
	PlaneData    Plane = "data"
)

// Direction says which side may emit a message type.
type Direction int

const (
	ClientToServer Direction = 1 << iota
	ServerToClient
	Bidirectional = ClientToServer | ServerToClient
)

type typeInfo struct {
	Plane     Plane
	Direction Direction
}

// registry is the closed set of wire types. Anything absent is rejected
// with UNKNOWN_MESSAGE_TYPE.
var registry = map[MessageType]typeInfo{
	TypeSystemPing:  {PlaneSystem, ServerToClient},
	TypeSystemPong:  {PlaneSystem, ClientToServer},
	TypeSystemError: {PlaneSystem, ServerToClient},
	TypeConnResume:  {PlaneSystem, ClientToServer},
	TypeConnResumed: {PlaneSystem, ServerToClient},

	TypeConversationConfig: {PlaneControl, ServerToClient},
	TypeConversationPause:  {PlaneControl, ServerToClient},
	TypeConversationCancel: {PlaneControl, ServerToClient},
	TypeConversationResume: {PlaneControl, ServerToClient},
	TypeItemContext:        {PlaneControl, ServerToClient},
	TypeWidgetRender:       {PlaneControl, ServerToClient},
	TypeWidgetUpdate:       {PlaneControl, ServerToClient},
	TypeFlowChatInput:      {PlaneControl, ServerToClient},
	TypeFlowStart:          {PlaneControl, ClientToServer},
	TypeFlowPause:          {PlaneControl, ClientToServer},
	TypeFlowResume:         {PlaneControl, ClientToServer},
	TypeFlowCancel:         {PlaneControl, ClientToServer},

	TypeMessageSend:    {PlaneData, ClientToServer},
	TypeResponseSubmit: {PlaneData, ClientToServer},
	TypeAuditEvents:    {PlaneData, ClientToServer},
	// data.tool.result is registered as bidirectional: the server relays
	// tool outcomes through it, and the deployed clients reserve it for a
	// client-execution mode that is not enabled here.
	TypeToolResult: {PlaneData, Bidirectional},

	TypeMessageAck:      {PlaneData, ServerToClient},
	TypeContentChunk:    {PlaneData, ServerToClient},
	TypeContentComplete: {PlaneData, ServerToClient},
	TypeToolCall:        {PlaneData, ServerToClient},
	TypeResponseAck:     {PlaneData, ServerToClient},
}

// Known reports whether t is in the closed type registry.
func Known(t MessageType) bool {
	_, ok := registry[t]
	return ok
}

// PlaneOf returns the plane of a registered type.
func PlaneOf(t MessageType) (Plane, bool) {
	info, ok := registry[t]
	return info.Plane, ok
}

// ClientSendable reports whether clients may emit t.
func ClientSendable(t MessageType) bool {
	info, ok := registry[t]
	return ok && info.Direction&ClientToServer != 0
}

// Types returns all registered message types.
func Types() []MessageType {
	out := make([]MessageType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

// WebSocket close codes.
const (
	CloseNormal      = 1000
	CloseAuthFailure = 1008
	CloseInternal    = 1011
	CloseRestart     = 1012

	// Application-specific range.
	CloseInvalidConversation = 4001
	CloseSessionReplaced     = 4002
	CloseIdleTimeout         = 4003
)
