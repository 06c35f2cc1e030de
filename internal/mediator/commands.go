package mediator

import "github.com/palaverhq/palaver/pkg/models"

// Command names, used for handler registration and dispatch.
const (
	CmdSendMessage        = "SendMessage"
	CmdCompleteMessage    = "CompleteMessage"
	CmdRecordItemResponse = "RecordItemResponse"
	CmdAdvanceTemplate    = "AdvanceTemplate"
	CmdCancelOperation    = "CancelOperation"
	CmdPauseConversation  = "PauseConversation"
	CmdResumeConversation = "ResumeConversation"
)

// SendMessageCommand persists a user message and pre-allocates the
// assistant message that will answer it.
type SendMessageCommand struct {
	ConversationID string
	Content        string
	UserInfo       models.User
}

func (SendMessageCommand) CommandName() string { return CmdSendMessage }

// SendMessageResult carries the pre-allocated assistant message id.
type SendMessageResult struct {
	AssistantMessageID string `json:"assistantMessageId"`
}

// CompleteMessageCommand fills in the final content of a previously
// allocated assistant message.
type CompleteMessageCommand struct {
	ConversationID string
	MessageID      string
	Content        string
	Interrupted    bool
	UserInfo       models.User
}

func (CompleteMessageCommand) CommandName() string { return CmdCompleteMessage }

// RecordItemResponseCommand persists one completed template item.
type RecordItemResponseCommand struct {
	ConversationID string
	ItemID         string
	ItemIndex      int
	Responses      []models.WidgetResponse
	Scoring        *models.ScoringResult
	ResponseTimeMs int64
	UserInfo       models.User
}

func (RecordItemResponseCommand) CommandName() string { return CmdRecordItemResponse }

// AdvanceTemplateCommand moves the persisted template cursor forward.
type AdvanceTemplateCommand struct {
	ConversationID string
	UserInfo       models.User
}

func (AdvanceTemplateCommand) CommandName() string { return CmdAdvanceTemplate }

// CancelOperationCommand marks the conversation's active operation
// canceled.
type CancelOperationCommand struct {
	ConversationID string
	UserInfo       models.User
}

func (CancelOperationCommand) CommandName() string { return CmdCancelOperation }

// PauseConversationCommand records the conversation as paused.
type PauseConversationCommand struct {
	ConversationID string
	UserInfo       models.User
}

func (PauseConversationCommand) CommandName() string { return CmdPauseConversation }

// ResumeConversationCommand clears a pause.
type ResumeConversationCommand struct {
	ConversationID string
	UserInfo       models.User
}

func (ResumeConversationCommand) CommandName() string { return CmdResumeConversation }
