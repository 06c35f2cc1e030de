package mediator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/palaverhq/palaver/internal/storage"
	"github.com/palaverhq/palaver/pkg/models"
)

// Conversation metadata keys written by the flow-control handlers.
const (
	metaStatus     = "status"
	statusActive   = "active"
	statusPaused   = "paused"
	statusCanceled = "canceled"
)

// ConversationHandlers implements the conversation command set on top
// of the repository.
type ConversationHandlers struct {
	store  storage.ConversationStore
	logger *slog.Logger
}

// NewConversationHandlers builds the handler set.
func NewConversationHandlers(store storage.ConversationStore, logger *slog.Logger) *ConversationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandlers{store: store, logger: logger.With("component", "conversation_handlers")}
}

// Register binds every conversation handler to the mediator.
func (h *ConversationHandlers) Register(m *Mediator) error {
	bindings := map[string]Handler{
		CmdSendMessage:        h.sendMessage,
		CmdCompleteMessage:    h.completeMessage,
		CmdRecordItemResponse: h.recordItemResponse,
		CmdAdvanceTemplate:    h.advanceTemplate,
		CmdCancelOperation:    h.cancelOperation,
		CmdPauseConversation:  h.pauseConversation,
		CmdResumeConversation: h.resumeConversation,
	}
	for name, handler := range bindings {
		if err := m.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// load fetches the conversation and enforces ownership. A foreign
// conversation reads as missing so ids cannot be probed.
func (h *ConversationHandlers) load(ctx context.Context, id string, user models.User) (*models.Conversation, *OperationResult) {
	if id == "" {
		return nil, BadRequest("conversationId is required")
	}
	conversation, err := h.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFound("conversation", id)
	}
	if err != nil {
		return nil, InternalServerError(err.Error())
	}
	if user.ID != "" && conversation.UserID != user.ID {
		return nil, NotFound("conversation", id)
	}
	return conversation, nil
}

// save runs the optimistic-concurrency update and folds storage errors
// into result conventions.
func (h *ConversationHandlers) save(ctx context.Context, conversation *models.Conversation) *OperationResult {
	err := h.store.Update(ctx, conversation)
	if errors.Is(err, storage.ErrVersionConflict) {
		return Conflict(err.Error())
	}
	if errors.Is(err, storage.ErrNotFound) {
		return NotFound("conversation", conversation.ID)
	}
	if err != nil {
		return InternalServerError(err.Error())
	}
	return nil
}

func (h *ConversationHandlers) sendMessage(ctx context.Context, cmd Command) *OperationResult {
	c := cmd.(SendMessageCommand)
	if c.Content == "" {
		return BadRequest("content is required")
	}
	conversation, fail := h.load(ctx, c.ConversationID, c.UserInfo)
	if fail != nil {
		return fail
	}

	now := time.Now()
	assistantID := uuid.New().String()
	conversation.Messages = append(conversation.Messages,
		models.Message{
			ID:             uuid.New().String(),
			ConversationID: conversation.ID,
			Role:           models.RoleUser,
			Content:        c.Content,
			CreatedAt:      now,
		},
		models.Message{
			ID:             assistantID,
			ConversationID: conversation.ID,
			Role:           models.RoleAssistant,
			CreatedAt:      now,
		},
	)
	if fail := h.save(ctx, conversation); fail != nil {
		return fail
	}
	return OK(SendMessageResult{AssistantMessageID: assistantID})
}

func (h *ConversationHandlers) completeMessage(ctx context.Context, cmd Command) *OperationResult {
	c := cmd.(CompleteMessageCommand)
	conversation, fail := h.load(ctx, c.ConversationID, c.UserInfo)
	if fail != nil {
		return fail
	}

	found := false
	for i := range conversation.Messages {
		if conversation.Messages[i].ID == c.MessageID {
			conversation.Messages[i].Content = c.Content
			conversation.Messages[i].Interrupted = c.Interrupted
			found = true
			break
		}
	}
	if !found {
		return NotFound("message", c.MessageID)
	}
	if fail := h.save(ctx, conversation); fail != nil {
		return fail
	}
	return OK(nil)
}

func (h *ConversationHandlers) recordItemResponse(ctx context.Context, cmd Command) *OperationResult {
	c := cmd.(RecordItemResponseCommand)
	if c.ItemID == "" {
		return BadRequest("itemId is required")
	}
	conversation, fail := h.load(ctx, c.ConversationID, c.UserInfo)
	if fail != nil {
		return fail
	}

	conversation.Responses = append(conversation.Responses, models.ItemResponse{
		ItemID:         c.ItemID,
		ItemIndex:      c.ItemIndex,
		Widgets:        c.Responses,
		Scoring:        c.Scoring,
		ResponseTimeMs: c.ResponseTimeMs,
		RecordedAt:     time.Now(),
	})
	if fail := h.save(ctx, conversation); fail != nil {
		return fail
	}
	return OK(nil)
}

func (h *ConversationHandlers) advanceTemplate(ctx context.Context, cmd Command) *OperationResult {
	c := cmd.(AdvanceTemplateCommand)
	conversation, fail := h.load(ctx, c.ConversationID, c.UserInfo)
	if fail != nil {
		return fail
	}

	conversation.Progress++
	if fail := h.save(ctx, conversation); fail != nil {
		return fail
	}
	return OK(map[string]any{"progress": conversation.Progress})
}

func (h *ConversationHandlers) cancelOperation(ctx context.Context, cmd Command) *OperationResult {
	c := cmd.(CancelOperationCommand)
	return h.setStatus(ctx, c.ConversationID, c.UserInfo, statusCanceled)
}

func (h *ConversationHandlers) pauseConversation(ctx context.Context, cmd Command) *OperationResult {
	c := cmd.(PauseConversationCommand)
	return h.setStatus(ctx, c.ConversationID, c.UserInfo, statusPaused)
}

func (h *ConversationHandlers) resumeConversation(ctx context.Context, cmd Command) *OperationResult {
	c := cmd.(ResumeConversationCommand)
	return h.setStatus(ctx, c.ConversationID, c.UserInfo, statusActive)
}

func (h *ConversationHandlers) setStatus(ctx context.Context, conversationID string, user models.User, status string) *OperationResult {
	conversation, fail := h.load(ctx, conversationID, user)
	if fail != nil {
		return fail
	}
	if conversation.Metadata == nil {
		conversation.Metadata = make(map[string]any)
	}
	conversation.Metadata[metaStatus] = status
	if fail := h.save(ctx, conversation); fail != nil {
		return fail
	}
	return OK(map[string]any{metaStatus: status})
}
