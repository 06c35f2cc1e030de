package mediator

import (
	"context"
	"testing"

	"github.com/palaverhq/palaver/internal/storage"
	"github.com/palaverhq/palaver/pkg/models"
)

type noopCommand struct{ name string }

func (c noopCommand) CommandName() string { return c.name }

func TestMediator_Dispatch(t *testing.T) {
	m := New(nil)
	called := false
	if err := m.Register("Ping", func(ctx context.Context, cmd Command) *OperationResult {
		called = true
		return OK("pong")
	}); err != nil {
		t.Fatal(err)
	}

	result := m.Execute(context.Background(), noopCommand{name: "Ping"})
	if !called || !result.Success || result.Data != "pong" {
		t.Errorf("result = %+v", result)
	}
}

func TestMediator_UnregisteredCommand(t *testing.T) {
	m := New(nil)
	result := m.Execute(context.Background(), noopCommand{name: "Nope"})
	if result.Success || result.StatusCode != 500 {
		t.Errorf("result = %+v", result)
	}
}

func TestMediator_DuplicateRegistration(t *testing.T) {
	m := New(nil)
	handler := func(ctx context.Context, cmd Command) *OperationResult { return OK(nil) }
	if err := m.Register("X", handler); err != nil {
		t.Fatal(err)
	}
	if err := m.Register("X", handler); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestMediator_HandlerPanicBecomes500(t *testing.T) {
	m := New(nil)
	_ = m.Register("Boom", func(ctx context.Context, cmd Command) *OperationResult {
		panic("kaboom")
	})
	result := m.Execute(context.Background(), noopCommand{name: "Boom"})
	if result.Success || result.StatusCode != 500 {
		t.Errorf("result = %+v", result)
	}
}

func newHandlerFixture(t *testing.T) (*Mediator, storage.ConversationStore) {
	t.Helper()
	set, _ := storage.NewMemoryStoreSet()
	m := New(nil)
	if err := NewConversationHandlers(set.Conversations, nil).Register(m); err != nil {
		t.Fatal(err)
	}
	if err := set.Conversations.Create(context.Background(), &models.Conversation{
		ID:     "c-1",
		UserID: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	return m, set.Conversations
}

func TestSendMessage_AllocatesAssistantMessage(t *testing.T) {
	m, store := newHandlerFixture(t)
	ctx := context.Background()

	result := m.Execute(ctx, SendMessageCommand{
		ConversationID: "c-1",
		Content:        "hello",
		UserInfo:       models.User{ID: "alice"},
	})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	data, ok := result.Data.(SendMessageResult)
	if !ok || data.AssistantMessageID == "" {
		t.Fatalf("data = %#v", result.Data)
	}

	conversation, _ := store.Get(ctx, "c-1")
	if len(conversation.Messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(conversation.Messages))
	}
	if conversation.Messages[0].Role != models.RoleUser || conversation.Messages[0].Content != "hello" {
		t.Errorf("user message = %+v", conversation.Messages[0])
	}
	assistant := conversation.Messages[1]
	if assistant.Role != models.RoleAssistant || assistant.ID != data.AssistantMessageID {
		t.Errorf("assistant message = %+v", assistant)
	}
	if assistant.Content != "" {
		t.Error("assistant message must start empty")
	}
}

func TestCompleteMessage_FillsAllocatedMessage(t *testing.T) {
	m, store := newHandlerFixture(t)
	ctx := context.Background()
	user := models.User{ID: "alice"}

	sent := m.Execute(ctx, SendMessageCommand{ConversationID: "c-1", Content: "q", UserInfo: user})
	assistantID := sent.Data.(SendMessageResult).AssistantMessageID

	result := m.Execute(ctx, CompleteMessageCommand{
		ConversationID: "c-1",
		MessageID:      assistantID,
		Content:        "the answer",
		UserInfo:       user,
	})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	conversation, _ := store.Get(ctx, "c-1")
	if conversation.Messages[1].Content != "the answer" {
		t.Errorf("assistant content = %q", conversation.Messages[1].Content)
	}

	missing := m.Execute(ctx, CompleteMessageCommand{
		ConversationID: "c-1", MessageID: "nope", Content: "x", UserInfo: user,
	})
	if missing.StatusCode != 404 {
		t.Errorf("missing message status = %d", missing.StatusCode)
	}
}

func TestRecordItemResponseAndAdvance(t *testing.T) {
	m, store := newHandlerFixture(t)
	ctx := context.Background()
	user := models.User{ID: "alice"}

	result := m.Execute(ctx, RecordItemResponseCommand{
		ConversationID: "c-1",
		ItemID:         "item-1",
		ItemIndex:      0,
		Responses:      []models.WidgetResponse{{WidgetID: "w-1", Value: "B"}},
		Scoring:        &models.ScoringResult{IsCorrect: true, Score: 1, MaxScore: 1},
		ResponseTimeMs: 1200,
		UserInfo:       user,
	})
	if !result.Success {
		t.Fatalf("record result = %+v", result)
	}

	advance := m.Execute(ctx, AdvanceTemplateCommand{ConversationID: "c-1", UserInfo: user})
	if !advance.Success {
		t.Fatalf("advance result = %+v", advance)
	}

	conversation, _ := store.Get(ctx, "c-1")
	if len(conversation.Responses) != 1 || conversation.Responses[0].ItemID != "item-1" {
		t.Errorf("responses = %+v", conversation.Responses)
	}
	if conversation.Progress != 1 {
		t.Errorf("progress = %d, want 1", conversation.Progress)
	}
}

func TestFlowCommands_SetStatus(t *testing.T) {
	m, store := newHandlerFixture(t)
	ctx := context.Background()
	user := models.User{ID: "alice"}

	for _, tc := range []struct {
		cmd  Command
		want string
	}{
		{PauseConversationCommand{ConversationID: "c-1", UserInfo: user}, statusPaused},
		{ResumeConversationCommand{ConversationID: "c-1", UserInfo: user}, statusActive},
		{CancelOperationCommand{ConversationID: "c-1", UserInfo: user}, statusCanceled},
	} {
		if result := m.Execute(ctx, tc.cmd); !result.Success {
			t.Fatalf("%s result = %+v", tc.cmd.CommandName(), result)
		}
		conversation, _ := store.Get(ctx, "c-1")
		if conversation.Metadata[metaStatus] != tc.want {
			t.Errorf("%s status = %v, want %s", tc.cmd.CommandName(), conversation.Metadata[metaStatus], tc.want)
		}
	}
}

func TestHandlers_OwnershipReadsAsMissing(t *testing.T) {
	m, _ := newHandlerFixture(t)

	result := m.Execute(context.Background(), SendMessageCommand{
		ConversationID: "c-1",
		Content:        "hi",
		UserInfo:       models.User{ID: "mallory"},
	})
	if result.StatusCode != 404 {
		t.Errorf("foreign access status = %d, want 404", result.StatusCode)
	}
}

func TestHandlers_VersionConflictIs409(t *testing.T) {
	set, _ := storage.NewMemoryStoreSet()
	m := New(nil)
	if err := NewConversationHandlers(&conflictStore{set.Conversations}, nil).Register(m); err != nil {
		t.Fatal(err)
	}
	_ = set.Conversations.Create(context.Background(), &models.Conversation{ID: "c-1", UserID: "alice"})

	result := m.Execute(context.Background(), AdvanceTemplateCommand{
		ConversationID: "c-1", UserInfo: models.User{ID: "alice"},
	})
	if result.StatusCode != 409 {
		t.Errorf("conflict status = %d, want 409", result.StatusCode)
	}
}

// conflictStore fails every Update with a version conflict.
type conflictStore struct {
	storage.ConversationStore
}

func (s *conflictStore) Update(ctx context.Context, c *models.Conversation) error {
	return storage.ErrVersionConflict
}
