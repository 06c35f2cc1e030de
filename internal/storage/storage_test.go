package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/palaverhq/palaver/pkg/models"
)

// Both backends must behave identically; each test runs against both.
func backends(t *testing.T) map[string]StoreSet {
	t.Helper()
	memory, _ := NewMemoryStoreSet()
	sqlite, err := NewSQLiteStoreSet(SQLiteConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]StoreSet{"memory": memory, "sqlite": sqlite}
}

func sampleConversation(id, userID string) *models.Conversation {
	return &models.Conversation{
		ID:           id,
		UserID:       userID,
		DefinitionID: "def-1",
		Messages: []models.Message{
			{ID: "m-1", Role: models.RoleUser, Content: "hello"},
		},
	}
}

func TestConversationStore_CreateAndGet(t *testing.T) {
	for name, set := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := set.Conversations

			conversation := sampleConversation("c-1", "user-1")
			if err := store.Create(ctx, conversation); err != nil {
				t.Fatal(err)
			}
			if conversation.Version != 1 {
				t.Errorf("version after create = %d, want 1", conversation.Version)
			}

			if err := store.Create(ctx, sampleConversation("c-1", "user-1")); !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("duplicate create err = %v", err)
			}

			got, err := store.Get(ctx, "c-1")
			if err != nil {
				t.Fatal(err)
			}
			if got.UserID != "user-1" || len(got.Messages) != 1 {
				t.Errorf("got = %+v", got)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing get err = %v", err)
			}
		})
	}
}

func TestConversationStore_OptimisticConcurrency(t *testing.T) {
	for name, set := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := set.Conversations

			if err := store.Create(ctx, sampleConversation("c-1", "user-1")); err != nil {
				t.Fatal(err)
			}

			first, _ := store.Get(ctx, "c-1")
			second, _ := store.Get(ctx, "c-1")

			first.Title = "first writer"
			if err := store.Update(ctx, first); err != nil {
				t.Fatal(err)
			}
			if first.Version != 2 {
				t.Errorf("version after update = %d, want 2", first.Version)
			}

			// The second reader still holds version 1 and must lose.
			second.Title = "second writer"
			if err := store.Update(ctx, second); !errors.Is(err, ErrVersionConflict) {
				t.Errorf("stale update err = %v", err)
			}

			got, _ := store.Get(ctx, "c-1")
			if got.Title != "first writer" {
				t.Errorf("title = %q, stale write must not land", got.Title)
			}
		})
	}
}

func TestConversationStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	set, _ := NewMemoryStoreSet()
	store := set.Conversations

	if err := store.Create(ctx, sampleConversation("c-1", "user-1")); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "c-1")
	got.Messages[0].Content = "mutated"

	fresh, _ := store.Get(ctx, "c-1")
	if fresh.Messages[0].Content != "hello" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestConversationStore_DeleteAndQueries(t *testing.T) {
	for name, set := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := set.Conversations

			for _, c := range []*models.Conversation{
				sampleConversation("c-1", "alice"),
				sampleConversation("c-2", "alice"),
				sampleConversation("c-3", "bob"),
			} {
				if err := store.Create(ctx, c); err != nil {
					t.Fatal(err)
				}
			}

			byOwner, err := store.QueryByOwner(ctx, "alice")
			if err != nil {
				t.Fatal(err)
			}
			if len(byOwner) != 2 {
				t.Errorf("alice has %d conversations, want 2", len(byOwner))
			}

			byDef, err := store.QueryByDefinition(ctx, "def-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(byDef) != 3 {
				t.Errorf("def-1 has %d conversations, want 3", len(byDef))
			}

			if err := store.Delete(ctx, "c-2"); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete(ctx, "c-2"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second delete err = %v", err)
			}
			if _, err := store.Get(ctx, "c-2"); !errors.Is(err, ErrNotFound) {
				t.Errorf("deleted get err = %v", err)
			}
		})
	}
}

func TestDefinitionStore_RoundTrip(t *testing.T) {
	for name, set := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := set.Definitions

			if err := store.PutDefinition(ctx, &models.AgentDefinition{
				ID: "def-1", Name: "tutor", SystemPrompt: "be helpful",
			}); err != nil {
				t.Fatal(err)
			}
			definition, err := store.GetDefinition(ctx, "def-1")
			if err != nil {
				t.Fatal(err)
			}
			if definition.Name != "tutor" {
				t.Errorf("definition = %+v", definition)
			}

			if err := store.PutTemplate(ctx, &models.ConversationTemplate{
				ID: "tpl-1", Name: "quiz",
			}); err != nil {
				t.Fatal(err)
			}
			template, err := store.GetTemplate(ctx, "tpl-1")
			if err != nil {
				t.Fatal(err)
			}
			if template.Name != "quiz" {
				t.Errorf("template = %+v", template)
			}

			if _, err := store.GetDefinition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing definition err = %v", err)
			}
		})
	}
}

func TestPolicyStore_ActiveProjection(t *testing.T) {
	for name, set := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := set.Policies

			policies := []models.AccessPolicy{
				{ID: "p-low", Active: true, Priority: 1},
				{ID: "p-high", Active: true, Priority: 10},
				{ID: "p-off", Active: false, Priority: 100},
			}
			for _, p := range policies {
				if err := store.PutPolicy(ctx, p); err != nil {
					t.Fatal(err)
				}
			}
			for _, g := range []models.ToolGroup{
				{ID: "g-on", Active: true, Tools: []string{"search", "calculator"}},
				{ID: "g-off", Active: false, Tools: []string{"shell"}},
			} {
				if err := store.PutGroup(ctx, g); err != nil {
					t.Fatal(err)
				}
			}

			active, err := store.ActivePolicies(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(active) != 2 {
				t.Fatalf("active policies = %d, want 2", len(active))
			}
			if active[0].ID != "p-high" {
				t.Errorf("first policy = %s, want priority order", active[0].ID)
			}

			groups, err := store.ActiveGroupIDs(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := groups["g-on"]; !ok {
				t.Error("g-on missing from active groups")
			}
			if _, ok := groups["g-off"]; ok {
				t.Error("inactive group leaked into projection")
			}

			full, err := store.ActiveGroups(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(full) != 1 || full[0].ID != "g-on" {
				t.Fatalf("active groups = %+v", full)
			}
			if len(full[0].Tools) != 2 {
				t.Errorf("group tools = %v", full[0].Tools)
			}
		})
	}
}
