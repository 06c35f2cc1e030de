// Package storage persists the external aggregates: conversations,
// agent definitions, templates, and access policies.
package storage

import (
	"context"
	"errors"

	"github.com/palaverhq/palaver/pkg/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// ConversationStore persists conversation aggregates. Update enforces
// optimistic concurrency: the stored version must equal the presented
// entity's version, which is then incremented.
type ConversationStore interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Update(ctx context.Context, conversation *models.Conversation) error
	Delete(ctx context.Context, id string) error
	QueryByOwner(ctx context.Context, userID string) ([]*models.Conversation, error)
	QueryByDefinition(ctx context.Context, definitionID string) ([]*models.Conversation, error)
}

// DefinitionStore serves agent definitions and their templates.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*models.AgentDefinition, error)
	GetTemplate(ctx context.Context, id string) (*models.ConversationTemplate, error)
	PutDefinition(ctx context.Context, definition *models.AgentDefinition) error
	PutTemplate(ctx context.Context, template *models.ConversationTemplate) error
}

// PolicyStore serves the access-policy projection. It satisfies the
// access resolver's PolicySource.
type PolicyStore interface {
	ActivePolicies(ctx context.Context) ([]models.AccessPolicy, error)
	ActiveGroupIDs(ctx context.Context) (map[string]struct{}, error)
	ActiveGroups(ctx context.Context) ([]models.ToolGroup, error)
	PutPolicy(ctx context.Context, policy models.AccessPolicy) error
	PutGroup(ctx context.Context, group models.ToolGroup) error
}

// StoreSet groups the storage dependencies handed to the mediator.
type StoreSet struct {
	Conversations ConversationStore
	Definitions   DefinitionStore
	Policies      PolicyStore
	closer        func() error
}

// Close releases any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
