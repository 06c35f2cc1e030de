package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/palaverhq/palaver/pkg/models"
)

// MemoryStore keeps every aggregate in process memory. Used in tests
// and single-node development setups.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	definitions   map[string]*models.AgentDefinition
	templates     map[string]*models.ConversationTemplate
	policies      map[string]models.AccessPolicy
	groups        map[string]models.ToolGroup
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		definitions:   make(map[string]*models.AgentDefinition),
		templates:     make(map[string]*models.ConversationTemplate),
		policies:      make(map[string]models.AccessPolicy),
		groups:        make(map[string]models.ToolGroup),
	}
}

// NewMemoryStoreSet wraps a MemoryStore into a StoreSet.
func NewMemoryStoreSet() (StoreSet, *MemoryStore) {
	store := NewMemoryStore()
	return StoreSet{
		Conversations: store,
		Definitions:   store,
		Policies:      store,
	}, store
}

// cloneConversation deep-copies through JSON so callers cannot mutate
// stored state.
func cloneConversation(c *models.Conversation) *models.Conversation {
	data, err := json.Marshal(c)
	if err != nil {
		clone := *c
		return &clone
	}
	var out models.Conversation
	if err := json.Unmarshal(data, &out); err != nil {
		clone := *c
		return &clone
	}
	return &out
}

func (s *MemoryStore) Create(ctx context.Context, conversation *models.Conversation) error {
	if conversation == nil || conversation.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conversation.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now()
	stored := cloneConversation(conversation)
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.conversations[conversation.ID] = stored
	conversation.Version = stored.Version
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conversation), nil
}

func (s *MemoryStore) Update(ctx context.Context, conversation *models.Conversation) error {
	if conversation == nil || conversation.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.conversations[conversation.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != conversation.Version {
		return fmt.Errorf("%w: have %d, presented %d",
			ErrVersionConflict, current.Version, conversation.Version)
	}
	stored := cloneConversation(conversation)
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now()
	s.conversations[conversation.ID] = stored
	conversation.Version = stored.Version
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) QueryByOwner(ctx context.Context, userID string) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(func(c *models.Conversation) bool { return c.UserID == userID }), nil
}

func (s *MemoryStore) QueryByDefinition(ctx context.Context, definitionID string) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(func(c *models.Conversation) bool { return c.DefinitionID == definitionID }), nil
}

func (s *MemoryStore) query(match func(*models.Conversation) bool) []*models.Conversation {
	var out []*models.Conversation
	for _, c := range s.conversations {
		if match(c) {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*models.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	definition, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *definition
	return &clone, nil
}

func (s *MemoryStore) GetTemplate(ctx context.Context, id string) (*models.ConversationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *template
	return &clone, nil
}

func (s *MemoryStore) PutDefinition(ctx context.Context, definition *models.AgentDefinition) error {
	if definition == nil || definition.ID == "" {
		return fmt.Errorf("definition id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *definition
	s.definitions[definition.ID] = &clone
	return nil
}

func (s *MemoryStore) PutTemplate(ctx context.Context, template *models.ConversationTemplate) error {
	if template == nil || template.ID == "" {
		return fmt.Errorf("template id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *template
	s.templates[template.ID] = &clone
	return nil
}

func (s *MemoryStore) ActivePolicies(ctx context.Context) ([]models.AccessPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AccessPolicy
	for _, policy := range s.policies {
		if policy.Active {
			out = append(out, policy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *MemoryStore) ActiveGroupIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for id, group := range s.groups {
		if group.Active {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *MemoryStore) ActiveGroups(ctx context.Context) ([]models.ToolGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ToolGroup
	for _, group := range s.groups {
		if group.Active {
			out = append(out, group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutPolicy(ctx context.Context, policy models.AccessPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = policy
	return nil
}

func (s *MemoryStore) PutGroup(ctx context.Context, group models.ToolGroup) error {
	if group.ID == "" {
		return fmt.Errorf("group id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = group
	return nil
}
