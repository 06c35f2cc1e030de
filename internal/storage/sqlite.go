package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/palaverhq/palaver/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists aggregates in a SQLite database. Structured
// fields are stored as JSON columns; the conversation row carries the
// version used for optimistic concurrency.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig points at the database file. An empty path opens an
// in-memory database.
type SQLiteConfig struct {
	Path string
}

// NewSQLiteStore opens the database and creates the schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent command handling.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreSet wraps a SQLiteStore into a StoreSet that closes the
// database.
func NewSQLiteStoreSet(cfg SQLiteConfig) (StoreSet, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return StoreSet{}, err
	}
	return StoreSet{
		Conversations: store,
		Definitions:   store,
		Policies:      store,
		closer:        store.Close,
	}, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			definition_id TEXT,
			template_id TEXT,
			title TEXT,
			body TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_definition ON conversations(definition_id)`,
		`CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS access_policies (
			id TEXT PRIMARY KEY,
			active INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_groups (
			id TEXT PRIMARY KEY,
			active INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, conversation *models.Conversation) error {
	if conversation == nil || conversation.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	now := time.Now()
	stored := *conversation
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	body, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, definition_id, template_id, title, body, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.UserID, stored.DefinitionID, stored.TemplateID,
		stored.Title, string(body), stored.Version, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	conversation.Version = stored.Version
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM conversations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	var conversation models.Conversation
	if err := json.Unmarshal([]byte(body), &conversation); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conversation, nil
}

func (s *SQLiteStore) Update(ctx context.Context, conversation *models.Conversation) error {
	if conversation == nil || conversation.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	stored := *conversation
	stored.Version = conversation.Version + 1
	stored.UpdatedAt = time.Now()

	body, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	// The version predicate makes the compare-and-swap atomic.
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET user_id = ?, definition_id = ?, template_id = ?, title = ?,
		    body = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, stored.UserID, stored.DefinitionID, stored.TemplateID, stored.Title,
		string(body), stored.Version, stored.UpdatedAt,
		stored.ID, conversation.Version)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if affected == 0 {
		var current int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM conversations WHERE id = ?`, stored.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query conversation version: %w", err)
		}
		return fmt.Errorf("%w: have %d, presented %d",
			ErrVersionConflict, current, conversation.Version)
	}
	conversation.Version = stored.Version
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) QueryByOwner(ctx context.Context, userID string) ([]*models.Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT body FROM conversations WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *SQLiteStore) QueryByDefinition(ctx context.Context, definitionID string) ([]*models.Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT body FROM conversations WHERE definition_id = ? ORDER BY created_at DESC`, definitionID)
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, arg any) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var conversation models.Conversation
		if err := json.Unmarshal([]byte(body), &conversation); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		out = append(out, &conversation)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*models.AgentDefinition, error) {
	var definition models.AgentDefinition
	if err := s.getJSON(ctx, "definitions", id, &definition); err != nil {
		return nil, err
	}
	return &definition, nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*models.ConversationTemplate, error) {
	var template models.ConversationTemplate
	if err := s.getJSON(ctx, "templates", id, &template); err != nil {
		return nil, err
	}
	return &template, nil
}

func (s *SQLiteStore) PutDefinition(ctx context.Context, definition *models.AgentDefinition) error {
	if definition == nil || definition.ID == "" {
		return fmt.Errorf("definition id is required")
	}
	return s.putJSON(ctx, "definitions", definition.ID, definition)
}

func (s *SQLiteStore) PutTemplate(ctx context.Context, template *models.ConversationTemplate) error {
	if template == nil || template.ID == "" {
		return fmt.Errorf("template id is required")
	}
	return s.putJSON(ctx, "templates", template.ID, template)
}

func (s *SQLiteStore) getJSON(ctx context.Context, table, id string, out any) error {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM `+table+` WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode %s row: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) putJSON(ctx context.Context, table, id string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+table+` (id, body) VALUES (?, ?)`, id, string(body))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) ActivePolicies(ctx context.Context) ([]models.AccessPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM access_policies WHERE active = 1 ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var out []models.AccessPolicy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		var policy models.AccessPolicy
		if err := json.Unmarshal([]byte(body), &policy); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, policy)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveGroupIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tool_groups WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveGroups(ctx context.Context) ([]models.ToolGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM tool_groups WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []models.ToolGroup
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		var group models.ToolGroup
		if err := json.Unmarshal([]byte(body), &group); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutPolicy(ctx context.Context, policy models.AccessPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO access_policies (id, active, priority, body)
		VALUES (?, ?, ?, ?)
	`, policy.ID, boolInt(policy.Active), policy.Priority, string(body))
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutGroup(ctx context.Context, group models.ToolGroup) error {
	if group.ID == "" {
		return fmt.Errorf("group id is required")
	}
	body, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("encode group: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tool_groups (id, active, body) VALUES (?, ?, ?)
	`, group.ID, boolInt(group.Active), string(body))
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the message.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
