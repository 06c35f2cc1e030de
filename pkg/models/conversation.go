package models

import "time"

// Conversation is the persisted aggregate the orchestrator writes through
// commands. Version carries optimistic concurrency: updates must present the
// version they read, and the repository rejects mismatches.
type Conversation struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	DefinitionID string          `json:"definition_id,omitempty"`
	TemplateID   string          `json:"template_id,omitempty"`
	Title        string          `json:"title,omitempty"`
	Messages     []Message       `json:"messages"`
	Progress     int             `json:"progress"`
	Responses    []ItemResponse  `json:"responses,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ItemResponse is the persisted record of one completed template item.
type ItemResponse struct {
	ItemID         string           `json:"item_id"`
	ItemIndex      int              `json:"item_index"`
	Widgets        []WidgetResponse `json:"widgets"`
	Scoring        *ScoringResult   `json:"scoring,omitempty"`
	ResponseTimeMs int64            `json:"response_time_ms"`
	RecordedAt     time.Time        `json:"recorded_at"`
}

// WidgetResponse pairs a widget with the value the user submitted for it.
type WidgetResponse struct {
	WidgetID string `json:"widget_id"`
	Value    any    `json:"value"`
}

// ScoringResult is the structured outcome of scoring one item.
type ScoringResult struct {
	IsCorrect bool    `json:"is_correct"`
	Score     float64 `json:"score"`
	MaxScore  float64 `json:"max_score"`
	Feedback  string  `json:"feedback,omitempty"`
}
