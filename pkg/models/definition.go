package models

import "time"

// AgentDefinition is the read-only configuration bound to a conversation:
// display metadata, system prompt, tool allow-list, and an optional
// conversation template that turns the definition proactive.
type AgentDefinition struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Description            string    `json:"description,omitempty"`
	SystemPrompt           string    `json:"system_prompt"`
	AllowedTools           []string  `json:"allowed_tools,omitempty"`
	Model                  string    `json:"model,omitempty"`
	ConversationTemplateID string    `json:"conversation_template_id,omitempty"`
	Version                int64     `json:"version"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// ConversationTemplate holds the flow flags and the ordered items a
// proactive conversation walks through.
type ConversationTemplate struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Flow      TemplateFlow   `json:"flow"`
	Items     []TemplateItem `json:"items"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TemplateFlow controls how the template runner presents items.
type TemplateFlow struct {
	AgentStartsFirst         bool `json:"agent_starts_first"`
	AllowNavigation          bool `json:"allow_navigation"`
	AllowBackwardNavigation  bool `json:"allow_backward_navigation"`
	EnableChatInputInitially bool `json:"enable_chat_input_initially"`
	DisplayProgressIndicator bool `json:"display_progress_indicator"`
	DisplayFinalScoreReport  bool `json:"display_final_score_report"`
	ShuffleItems             bool `json:"shuffle_items"`
	ContinueAfterCompletion  bool `json:"continue_after_completion"`
}

// TemplateItem is one UX step: an ordered group of contents plus the
// per-item interaction settings.
type TemplateItem struct {
	ID                      string        `json:"id"`
	Contents                []ItemContent `json:"contents"`
	Instructions            string        `json:"instructions,omitempty"`
	EnableChatInput         bool          `json:"enable_chat_input"`
	TimeLimitSeconds        int           `json:"time_limit_seconds,omitempty"`
	RequireUserConfirmation bool          `json:"require_user_confirmation"`
	ConfirmationButtonText  string        `json:"confirmation_button_text,omitempty"`
	ProvideFeedback         bool          `json:"provide_feedback"`
	RevealCorrectAnswer     bool          `json:"reveal_correct_answer"`
	IncludeContext          bool          `json:"include_conversation_context"`
}

// WidgetType enumerates the closed set of renderable widgets.
type WidgetType string

const (
	WidgetText           WidgetType = "text"
	WidgetMultipleChoice WidgetType = "multiple_choice"
	WidgetFreeText       WidgetType = "free_text"
	WidgetSlider         WidgetType = "slider"
	WidgetRating         WidgetType = "rating"
	WidgetConfirmButton  WidgetType = "confirm_button"
)

// ItemContent is one widget or static content block inside an item.
// CorrectAnswer stays server-side and must never reach the client.
type ItemContent struct {
	ID               string         `json:"id"`
	WidgetType       WidgetType     `json:"widget_type"`
	IsTemplated      bool           `json:"is_templated,omitempty"`
	SourceID         string         `json:"source_id,omitempty"`
	WidgetConfig     map[string]any `json:"widget_config,omitempty"`
	Stem             string         `json:"stem,omitempty"`
	Options          []string       `json:"options,omitempty"`
	Required         bool           `json:"required"`
	Skippable        bool           `json:"skippable,omitempty"`
	InitialValue     any            `json:"initial_value,omitempty"`
	CorrectAnswer    string         `json:"correct_answer,omitempty"`
	ShowUserResponse bool           `json:"show_user_response,omitempty"`
}
