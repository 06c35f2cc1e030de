package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/palaverhq/palaver/internal/agent"
	"github.com/palaverhq/palaver/pkg/models"
)

const scoringSystemPrompt = `You grade a user's answer to one question.
Respond with a single JSON object and nothing else:
{"isCorrect": bool, "score": number, "maxScore": number, "feedback": string}
When no correct answer is given, set isCorrect to false and provide
feedback only.`

// Scorer grades a completed item with one structured LLM call.
type Scorer struct {
	provider agent.Provider
	model    string
	logger   *slog.Logger
}

// NewScorer builds a scorer on the given provider and model.
func NewScorer(provider agent.Provider, model string, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{provider: provider, model: model, logger: logger.With("component", "scorer")}
}

// scoringInput is what the model sees: the question as presented plus
// the user's submission.
type scoringInput struct {
	Stem          string   `json:"stem"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correctAnswer,omitempty"`
	UserResponse  any      `json:"userResponse"`
}

// ScoreItem grades the item's primary widget response.
func (s *Scorer) ScoreItem(ctx context.Context, item *ItemExecutionState) (*models.ScoringResult, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("no provider configured for scoring")
	}

	widgetID := primaryWidget(item)
	input := scoringInput{
		Stem:          item.Stems[widgetID],
		Options:       item.Options[widgetID],
		CorrectAnswer: item.CorrectAnswers[widgetID],
		UserResponse:  item.WidgetResponses[widgetID],
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode scoring input: %w", err)
	}

	response, err := s.provider.Chat(ctx, &agent.CompletionRequest{
		Model:  s.model,
		System: scoringSystemPrompt,
		Messages: []agent.CompletionMessage{
			{Role: string(models.RoleUser), Content: string(payload)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scoring call: %w", err)
	}

	result, err := parseScoringResult(response)
	if err != nil {
		return nil, err
	}
	// Without a canonical answer the grade is feedback-only.
	if input.CorrectAnswer == "" {
		result.IsCorrect = false
	}
	return result, nil
}

// primaryWidget picks the widget whose response is graded: the first
// required one, else the first answered one.
func primaryWidget(item *ItemExecutionState) string {
	for id := range item.RequiredWidgetIDs {
		return id
	}
	for id := range item.WidgetResponses {
		return id
	}
	return item.ItemID
}

func parseScoringResult(response string) (*models.ScoringResult, error) {
	text := strings.TrimSpace(response)
	if start := strings.Index(text, "```"); start >= 0 {
		body := strings.TrimPrefix(text[start+3:], "json")
		if end := strings.Index(body, "```"); end >= 0 {
			text = strings.TrimSpace(body[:end])
		}
	}
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}

	var result models.ScoringResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("scoring response is not valid JSON: %w", err)
	}
	if result.MaxScore <= 0 {
		result.MaxScore = 1
	}
	return &result, nil
}
