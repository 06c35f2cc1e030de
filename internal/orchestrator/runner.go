package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/palaverhq/palaver/internal/agent"
	"github.com/palaverhq/palaver/internal/gateway"
	"github.com/palaverhq/palaver/internal/mediator"
	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/pkg/models"
)

// runTemplate walks the template items in presentation order, pausing
// at each until the widget handler signals completion. It runs as a
// background task owned by the flow handler.
func (o *Orchestrator) runTemplate(ctx context.Context, conn *gateway.Connection, cc *ConversationContext) {
	template := cc.Template
	total := len(template.Items)

	order := cc.ItemOrder()
	if len(order) != total {
		order = make([]int, total)
		for i := range order {
			order[i] = i
		}
		if template.Flow.ShuffleItems {
			rand.Shuffle(total, func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		cc.SetItemOrder(order)
	}

	start := 0
	if conversation, err := o.stores.Conversations.Get(ctx, cc.ConversationID); err == nil {
		start = conversation.Progress
	}
	if start < 0 {
		start = 0
	}

	for i := start; i < total; i++ {
		item := template.Items[order[i]]
		state := NewItemExecutionState(item, i)

		if err := o.presentItem(ctx, conn, cc, item, state, i, total); err != nil {
			o.logger.Warn("item presentation failed",
				"conversation", cc.ConversationID, "item", item.ID, "error", err)
			return
		}

		cc.SetCurrentItem(state)
		if err := cc.Transition(StateSuspended); err != nil {
			o.logger.Warn("suspend transition refused", "error", err)
			return
		}

		if !o.awaitItem(ctx, conn, cc, item, state) {
			return
		}
		cc.SetCurrentItem(nil)

		if i < total-1 {
			if err := cc.Transition(StatePresenting); err != nil {
				o.logger.Warn("presenting transition refused", "error", err)
				return
			}
		}
	}

	if err := cc.Transition(StateCompleted); err != nil {
		o.logger.Warn("completed transition refused", "error", err)
		return
	}
	if template.Flow.DisplayFinalScoreReport {
		o.sendScoreReport(ctx, conn, cc)
	}
	if template.Flow.ContinueAfterCompletion {
		_ = o.sender.SendChatInput(conn.ID, cc.ConversationID, true)
	}
}

// awaitItem blocks until the item completes, the time limit expires, or
// the flow is canceled. Returns false when the flow must stop.
func (o *Orchestrator) awaitItem(ctx context.Context, conn *gateway.Connection, cc *ConversationContext, item models.TemplateItem, state *ItemExecutionState) bool {
	var timeout <-chan time.Time
	if item.TimeLimitSeconds > 0 {
		timer := time.NewTimer(time.Duration(item.TimeLimitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-state.Completed():
		return true
	case <-timeout:
		o.forceAdvance(ctx, conn, cc, state)
		return true
	case <-ctx.Done():
		return false
	}
}

// forceAdvance records an expired item with whatever was submitted and
// moves the cursor. Runs only when the time limit fires before
// completion.
func (o *Orchestrator) forceAdvance(ctx context.Context, conn *gateway.Connection, cc *ConversationContext, state *ItemExecutionState) {
	state.CompletedAt = time.Now()
	user := models.User{ID: conn.UserID}
	recorded := o.dispatcher.Execute(ctx, mediator.RecordItemResponseCommand{
		ConversationID: cc.ConversationID,
		ItemID:         state.ItemID,
		ItemIndex:      state.ItemIndex,
		Responses:      state.Responses(),
		ResponseTimeMs: state.CompletedAt.Sub(state.StartedAt).Milliseconds(),
		UserInfo:       user,
	})
	if !recorded.Success {
		o.logger.Warn("timed-out item not recorded",
			"item", state.ItemID, "error", recorded.FirstError())
	}
	advanced := o.dispatcher.Execute(ctx, mediator.AdvanceTemplateCommand{
		ConversationID: cc.ConversationID, UserInfo: user,
	})
	if !advanced.Success {
		o.logger.Warn("timed-out item not advanced",
			"item", state.ItemID, "error", advanced.FirstError())
	}
	state.SignalComplete()
}

// presentItem emits the item context and renders every content block,
// generating templated ones through a single LLM call.
func (o *Orchestrator) presentItem(ctx context.Context, conn *gateway.Connection, cc *ConversationContext, item models.TemplateItem, state *ItemExecutionState, index, total int) error {
	err := o.sender.SendItemContext(conn.ID, cc.ConversationID, protocol.ItemContextPayload{
		ItemID:           item.ID,
		ItemIndex:        index,
		TotalItems:       total,
		EnableChatInput:  item.EnableChatInput,
		TimeLimitSeconds: item.TimeLimitSeconds,
	})
	if err != nil {
		return err
	}

	for _, content := range item.Contents {
		resolved := content
		if content.IsTemplated {
			generated, genErr := o.generateContent(ctx, cc, item, index, total)
			if genErr != nil {
				_ = o.sender.SendError(conn.ID, cc.ConversationID,
					protocol.ItemLoadFailed("content generation failed for item "+item.ID))
				return genErr
			}
			resolved.Stem = generated.Stem
			if len(generated.Options) > 0 {
				resolved.Options = generated.Options
			}
			if generated.CorrectAnswer != "" {
				resolved.CorrectAnswer = generated.CorrectAnswer
			}
		}

		// The correct answer is retained server-side only.
		if resolved.CorrectAnswer != "" {
			state.CorrectAnswers[resolved.ID] = resolved.CorrectAnswer
		}
		state.Stems[resolved.ID] = resolved.Stem
		state.Options[resolved.ID] = resolved.Options

		renderErr := o.sender.RenderWidget(conn.ID, cc.ConversationID, protocol.WidgetRenderPayload{
			ItemID:           item.ID,
			WidgetID:         resolved.ID,
			WidgetType:       string(resolved.WidgetType),
			Stem:             resolved.Stem,
			Options:          resolved.Options,
			WidgetConfig:     resolved.WidgetConfig,
			Required:         resolved.Required,
			Skippable:        resolved.Skippable,
			InitialValue:     resolved.InitialValue,
			ShowUserResponse: resolved.ShowUserResponse,
		})
		if renderErr != nil {
			return renderErr
		}
	}

	if item.RequireUserConfirmation {
		stem := item.ConfirmationButtonText
		if stem == "" {
			stem = "Continue"
		}
		return o.sender.RenderWidget(conn.ID, cc.ConversationID, protocol.WidgetRenderPayload{
			ItemID:     item.ID,
			WidgetID:   state.ConfirmWidgetID(),
			WidgetType: string(models.WidgetConfirmButton),
			Stem:       stem,
			Required:   false,
		})
	}
	return nil
}

// generatedContent is the shape templated instructions resolve to.
type generatedContent struct {
	Stem          string   `json:"stem"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correctAnswer,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
}

// generateContent makes one LLM call, no tools and no history, with the
// item's substituted instructions.
func (o *Orchestrator) generateContent(ctx context.Context, cc *ConversationContext, item models.TemplateItem, index, total int) (*generatedContent, error) {
	if o.provider == nil {
		return nil, fmt.Errorf("no provider configured for templated content")
	}
	prompt := o.substitutePlaceholders(cc, item.Instructions, index, total)

	request := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{
			{Role: string(models.RoleUser), Content: prompt},
		},
	}
	if cc.Definition != nil {
		request.System = cc.Definition.SystemPrompt
		request.Model = cc.Definition.Model
	}
	if request.Model == "" {
		request.Model = o.config.DefaultModel
	}

	response, err := o.provider.Chat(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("generate item content: %w", err)
	}
	return parseGeneratedContent(response), nil
}

// substitutePlaceholders renders the documented placeholders into the
// instructions. Item numbering is 1-based.
func (o *Orchestrator) substitutePlaceholders(cc *ConversationContext, text string, index, total int) string {
	agentName := ""
	if cc.Definition != nil {
		agentName = cc.Definition.Name
	}
	replacer := strings.NewReplacer(
		"{{user_id}}", cc.UserID,
		"{{conversation_id}}", cc.ConversationID,
		"{{agent_name}}", agentName,
		"{{current_item}}", strconv.Itoa(index+1),
		"{{total_items}}", strconv.Itoa(total),
		"{{timestamp}}", time.Now().UTC().Format(time.RFC3339),
	)
	return replacer.Replace(text)
}

// parseGeneratedContent accepts a raw JSON object, a fenced JSON block,
// or plain text that becomes the stem.
func parseGeneratedContent(response string) *generatedContent {
	text := strings.TrimSpace(response)

	candidate := ""
	if strings.HasPrefix(text, "{") {
		candidate = text
	} else if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		body = strings.TrimPrefix(body, "json")
		if end := strings.Index(body, "```"); end >= 0 {
			candidate = strings.TrimSpace(body[:end])
		}
	}

	if candidate != "" {
		var generated generatedContent
		if err := json.Unmarshal([]byte(candidate), &generated); err == nil && generated.Stem != "" {
			return &generated
		}
	}
	return &generatedContent{Stem: text}
}

// sendScoreReport streams a plain-text summary of the recorded scores.
func (o *Orchestrator) sendScoreReport(ctx context.Context, conn *gateway.Connection, cc *ConversationContext) {
	conversation, err := o.stores.Conversations.Get(ctx, cc.ConversationID)
	if err != nil {
		o.logger.Warn("score report unavailable", "conversation", cc.ConversationID, "error", err)
		return
	}

	var score, maxScore float64
	correct := 0
	scored := 0
	for _, response := range conversation.Responses {
		if response.Scoring == nil {
			continue
		}
		scored++
		score += response.Scoring.Score
		maxScore += response.Scoring.MaxScore
		if response.Scoring.IsCorrect {
			correct++
		}
	}

	var report strings.Builder
	report.WriteString("All done!")
	if scored > 0 {
		fmt.Fprintf(&report, " You answered %d of %d scored items correctly", correct, scored)
		if maxScore > 0 {
			fmt.Fprintf(&report, " (%.0f/%.0f points)", score, maxScore)
		}
		report.WriteString(".")
	}
	_ = o.sender.StreamContent(conn.ID, cc.ConversationID, uuid.NewString(),
		string(models.RoleSystem), report.String())
}
