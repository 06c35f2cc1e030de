package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/palaverhq/palaver/internal/agent"
	"github.com/palaverhq/palaver/internal/auth"
	"github.com/palaverhq/palaver/internal/gateway"
	"github.com/palaverhq/palaver/internal/mediator"
	"github.com/palaverhq/palaver/internal/observability"
	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/internal/storage"
	"github.com/palaverhq/palaver/pkg/models"
)

// dispatcher executes commands; *mediator.Mediator satisfies it.
type dispatcher interface {
	Execute(ctx context.Context, cmd mediator.Command) *mediator.OperationResult
}

// agentRunner streams one agent run; *agent.Loop satisfies it.
type agentRunner interface {
	RunStream(ctx context.Context, input agent.RunInput) <-chan agent.Event
}

// toolLister fetches the remote tool catalog at bind time.
type toolLister interface {
	ListTools(ctx context.Context, accessToken string) ([]agent.ToolInfo, error)
}

// groupResolver maps verified claims to granted tool group ids;
// *access.Resolver satisfies it.
type groupResolver interface {
	ResolveGroups(ctx context.Context, claims map[string]any) (map[string]struct{}, error)
}

// Config tunes the orchestrator.
type Config struct {
	DefaultModel string
}

// Options carries the orchestrator's singleton dependencies.
type Options struct {
	Registry   *Registry
	Dispatcher dispatcher
	Sender     *gateway.Sender
	Runner     agentRunner
	Provider   agent.Provider
	Executor   agent.ToolExecutor
	Tools      toolLister
	Access     groupResolver
	Stores     storage.StoreSet
	Scorer     *Scorer
	Timeline   *observability.Timeline
	Config     Config
	Logger     *slog.Logger
}

// Orchestrator wires the conversation handlers onto the gateway router
// and drives agent runs and template flows per connection.
type Orchestrator struct {
	registry   *Registry
	dispatcher dispatcher
	sender     *gateway.Sender
	runner     agentRunner
	provider   agent.Provider
	executor   agent.ToolExecutor
	tools      toolLister
	access     groupResolver
	stores     storage.StoreSet
	scorer     *Scorer
	timeline   *observability.Timeline
	config     Config
	logger     *slog.Logger
}

// New builds the orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		sender:     opts.Sender,
		runner:     opts.Runner,
		provider:   opts.Provider,
		executor:   opts.Executor,
		tools:      opts.Tools,
		access:     opts.Access,
		stores:     opts.Stores,
		scorer:     opts.Scorer,
		timeline:   opts.Timeline,
		config:     opts.Config,
		logger:     opts.Logger.With("component", "orchestrator"),
	}
}

// Registry exposes the context registry for the state-guard middleware.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Register binds every orchestrator handler to the router.
func (o *Orchestrator) Register(router *gateway.Router) {
	router.Handle(protocol.TypeMessageSend, o.handleMessageSend)
	router.Handle(protocol.TypeResponseSubmit, o.handleResponseSubmit)
	router.Handle(protocol.TypeFlowStart, o.handleFlowStart)
	router.Handle(protocol.TypeFlowPause, o.handleFlowPause)
	router.Handle(protocol.TypeFlowCancel, o.handleFlowCancel)
	router.Handle(protocol.TypeFlowResume, o.handleFlowResume)
	router.Handle(protocol.TypeAuditEvents, o.handleAuditEvents)
}

// BindConnection loads the conversation, definition, and template,
// creates the conversation context, and announces the configuration.
// claims, when present, gate the tool catalog through the access
// resolver; nil claims skip the policy filter.
func (o *Orchestrator) BindConnection(ctx context.Context, conn *gateway.Connection, conversationID string, claims *auth.Claims) error {
	conversation, err := o.stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conversation.UserID != conn.UserID {
		return storage.ErrNotFound
	}

	cc := NewConversationContext(conn.ID, conversationID, conn.UserID)
	if conversation.DefinitionID != "" {
		definition, err := o.stores.Definitions.GetDefinition(ctx, conversation.DefinitionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		cc.Definition = definition
		if definition != nil && definition.ConversationTemplateID != "" {
			template, err := o.stores.Definitions.GetTemplate(ctx, definition.ConversationTemplateID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			cc.Template = template
		}
	}

	if o.tools != nil {
		if tools, err := o.tools.ListTools(ctx, conn.AccessToken()); err == nil {
			granted, err := o.grantedTools(ctx, claims)
			if err != nil {
				o.logger.Warn("access resolution failed",
					"conversation", conversationID, "error", err)
				granted = map[string]struct{}{}
			}
			cc.Tools = toolSpecs(tools, cc.Definition, granted)
		} else {
			o.logger.Warn("tool listing failed", "conversation", conversationID, "error", err)
		}
	}

	if err := cc.Transition(StateReady); err != nil {
		return err
	}
	o.registry.Bind(conn.ID, cc)
	conn.BindConversation(conversationID, conversation.DefinitionID)

	config := protocol.ConversationConfigPayload{
		ConversationID:  conversationID,
		IsProactive:     cc.IsProactive(),
		EnableChatInput: !cc.IsProactive(),
	}
	if cc.Definition != nil {
		config.DefinitionName = cc.Definition.Name
	}
	if cc.Template != nil {
		config.TotalItems = len(cc.Template.Items)
		config.EnableChatInput = cc.Template.Flow.EnableChatInputInitially
		config.DisplayProgressIndicator = cc.Template.Flow.DisplayProgressIndicator
		config.AllowNavigation = cc.Template.Flow.AllowNavigation
	}
	if err := o.sender.SendConversationConfig(conn.ID, config); err != nil {
		return err
	}
	if config.EnableChatInput {
		return o.sender.SendChatInput(conn.ID, conversationID, true)
	}
	return nil
}

// Unbind tears down the context when a connection closes.
func (o *Orchestrator) Unbind(connectionID string) {
	o.registry.Remove(connectionID)
}

// grantedTools resolves the claims into the union of tool names the
// active policies grant. A nil result means no policy filter applies.
func (o *Orchestrator) grantedTools(ctx context.Context, claims *auth.Claims) (map[string]struct{}, error) {
	if o.access == nil || claims == nil {
		return nil, nil
	}
	groupIDs, err := o.access.ResolveGroups(ctx, claims.Raw)
	if err != nil {
		return nil, err
	}
	groups, err := o.stores.Policies.ActiveGroups(ctx)
	if err != nil {
		return nil, err
	}
	granted := make(map[string]struct{})
	for _, group := range groups {
		if _, ok := groupIDs[group.ID]; !ok {
			continue
		}
		for _, name := range group.Tools {
			granted[name] = struct{}{}
		}
	}
	return granted, nil
}

// toolSpecs converts the remote catalog into agent tool definitions,
// filtered by the definition's allow-list when one is set and by the
// policy grant when one applies.
func toolSpecs(tools []agent.ToolInfo, definition *models.AgentDefinition, granted map[string]struct{}) []agent.ToolSpec {
	var allowed map[string]struct{}
	if definition != nil && len(definition.AllowedTools) > 0 {
		allowed = make(map[string]struct{}, len(definition.AllowedTools))
		for _, name := range definition.AllowedTools {
			allowed[name] = struct{}{}
		}
	}
	out := make([]agent.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		if allowed != nil {
			if _, ok := allowed[tool.Name]; !ok {
				continue
			}
		}
		if granted != nil {
			if _, ok := granted[tool.Name]; !ok {
				continue
			}
		}
		out = append(out, agent.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			JSONSchema:  tool.InputSchema,
		})
	}
	return out
}

// commandError folds a failed OperationResult into a protocol error.
func commandError(result *mediator.OperationResult) *protocol.ErrorPayload {
	msg := result.FirstError()
	switch result.StatusCode {
	case 404, 400:
		return &protocol.ErrorPayload{
			Category: protocol.CategoryBusiness,
			Code:     protocol.CodeMessageError,
			Message:  msg,
		}
	case 409:
		return &protocol.ErrorPayload{
			Category:    protocol.CategoryBusiness,
			Code:        protocol.CodeMessageError,
			Message:     msg,
			IsRetryable: true,
		}
	default:
		return protocol.HandlerError(msg)
	}
}

// handleMessageSend runs one reactive turn: persist, stream the agent,
// persist the final content.
func (o *Orchestrator) handleMessageSend(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope) error {
	cc := o.registry.Get(conn.ID)
	if cc == nil {
		return protocol.InvalidState("no conversation bound")
	}
	if state := cc.State(); state != StateReady && state != StateSuspended {
		return protocol.InvalidState("message not accepted in state " + string(state))
	}

	var payload protocol.MessageSendPayload
	if err := env.DecodePayload(&payload); err != nil {
		return protocol.InvalidPayload(string(env.Type), []string{err.Error()})
	}
	if err := cc.Transition(StateProcessing); err != nil {
		return protocol.InvalidState(err.Error())
	}
	cc.Touch()
	_ = o.sender.SendMessageAck(conn.ID, cc.ConversationID, env.MessageID)

	history, err := o.history(ctx, cc.ConversationID)
	if err != nil {
		return o.failMessage(cc, conn, env, err.Error())
	}

	user := models.User{ID: conn.UserID}
	sent := o.dispatcher.Execute(ctx, mediator.SendMessageCommand{
		ConversationID: cc.ConversationID,
		Content:        payload.Content,
		UserInfo:       user,
	})
	if !sent.Success {
		return o.failMessage(cc, conn, env, commandError(sent).Message)
	}
	assistantID := sent.Data.(mediator.SendMessageResult).AssistantMessageID

	final, runErr := o.runAgent(ctx, conn, cc, payload.Content, history, assistantID)
	if runErr != nil {
		return o.failMessage(cc, conn, env, runErr.Error())
	}

	completed := o.dispatcher.Execute(ctx, mediator.CompleteMessageCommand{
		ConversationID: cc.ConversationID,
		MessageID:      assistantID,
		Content:        final,
		UserInfo:       user,
	})
	if !completed.Success {
		return o.failMessage(cc, conn, env, commandError(completed).Message)
	}

	if err := cc.Transition(StateReady); err != nil {
		o.logger.Warn("post-run transition refused", "connection", conn.ID, "error", err)
	}
	return nil
}

// failMessage moves the conversation to ERROR and reports MESSAGE_ERROR.
func (o *Orchestrator) failMessage(cc *ConversationContext, conn *gateway.Connection, env *protocol.Envelope, msg string) error {
	if err := cc.Transition(StateError); err != nil {
		o.logger.Warn("error transition refused", "connection", conn.ID, "error", err)
	}
	return &protocol.ErrorPayload{
		Category:    protocol.CategoryBusiness,
		Code:        protocol.CodeMessageError,
		Message:     msg,
		IsRetryable: true,
	}
}

// history converts the persisted message log for the LLM, dropping
// unfilled assistant placeholders.
func (o *Orchestrator) history(ctx context.Context, conversationID string) ([]agent.CompletionMessage, error) {
	conversation, err := o.stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]agent.CompletionMessage, 0, len(conversation.Messages))
	for _, m := range conversation.Messages {
		if m.Role == models.RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out, nil
}

// runAgent streams one agent run to the client and returns the final
// assistant text.
func (o *Orchestrator) runAgent(ctx context.Context, conn *gateway.Connection, cc *ConversationContext, userMessage string, history []agent.CompletionMessage, assistantID string) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cc.SetCancel(cancel)
	defer func() {
		cc.SetCancel(nil)
		cancel()
	}()

	input := agent.RunInput{
		UserMessage: userMessage,
		History:     history,
		Tools:       cc.Tools,
		Executor:    o.executor,
		AccessToken: conn.AccessToken(),
	}
	if cc.Definition != nil {
		input.SystemPrompt = cc.Definition.SystemPrompt
		input.Model = cc.Definition.Model
	}
	if input.Model == "" {
		input.Model = o.config.DefaultModel
	}

	var final string
	var runErr error
	for ev := range o.runner.RunStream(runCtx, input) {
		switch ev.Kind {
		case agent.EventLLMResponseChunk:
			_ = o.sender.SendContentChunk(conn.ID, cc.ConversationID, assistantID, ev.Text, false)
		case agent.EventToolExecutionStarted:
			if ev.ToolCall != nil {
				_ = o.sender.SendToolCall(conn.ID, cc.ConversationID, *ev.ToolCall)
			}
		case agent.EventToolExecutionComplete, agent.EventToolExecutionFailed:
			if ev.ToolCall != nil && ev.Result != nil {
				_ = o.sender.SendToolResult(conn.ID, cc.ConversationID, protocol.ToolResultPayload{
					CallID:          ev.ToolCall.ID,
					Success:         ev.Result.Success,
					Result:          ev.Result.Result,
					Error:           ev.Result.Error,
					ExecutionTimeMs: ev.Result.ExecutionTimeMs,
				})
			}
		case agent.EventRunCompleted:
			final = ev.Text
		case agent.EventRunFailed:
			runErr = ev.Err
		}
	}
	if runErr != nil {
		return "", runErr
	}
	if err := runCtx.Err(); err != nil {
		return "", err
	}

	_ = o.sender.SendContentChunk(conn.ID, cc.ConversationID, assistantID, "", true)
	_ = o.sender.CompleteContent(conn.ID, cc.ConversationID, assistantID,
		string(models.RoleAssistant), final)
	return final, nil
}

// handleResponseSubmit records a widget value and completes the item
// when every required widget is answered.
func (o *Orchestrator) handleResponseSubmit(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope) error {
	cc := o.registry.Get(conn.ID)
	if cc == nil {
		return protocol.InvalidState("no conversation bound")
	}
	var payload protocol.ResponseSubmitPayload
	if err := env.DecodePayload(&payload); err != nil {
		return protocol.InvalidPayload(string(env.Type), []string{err.Error()})
	}
	cc.Touch()
	_ = o.sender.SendResponseAck(conn.ID, cc.ConversationID, payload.ItemID, payload.WidgetID)

	item := cc.CurrentItem()
	if item == nil || item.ItemID != payload.ItemID {
		// Late submission for an item already advanced past.
		o.logger.Debug("stale widget response ignored",
			"connection", conn.ID, "item", payload.ItemID)
		if !cc.IsProactive() && cc.State() != StateReady {
			_ = cc.Transition(StateReady)
		}
		return nil
	}

	if item.Done() {
		// The item was already scored and advanced; a duplicate submit
		// gets the ack and nothing else.
		return nil
	}

	if payload.WidgetID == item.ConfirmWidgetID() {
		item.UserConfirmed = true
	} else {
		item.WidgetResponses[payload.WidgetID] = payload.Value
		if _, required := item.RequiredWidgetIDs[payload.WidgetID]; required {
			item.AnsweredWidgetIDs[payload.WidgetID] = struct{}{}
		}
	}

	// Batch submissions defer the completion check to the final entry.
	if payload.Batch && !payload.Final {
		return nil
	}
	if !item.IsComplete() {
		return nil
	}
	return o.completeItem(ctx, conn, cc, item)
}

// completeItem scores, persists, and advances one finished item.
func (o *Orchestrator) completeItem(ctx context.Context, conn *gateway.Connection, cc *ConversationContext, item *ItemExecutionState) error {
	item.CompletedAt = time.Now()

	if item.ProvideFeedback && o.scorer != nil {
		scoring, err := o.scorer.ScoreItem(ctx, item)
		if err != nil {
			o.logger.Warn("scoring failed", "item", item.ItemID, "error", err)
		} else {
			item.Scoring = scoring
			o.sendFeedback(conn, cc, item, scoring)
		}
	}

	user := models.User{ID: conn.UserID}
	recorded := o.dispatcher.Execute(ctx, mediator.RecordItemResponseCommand{
		ConversationID: cc.ConversationID,
		ItemID:         item.ItemID,
		ItemIndex:      item.ItemIndex,
		Responses:      item.Responses(),
		Scoring:        item.Scoring,
		ResponseTimeMs: item.CompletedAt.Sub(item.StartedAt).Milliseconds(),
		UserInfo:       user,
	})
	if !recorded.Success {
		return commandError(recorded)
	}
	advanced := o.dispatcher.Execute(ctx, mediator.AdvanceTemplateCommand{
		ConversationID: cc.ConversationID,
		UserInfo:       user,
	})
	if !advanced.Success {
		return commandError(advanced)
	}

	// Marks the item done so later duplicates cannot re-run this path,
	// and wakes the template runner when one is waiting.
	item.SignalComplete()
	if !cc.IsProactive() {
		if err := cc.Transition(StateReady); err != nil {
			o.logger.Warn("post-item transition refused", "connection", conn.ID, "error", err)
		}
	}
	return nil
}

// sendFeedback reveals scoring through a widget update. The correct
// answer never travels as a payload field; when the item allows
// revealing it, it is folded into the feedback text.
func (o *Orchestrator) sendFeedback(conn *gateway.Connection, cc *ConversationContext, item *ItemExecutionState, scoring *models.ScoringResult) {
	fields := map[string]any{
		"isCorrect": scoring.IsCorrect,
		"score":     scoring.Score,
		"maxScore":  scoring.MaxScore,
	}
	widgetID := item.ItemID
	for id := range item.RequiredWidgetIDs {
		widgetID = id
		break
	}
	feedback := scoring.Feedback
	if item.RevealCorrectAnswer {
		if answer, ok := item.CorrectAnswers[widgetID]; ok && answer != "" {
			if feedback != "" {
				feedback += " "
			}
			feedback += "The correct answer is " + answer + "."
		}
	}
	if feedback != "" {
		fields["feedback"] = feedback
	}
	_ = o.sender.UpdateWidget(conn.ID, cc.ConversationID, protocol.WidgetUpdatePayload{
		ItemID:   item.ItemID,
		WidgetID: widgetID,
		Fields:   fields,
	})
}

// handleFlowStart begins a proactive flow or enables chat input for a
// reactive conversation.
func (o *Orchestrator) handleFlowStart(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope) error {
	cc := o.registry.Get(conn.ID)
	if cc == nil {
		return protocol.InvalidState("no conversation bound")
	}
	if !cc.IsProactive() {
		if cc.State() == StateInitializing {
			_ = cc.Transition(StateReady)
		}
		return o.sender.SendChatInput(conn.ID, cc.ConversationID, true)
	}
	if state := cc.State(); state != StateReady && state != StateInitializing {
		return protocol.InvalidState("flow start not accepted in state " + string(state))
	}
	return o.startFlow(ctx, conn, cc)
}

func (o *Orchestrator) startFlow(ctx context.Context, conn *gateway.Connection, cc *ConversationContext) error {
	if err := cc.Transition(StatePresenting); err != nil {
		return protocol.InvalidState(err.Error())
	}
	runCtx, cancel := context.WithCancel(ctx)
	cc.SetCancel(cancel)
	go o.runTemplate(runCtx, conn, cc)
	return nil
}

// handleFlowPause freezes the conversation.
func (o *Orchestrator) handleFlowPause(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope) error {
	cc := o.registry.Get(conn.ID)
	if cc == nil {
		return protocol.InvalidState("no conversation bound")
	}
	if err := cc.Transition(StatePaused); err != nil {
		return protocol.InvalidState(err.Error())
	}
	o.dispatchStatus(ctx, mediator.PauseConversationCommand{
		ConversationID: cc.ConversationID, UserInfo: models.User{ID: conn.UserID},
	})
	return o.sender.SendFlowAck(conn.ID, cc.ConversationID,
		protocol.TypeConversationPause, string(StatePaused))
}

// handleFlowCancel aborts in-flight work and returns to READY.
func (o *Orchestrator) handleFlowCancel(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope) error {
	cc := o.registry.Get(conn.ID)
	if cc == nil {
		return protocol.InvalidState("no conversation bound")
	}
	cc.CancelActive()
	cc.SetCurrentItem(nil)
	if err := cc.Transition(StateReady); err != nil {
		return protocol.InvalidState(err.Error())
	}
	o.dispatchStatus(ctx, mediator.CancelOperationCommand{
		ConversationID: cc.ConversationID, UserInfo: models.User{ID: conn.UserID},
	})
	return o.sender.SendFlowAck(conn.ID, cc.ConversationID,
		protocol.TypeConversationCancel, string(StateReady))
}

// handleFlowResume leaves PAUSED and re-enters the mode the
// conversation was in.
func (o *Orchestrator) handleFlowResume(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope) error {
	cc := o.registry.Get(conn.ID)
	if cc == nil {
		return protocol.InvalidState("no conversation bound")
	}
	if cc.State() != StatePaused {
		return protocol.InvalidState("resume requires a paused conversation")
	}
	o.dispatchStatus(ctx, mediator.ResumeConversationCommand{
		ConversationID: cc.ConversationID, UserInfo: models.User{ID: conn.UserID},
	})
	if cc.IsProactive() {
		if err := o.startFlow(ctx, conn, cc); err != nil {
			return err
		}
		return o.sender.SendFlowAck(conn.ID, cc.ConversationID,
			protocol.TypeConversationResume, string(StatePresenting))
	}
	if err := cc.Transition(StateReady); err != nil {
		return protocol.InvalidState(err.Error())
	}
	_ = o.sender.SendChatInput(conn.ID, cc.ConversationID, true)
	return o.sender.SendFlowAck(conn.ID, cc.ConversationID,
		protocol.TypeConversationResume, string(StateReady))
}

// handleAuditEvents records client-side observations.
func (o *Orchestrator) handleAuditEvents(ctx context.Context, conn *gateway.Connection, env *protocol.Envelope) error {
	var payload protocol.AuditEventsPayload
	if err := env.DecodePayload(&payload); err != nil {
		return protocol.InvalidPayload(string(env.Type), []string{err.Error()})
	}
	conversationID := conn.ConversationID()
	for _, ev := range payload.Events {
		o.logger.Debug("audit event",
			"connection", conn.ID, "kind", ev.Kind, "timestamp", ev.Timestamp)
		if o.timeline != nil && conversationID != "" {
			o.timeline.Record(observability.TimelineEvent{
				ConversationID: conversationID,
				ConnectionID:   conn.ID,
				Kind:           ev.Kind,
				Timestamp:      time.UnixMilli(ev.Timestamp).UTC(),
				Detail:         ev.Detail,
			})
		}
	}
	return nil
}

// dispatchStatus runs a flow status command, logging failures instead
// of surfacing them; the ack still reflects the in-memory state.
func (o *Orchestrator) dispatchStatus(ctx context.Context, cmd mediator.Command) {
	if result := o.dispatcher.Execute(ctx, cmd); !result.Success {
		o.logger.Warn("status command rejected",
			"command", cmd.CommandName(), "status", result.StatusCode, "error", result.FirstError())
	}
}
