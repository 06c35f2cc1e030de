// Package orchestrator owns the per-conversation state machine: the
// message, widget, and flow handlers, and the template runner that
// drives proactive conversations.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/palaverhq/palaver/internal/agent"
	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/pkg/models"
)

// State is the orchestrator lifecycle state of one bound conversation.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StatePresenting   State = "PRESENTING"
	StateProcessing   State = "PROCESSING"
	StateSuspended    State = "SUSPENDED"
	StatePaused       State = "PAUSED"
	StateCompleted    State = "COMPLETED"
	StateError        State = "ERROR"
)

// stateTransitions is the legal-transition table. COMPLETED and ERROR
// are terminal.
var stateTransitions = map[State][]State{
	StateInitializing: {StateReady, StatePresenting, StateError},
	StateReady:        {StateProcessing, StatePresenting, StatePaused, StateCompleted, StateError},
	StatePresenting:   {StateSuspended, StateReady, StatePaused, StateCompleted, StateError},
	StateProcessing:   {StateReady, StateSuspended, StatePaused, StateCompleted, StateError},
	StateSuspended:    {StatePresenting, StateReady, StatePaused, StateCompleted, StateError},
	StatePaused:       {StateReady, StatePresenting, StateCompleted, StateError},
}

// ErrIllegalStateTransition is returned when a transition is not in the
// legal table.
var ErrIllegalStateTransition = fmt.Errorf("illegal orchestrator state transition")

func legalTransition(from, to State) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ItemExecutionState tracks one template item while the runner awaits
// the user's responses. Correct answers stay here and never serialize.
type ItemExecutionState struct {
	ItemID                  string
	ItemIndex               int
	RequiredWidgetIDs       map[string]struct{}
	AnsweredWidgetIDs       map[string]struct{}
	WidgetResponses         map[string]any
	RequireUserConfirmation bool
	UserConfirmed           bool
	ProvideFeedback         bool
	RevealCorrectAnswer     bool
	CorrectAnswers          map[string]string
	Stems                   map[string]string
	Options                 map[string][]string
	StartedAt               time.Time
	CompletedAt             time.Time
	Scoring                 *models.ScoringResult

	completeOnce sync.Once
	complete     chan struct{}
}

// NewItemExecutionState derives the execution state for one item:
// required widget ids come from the contents marked required.
func NewItemExecutionState(item models.TemplateItem, index int) *ItemExecutionState {
	s := &ItemExecutionState{
		ItemID:                  item.ID,
		ItemIndex:               index,
		RequiredWidgetIDs:       make(map[string]struct{}),
		AnsweredWidgetIDs:       make(map[string]struct{}),
		WidgetResponses:         make(map[string]any),
		RequireUserConfirmation: item.RequireUserConfirmation,
		ProvideFeedback:         item.ProvideFeedback,
		RevealCorrectAnswer:     item.RevealCorrectAnswer,
		CorrectAnswers:          make(map[string]string),
		Stems:                   make(map[string]string),
		Options:                 make(map[string][]string),
		StartedAt:               time.Now(),
		complete:                make(chan struct{}),
	}
	for _, content := range item.Contents {
		if content.Required {
			s.RequiredWidgetIDs[content.ID] = struct{}{}
		}
	}
	return s
}

// IsComplete holds when every required widget is answered and, if the
// item demands it, the user has confirmed.
func (s *ItemExecutionState) IsComplete() bool {
	for id := range s.RequiredWidgetIDs {
		if _, ok := s.AnsweredWidgetIDs[id]; !ok {
			return false
		}
	}
	if s.RequireUserConfirmation && !s.UserConfirmed {
		return false
	}
	return true
}

// ConfirmWidgetID is the reserved widget id for the confirmation button.
func (s *ItemExecutionState) ConfirmWidgetID() string {
	return s.ItemID + "-confirm"
}

// SignalComplete wakes the template runner. Idempotent.
func (s *ItemExecutionState) SignalComplete() {
	s.completeOnce.Do(func() { close(s.complete) })
}

// Completed is closed once the item is complete.
func (s *ItemExecutionState) Completed() <-chan struct{} {
	return s.complete
}

// Done reports whether completion was already signaled.
func (s *ItemExecutionState) Done() bool {
	select {
	case <-s.complete:
		return true
	default:
		return false
	}
}

// Responses flattens the recorded widget values in widget-id order of
// arrival.
func (s *ItemExecutionState) Responses() []models.WidgetResponse {
	out := make([]models.WidgetResponse, 0, len(s.WidgetResponses))
	for id, value := range s.WidgetResponses {
		out = append(out, models.WidgetResponse{WidgetID: id, Value: value})
	}
	return out
}

// ConversationContext is the per-connection orchestrator state. Handler
// invocations for one connection are serialized by the receive loop;
// the lock covers the template runner, which runs concurrently.
type ConversationContext struct {
	ConnectionID   string
	ConversationID string
	UserID         string
	Definition     *models.AgentDefinition
	Template       *models.ConversationTemplate
	Tools          []agent.ToolSpec

	mu                sync.Mutex
	state             State
	currentItem       *ItemExecutionState
	itemOrder         []int
	lastActivity      time.Time
	pendingWidgetID   string
	pendingToolCallID string
	cancelActive      context.CancelFunc
}

// NewConversationContext builds a context in INITIALIZING.
func NewConversationContext(connectionID, conversationID, userID string) *ConversationContext {
	return &ConversationContext{
		ConnectionID:   connectionID,
		ConversationID: conversationID,
		UserID:         userID,
		state:          StateInitializing,
		lastActivity:   time.Now(),
	}
}

// State returns the current orchestrator state.
func (c *ConversationContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves to the next state if the transition is legal.
func (c *ConversationContext) Transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == to {
		return nil
	}
	if !legalTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalStateTransition, c.state, to)
	}
	c.state = to
	return nil
}

// IsProactive reports whether a template drives this conversation.
func (c *ConversationContext) IsProactive() bool {
	return c.Template != nil && len(c.Template.Items) > 0
}

// Touch records inbound activity.
func (c *ConversationContext) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the last inbound activity time.
func (c *ConversationContext) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetCurrentItem installs the item the runner is presenting.
func (c *ConversationContext) SetCurrentItem(item *ItemExecutionState) {
	c.mu.Lock()
	c.currentItem = item
	c.mu.Unlock()
}

// CurrentItem returns the item awaiting responses, or nil.
func (c *ConversationContext) CurrentItem() *ItemExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentItem
}

// SetItemOrder records the (possibly shuffled) presentation order.
func (c *ConversationContext) SetItemOrder(order []int) {
	c.mu.Lock()
	c.itemOrder = order
	c.mu.Unlock()
}

// ItemOrder returns the presentation order.
func (c *ConversationContext) ItemOrder() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemOrder
}

// SetCancel installs the cancel function of the active run or flow.
func (c *ConversationContext) SetCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancelActive = cancel
	c.mu.Unlock()
}

// CancelActive cancels the in-flight agent run or template flow and
// clears the pending ids.
func (c *ConversationContext) CancelActive() {
	c.mu.Lock()
	cancel := c.cancelActive
	c.cancelActive = nil
	c.pendingWidgetID = ""
	c.pendingToolCallID = ""
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Registry indexes conversation contexts by connection id and answers
// the state-guard middleware.
type Registry struct {
	mu           sync.RWMutex
	byConnection map[string]*ConversationContext
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byConnection: make(map[string]*ConversationContext)}
}

// Bind associates a context with its connection.
func (r *Registry) Bind(connectionID string, cc *ConversationContext) {
	r.mu.Lock()
	r.byConnection[connectionID] = cc
	r.mu.Unlock()
}

// Get returns the context bound to the connection, or nil.
func (r *Registry) Get(connectionID string) *ConversationContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConnection[connectionID]
}

// Remove unbinds and cancels any active work for the connection.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	cc := r.byConnection[connectionID]
	delete(r.byConnection, connectionID)
	r.mu.Unlock()
	if cc != nil {
		cc.CancelActive()
	}
}

// AcceptsMessage implements the gateway state guard: message sends need
// READY or PROCESSING, widget submissions need SUSPENDED. Everything
// else passes; connections without a bound context accept all types.
func (r *Registry) AcceptsMessage(connectionID string, t protocol.MessageType) (bool, string) {
	cc := r.Get(connectionID)
	if cc == nil {
		return true, ""
	}
	state := cc.State()
	switch t {
	case protocol.TypeMessageSend:
		if state == StateReady || state == StateProcessing {
			return true, ""
		}
		return false, string(state)
	case protocol.TypeResponseSubmit:
		if state == StateSuspended {
			return true, ""
		}
		return false, string(state)
	default:
		return true, ""
	}
}
