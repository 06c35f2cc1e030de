package orchestrator

import (
	"testing"

	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/pkg/models"
)

func TestConversationContext_Transitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		ok   bool
	}{
		{"init to ready", []State{StateReady}, true},
		{"init to presenting", []State{StatePresenting}, true},
		{"reactive turn", []State{StateReady, StateProcessing, StateReady}, true},
		{"flow start from ready", []State{StateReady, StatePresenting, StateSuspended}, true},
		{"proactive item", []State{StatePresenting, StateSuspended, StatePresenting}, true},
		{"pause resume", []State{StateReady, StatePaused, StateReady}, true},
		{"init straight to processing", []State{StateProcessing}, false},
		{"ready to suspended", []State{StateReady, StateSuspended}, false},
		{"completed is terminal", []State{StateReady, StateCompleted, StateReady}, false},
		{"error is terminal", []State{StateReady, StateError, StateReady}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := NewConversationContext("conn-1", "c-1", "alice")
			var err error
			for _, next := range tt.path {
				if err = cc.Transition(next); err != nil {
					break
				}
			}
			if tt.ok && err != nil {
				t.Errorf("path failed: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("illegal path accepted")
			}
		})
	}
}

func TestConversationContext_SelfTransitionIsNoop(t *testing.T) {
	cc := NewConversationContext("conn-1", "c-1", "alice")
	if err := cc.Transition(StateReady); err != nil {
		t.Fatal(err)
	}
	if err := cc.Transition(StateReady); err != nil {
		t.Errorf("self transition = %v", err)
	}
}

func TestItemExecutionState_IsComplete(t *testing.T) {
	item := models.TemplateItem{
		ID: "item-1",
		Contents: []models.ItemContent{
			{ID: "w-1", Required: true},
			{ID: "w-2", Required: true},
			{ID: "w-3", Required: false},
		},
	}
	state := NewItemExecutionState(item, 0)

	if state.IsComplete() {
		t.Fatal("empty state cannot be complete")
	}
	state.WidgetResponses["w-1"] = "a"
	state.AnsweredWidgetIDs["w-1"] = struct{}{}
	if state.IsComplete() {
		t.Fatal("one of two required answered")
	}
	state.WidgetResponses["w-2"] = "b"
	state.AnsweredWidgetIDs["w-2"] = struct{}{}
	if !state.IsComplete() {
		t.Fatal("all required answered; optional widgets do not block")
	}
}

func TestItemExecutionState_ConfirmationGates(t *testing.T) {
	item := models.TemplateItem{
		ID:                      "item-1",
		RequireUserConfirmation: true,
		Contents:                []models.ItemContent{{ID: "w-1", Required: true}},
	}
	state := NewItemExecutionState(item, 0)
	state.WidgetResponses["w-1"] = "a"
	state.AnsweredWidgetIDs["w-1"] = struct{}{}

	if state.IsComplete() {
		t.Fatal("confirmation still pending")
	}
	state.UserConfirmed = true
	if !state.IsComplete() {
		t.Fatal("confirmed and answered must be complete")
	}
	if state.ConfirmWidgetID() != "item-1-confirm" {
		t.Errorf("confirm widget id = %s", state.ConfirmWidgetID())
	}
}

func TestItemExecutionState_SignalCompleteIdempotent(t *testing.T) {
	state := NewItemExecutionState(models.TemplateItem{ID: "i"}, 0)
	if state.Done() {
		t.Fatal("fresh state cannot be done")
	}
	state.SignalComplete()
	state.SignalComplete()
	select {
	case <-state.Completed():
	default:
		t.Fatal("completed channel not closed")
	}
	if !state.Done() {
		t.Error("signaled state must report done")
	}
}

func TestRegistry_AcceptsMessage(t *testing.T) {
	registry := NewRegistry()

	// No bound context accepts everything.
	if ok, _ := registry.AcceptsMessage("conn-x", protocol.TypeMessageSend); !ok {
		t.Error("unbound connection must accept")
	}

	cc := NewConversationContext("conn-1", "c-1", "alice")
	_ = cc.Transition(StateReady)
	registry.Bind("conn-1", cc)

	if ok, _ := registry.AcceptsMessage("conn-1", protocol.TypeMessageSend); !ok {
		t.Error("READY must accept message.send")
	}
	if ok, _ := registry.AcceptsMessage("conn-1", protocol.TypeResponseSubmit); ok {
		t.Error("READY must refuse response.submit")
	}

	_ = cc.Transition(StateProcessing)
	if ok, _ := registry.AcceptsMessage("conn-1", protocol.TypeMessageSend); !ok {
		t.Error("PROCESSING must accept message.send")
	}

	_ = cc.Transition(StateSuspended)
	if ok, state := registry.AcceptsMessage("conn-1", protocol.TypeMessageSend); ok || state != string(StateSuspended) {
		t.Errorf("SUSPENDED accepted message.send (state=%s)", state)
	}
	if ok, _ := registry.AcceptsMessage("conn-1", protocol.TypeResponseSubmit); !ok {
		t.Error("SUSPENDED must accept response.submit")
	}

	// Flow control passes in any state.
	if ok, _ := registry.AcceptsMessage("conn-1", protocol.TypeFlowPause); !ok {
		t.Error("flow messages must pass the guard")
	}

	registry.Remove("conn-1")
	if registry.Get("conn-1") != nil {
		t.Error("context still bound after remove")
	}
}
