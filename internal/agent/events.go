package agent

import (
	"time"

	"github.com/palaverhq/palaver/pkg/models"
)

// EventKind identifies one step of an agent run.
type EventKind string

const (
	EventRunStarted            EventKind = "RUN_STARTED"
	EventIterationStarted      EventKind = "ITERATION_STARTED"
	EventLLMRequestStarted     EventKind = "LLM_REQUEST_STARTED"
	EventLLMResponseChunk      EventKind = "LLM_RESPONSE_CHUNK"
	EventLLMResponseCompleted  EventKind = "LLM_RESPONSE_COMPLETED"
	EventToolCallsDetected     EventKind = "TOOL_CALLS_DETECTED"
	EventToolExecutionStarted  EventKind = "TOOL_EXECUTION_STARTED"
	EventToolExecutionComplete EventKind = "TOOL_EXECUTION_COMPLETED"
	EventToolExecutionFailed   EventKind = "TOOL_EXECUTION_FAILED"
	EventMessageAdded          EventKind = "MESSAGE_ADDED"
	EventIterationCompleted    EventKind = "ITERATION_COMPLETED"
	EventRunCompleted          EventKind = "RUN_COMPLETED"
	EventRunFailed             EventKind = "RUN_FAILED"
)

// Event is one observation from the run loop, streamed lazily to the
// caller. Fields are populated per kind; Iteration is 1-based.
type Event struct {
	Kind      EventKind
	Iteration int
	MessageID string
	Text      string
	ToolCall  *models.ToolCall
	ToolCalls []models.ToolCall
	Result    *ToolExecutionResult
	Err       error
	Timestamp time.Time
}

func event(kind EventKind, iteration int) Event {
	return Event{Kind: kind, Iteration: iteration, Timestamp: time.Now()}
}
