package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/palaverhq/palaver/pkg/models"
)

// scriptedProvider pops one chunk script per Complete call and records
// the request it was given.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]*CompletionChunk
	requests []*CompletionRequest
	hang     bool
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var script []*CompletionChunk
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	hang := p.hang
	p.mu.Unlock()

	chunks := make(chan *CompletionChunk)
	go func() {
		defer close(chunks)
		for _, chunk := range script {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return chunks, nil
}

func (p *scriptedProvider) Chat(context.Context, *CompletionRequest) (string, error) {
	return "", nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) request(t *testing.T, i int) *CompletionRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		t.Fatalf("only %d requests recorded", len(p.requests))
	}
	return p.requests[i]
}

// recordingExecutor scripts per-call outcomes by tool name.
type recordingExecutor struct {
	mu       sync.Mutex
	calls    []models.ToolCall
	failures int
}

func (e *recordingExecutor) Execute(_ context.Context, call models.ToolCall, _ string) *ToolExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	if e.failures > 0 {
		e.failures--
		return &ToolExecutionResult{Success: false, Error: "boom"}
	}
	return &ToolExecutionResult{Success: true, Result: "ok:" + call.Name}
}

func collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func hasKind(events []Event, kind EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func terminal(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Kind != EventRunCompleted && last.Kind != EventRunFailed {
		t.Fatalf("last event = %s, want a terminal kind", last.Kind)
	}
	return last
}

func textScript(text string) []*CompletionChunk {
	return []*CompletionChunk{{Text: text}, {Done: true}}
}

func toolScript(calls ...models.ToolCall) []*CompletionChunk {
	chunks := []*CompletionChunk{{Text: "let me check"}}
	for i := range calls {
		chunks = append(chunks, &CompletionChunk{ToolCall: &calls[i]})
	}
	return append(chunks, &CompletionChunk{Done: true})
}

func TestLoop_TextOnlyCompletes(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{textScript("hello there")}}
	loop := NewLoop(provider, DefaultLoopConfig(), nil)

	events := collect(loop.RunStream(context.Background(), RunInput{UserMessage: "hi"}))

	last := terminal(t, events)
	if last.Kind != EventRunCompleted || last.Text != "hello there" {
		t.Errorf("terminal = %s %q", last.Kind, last.Text)
	}
	if !hasKind(events, EventLLMResponseChunk) || !hasKind(events, EventLLMResponseCompleted) {
		t.Errorf("event kinds = %v", kinds(events))
	}
	if hasKind(events, EventToolCallsDetected) {
		t.Error("no tools were requested")
	}
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolScript(call),
		textScript("the answer is 4"),
	}}
	executor := &recordingExecutor{}
	loop := NewLoop(provider, DefaultLoopConfig(), nil)

	events := collect(loop.RunStream(context.Background(), RunInput{
		UserMessage: "what is 2+2",
		Executor:    executor,
		AccessToken: "tok",
	}))

	last := terminal(t, events)
	if last.Kind != EventRunCompleted || last.Text != "the answer is 4" {
		t.Fatalf("terminal = %s %q", last.Kind, last.Text)
	}
	if len(executor.calls) != 1 || executor.calls[0].Name != "lookup" {
		t.Fatalf("executor calls = %+v", executor.calls)
	}
	if !hasKind(events, EventToolCallsDetected) || !hasKind(events, EventToolExecutionComplete) {
		t.Errorf("event kinds = %v", kinds(events))
	}

	// The second LLM request must carry the assistant tool call and the
	// tool result, in that order, after the user message.
	second := provider.request(t, 1)
	var sawAssistant, sawResult bool
	for _, msg := range second.Messages {
		if len(msg.ToolCalls) > 0 {
			sawAssistant = true
		}
		if len(msg.ToolResults) > 0 {
			if !sawAssistant {
				t.Error("tool result precedes the assistant tool call")
			}
			if msg.ToolResults[0].ToolCallID != "tc-1" {
				t.Errorf("tool result id = %s", msg.ToolResults[0].ToolCallID)
			}
			sawResult = true
		}
	}
	if !sawAssistant || !sawResult {
		t.Error("second request missing tool call or tool result message")
	}
}

func TestLoop_MaxIterationsExceeded(t *testing.T) {
	call := models.ToolCall{ID: "tc", Name: "loop", Input: json.RawMessage(`{}`)}
	scripts := make([][]*CompletionChunk, 3)
	for i := range scripts {
		scripts[i] = toolScript(call)
	}
	provider := &scriptedProvider{scripts: scripts}
	loop := NewLoop(provider, LoopConfig{MaxIterations: 3}, nil)

	events := collect(loop.RunStream(context.Background(), RunInput{
		UserMessage: "go",
		Executor:    &recordingExecutor{},
	}))

	last := terminal(t, events)
	if last.Kind != EventRunFailed {
		t.Fatalf("terminal = %s, want RUN_FAILED", last.Kind)
	}
	if !strings.Contains(last.Err.Error(), "max iterations") {
		t.Errorf("err = %v", last.Err)
	}
}

func TestLoop_ToolCallCapPerIteration(t *testing.T) {
	var calls []models.ToolCall
	for i := 0; i < 7; i++ {
		calls = append(calls, models.ToolCall{
			ID: "tc-" + string(rune('a'+i)), Name: "t", Input: json.RawMessage(`{}`),
		})
	}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolScript(calls...),
		textScript("done"),
	}}
	executor := &recordingExecutor{}
	loop := NewLoop(provider, DefaultLoopConfig(), nil)

	collect(loop.RunStream(context.Background(), RunInput{UserMessage: "x", Executor: executor}))

	if len(executor.calls) != 5 {
		t.Errorf("executed %d tool calls, want 5", len(executor.calls))
	}
}

func TestLoop_StopOnError(t *testing.T) {
	call := models.ToolCall{ID: "tc", Name: "broken", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{toolScript(call)}}
	loop := NewLoop(provider, LoopConfig{StopOnError: true}, nil)

	events := collect(loop.RunStream(context.Background(), RunInput{
		UserMessage: "x",
		Executor:    &recordingExecutor{failures: 10},
	}))

	last := terminal(t, events)
	if last.Kind != EventRunFailed {
		t.Fatalf("terminal = %s, want RUN_FAILED", last.Kind)
	}
	if !hasKind(events, EventToolExecutionFailed) {
		t.Error("missing TOOL_EXECUTION_FAILED before the terminal event")
	}
}

func TestLoop_RetryRecoversWithDefaultBudget(t *testing.T) {
	call := models.ToolCall{ID: "tc", Name: "flaky", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolScript(call),
		textScript("done"),
	}}
	// Two failures before success: the default budget of 2 absorbs both.
	executor := &recordingExecutor{failures: 2}
	loop := NewLoop(provider, LoopConfig{}, nil)

	events := collect(loop.RunStream(context.Background(), RunInput{
		UserMessage: "x", Executor: executor,
	}))

	last := terminal(t, events)
	if last.Kind != EventRunCompleted {
		t.Fatalf("terminal = %s, want RUN_COMPLETED", last.Kind)
	}
	if len(executor.calls) != 3 {
		t.Errorf("executor invoked %d times, want 3 (two retries)", len(executor.calls))
	}
	if hasKind(events, EventToolExecutionFailed) {
		t.Error("recovered retries should report TOOL_EXECUTION_COMPLETED only")
	}
}

func TestLoop_RetryBudgetExhausts(t *testing.T) {
	call := models.ToolCall{ID: "tc", Name: "broken", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolScript(call),
		textScript("done"),
	}}
	executor := &recordingExecutor{failures: 10}
	loop := NewLoop(provider, LoopConfig{MaxRetries: 2}, nil)

	events := collect(loop.RunStream(context.Background(), RunInput{
		UserMessage: "x", Executor: executor,
	}))

	if len(executor.calls) != 3 {
		t.Errorf("executor invoked %d times, want 3 (budget of 2)", len(executor.calls))
	}
	if !hasKind(events, EventToolExecutionFailed) {
		t.Error("exhausted budget must report the failure")
	}
	if last := terminal(t, events); last.Kind != EventRunCompleted {
		t.Errorf("terminal = %s, want RUN_COMPLETED without StopOnError", last.Kind)
	}
}

func TestLoop_FailureReachesSlowConsumer(t *testing.T) {
	// Enough chunks to overrun the event buffer, then a stream error.
	script := make([]*CompletionChunk, 0, 41)
	for i := 0; i < 40; i++ {
		script = append(script, &CompletionChunk{Text: "x"})
	}
	script = append(script, &CompletionChunk{Error: errors.New("stream broke")})
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{script}}
	loop := NewLoop(provider, DefaultLoopConfig(), nil)

	events := loop.RunStream(context.Background(), RunInput{UserMessage: "x"})
	// Let the producer fill the buffer before anyone reads.
	time.Sleep(50 * time.Millisecond)

	last := terminal(t, collect(events))
	if last.Kind != EventRunFailed {
		t.Errorf("terminal = %s, want RUN_FAILED", last.Kind)
	}
}

func TestLoop_NoExecutorReportsUnavailable(t *testing.T) {
	call := models.ToolCall{ID: "tc", Name: "t", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolScript(call),
		textScript("done"),
	}}
	loop := NewLoop(provider, DefaultLoopConfig(), nil)

	events := collect(loop.RunStream(context.Background(), RunInput{UserMessage: "x"}))

	var failed *Event
	for i := range events {
		if events[i].Kind == EventToolExecutionFailed {
			failed = &events[i]
		}
	}
	if failed == nil {
		t.Fatal("missing TOOL_EXECUTION_FAILED")
	}
	if failed.Result.Error != "Tool execution not available" {
		t.Errorf("error = %q", failed.Result.Error)
	}
}

func TestLoop_CancellationAborts(t *testing.T) {
	provider := &scriptedProvider{
		scripts: [][]*CompletionChunk{{{Text: "partial"}}},
		hang:    true,
	}
	loop := NewLoop(provider, DefaultLoopConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := loop.RunStream(ctx, RunInput{UserMessage: "x"})

	// Drain the first chunk, then cancel mid-stream.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == EventLLMResponseChunk {
				cancel()
			}
			if ev.Kind == EventRunCompleted {
				t.Fatal("canceled run must not complete")
			}
		case <-deadline:
			t.Fatal("events channel never closed after cancel")
		}
	}
}

func TestLoop_WallClockTimeout(t *testing.T) {
	provider := &scriptedProvider{hang: true}
	loop := NewLoop(provider, LoopConfig{MaxWallTime: 30 * time.Millisecond}, nil)

	start := time.Now()
	events := collect(loop.RunStream(context.Background(), RunInput{UserMessage: "x"}))
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not bound the run")
	}
	for _, ev := range events {
		if ev.Kind == EventRunCompleted {
			t.Fatal("timed-out run must not complete")
		}
	}
}
