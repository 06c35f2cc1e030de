package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/palaverhq/palaver/pkg/models"
)

// LoopConfig bounds the run loop.
type LoopConfig struct {
	// MaxIterations limits LLM round trips per run. Default 10.
	MaxIterations int

	// MaxToolCallsPerIteration caps how many of one response's tool
	// calls are executed. Default 5.
	MaxToolCallsPerIteration int

	// MaxWallTime bounds the whole run. Default 300 s.
	MaxWallTime time.Duration

	// MaxTokens is passed through to the provider. Default 4096.
	MaxTokens int

	// StopOnError aborts the run on the first failed tool call.
	StopOnError bool

	// MaxRetries is the retry budget for failed tool calls. The budget
	// resets on every success. Default 2; negative disables retries.
	MaxRetries int
}

// DefaultLoopConfig returns the production loop bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:            10,
		MaxToolCallsPerIteration: 5,
		MaxWallTime:              300 * time.Second,
		MaxTokens:                4096,
		MaxRetries:               2,
	}
}

func (c *LoopConfig) sanitize() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxToolCallsPerIteration <= 0 {
		c.MaxToolCallsPerIteration = 5
	}
	if c.MaxWallTime <= 0 {
		c.MaxWallTime = 300 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// RunInput is everything one run needs.
type RunInput struct {
	UserMessage  string
	History      []CompletionMessage
	SystemPrompt string
	Model        string
	Tools        []ToolSpec
	Executor     ToolExecutor
	AccessToken  string
	Metadata     map[string]string
}

// Loop drives the multi-turn exchange: stream an LLM response, execute
// any requested tools, feed results back, repeat until the model stops
// asking for tools or a bound is hit.
type Loop struct {
	provider Provider
	config   LoopConfig
	logger   *slog.Logger
}

// NewLoop builds a run loop over the provider.
func NewLoop(provider Provider, config LoopConfig, logger *slog.Logger) *Loop {
	config.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{provider: provider, config: config, logger: logger}
}

// RunStream executes the loop and streams events. The channel closes
// after a terminal RUN_COMPLETED or RUN_FAILED event. Cancel the context
// to abort; in-flight calls are canceled cooperatively.
func (l *Loop) RunStream(ctx context.Context, input RunInput) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		runCtx, cancel := context.WithTimeout(ctx, l.config.MaxWallTime)
		defer cancel()
		l.run(runCtx, input, events)
	}()
	return events
}

func (l *Loop) run(ctx context.Context, input RunInput, events chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(iteration int, err error) {
		ev := event(EventRunFailed, iteration)
		ev.Err = err
		// The terminal failure must reach the consumer even when the
		// buffer is full; only a dead context abandons it.
		select {
		case events <- ev:
			return
		default:
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	runID := uuid.NewString()
	started := event(EventRunStarted, 0)
	started.MessageID = runID
	if !emit(started) {
		return
	}

	messages := make([]CompletionMessage, 0, len(input.History)+1)
	messages = append(messages, input.History...)
	messages = append(messages, CompletionMessage{Role: string(models.RoleUser), Content: input.UserMessage})

	retriesLeft := l.config.MaxRetries

	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		if !emit(event(EventIterationStarted, iteration)) {
			return
		}
		if !emit(event(EventLLMRequestStarted, iteration)) {
			return
		}
		chunks, err := l.provider.Complete(ctx, &CompletionRequest{
			Model:     input.Model,
			System:    input.SystemPrompt,
			Messages:  messages,
			Tools:     input.Tools,
			MaxTokens: l.config.MaxTokens,
		})
		if err != nil {
			fail(iteration, fmt.Errorf("llm request: %w", err))
			return
		}

		var accum string
		var toolCalls []models.ToolCall
		for chunk := range chunks {
			if chunk.Error != nil {
				fail(iteration, fmt.Errorf("llm stream: %w", chunk.Error))
				return
			}
			if chunk.Text != "" {
				accum += chunk.Text
				ev := event(EventLLMResponseChunk, iteration)
				ev.Text = chunk.Text
				if !emit(ev) {
					return
				}
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		}
		if err := ctx.Err(); err != nil {
			fail(iteration, err)
			return
		}

		completed := event(EventLLMResponseCompleted, iteration)
		completed.Text = accum
		if !emit(completed) {
			return
		}

		if len(toolCalls) == 0 {
			done := event(EventRunCompleted, iteration)
			done.Text = accum
			emit(done)
			return
		}

		if len(toolCalls) > l.config.MaxToolCallsPerIteration {
			l.logger.Warn("truncating tool calls",
				"requested", len(toolCalls), "limit", l.config.MaxToolCallsPerIteration)
			toolCalls = toolCalls[:l.config.MaxToolCallsPerIteration]
		}
		detected := event(EventToolCallsDetected, iteration)
		detected.ToolCalls = toolCalls
		if !emit(detected) {
			return
		}

		messages = append(messages, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   accum,
			ToolCalls: toolCalls,
		})
		added := event(EventMessageAdded, iteration)
		added.Text = accum
		if !emit(added) {
			return
		}

		for i := range toolCalls {
			call := toolCalls[i]
			startedEv := event(EventToolExecutionStarted, iteration)
			startedEv.ToolCall = &call
			if !emit(startedEv) {
				return
			}

			result := l.executeOnce(ctx, input, call)
			for !result.Success && retriesLeft > 0 {
				retriesLeft--
				result = l.executeOnce(ctx, input, call)
			}

			if result.Success {
				retriesLeft = l.config.MaxRetries
				ev := event(EventToolExecutionComplete, iteration)
				ev.ToolCall = &call
				ev.Result = result
				if !emit(ev) {
					return
				}
			} else {
				ev := event(EventToolExecutionFailed, iteration)
				ev.ToolCall = &call
				ev.Result = result
				if !emit(ev) {
					return
				}
				if l.config.StopOnError {
					fail(iteration, fmt.Errorf("tool %s failed: %s", call.Name, result.Error))
					return
				}
			}

			// The result message must precede the next LLM call so the
			// model sees every issued call answered, in order.
			messages = append(messages, CompletionMessage{
				Role: string(models.RoleTool),
				ToolResults: []models.ToolResult{{
					ToolCallID:      call.ID,
					Content:         resultContent(result),
					IsError:         !result.Success,
					ExecutionTimeMs: result.ExecutionTimeMs,
				}},
			})
		}

		if !emit(event(EventIterationCompleted, iteration)) {
			return
		}
	}

	fail(l.config.MaxIterations, fmt.Errorf("max iterations (%d) exceeded", l.config.MaxIterations))
}

func (l *Loop) executeOnce(ctx context.Context, input RunInput, call models.ToolCall) *ToolExecutionResult {
	if input.Executor == nil {
		return unavailableResult()
	}
	return input.Executor.Execute(ctx, call, input.AccessToken)
}

func resultContent(result *ToolExecutionResult) string {
	if !result.Success {
		return result.Error
	}
	switch v := result.Result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
