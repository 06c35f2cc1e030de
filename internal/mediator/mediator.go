// Package mediator is a synchronous in-process command dispatcher.
// Handlers are registered by command name; handlers are stateless and
// their dependencies are singletons shared across connections.
package mediator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Command is any dispatchable request.
type Command interface {
	CommandName() string
}

// Handler executes one command kind.
type Handler func(ctx context.Context, cmd Command) *OperationResult

// Mediator routes commands to their registered handlers.
type Mediator struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates an empty mediator.
func New(logger *slog.Logger) *Mediator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mediator{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "mediator"),
	}
}

// Register binds a handler to a command name.
func (m *Mediator) Register(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[name]; exists {
		return fmt.Errorf("handler for %q already registered", name)
	}
	m.handlers[name] = handler
	return nil
}

// Execute dispatches the command. Handler panics are contained and
// surface as 500 results.
func (m *Mediator) Execute(ctx context.Context, cmd Command) (result *OperationResult) {
	if cmd == nil {
		return BadRequest("command is nil")
	}
	name := cmd.CommandName()

	m.mu.RLock()
	handler, ok := m.handlers[name]
	m.mu.RUnlock()
	if !ok {
		return InternalServerError(fmt.Sprintf("no handler registered for %q", name))
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked", "command", name, "panic", r)
			result = InternalServerError(fmt.Sprintf("handler for %q panicked", name))
		}
	}()

	result = handler(ctx, cmd)
	if result == nil {
		result = InternalServerError(fmt.Sprintf("handler for %q returned no result", name))
	}
	if !result.Success {
		m.logger.Debug("command rejected",
			"command", name, "status", result.StatusCode, "error", result.FirstError())
	}
	return result
}
