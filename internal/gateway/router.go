package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/palaverhq/palaver/internal/protocol"
)

// Handler processes one validated inbound envelope for a connection.
type Handler func(ctx context.Context, conn *Connection, env *protocol.Envelope) error

// Middleware wraps handler invocation. It must call next to proceed;
// returning without calling next short-circuits the chain.
type Middleware func(ctx context.Context, conn *Connection, env *protocol.Envelope, next Handler) error

// Router dispatches envelopes by message type through an ordered
// middleware chain. Registration happens at startup; Route is called
// concurrently afterwards.
type Router struct {
	handlers    map[protocol.MessageType]Handler
	middlewares []Middleware
	errors      func(conn *Connection, conversationID string, ep *protocol.ErrorPayload)
	logger      *slog.Logger
}

// NewRouter builds an empty router. errorSink receives every protocol
// error the router emits; the server wires it to the sender.
func NewRouter(errorSink func(conn *Connection, conversationID string, ep *protocol.ErrorPayload), logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[protocol.MessageType]Handler),
		errors:   errorSink,
		logger:   logger,
	}
}

// Use appends a middleware. The first registered runs outermost.
func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// Handle registers the handler for a message type.
func (r *Router) Handle(t protocol.MessageType, h Handler) {
	r.handlers[t] = h
}

// Route runs the envelope through the middleware chain into its handler
// and translates failures into system.error frames. A bad message never
// closes the socket.
func (r *Router) Route(ctx context.Context, conn *Connection, env *protocol.Envelope) {
	handler, ok := r.handlers[env.Type]
	if !ok {
		r.emitError(conn, env, &protocol.ErrorPayload{
			Category:    protocol.CategoryServer,
			Code:        protocol.CodeHandlerNotFound,
			Message:     "no handler for " + string(env.Type),
			IsRetryable: false,
		})
		return
	}

	chain := handler
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		mw := r.middlewares[i]
		next := chain
		chain = func(ctx context.Context, conn *Connection, env *protocol.Envelope) error {
			return mw(ctx, conn, env, next)
		}
	}

	if err := chain(ctx, conn, env); err != nil {
		var ep *protocol.ErrorPayload
		if errors.As(err, &ep) {
			r.emitError(conn, env, ep)
			return
		}
		r.logger.Error("handler failed",
			"type", env.Type, "connection", conn.ID, "error", err)
		r.emitError(conn, env, protocol.HandlerError(err.Error()))
	}
}

func (r *Router) emitError(conn *Connection, env *protocol.Envelope, ep *protocol.ErrorPayload) {
	if r.errors == nil {
		return
	}
	r.errors(conn, env.ConversationID, ep)
}
