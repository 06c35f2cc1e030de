package gateway

import (
	"context"

	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/internal/ratelimit"
)

// StateSource answers whether the orchestrator bound to a connection
// accepts a message type right now. Connections without an orchestrator
// context accept everything the registry allows.
type StateSource interface {
	AcceptsMessage(connectionID string, t protocol.MessageType) (bool, string)
}

// RateLimitMiddleware short-circuits messages that exceed the per-user,
// per-type token bucket.
func RateLimitMiddleware(limiter *ratelimit.Limiter) Middleware {
	return func(ctx context.Context, conn *Connection, env *protocol.Envelope, next Handler) error {
		decision := limiter.Allow(conn.UserID, string(env.Type))
		if !decision.Allowed {
			return protocol.RateLimited(decision.RetryAfterMs)
		}
		return next(ctx, conn, env)
	}
}

// StateGuardMiddleware rejects messages the connection or its
// orchestrator cannot accept in their current states.
func StateGuardMiddleware(states StateSource) Middleware {
	return func(ctx context.Context, conn *Connection, env *protocol.Envelope, next Handler) error {
		if !conn.CanReceive() {
			return protocol.InvalidState("connection in state " + string(conn.State()) + " does not accept messages")
		}
		if states != nil {
			if ok, current := states.AcceptsMessage(conn.ID, env.Type); !ok {
				return protocol.InvalidState(string(env.Type) + " not accepted in state " + current)
			}
		}
		return next(ctx, conn, env)
	}
}
