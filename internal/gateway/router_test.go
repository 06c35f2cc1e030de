package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/internal/ratelimit"
)

type errorCapture struct {
	mu     sync.Mutex
	errors []*protocol.ErrorPayload
}

func (c *errorCapture) sink(_ *Connection, _ string, ep *protocol.ErrorPayload) {
	c.mu.Lock()
	c.errors = append(c.errors, ep)
	c.mu.Unlock()
}

func (c *errorCapture) last(t *testing.T) *protocol.ErrorPayload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		t.Fatal("no error was emitted")
	}
	return c.errors[len(c.errors)-1]
}

func activeConn() *Connection {
	conn := newConnection("c1", "u1", newFakeSocket())
	_ = conn.Transition(ConnConnected)
	_ = conn.Transition(ConnAuthenticated)
	_ = conn.Transition(ConnActive)
	return conn
}

func inbound(t protocol.MessageType) *protocol.Envelope {
	return &protocol.Envelope{Type: t, MessageID: "m1", ConversationID: "conv-1"}
}

func TestRouter_HandlerNotFound(t *testing.T) {
	capture := &errorCapture{}
	r := NewRouter(capture.sink, nil)

	r.Route(context.Background(), activeConn(), inbound(protocol.TypeToolResultIn))

	ep := capture.last(t)
	if ep.Code != protocol.CodeHandlerNotFound {
		t.Errorf("code = %s, want HANDLER_NOT_FOUND", ep.Code)
	}
}

func TestRouter_MiddlewareOrderOutermostFirst(t *testing.T) {
	capture := &errorCapture{}
	r := NewRouter(capture.sink, nil)

	var order []string
	mw := func(name string) Middleware {
		return func(ctx context.Context, conn *Connection, env *protocol.Envelope, next Handler) error {
			order = append(order, name)
			return next(ctx, conn, env)
		}
	}
	r.Use(mw("first"))
	r.Use(mw("second"))
	r.Handle(protocol.TypeMessageSend, func(context.Context, *Connection, *protocol.Envelope) error {
		order = append(order, "handler")
		return nil
	})

	r.Route(context.Background(), activeConn(), inbound(protocol.TypeMessageSend))

	want := []string{"first", "second", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRouter_ProtocolErrorForwarded(t *testing.T) {
	capture := &errorCapture{}
	r := NewRouter(capture.sink, nil)
	r.Handle(protocol.TypeMessageSend, func(context.Context, *Connection, *protocol.Envelope) error {
		return protocol.InvalidState("not ready")
	})

	r.Route(context.Background(), activeConn(), inbound(protocol.TypeMessageSend))

	ep := capture.last(t)
	if ep.Code != protocol.CodeInvalidState || !ep.IsRetryable {
		t.Errorf("error = %+v, want retryable INVALID_STATE", ep)
	}
}

func TestRouter_GenericErrorBecomesHandlerError(t *testing.T) {
	capture := &errorCapture{}
	r := NewRouter(capture.sink, nil)
	r.Handle(protocol.TypeMessageSend, func(context.Context, *Connection, *protocol.Envelope) error {
		return errors.New("database on fire")
	})

	r.Route(context.Background(), activeConn(), inbound(protocol.TypeMessageSend))

	ep := capture.last(t)
	if ep.Code != protocol.CodeHandlerError || ep.Category != protocol.CategoryServer {
		t.Errorf("error = %+v, want HANDLER_ERROR (server)", ep)
	}
	if !ep.IsRetryable {
		t.Error("handler errors are retryable")
	}
}

func TestRouter_RateLimitShortCircuits(t *testing.T) {
	capture := &errorCapture{}
	r := NewRouter(capture.sink, nil)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Limits: map[string]ratelimit.Limit{
			string(protocol.TypeMessageSend): {MaxRequests: 1, WindowSeconds: 60},
		},
	})
	r.Use(RateLimitMiddleware(limiter))

	var handled int
	r.Handle(protocol.TypeMessageSend, func(context.Context, *Connection, *protocol.Envelope) error {
		handled++
		return nil
	})

	conn := activeConn()
	r.Route(context.Background(), conn, inbound(protocol.TypeMessageSend))
	r.Route(context.Background(), conn, inbound(protocol.TypeMessageSend))

	if handled != 1 {
		t.Fatalf("handler ran %d times, want 1", handled)
	}
	ep := capture.last(t)
	if ep.Code != protocol.CodeRateLimitExceeded || ep.RetryAfterMs <= 0 {
		t.Errorf("error = %+v, want RATE_LIMIT_EXCEEDED with retryAfterMs", ep)
	}
}

type denyAll struct{ state string }

func (d denyAll) AcceptsMessage(string, protocol.MessageType) (bool, string) {
	return false, d.state
}

func TestRouter_StateGuardRejects(t *testing.T) {
	capture := &errorCapture{}
	r := NewRouter(capture.sink, nil)
	r.Use(StateGuardMiddleware(denyAll{state: "COMPLETED"}))

	var handled int
	r.Handle(protocol.TypeMessageSend, func(context.Context, *Connection, *protocol.Envelope) error {
		handled++
		return nil
	})

	r.Route(context.Background(), activeConn(), inbound(protocol.TypeMessageSend))

	if handled != 0 {
		t.Error("guard must short-circuit the handler")
	}
	if ep := capture.last(t); ep.Code != protocol.CodeInvalidState {
		t.Errorf("code = %s, want INVALID_STATE", ep.Code)
	}
}

func TestRouter_GuardRejectsUnreceivableConnection(t *testing.T) {
	capture := &errorCapture{}
	r := NewRouter(capture.sink, nil)
	r.Use(StateGuardMiddleware(nil))
	r.Handle(protocol.TypeMessageSend, func(context.Context, *Connection, *protocol.Envelope) error {
		t.Fatal("handler must not run")
		return nil
	})

	conn := newConnection("c1", "u1", newFakeSocket())
	_ = conn.Transition(ConnConnected)
	r.Route(context.Background(), conn, inbound(protocol.TypeMessageSend))

	if ep := capture.last(t); ep.Code != protocol.CodeInvalidState {
		t.Errorf("code = %s, want INVALID_STATE", ep.Code)
	}
}
