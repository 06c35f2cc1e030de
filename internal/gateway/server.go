package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palaverhq/palaver/internal/auth"
	"github.com/palaverhq/palaver/internal/protocol"
	"github.com/palaverhq/palaver/pkg/models"
)

// tokenVerifier validates a bearer token into claims.
type tokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// conversationLoader resolves a conversation for resume validation.
type conversationLoader interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// ServerConfig tunes the WebSocket endpoint.
type ServerConfig struct {
	Path              string
	TokenParam        string
	ConversationParam string
	SessionCookie     string
	CheckOrigin       func(r *http.Request) bool
}

// DefaultServerConfig returns the production endpoint settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Path:              "/ws",
		TokenParam:        "token",
		ConversationParam: "conversationId",
		SessionCookie:     "session",
	}
}

// Server accepts WebSocket upgrades, authenticates them, and runs the
// per-connection receive loop.
type Server struct {
	config        ServerConfig
	manager       *Manager
	router        *Router
	sender        *Sender
	verifier      tokenVerifier
	conversations conversationLoader
	logger        *slog.Logger
	upgrader      websocket.Upgrader

	// onAccept runs after registration, before the receive loop. The
	// orchestrator uses it to create the conversation context.
	// conversationID is the value of the conversation query parameter,
	// empty when the client did not request an immediate bind.
	onAccept func(ctx context.Context, conn *Connection, claims *auth.Claims, conversationID string)
}

// NewServer wires the WebSocket endpoint.
func NewServer(config ServerConfig, manager *Manager, router *Router, sender *Sender,
	verifier tokenVerifier, conversations conversationLoader, logger *slog.Logger) *Server {
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.TokenParam == "" {
		config.TokenParam = "token"
	}
	if config.ConversationParam == "" {
		config.ConversationParam = "conversationId"
	}
	if config.SessionCookie == "" {
		config.SessionCookie = "session"
	}
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		config:        config,
		manager:       manager,
		router:        router,
		sender:        sender,
		verifier:      verifier,
		conversations: conversations,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     checkOrigin,
		},
	}
}

// OnAccept registers the post-authentication hook. Must be set before
// the server starts accepting.
func (s *Server) OnAccept(fn func(ctx context.Context, conn *Connection, claims *auth.Claims, conversationID string)) {
	s.onAccept = fn
}

// Register mounts the WebSocket endpoint on a mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.config.Path, s.ServeHTTP)
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	claims, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("websocket auth failed", "error", err)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(protocol.CloseAuthFailure, "authentication required")
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
		return
	}

	conn, err := s.manager.Accept(claims.Subject, ws)
	if err != nil {
		_ = ws.Close()
		return
	}
	if s.onAccept != nil {
		s.onAccept(conn.ctx, conn, claims, r.URL.Query().Get(s.config.ConversationParam))
	}
	s.receiveLoop(conn)
}

// authenticate tries the query token first, then the session cookie.
func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get(s.config.TokenParam)
	if token == "" {
		cookie, err := r.Cookie(s.config.SessionCookie)
		if err != nil {
			return nil, auth.ErrMalformed
		}
		token = cookie.Value
	}
	return s.verifier.Verify(r.Context(), token)
}

// receiveLoop reads frames until the socket drops. Handler invocations
// are serialized here; no two handlers run concurrently for the same
// connection.
func (s *Server) receiveLoop(conn *Connection) {
	defer s.manager.Close(conn.ID, protocol.CloseNormal, "client disconnected")
	conn.ws.SetReadLimit(maxPayloadBytes)

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, ep := protocol.Parse(data)
		if ep != nil {
			_ = s.sender.SendError(conn.ID, "", ep)
			continue
		}
		conn.Touch()

		switch env.Type {
		case protocol.TypeSystemPong:
			conn.PongReceived()
		case protocol.TypeConnResume:
			s.handleResume(conn, env)
		default:
			s.router.Route(conn.ctx, conn, env)
		}

		select {
		case <-conn.Done():
			return
		default:
		}
	}
}

// handleResume validates ownership of the requested conversation and
// replays buffered messages the client reports missing.
func (s *Server) handleResume(conn *Connection, env *protocol.Envelope) {
	var payload protocol.ConnResumePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = s.sender.SendError(conn.ID, env.ConversationID,
			protocol.InvalidPayload(string(env.Type), []string{err.Error()}))
		return
	}

	conversation, err := s.conversations.GetConversation(conn.ctx, payload.ConversationID)
	if err != nil || conversation == nil || conversation.UserID != conn.UserID {
		_ = s.sender.SendConnResumed(conn.ID, payload.ConversationID, protocol.ConnResumedPayload{
			StateValid: false,
		})
		if err != nil {
			s.logger.Warn("resume lookup failed",
				"conversation", payload.ConversationID, "error", err)
		}
		return
	}

	if err := s.manager.BindConversation(conn.ID, conversation.ID, conversation.DefinitionID); err != nil {
		_ = s.sender.SendConnResumed(conn.ID, conversation.ID, protocol.ConnResumedPayload{StateValid: false})
		return
	}

	replay := conn.ReplaySince(payload.LastMessageID)
	_ = s.sender.SendConnResumed(conn.ID, conversation.ID, protocol.ConnResumedPayload{
		StateValid:       true,
		CurrentItemIndex: conversation.Progress,
		MissedMessages:   len(replay),
		Replay:           replay,
	})
}
