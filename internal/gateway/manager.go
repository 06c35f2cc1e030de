package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palaverhq/palaver/internal/protocol"
)

// ManagerConfig tunes heartbeats and close behavior.
type ManagerConfig struct {
	PingInterval   time.Duration
	MaxMissedPongs int
}

// DefaultManagerConfig returns the production heartbeat settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PingInterval:   30 * time.Second,
		MaxMissedPongs: 2,
	}
}

func (c *ManagerConfig) sanitize() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = 2
	}
}

// Manager is the single owner of Connection objects. It maintains the
// id, user, and conversation indices, runs the heartbeat, and performs
// all outbound sends.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger

	mu             sync.RWMutex
	byID           map[string]*Connection
	byUser         map[string]map[string]*Connection
	byConversation map[string]map[string]*Connection

	// onClose is invoked after a connection is unregistered, outside the
	// manager lock. The orchestrator uses it to flush conversation state.
	onClose func(conn *Connection)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager builds a manager and starts its heartbeat loop.
func NewManager(config ManagerConfig, logger *slog.Logger) *Manager {
	config.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		config:         config,
		logger:         logger,
		byID:           make(map[string]*Connection),
		byUser:         make(map[string]map[string]*Connection),
		byConversation: make(map[string]map[string]*Connection),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go m.heartbeatLoop()
	return m
}

// OnClose registers the teardown callback. Must be set before Accept is
// first called.
func (m *Manager) OnClose(fn func(conn *Connection)) {
	m.onClose = fn
}

// Accept registers a new authenticated connection and walks it through
// CONNECTING -> CONNECTED -> AUTHENTICATED -> ACTIVE.
func (m *Manager) Accept(userID string, ws socket) (*Connection, error) {
	conn := newConnection(uuid.NewString(), userID, ws)
	if err := conn.Transition(ConnConnected); err != nil {
		return nil, err
	}
	if err := conn.Transition(ConnAuthenticated); err != nil {
		return nil, err
	}
	if err := conn.Transition(ConnActive); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.byID[conn.ID] = conn
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Connection)
	}
	m.byUser[userID][conn.ID] = conn
	m.mu.Unlock()

	go conn.writeLoop()
	m.logger.Info("connection accepted", "connection", conn.ID, "user", userID)
	return conn, nil
}

// Get returns the connection for an id.
func (m *Manager) Get(connectionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byID[connectionID]
	return conn, ok
}

// ForUser returns all live connections for a user.
func (m *Manager) ForUser(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.byUser[userID]))
	for _, conn := range m.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// BindConversation indexes the connection under a conversation id so
// broadcasts can reach it.
func (m *Manager) BindConversation(connectionID, conversationID, definitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.byID[connectionID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	if prev := conn.ConversationID(); prev != "" && prev != conversationID {
		if peers := m.byConversation[prev]; peers != nil {
			delete(peers, connectionID)
			if len(peers) == 0 {
				delete(m.byConversation, prev)
			}
		}
	}
	conn.BindConversation(conversationID, definitionID)
	if m.byConversation[conversationID] == nil {
		m.byConversation[conversationID] = make(map[string]*Connection)
	}
	m.byConversation[conversationID][connectionID] = conn
	return nil
}

// SendToConnection queues one envelope; a failed queue marks the
// connection for close.
func (m *Manager) SendToConnection(connectionID string, env *protocol.Envelope) error {
	conn, ok := m.Get(connectionID)
	if !ok {
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	if err := conn.Enqueue(env); err != nil {
		m.logger.Warn("send failed, closing connection",
			"connection", connectionID, "type", env.Type, "error", err)
		m.Close(connectionID, protocol.CloseInternal, "write failure")
		return err
	}
	return nil
}

// BroadcastToConversation fans an envelope out to every connection bound
// to the conversation.
func (m *Manager) BroadcastToConversation(conversationID string, env *protocol.Envelope) {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.byConversation[conversationID]))
	for _, conn := range m.byConversation[conversationID] {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Enqueue(env); err != nil {
			m.logger.Warn("broadcast send failed, closing connection",
				"connection", conn.ID, "conversation", conversationID, "error", err)
			m.Close(conn.ID, protocol.CloseInternal, "write failure")
		}
	}
}

// Close tears a connection down: close frame, deregistration, teardown
// callback.
func (m *Manager) Close(connectionID string, code int, reason string) {
	m.mu.Lock()
	conn, ok := m.byID[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, connectionID)
	if peers := m.byUser[conn.UserID]; peers != nil {
		delete(peers, connectionID)
		if len(peers) == 0 {
			delete(m.byUser, conn.UserID)
		}
	}
	if convID := conn.ConversationID(); convID != "" {
		if peers := m.byConversation[convID]; peers != nil {
			delete(peers, connectionID)
			if len(peers) == 0 {
				delete(m.byConversation, convID)
			}
		}
	}
	m.mu.Unlock()

	conn.closeSocket(code, reason)
	m.logger.Info("connection closed",
		"connection", connectionID, "code", code, "reason", reason)
	if m.onClose != nil {
		m.onClose(conn)
	}
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Shutdown closes every connection with the restart code and stops the
// heartbeat loop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	m.mu.RLock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Close(id, protocol.CloseRestart, "server restarting")
	}

	select {
	case <-m.done:
	case <-ctx.Done():
	}
}

func (m *Manager) heartbeatLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

func (m *Manager) pingAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if missed := conn.MissPong(); missed >= m.config.MaxMissedPongs {
			m.logger.Warn("heartbeat timeout",
				"connection", conn.ID, "missed", missed)
			m.Close(conn.ID, protocol.CloseInternal, "heartbeat timeout")
			continue
		}
		ping := protocol.MustEnvelope(protocol.TypeSystemPing, conn.ConversationID(),
			protocol.PingPayload{Timestamp: time.Now().UnixMilli()})
		if err := conn.Enqueue(ping); err != nil {
			m.Close(conn.ID, protocol.CloseInternal, "write failure")
		}
	}
}
