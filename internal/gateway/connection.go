// Package gateway owns the WebSocket surface: connection lifecycle,
// heartbeats, message routing, and the protocol senders.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palaverhq/palaver/internal/protocol"
)

// ConnState is the connection lifecycle state, independent of the
// orchestrator's conversation state.
type ConnState string

const (
	ConnConnecting    ConnState = "CONNECTING"
	ConnConnected     ConnState = "CONNECTED"
	ConnAuthenticated ConnState = "AUTHENTICATED"
	ConnActive        ConnState = "ACTIVE"
	ConnPaused        ConnState = "PAUSED"
	ConnReconnecting  ConnState = "RECONNECTING"
	ConnClosing       ConnState = "CLOSING"
	ConnClosed        ConnState = "CLOSED"
)

var connTransitions = map[ConnState][]ConnState{
	ConnConnecting:    {ConnConnected, ConnClosing, ConnClosed},
	ConnConnected:     {ConnAuthenticated, ConnClosing, ConnClosed},
	ConnAuthenticated: {ConnActive, ConnClosing, ConnClosed},
	ConnActive:        {ConnPaused, ConnReconnecting, ConnClosing, ConnClosed},
	ConnPaused:        {ConnActive, ConnReconnecting, ConnClosing, ConnClosed},
	ConnReconnecting:  {ConnActive, ConnClosing, ConnClosed},
	ConnClosing:       {ConnClosed},
	ConnClosed:        {},
}

// ErrIllegalTransition is returned when a guarded state change is refused.
var ErrIllegalTransition = errors.New("illegal connection state transition")

// ErrSendBufferFull marks a connection whose outbound queue overflowed.
var ErrSendBufferFull = errors.New("connection send buffer full")

const (
	sendBufferSize  = 64
	replayRingSize  = 128
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
)

// socket is the subset of *websocket.Conn the connection needs; tests
// substitute an in-memory implementation.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection is one accepted WebSocket. It is created by the Manager on
// accept and destroyed on close; everything else refers to it by id.
type Connection struct {
	ID     string
	UserID string

	ws     socket
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          ConnState
	accessToken    string
	conversationID string
	definitionID   string
	createdAt      time.Time
	lastActivityAt time.Time
	missedPongs    int

	// replay retains recent outbound envelopes for connection resume.
	replay     []*protocol.Envelope
	replayHead int
	replayLen  int

	closeOnce sync.Once
}

func newConnection(id, userID string, ws socket) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Connection{
		ID:             id,
		UserID:         userID,
		ws:             ws,
		send:           make(chan []byte, sendBufferSize),
		ctx:            ctx,
		cancel:         cancel,
		state:          ConnConnecting,
		createdAt:      now,
		lastActivityAt: now,
		replay:         make([]*protocol.Envelope, replayRingSize),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves the connection to a new state if the transition table
// allows it.
func (c *Connection) Transition(to ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range connTransitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.state, to)
}

// CanReceive reports whether inbound messages are accepted in the current
// state.
func (c *Connection) CanReceive() bool {
	switch c.State() {
	case ConnAuthenticated, ConnActive, ConnPaused:
		return true
	}
	return false
}

// CanSend reports whether outbound messages may be queued.
func (c *Connection) CanSend() bool {
	switch c.State() {
	case ConnConnected, ConnAuthenticated, ConnActive, ConnPaused, ConnReconnecting, ConnClosing:
		return true
	}
	return false
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound message.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

// BindConversation attaches the connection to a conversation.
func (c *Connection) BindConversation(conversationID, definitionID string) {
	c.mu.Lock()
	c.conversationID = conversationID
	c.definitionID = definitionID
	c.mu.Unlock()
}

// ConversationID returns the bound conversation id, if any.
func (c *Connection) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// SetAccessToken stores the exchanged downstream token for tool calls.
func (c *Connection) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the stored downstream token.
func (c *Connection) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// PongReceived resets the missed-pong counter.
func (c *Connection) PongReceived() {
	c.mu.Lock()
	c.missedPongs = 0
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// MissPong increments the missed-pong counter and returns the new count.
func (c *Connection) MissPong() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPongs++
	return c.missedPongs
}

// Enqueue serializes the envelope and queues it for the write loop. The
// envelope is also recorded in the replay ring.
func (c *Connection) Enqueue(env *protocol.Envelope) error {
	if !c.CanSend() {
		return fmt.Errorf("connection %s not writable in state %s", c.ID, c.State())
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.recordReplay(env)
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) recordReplay(env *protocol.Envelope) {
	if env.Type == protocol.TypeSystemPing {
		return
	}
	c.mu.Lock()
	c.replay[c.replayHead] = env
	c.replayHead = (c.replayHead + 1) % len(c.replay)
	if c.replayLen < len(c.replay) {
		c.replayLen++
	}
	c.mu.Unlock()
}

// ReplaySince returns buffered envelopes newer than lastMessageID in emit
// order. An empty or unknown id returns everything still buffered.
func (c *Connection) ReplaySince(lastMessageID string) []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	ordered := make([]*protocol.Envelope, 0, c.replayLen)
	start := (c.replayHead - c.replayLen + len(c.replay)) % len(c.replay)
	for i := 0; i < c.replayLen; i++ {
		ordered = append(ordered, c.replay[(start+i)%len(c.replay)])
	}
	if lastMessageID == "" {
		return ordered
	}
	for i, env := range ordered {
		if env.MessageID == lastMessageID {
			return ordered[i+1:]
		}
	}
	return ordered
}

// writeLoop drains the send queue onto the socket. A write failure stops
// the loop; the manager tears the connection down.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// closeSocket sends a close frame and shuts the socket down. Idempotent.
func (c *Connection) closeSocket(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ConnClosed
		c.mu.Unlock()
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.cancel()
		_ = c.ws.Close()
	})
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
