package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/palaverhq/palaver/internal/protocol"
)

func newTestManager(t *testing.T, config ManagerConfig) *Manager {
	t.Helper()
	m := NewManager(config, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func waitFrames(t *testing.T, ws *fakeSocket, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := ws.sentFrames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(ws.sentFrames()))
	return nil
}

func TestManager_AcceptRegistersActive(t *testing.T) {
	m := newTestManager(t, DefaultManagerConfig())
	conn, err := m.Accept("u1", newFakeSocket())
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != ConnActive {
		t.Errorf("state = %s, want ACTIVE", conn.State())
	}
	if _, ok := m.Get(conn.ID); !ok {
		t.Error("connection missing from id index")
	}
	if conns := m.ForUser("u1"); len(conns) != 1 {
		t.Errorf("user index has %d connections, want 1", len(conns))
	}
}

func TestManager_SendToConnection(t *testing.T) {
	m := newTestManager(t, DefaultManagerConfig())
	ws := newFakeSocket()
	conn, _ := m.Accept("u1", ws)

	env := protocol.MustEnvelope(protocol.TypeContentChunk, "conv-1",
		protocol.ContentChunkPayload{Content: "hello", MessageID: "m1", Final: true})
	if err := m.SendToConnection(conn.ID, env); err != nil {
		t.Fatal(err)
	}

	frames := waitFrames(t, ws, 1)
	var decoded protocol.Envelope
	if err := json.Unmarshal(frames[0], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != protocol.TypeContentChunk {
		t.Errorf("delivered type = %s", decoded.Type)
	}
}

func TestManager_BroadcastToConversation(t *testing.T) {
	m := newTestManager(t, DefaultManagerConfig())
	wsA, wsB, wsC := newFakeSocket(), newFakeSocket(), newFakeSocket()
	a, _ := m.Accept("u1", wsA)
	b, _ := m.Accept("u1", wsB)
	c, _ := m.Accept("u2", wsC)

	if err := m.BindConversation(a.ID, "conv-1", "def-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.BindConversation(b.ID, "conv-1", "def-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.BindConversation(c.ID, "conv-2", "def-1"); err != nil {
		t.Fatal(err)
	}

	env := protocol.MustEnvelope(protocol.TypeConversationPause, "conv-1",
		protocol.FlowAckPayload{State: "PAUSED", Timestamp: 1})
	m.BroadcastToConversation("conv-1", env)

	waitFrames(t, wsA, 1)
	waitFrames(t, wsB, 1)
	time.Sleep(20 * time.Millisecond)
	if len(wsC.sentFrames()) != 0 {
		t.Error("broadcast leaked into another conversation")
	}
}

func TestManager_CloseRunsTeardown(t *testing.T) {
	m := newTestManager(t, DefaultManagerConfig())
	var tornDown atomic.Bool
	m.OnClose(func(conn *Connection) { tornDown.Store(true) })

	ws := newFakeSocket()
	conn, _ := m.Accept("u1", ws)
	m.Close(conn.ID, protocol.CloseNormal, "bye")

	if _, ok := m.Get(conn.ID); ok {
		t.Error("closed connection still registered")
	}
	if !tornDown.Load() {
		t.Error("teardown callback not invoked")
	}
	if ws.sentCloseCode() != protocol.CloseNormal {
		t.Errorf("close code = %d, want %d", ws.sentCloseCode(), protocol.CloseNormal)
	}
	if conn.State() != ConnClosed {
		t.Errorf("state = %s, want CLOSED", conn.State())
	}
}

func TestManager_HeartbeatClosesSilentConnection(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		PingInterval:   20 * time.Millisecond,
		MaxMissedPongs: 2,
	})
	ws := newFakeSocket()
	conn, _ := m.Accept("u1", ws)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(conn.ID); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := m.Get(conn.ID); ok {
		t.Fatal("silent connection was never closed")
	}
	if ws.sentCloseCode() != protocol.CloseInternal {
		t.Errorf("close code = %d, want %d", ws.sentCloseCode(), protocol.CloseInternal)
	}
}

func TestManager_PongResetsHeartbeat(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		PingInterval:   20 * time.Millisecond,
		MaxMissedPongs: 2,
	})
	conn, _ := m.Accept("u1", newFakeSocket())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			conn.PongReceived()
			time.Sleep(15 * time.Millisecond)
		}
	}()
	<-done

	if _, ok := m.Get(conn.ID); !ok {
		t.Error("ponging connection was closed by the heartbeat")
	}
}
