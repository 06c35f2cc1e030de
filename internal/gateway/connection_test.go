package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palaverhq/palaver/internal/protocol"
)

// fakeSocket is an in-memory socket for tests. Writes are captured;
// reads block on the incoming channel until Close.
type fakeSocket struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
	closed    bool
	incoming  chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan []byte, 16),
		closeCh:  make(chan struct{}),
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("socket closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.incoming:
		return websocket.TextMessage, data, nil
	case <-f.closeCh:
		return 0, nil, errors.New("socket closed")
	}
}

func (f *fakeSocket) SetReadLimit(int64)               {}
func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(data[0])<<8 | int(data[1])
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.closeCh)
	})
	return nil
}

func (f *fakeSocket) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSocket) sentCloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func TestConnection_TransitionGuards(t *testing.T) {
	conn := newConnection("c1", "u1", newFakeSocket())

	for _, to := range []ConnState{ConnConnected, ConnAuthenticated, ConnActive} {
		if err := conn.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := conn.Transition(ConnConnected); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("ACTIVE -> CONNECTED should be refused, got %v", err)
	}
	if err := conn.Transition(ConnClosed); err != nil {
		t.Fatalf("ACTIVE -> CLOSED: %v", err)
	}
	if err := conn.Transition(ConnActive); !errors.Is(err, ErrIllegalTransition) {
		t.Error("CLOSED must be terminal")
	}
}

func TestConnection_ReceiveAndSendWindows(t *testing.T) {
	conn := newConnection("c1", "u1", newFakeSocket())
	if conn.CanReceive() {
		t.Error("CONNECTING must not accept inbound messages")
	}
	_ = conn.Transition(ConnConnected)
	if conn.CanReceive() {
		t.Error("CONNECTED must not accept inbound messages")
	}
	if !conn.CanSend() {
		t.Error("CONNECTED may send outbound")
	}
	_ = conn.Transition(ConnAuthenticated)
	_ = conn.Transition(ConnActive)
	if !conn.CanReceive() || !conn.CanSend() {
		t.Error("ACTIVE accepts both directions")
	}
}

func TestConnection_ReplayRing(t *testing.T) {
	conn := newConnection("c1", "u1", newFakeSocket())
	_ = conn.Transition(ConnConnected)

	var envs []*protocol.Envelope
	for i := 0; i < 5; i++ {
		env := protocol.MustEnvelope(protocol.TypeContentChunk, "conv-1",
			protocol.ContentChunkPayload{Content: "x", MessageID: "m"})
		envs = append(envs, env)
		if err := conn.Enqueue(env); err != nil {
			t.Fatal(err)
		}
	}
	// Pings are not replayable.
	ping := protocol.MustEnvelope(protocol.TypeSystemPing, "", protocol.PingPayload{Timestamp: 1})
	_ = conn.Enqueue(ping)

	all := conn.ReplaySince("")
	if len(all) != 5 {
		t.Fatalf("replay length = %d, want 5", len(all))
	}
	for i, env := range all {
		if env.MessageID != envs[i].MessageID {
			t.Fatalf("replay order broken at %d", i)
		}
	}

	tail := conn.ReplaySince(envs[2].MessageID)
	if len(tail) != 2 || tail[0].MessageID != envs[3].MessageID {
		t.Errorf("replay since mid id = %d envelopes, want the last 2", len(tail))
	}
}

func TestConnection_EnqueueBufferFull(t *testing.T) {
	conn := newConnection("c1", "u1", newFakeSocket())
	_ = conn.Transition(ConnConnected)

	// No write loop draining: the buffer eventually overflows.
	var last error
	for i := 0; i < sendBufferSize+1; i++ {
		env := protocol.MustEnvelope(protocol.TypeContentChunk, "",
			protocol.ContentChunkPayload{Content: "x"})
		last = conn.Enqueue(env)
	}
	if !errors.Is(last, ErrSendBufferFull) {
		t.Errorf("overflow error = %v, want ErrSendBufferFull", last)
	}
}
