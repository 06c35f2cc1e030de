package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParse_UnknownType(t *testing.T) {
	raw := []byte(`{"type":"data.message.explode","messageId":"m1","timestamp":1}`)
	env, errPayload := Parse(raw)
	if env != nil {
		t.Fatal("expected nil envelope for unknown type")
	}
	if errPayload == nil || errPayload.Code != CodeUnknownMessageType {
		t.Fatalf("expected UNKNOWN_MESSAGE_TYPE, got %+v", errPayload)
	}
	if errPayload.IsRetryable {
		t.Error("unknown type must not be retryable")
	}
	if errPayload.Category != CategoryValidation {
		t.Errorf("category = %s, want validation", errPayload.Category)
	}
}

func TestParse_ServerOnlyTypeRejected(t *testing.T) {
	raw := []byte(`{"type":"data.content.chunk","messageId":"m1","timestamp":1,"payload":{"content":"x","messageId":"m1","final":false}}`)
	if env, errPayload := Parse(raw); env != nil || errPayload == nil {
		t.Fatalf("server-only type must be rejected, got env=%v err=%v", env, errPayload)
	}
}

func TestParse_InvalidPayload(t *testing.T) {
	raw := []byte(`{"type":"data.message.send","messageId":"m1","timestamp":1,"payload":{"metadata":{"a":"b"}}}`)
	env, errPayload := Parse(raw)
	if env != nil {
		t.Fatal("expected rejection for missing content")
	}
	if errPayload == nil || errPayload.Code != CodeInvalidPayload {
		t.Fatalf("expected INVALID_PAYLOAD, got %+v", errPayload)
	}
	if len(errPayload.Details) == 0 {
		t.Error("expected schema error details")
	}
}

func TestParse_ValidMessageSend(t *testing.T) {
	raw := []byte(`{"type":"data.message.send","conversationId":"c1","messageId":"m1","timestamp":5,"payload":{"content":"hi"}}`)
	env, errPayload := Parse(raw)
	if errPayload != nil {
		t.Fatalf("unexpected error: %+v", errPayload)
	}
	if env.Type != TypeMessageSend || env.ConversationID != "c1" {
		t.Errorf("envelope fields wrong: %+v", env)
	}
	var payload MessageSendPayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Content != "hi" {
		t.Errorf("content = %q", payload.Content)
	}
}

func TestParse_ResponseSubmitBatchFields(t *testing.T) {
	raw := []byte(`{"type":"data.response.submit","messageId":"m2","timestamp":6,"payload":{"itemId":"i1","widgetId":"w1","value":[1,2],"batch":true,"final":false}}`)
	env, errPayload := Parse(raw)
	if errPayload != nil {
		t.Fatalf("unexpected error: %+v", errPayload)
	}
	var payload ResponseSubmitPayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Batch || payload.Final {
		t.Errorf("batch flags wrong: %+v", payload)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeContentChunk, "c9", ContentChunkPayload{
		Content:   "hello",
		MessageID: "assist-1",
		Final:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != env.Type || decoded.MessageID != env.MessageID ||
		decoded.ConversationID != env.ConversationID || decoded.Timestamp != env.Timestamp {
		t.Errorf("round trip mismatch: %+v vs %+v", decoded, env)
	}
	var a, b any
	if err := json.Unmarshal(env.Payload, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(decoded.Payload, &b); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("payload mismatch: %v vs %v", a, b)
	}
}

func TestMonotonicTimestamps(t *testing.T) {
	var last int64
	for i := 0; i < 100; i++ {
		env := MustEnvelope(TypeSystemPing, "", PingPayload{Timestamp: 1})
		if env.Timestamp <= last {
			t.Fatalf("timestamp not monotonic: %d after %d", env.Timestamp, last)
		}
		last = env.Timestamp
	}
}

func TestRegistry_Planes(t *testing.T) {
	cases := []struct {
		t     MessageType
		plane Plane
	}{
		{TypeSystemPing, PlaneSystem},
		{TypeWidgetRender, PlaneControl},
		{TypeMessageSend, PlaneData},
		{TypeToolResult, PlaneData},
	}
	for _, tc := range cases {
		plane, ok := PlaneOf(tc.t)
		if !ok || plane != tc.plane {
			t.Errorf("PlaneOf(%s) = %s/%v, want %s", tc.t, plane, ok, tc.plane)
		}
	}
}

func TestRegistry_ToolResultBidirectional(t *testing.T) {
	// Registered as client-sendable for the reserved client-execution mode;
	// the router still refuses it with no handler installed.
	if !ClientSendable(TypeToolResultIn) {
		t.Error("data.tool.result should be registered client-sendable")
	}
	if ClientSendable(TypeContentChunk) {
		t.Error("data.content.chunk must not be client-sendable")
	}
}
