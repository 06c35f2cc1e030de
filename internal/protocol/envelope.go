package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Envelope is the on-wire message shape. Payload stays raw until the
// router resolves the handler for Type; outbound messages carry a
// marshaled payload. Envelopes are immutable once created.
type Envelope struct {
	Type           MessageType     `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId"`
	Timestamp      int64           `json:"timestamp"`
}

// lastTimestamp makes envelope timestamps monotonic within the process
// even when the wall clock steps backwards.
var lastTimestamp atomic.Int64

func monotonicMillis() int64 {
	now := time.Now().UnixMilli()
	for {
		last := lastTimestamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastTimestamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// NewEnvelope builds an outbound envelope with a fresh message id and a
// monotonic millisecond timestamp. The payload is marshaled immediately so
// a later mutation of v cannot change the frame.
func NewEnvelope(t MessageType, conversationID string, v any) (*Envelope, error) {
	var raw json.RawMessage
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = data
	}
	return &Envelope{
		Type:           t,
		Payload:        raw,
		ConversationID: conversationID,
		MessageID:      uuid.NewString(),
		Timestamp:      monotonicMillis(),
	}, nil
}

// MustEnvelope is NewEnvelope for payload types the package owns, where a
// marshal failure is a programming error.
func MustEnvelope(t MessageType, conversationID string, v any) *Envelope {
	env, err := NewEnvelope(t, conversationID, v)
	if err != nil {
		panic(err)
	}
	return env
}

// Parse decodes and validates an inbound frame: well-formed JSON, a
// registered client-sendable type, and a schema-valid payload.
func Parse(raw []byte) (*Envelope, *ErrorPayload) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, InvalidPayload("", []string{"frame is not valid JSON: " + err.Error()})
	}
	t := MessageType(strings.TrimSpace(string(env.Type)))
	env.Type = t
	if t == "" || !Known(t) {
		return nil, UnknownMessageType(string(t))
	}
	if !ClientSendable(t) {
		return nil, UnknownMessageType(string(t))
	}
	if errs := validatePayload(t, env.Payload); len(errs) > 0 {
		return nil, InvalidPayload(string(t), errs)
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the raw payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, out)
}
