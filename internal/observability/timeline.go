package observability

import (
	"sync"
	"time"
)

// TimelineEvent is one recorded observation on a conversation: a
// client-side audit event or a server-side lifecycle marker.
type TimelineEvent struct {
	ConversationID string         `json:"conversationId"`
	ConnectionID   string         `json:"connectionId,omitempty"`
	Kind           string         `json:"kind"`
	Timestamp      time.Time      `json:"timestamp"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// Timeline keeps a bounded in-memory event history per conversation for
// debugging and support. Oldest events are dropped first.
type Timeline struct {
	mu       sync.RWMutex
	capacity int
	events   map[string][]TimelineEvent
}

// NewTimeline builds a timeline holding up to capacity events per
// conversation. A non-positive capacity defaults to 256.
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = 256
	}
	return &Timeline{
		capacity: capacity,
		events:   make(map[string][]TimelineEvent),
	}
}

// Record appends one event, evicting the oldest when full.
func (t *Timeline) Record(ev TimelineEvent) {
	if ev.ConversationID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	list := append(t.events[ev.ConversationID], ev)
	if len(list) > t.capacity {
		list = list[len(list)-t.capacity:]
	}
	t.events[ev.ConversationID] = list
}

// Events returns a copy of the conversation's history in arrival order.
func (t *Timeline) Events(conversationID string) []TimelineEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.events[conversationID]
	out := make([]TimelineEvent, len(list))
	copy(out, list)
	return out
}

// Since returns the events recorded at or after the given time.
func (t *Timeline) Since(conversationID string, cutoff time.Time) []TimelineEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TimelineEvent
	for _, ev := range t.events[conversationID] {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// Drop discards the conversation's history.
func (t *Timeline) Drop(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.events, conversationID)
}
