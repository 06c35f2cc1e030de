package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestTimeline_RecordAndQuery(t *testing.T) {
	tl := NewTimeline(10)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tl.Record(TimelineEvent{
			ConversationID: "c-1",
			Kind:           "focus_change",
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	tl.Record(TimelineEvent{ConversationID: "c-2", Kind: "visibility"})

	events := tl.Events("c-1")
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Timestamp.After(events[2].Timestamp) {
		t.Error("events out of arrival order")
	}

	since := tl.Since("c-1", base.Add(90*time.Second))
	if len(since) != 1 {
		t.Errorf("since = %d, want 1", len(since))
	}
}

func TestTimeline_EvictsOldest(t *testing.T) {
	tl := NewTimeline(3)
	for i := 0; i < 5; i++ {
		tl.Record(TimelineEvent{ConversationID: "c-1", Kind: fmt.Sprintf("e%d", i)})
	}

	events := tl.Events("c-1")
	if len(events) != 3 {
		t.Fatalf("events = %d, want capacity 3", len(events))
	}
	if events[0].Kind != "e2" || events[2].Kind != "e4" {
		t.Errorf("kept %s..%s, want e2..e4", events[0].Kind, events[2].Kind)
	}
}

func TestTimeline_IgnoresAnonymousEvents(t *testing.T) {
	tl := NewTimeline(0)
	tl.Record(TimelineEvent{Kind: "orphan"})
	if len(tl.Events("")) != 0 {
		t.Error("event without a conversation must be dropped")
	}
}

func TestTimeline_Drop(t *testing.T) {
	tl := NewTimeline(0)
	tl.Record(TimelineEvent{ConversationID: "c-1", Kind: "x"})
	tl.Drop("c-1")
	if len(tl.Events("c-1")) != 0 {
		t.Error("history survived drop")
	}
}
