package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case e, ok := <-sub.C:
			if !ok {
				t.Fatalf("channel closed after %d events, wanted %d", len(out), n)
			}
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events, wanted %d", len(out), n)
		}
	}
	return out
}

func TestSubscriberSeesEventsInOrder(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()
	sub := hub.Subscribe(jobID)
	defer sub.Close()

	statuses := []Status{StatusQueued, StatusProcessing, StatusCompleted}
	for i, s := range statuses {
		if err := hub.Publish(Event{JobID: jobID, Status: s, Progress: i * 50}); err != nil {
			t.Fatalf("publish %s: %v", s, err)
		}
	}

	got := collect(t, sub, 3)
	for i, s := range statuses {
		if got[i].Status != s {
			t.Fatalf("event %d: got %s want %s", i, got[i].Status, s)
		}
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after terminal event")
	}
}

func TestLateSubscriberGetsLastEventReplay(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()

	_ = hub.Publish(Event{JobID: jobID, Status: StatusQueued})
	_ = hub.Publish(Event{JobID: jobID, Status: StatusProcessing, Progress: 40, Phase: "rendering"})

	sub := hub.Subscribe(jobID)
	defer sub.Close()

	got := collect(t, sub, 1)
	if got[0].Status != StatusProcessing || got[0].Progress != 40 {
		t.Fatalf("replayed event mismatch: %+v", got[0])
	}
}

func TestSubscribeAfterTerminalReplaysAndCloses(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()

	_ = hub.Publish(Event{JobID: jobID, Status: StatusProcessing})
	_ = hub.Publish(Event{JobID: jobID, Status: StatusFailed, Message: "provider unavailable"})

	sub := hub.Subscribe(jobID)
	got := collect(t, sub, 1)
	if got[0].Status != StatusFailed {
		t.Fatalf("expected terminal replay, got %+v", got[0])
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after terminal replay")
	}
}

func TestPublishAfterTerminalIsRejected(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()

	_ = hub.Publish(Event{JobID: jobID, Status: StatusCompleted})
	if err := hub.Publish(Event{JobID: jobID, Status: StatusProcessing}); err == nil {
		t.Fatal("expected rejection of post-terminal publish")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()

	subs := []*Subscription{hub.Subscribe(jobID), hub.Subscribe(jobID), hub.Subscribe(jobID)}
	_ = hub.Publish(Event{JobID: jobID, Status: StatusProcessing, Progress: 10})

	for i, sub := range subs {
		got := collect(t, sub, 1)
		if got[0].Progress != 10 {
			t.Fatalf("subscriber %d: %+v", i, got[0])
		}
		sub.Close()
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()
	done := make(chan struct{})
	go func() {
		_ = hub.Publish(Event{JobID: jobID, Status: StatusQueued})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSlowSubscriberDropsOldestNotNewest(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()
	sub := hub.Subscribe(jobID)
	defer sub.Close()

	// Overflow the buffer without reading.
	for i := 0; i <= subscriptionBuffer+3; i++ {
		_ = hub.Publish(Event{JobID: jobID, Status: StatusProcessing, Progress: i})
	}
	_ = hub.Publish(Event{JobID: jobID, Status: StatusCompleted, Progress: 100})

	var last Event
	for e := range sub.C {
		last = e
	}
	if last.Status != StatusCompleted {
		t.Fatalf("newest event must survive overflow, last seen: %+v", last)
	}
}

func TestForgetClearsReplayState(t *testing.T) {
	hub := NewHub(logger.Nop())
	jobID := uuid.New()

	_ = hub.Publish(Event{JobID: jobID, Status: StatusCompleted})
	hub.Forget(jobID)

	sub := hub.Subscribe(jobID)
	defer sub.Close()
	select {
	case e := <-sub.C:
		t.Fatalf("no replay expected after Forget, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTerminalReplayEntryIsEvictedAfterRetention(t *testing.T) {
	h := NewHub(logger.Nop())
	h.retention = 10 * time.Millisecond
	jobID := uuid.New()

	if err := h.Publish(Event{JobID: jobID, Status: StatusCompleted, Progress: 100}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		_, retained := h.last[jobID]
		h.mu.Unlock()
		if !retained {
			break
		}
		select {
		case <-deadline:
			t.Fatal("terminal event still retained after retention window")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Evicted means no replay: a new subscriber just waits for fresh events.
	sub := h.Subscribe(jobID)
	defer sub.Close()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed for an evicted job")
		}
		t.Fatalf("unexpected replay after eviction: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
