package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestEvents(t *testing.T) *Events {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewEvents(rdb)
}

func TestPublishStampsTimestamp(t *testing.T) {
	events := newTestEvents(t)
	ctx := context.Background()

	sub, err := events.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	if err := events.Publish(ctx, "job-1", Event{Kind: EventStarted}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	msg := receiveMessage(t, sub)
	var event Event
	if err := json.Unmarshal([]byte(msg), &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if event.Kind != EventStarted {
		t.Fatalf("unexpected kind: %s", event.Kind)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}
}

func TestSubscriberObservesPublishOrder(t *testing.T) {
	events := newTestEvents(t)
	ctx := context.Background()

	sub, err := events.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	progress := 50.0
	published := []Event{
		{Kind: EventStarted},
		{Kind: EventProgress, Progress: &progress, DownloadedBytes: 10, TotalBytes: 20},
		{Kind: EventFileFinished, Filename: "clip.mp4"},
	}
	for _, e := range published {
		if err := events.Publish(ctx, "job-1", e); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}

	for i, want := range published {
		var event Event
		if err := json.Unmarshal([]byte(receiveMessage(t, sub)), &event); err != nil {
			t.Fatalf("failed to decode event %d: %v", i, err)
		}
		if event.Kind != want.Kind {
			t.Fatalf("event %d: got kind %s, want %s", i, event.Kind, want.Kind)
		}
	}
}

func TestPublishWithoutSubscribersIsFireAndForget(t *testing.T) {
	events := newTestEvents(t)

	if err := events.Publish(context.Background(), "job-1", Event{Kind: EventCompleted}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
}

func TestEventsAreScopedPerJob(t *testing.T) {
	events := newTestEvents(t)
	ctx := context.Background()

	sub, err := events.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	if err := events.Publish(ctx, "job-2", Event{Kind: EventStarted}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := events.Publish(ctx, "job-1", Event{Kind: EventCompleted}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	var event Event
	if err := json.Unmarshal([]byte(receiveMessage(t, sub)), &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if event.Kind != EventCompleted {
		t.Fatalf("received event for wrong job: %s", event.Kind)
	}
}

func receiveMessage(t *testing.T, sub *Subscription) string {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return msg.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}
