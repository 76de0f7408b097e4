package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/domain/filter"
	"github.com/streamgate/streamgate/internal/metrics"
)

func newTestBroadcaster(t *testing.T, cfg Config) *Broadcaster {
	t.Helper()
	mreg, err := metrics.NewRegistry()
	if err != nil {
		t.Fatalf("metrics registry: %v", err)
	}
	t.Cleanup(func() { _ = mreg.Shutdown(context.Background()) })

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), mreg, cfg)
	b.Start()
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func waitBuffered(t *testing.T, sub *Subscription, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if sub.Buffered() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d buffered events, have %d", want, sub.Buffered())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// settle gives the dispatch loop a moment to process anything in flight.
func settle() { time.Sleep(50 * time.Millisecond) }

func TestTypeFilterMatch(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, err := b.CreateSubscription("conn-1",
		filter.Set{filter.TypeIn("task_progress")}, event.PriorityNormal, 0, 0)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	b.Submit(event.New("task_progress", "p1", event.PriorityNormal, event.Correlation{}, 0))
	waitBuffered(t, sub, 1)

	b.Submit(event.New("chat_message", "p2", event.PriorityNormal, event.Correlation{}, 0))
	settle()

	events, _, err := b.EventsSince(sub.ID, "", 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != "task_progress" {
		t.Fatalf("unexpected type %q", events[0].Type)
	}
}

func TestPriorityThreshold(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, err := b.CreateSubscription("conn-1", nil, event.PriorityHigh, 0, 0)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	b.Submit(event.New("a", nil, event.PriorityNormal, event.Correlation{}, 0))
	b.Submit(event.New("b", nil, event.PriorityCritical, event.Correlation{}, 0))
	waitBuffered(t, sub, 1)
	settle()

	events, _, _ := b.EventsSince(sub.ID, "", 0)
	if len(events) != 1 || events[0].Type != "b" {
		t.Fatalf("expected only the critical event, got %d events", len(events))
	}
}

func TestCriticalReachesAllOpenSubscriptions(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	low, _ := b.CreateSubscription("c1", nil, event.PriorityLow, 0, 0)
	high, _ := b.CreateSubscription("c2", nil, event.PriorityCritical, 0, 0)
	typed, _ := b.CreateSubscription("c3",
		filter.Set{filter.TypeIn("alarm")}, event.PriorityLow, 0, 0)

	b.Submit(event.New("alarm", nil, event.PriorityCritical, event.Correlation{}, 0))
	waitBuffered(t, low, 1)
	waitBuffered(t, high, 1)
	waitBuffered(t, typed, 1)
}

func TestSubmissionOrderPreserved(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, _ := b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 0)

	ids := make([]string, 0, 10)
	for range 10 {
		ev := event.New("tick", nil, event.PriorityNormal, event.Correlation{}, 0)
		ids = append(ids, ev.ID)
		b.Submit(ev)
	}
	waitBuffered(t, sub, 10)

	events, _, _ := b.EventsSince(sub.ID, "", 0)
	for i, ev := range events {
		if ev.ID != ids[i] {
			t.Fatalf("order broken at %d: got %s want %s", i, ev.ID, ids[i])
		}
	}
}

func TestBufferHoldsOnlyLastN(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, _ := b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 3)

	var last3 []string
	for i := range 5 {
		ev := event.New("tick", i, event.PriorityNormal, event.Correlation{}, 0)
		if i >= 2 {
			last3 = append(last3, ev.ID)
		}
		b.Submit(ev)
		waitBuffered(t, sub, min(i+1, 3))
	}
	settle()

	events, _, _ := b.EventsSince(sub.ID, "", 0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ID != last3[i] {
			t.Fatalf("wrong event at %d", i)
		}
	}
}

func TestRateLimitCountsAsFiltered(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, _ := b.CreateSubscription("conn-1", nil, event.PriorityLow, 1, 0)

	b.Submit(event.New("tick", nil, event.PriorityNormal, event.Correlation{}, 0))
	waitBuffered(t, sub, 1)
	b.Submit(event.New("tick", nil, event.PriorityNormal, event.Correlation{}, 0))
	settle()

	if n := sub.Buffered(); n != 1 {
		t.Fatalf("rate limited subscription buffered %d events, want 1", n)
	}
}

func TestEventsSinceMarker(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, _ := b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 0)

	var ids []string
	for range 5 {
		ev := event.New("tick", nil, event.PriorityNormal, event.Correlation{}, 0)
		ids = append(ids, ev.ID)
		b.Submit(ev)
	}
	waitBuffered(t, sub, 5)

	events, resync, err := b.EventsSince(sub.ID, ids[2], 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if resync {
		t.Fatalf("known marker must not trigger resync")
	}
	if len(events) != 2 || events[0].ID != ids[3] || events[1].ID != ids[4] {
		t.Fatalf("wrong tail after marker: %d events", len(events))
	}
}

func TestEventsSinceUnknownMarkerResyncs(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, _ := b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 0)

	b.Submit(event.New("tick", nil, event.PriorityNormal, event.Correlation{}, 0))
	waitBuffered(t, sub, 1)

	events, resync, err := b.EventsSince(sub.ID, "aged-out-id", 0)
	if err != nil {
		t.Fatalf("unknown marker must not fail: %v", err)
	}
	if !resync {
		t.Fatalf("expected resync flag for unknown marker")
	}
	if len(events) != 1 {
		t.Fatalf("expected full buffer on resync, got %d", len(events))
	}
}

func TestRemoveSubscriptionIdempotent(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, _ := b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 0)

	if err := b.RemoveSubscription(sub.ID); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := b.RemoveSubscription(sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: got %v, want ErrNotFound", err)
	}
}

func TestRemoveAllForOwner(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 0)
	b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 0)
	b.CreateSubscription("conn-2", nil, event.PriorityLow, 0, 0)

	if n := b.RemoveAllForOwner("conn-1"); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if n := b.RemoveAllForOwner("conn-1"); n != 0 {
		t.Fatalf("second removal removed %d, want 0", n)
	}
	if b.SubscriptionCount() != 1 {
		t.Fatalf("expected 1 surviving subscription")
	}
}

func TestCustomFilterErrorFailsOpen(t *testing.T) {
	b := newTestBroadcaster(t, Config{})

	// priority - priority is always zero; the division errors at runtime.
	broken, err := filter.Custom("priority / (priority - priority) > 0")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	sub, _ := b.CreateSubscription("conn-1", filter.Set{broken}, event.PriorityLow, 0, 0)

	b.Submit(event.New("tick", nil, event.PriorityNormal, event.Correlation{}, 0))
	waitBuffered(t, sub, 1)
}

func TestSubmitNeverBlocksOnFullQueue(t *testing.T) {
	mreg, err := metrics.NewRegistry()
	if err != nil {
		t.Fatalf("metrics registry: %v", err)
	}
	t.Cleanup(func() { _ = mreg.Shutdown(context.Background()) })

	// Not started: nothing drains the queue.
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), mreg, Config{QueueSize: 2})

	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Submit(event.New("tick", nil, event.PriorityNormal, event.Correlation{}, 0))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("submit blocked on a full queue")
	}
	if b.Backlog() != 2 {
		t.Fatalf("queue depth %d, want 2", b.Backlog())
	}

	counters, err := mreg.Counters(context.Background())
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counters[metrics.EventsDropped] != 8 {
		t.Fatalf("dropped counter %d, want 8", counters[metrics.EventsDropped])
	}
}

func TestShutdownPurgesSubscriptions(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub, _ := b.CreateSubscription("conn-1", nil, event.PriorityLow, 0, 0)

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if b.SubscriptionCount() != 0 {
		t.Fatalf("subscriptions survived shutdown")
	}
	if _, _, err := b.EventsSince(sub.ID, "", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after shutdown, got %v", err)
	}
}
