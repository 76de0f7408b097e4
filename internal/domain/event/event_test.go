package event

import (
	"testing"
	"time"
)

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		if got := ParsePriority(p.String()); got != p {
			t.Errorf("ParsePriority(%q) = %v, want %v", p.String(), got, p)
		}
	}
	if got := ParsePriority("garbage"); got != PriorityNormal {
		t.Errorf("unknown name parsed to %v, want normal", got)
	}
	if got := ParsePriority(""); got != PriorityNormal {
		t.Errorf("empty name parsed to %v, want normal", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Fatalf("priority ordinals out of order")
	}
}

func TestCorrelationField(t *testing.T) {
	c := Correlation{UserID: "u", SessionID: "s", AgentID: "a", TaskID: "t"}
	for name, want := range map[string]string{
		"user_id": "u", "session_id": "s", "agent_id": "a", "task_id": "t", "other": "",
	} {
		if got := c.Field(name); got != want {
			t.Errorf("Field(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestNewAssignsIdentityAndTime(t *testing.T) {
	before := time.Now().UnixMilli()
	ev := New("tick", "payload", PriorityHigh, Correlation{UserID: "u"}, 0)
	after := time.Now().UnixMilli()

	if ev.ID == "" {
		t.Fatalf("missing id")
	}
	if ev.OccurredAt < before || ev.OccurredAt > after {
		t.Fatalf("occurred_at %d outside [%d, %d]", ev.OccurredAt, before, after)
	}
	if ev.ExpiresAt != 0 {
		t.Fatalf("zero ttl must not set expiry")
	}
	other := New("tick", nil, PriorityHigh, Correlation{}, 0)
	if other.ID == ev.ID {
		t.Fatalf("ids not unique")
	}
}

func TestExpiry(t *testing.T) {
	ev := New("tick", nil, PriorityNormal, Correlation{}, time.Minute)
	now := time.Now()
	if ev.Expired(now) {
		t.Fatalf("fresh event reported expired")
	}
	if !ev.Expired(now.Add(2 * time.Minute)) {
		t.Fatalf("event past its ttl reported live")
	}

	eternal := New("tick", nil, PriorityNormal, Correlation{}, 0)
	if eternal.Expired(now.Add(24 * time.Hour)) {
		t.Fatalf("event without ttl expired")
	}
}
