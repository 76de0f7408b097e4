package amqp

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/streamgate/streamgate/config"
	"github.com/streamgate/streamgate/internal/domain/event"
)

type fakeProducer struct {
	typ  string
	prio event.Priority
	corr event.Correlation
	ttl  time.Duration
	hits int
}

func (f *fakeProducer) SubmitEvent(typ string, payload any, prio event.Priority, corr event.Correlation, ttl time.Duration) string {
	f.hits++
	f.typ, f.prio, f.corr, f.ttl = typ, prio, corr, ttl
	return "ev-1"
}

func newIntake(p *fakeProducer) *IntakeHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIntakeHandler(logger, p, nil, &config.Config{})
}

func TestBindSubmitsDecodedEvent(t *testing.T) {
	p := &fakeProducer{}
	handler := newIntake(p).bind()

	msg := message.NewMessage("m-1", []byte(`{
		"type": "task_progress",
		"payload": {"pct": 50},
		"priority": "critical",
		"correlation": {"user_id": "u-1"},
		"ttl_seconds": 60
	}`))
	if err := handler(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if p.hits != 1 {
		t.Fatalf("submit called %d times, want 1", p.hits)
	}
	if p.typ != "task_progress" || p.prio != event.PriorityCritical {
		t.Fatalf("wrong submission: type=%q prio=%v", p.typ, p.prio)
	}
	if p.corr.UserID != "u-1" || p.ttl != time.Minute {
		t.Fatalf("correlation or ttl lost: %+v ttl=%v", p.corr, p.ttl)
	}
}

func TestBindAcksUndecodableMessage(t *testing.T) {
	p := &fakeProducer{}
	handler := newIntake(p).bind()

	if err := handler(message.NewMessage("m-1", []byte("not json"))); err != nil {
		t.Fatalf("poison message must be acked, got %v", err)
	}
	if p.hits != 0 {
		t.Fatalf("undecodable message reached the producer")
	}
}

func TestBindAcksMissingType(t *testing.T) {
	p := &fakeProducer{}
	handler := newIntake(p).bind()

	if err := handler(message.NewMessage("m-1", []byte(`{"payload": 1}`))); err != nil {
		t.Fatalf("typeless message must be acked, got %v", err)
	}
	if p.hits != 0 {
		t.Fatalf("typeless message reached the producer")
	}
}

func TestBindParsesUnknownPriorityAsNormal(t *testing.T) {
	p := &fakeProducer{}
	handler := newIntake(p).bind()

	if err := handler(message.NewMessage("m-1", []byte(`{"type": "x", "priority": "made_up"}`))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if p.prio != event.PriorityNormal {
		t.Fatalf("unknown priority parsed as %v, want normal", p.prio)
	}
}
