package marshaller

import (
	"encoding/json"

	"github.com/streamgate/streamgate/internal/domain/event"
)

// WireEvent is the transport-neutral JSON shape shared by the SSE, WebSocket
// and long-poll handlers.
type WireEvent struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Priority    string            `json:"priority"`
	Payload     any               `json:"payload,omitempty"`
	Correlation event.Correlation `json:"correlation"`
	OccurredAt  int64             `json:"occurred_at"`
}

// BatchResponse is the long-poll envelope supporting event batching.
type BatchResponse struct {
	Events   []WireEvent `json:"events"`
	TimedOut bool        `json:"timed_out"`
}

func ToWire(ev *event.Event) WireEvent {
	return WireEvent{
		ID:          ev.ID,
		Type:        ev.Type,
		Priority:    ev.Priority.String(),
		Payload:     ev.Payload,
		Correlation: ev.Correlation,
		OccurredAt:  ev.OccurredAt,
	}
}

// MarshalEvent serializes a single event frame.
func MarshalEvent(ev *event.Event) ([]byte, error) {
	return json.Marshal(ToWire(ev))
}

// MarshalBatch serializes a poll batch.
func MarshalBatch(events []*event.Event, timedOut bool) ([]byte, error) {
	res := BatchResponse{
		Events:   make([]WireEvent, 0, len(events)),
		TimedOut: timedOut,
	}
	for _, ev := range events {
		res.Events = append(res.Events, ToWire(ev))
	}
	return json.Marshal(res)
}
