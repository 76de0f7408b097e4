package amqp

import (
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/streamgate/streamgate/internal/domain/event"
)

// intakeEvent is the wire shape remote producers publish to the broker.
type intakeEvent struct {
	Type        string            `json:"type"`
	Payload     any               `json:"payload"`
	Priority    string            `json:"priority"`
	Correlation event.Correlation `json:"correlation"`
	TTLSeconds  int               `json:"ttl_seconds"`
}

// bind wraps the intake logic with panic recovery and poison-pill
// protection: undecodable messages are acked and logged, never requeued.
func (h *IntakeHandler) bind() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("intake handler panicked",
					"panic", r, "stack", string(debug.Stack()), "msg_id", msg.UUID)
			}
		}()

		var in intakeEvent
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			h.logger.Error("intake decode failed", "msg_id", msg.UUID, "error", err)
			return nil
		}
		if in.Type == "" {
			h.logger.Warn("intake message without type", "msg_id", msg.UUID)
			return nil
		}

		// Fire-and-forget: a full queue shows up in the dropped counter,
		// never as a broker nack.
		h.producer.SubmitEvent(
			in.Type,
			in.Payload,
			event.ParsePriority(in.Priority),
			in.Correlation,
			time.Duration(in.TTLSeconds)*time.Second,
		)
		return nil
	}
}
