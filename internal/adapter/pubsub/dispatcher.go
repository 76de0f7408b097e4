package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"
)

// Dispatcher re-publishes outbound records (alerts, system events) to the
// broker. A circuit breaker sheds publishes while the broker is down so a
// dead broker cannot stall the monitor's alert path.
type Dispatcher struct {
	logger    *slog.Logger
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker
}

func NewDispatcher(logger *slog.Logger, publisher message.Publisher) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		publisher: publisher,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "amqp-dispatcher",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("dispatcher breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Publisher exposes the raw publisher for the poison queue middleware.
func (d *Dispatcher) Publisher() message.Publisher { return d.publisher }

// Publish marshals body and sends it to topic through the breaker. An open
// breaker fails fast; callers treat the error as best-effort loss.
func (d *Dispatcher) Publish(ctx context.Context, topic string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	_, err = d.breaker.Execute(func() (any, error) {
		return nil, d.publisher.Publish(topic, msg)
	})
	if err != nil {
		return fmt.Errorf("dispatcher: publish to %s: %w", topic, err)
	}
	return nil
}
