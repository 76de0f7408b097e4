package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/streamgate/streamgate/config"
	"github.com/streamgate/streamgate/internal/adapter/pubsub"
	"github.com/streamgate/streamgate/internal/service"
)

// IntakeHandler consumes broker messages and feeds them into the broadcaster
// through the producer interface. Remote services publish; connected clients
// receive.
type IntakeHandler struct {
	logger     *slog.Logger
	producer   service.Producer
	dispatcher *pubsub.Dispatcher
	cfg        config.AMQPConfig
}

func NewIntakeHandler(logger *slog.Logger, producer service.Producer, dispatcher *pubsub.Dispatcher, cfg *config.Config) *IntakeHandler {
	return &IntakeHandler{logger: logger, producer: producer, dispatcher: dispatcher, cfg: cfg.AMQP}
}

func NewRouter(logger *slog.Logger) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
}

// RegisterHandlers binds one consumer per configured topic, each with the
// full middleware chain: trace id, logging, retry, poison queue, throttle
// and a hard per-message timeout.
func (h *IntakeHandler) RegisterHandlers(router *message.Router, provider *pubsub.Provider) error {
	poisonTopic := h.cfg.Queue + ".poison"
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), poisonTopic)
	if err != nil {
		return fmt.Errorf("amqp: poison queue setup: %w", err)
	}

	for i, topic := range h.cfg.Topics {
		name := fmt.Sprintf("intake_%d", i)
		sub, err := provider.BuildSubscriber(fmt.Sprintf("%s.%s", h.cfg.Queue, name))
		if err != nil {
			return err
		}
		router.AddConsumerHandler(name, topic, sub, h.bind()).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(30*time.Second),
		)
	}

	h.logger.Info("amqp intake ready", "queue", h.cfg.Queue, "topics", h.cfg.Topics)
	return nil
}
