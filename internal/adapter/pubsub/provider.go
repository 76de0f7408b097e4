package pubsub

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/streamgate/streamgate/config"
)

// Provider builds broker publishers and subscribers from one connection
// config. Kept behind an interface-free struct: there is exactly one broker.
type Provider struct {
	cfg    config.AMQPConfig
	wmlog  watermill.LoggerAdapter
	logger *slog.Logger
}

func NewProvider(logger *slog.Logger, cfg *config.Config) *Provider {
	return &Provider{
		cfg:    cfg.AMQP,
		wmlog:  watermill.NewSlogLogger(logger),
		logger: logger,
	}
}

func (p *Provider) Enabled() bool { return p.cfg.Enabled }

// BuildSubscriber returns a durable subscriber bound to the configured
// exchange, with its own queue per handler.
func (p *Provider) BuildSubscriber(queueSuffix string) (message.Subscriber, error) {
	cfg := amqp.NewDurablePubSubConfig(p.cfg.URL,
		amqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix))
	sub, err := amqp.NewSubscriber(cfg, p.wmlog)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build subscriber: %w", err)
	}
	return sub, nil
}

// BuildPublisher returns a durable publisher on the configured exchange.
func (p *Provider) BuildPublisher() (message.Publisher, error) {
	cfg := amqp.NewDurablePubSubConfig(p.cfg.URL, nil)
	pub, err := amqp.NewPublisher(cfg, p.wmlog)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build publisher: %w", err)
	}
	return pub, nil
}
