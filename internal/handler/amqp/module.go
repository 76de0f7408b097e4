package amqp

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/streamgate/streamgate/config"
	"github.com/streamgate/streamgate/internal/adapter/pubsub"
	"github.com/streamgate/streamgate/internal/monitor"
	"github.com/streamgate/streamgate/internal/service"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(pubsub.NewProvider),

	fx.Invoke(func(lc fx.Lifecycle, logger *slog.Logger, provider *pubsub.Provider, producer service.Producer, mon *monitor.Monitor, cfg *config.Config) error {
		if !provider.Enabled() {
			logger.Info("amqp intake disabled")
			return nil
		}

		publisher, err := provider.BuildPublisher()
		if err != nil {
			return err
		}
		dispatcher := pubsub.NewDispatcher(logger, publisher)

		router, err := NewRouter(logger)
		if err != nil {
			return err
		}
		handler := NewIntakeHandler(logger, producer, dispatcher, cfg)
		if err := handler.RegisterHandlers(router, provider); err != nil {
			return err
		}

		// Alerts ride the same broker when an export exchange is set.
		if topic := cfg.AMQP.AlertExchange; topic != "" {
			mon.OnAlert(func(a *monitor.Alert) {
				if err := dispatcher.Publish(context.Background(), topic, a); err != nil {
					logger.Warn("alert export failed", "alert_id", a.ID, "error", err)
				}
			})
		}

		runCtx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := router.Run(runCtx); err != nil {
						logger.Error("amqp router stopped", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return router.Close()
			},
		})
		return nil
	}),
)
