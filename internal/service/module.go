package service

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/streamgate/streamgate/config"
	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/registry"
)

var Module = fx.Module("service",
	fx.Provide(
		func(logger *slog.Logger, mreg *metrics.Registry, b *broadcast.Broadcaster, reg *registry.Registry, cfg *config.Config) *Service {
			return New(logger, mreg, b, reg, Config{
				StreamTick:  cfg.Delivery.StreamTick,
				SessionIdle: cfg.Delivery.SessionIdle,
			})
		},
		func(s *Service) Deliverer { return s },
		func(s *Service) Producer { return s },
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Service) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return s.Shutdown(ctx)
			},
		})
	}),
)
