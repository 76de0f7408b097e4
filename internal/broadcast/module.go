package broadcast

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/streamgate/streamgate/config"
	"github.com/streamgate/streamgate/internal/metrics"
)

var Module = fx.Module("broadcast",
	fx.Provide(
		func(logger *slog.Logger, mreg *metrics.Registry, cfg *config.Config) *Broadcaster {
			return New(logger, mreg, Config{
				QueueSize:  cfg.Broadcast.QueueSize,
				BufferSize: cfg.Broadcast.BufferSize,
				BufferAge:  cfg.Broadcast.BufferAge,
			})
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, b *Broadcaster) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				b.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return b.Shutdown(ctx)
			},
		})
	}),
)
