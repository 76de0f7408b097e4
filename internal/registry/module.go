package registry

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/streamgate/streamgate/config"
	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/metrics"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(logger *slog.Logger, mreg *metrics.Registry, b *broadcast.Broadcaster, cfg *config.Config) *Registry {
			return New(logger, mreg, b, Config{
				Limits: Limits{
					Global:        cfg.Connections.GlobalLimit,
					Authenticated: cfg.Connections.AuthenticatedLimit,
					Anonymous:     cfg.Connections.AnonymousLimit,
					PerAddress:    cfg.Connections.AddressLimit,
				},
				PingInterval:  cfg.Connections.PingInterval,
				Timeout:       cfg.Connections.Timeout,
				SweepInterval: cfg.Connections.SweepInterval,
			})
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, r *Registry) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				r.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return r.Shutdown(ctx)
			},
		})
	}),
)
