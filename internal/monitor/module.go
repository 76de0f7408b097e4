package monitor

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/streamgate/streamgate/config"
	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/registry"
)

var Module = fx.Module("monitor",
	fx.Provide(
		func(logger *slog.Logger, mreg *metrics.Registry, b *broadcast.Broadcaster, reg *registry.Registry, cfg *config.Config) *Monitor {
			health := cfg.HealthSnapshot()
			return New(logger, mreg, b, reg, Config{
				SampleInterval: health.SampleInterval,
				HistorySize:    health.HistorySize,
				Thresholds:     thresholdsFromHealth(health),
			})
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, m *Monitor, cfg *config.Config) {
		// Probe ceilings follow config file edits.
		cfg.OnReload(func(next config.HealthConfig) {
			m.SetThresholds(thresholdsFromHealth(next))
		})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				m.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return m.Shutdown(ctx)
			},
		})
	}),
)

func thresholdsFromHealth(h config.HealthConfig) Thresholds {
	return Thresholds{
		BacklogRatio:       h.BacklogRatio,
		ConnectionRatio:    h.ConnectionRatio,
		MemoryCeilingBytes: h.MemoryCeilingBytes,
		GoroutineCeiling:   h.GoroutineCeiling,
		MinEventsPerSecond: h.MinEventsPerSecond,
	}
}
