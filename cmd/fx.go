package cmd

import (
	"log/slog"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/streamgate/streamgate/config"
	httpserver "github.com/streamgate/streamgate/infra/server/http"
	"github.com/streamgate/streamgate/internal/broadcast"
	amqphandler "github.com/streamgate/streamgate/internal/handler/amqp"
	httphandler "github.com/streamgate/streamgate/internal/handler/http"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/monitor"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			metrics.NewRegistry,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),

		broadcast.Module,
		registry.Module,
		service.Module,
		monitor.Module,
		httphandler.Module,
		httpserver.Module,
		amqphandler.Module,
	)
}

func ProvideLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("STREAMGATE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", ServiceName)
	slog.SetDefault(logger)
	return logger
}
