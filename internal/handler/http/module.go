package httphandler

import (
	"go.uber.org/fx"
)

var Module = fx.Module("http-handler",
	fx.Provide(
		NewStreamHandler,
		NewPollHandler,
		NewEventHandler,
		NewOpsHandler,
		NewRouter,
	),
)
