package amqp

import (
	"go.uber.org/fx"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		NewFederationHandler,
		NewWatermillRouter,
	),

	fx.Invoke(RegisterHandlers),
)
