package cmd

import (
	"log/slog"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/sealedchat/conv-gateway/config"
	httpsrv "github.com/sealedchat/conv-gateway/infra/server/http"
	"github.com/sealedchat/conv-gateway/infra/tracing"
	"github.com/sealedchat/conv-gateway/internal/adapter/pubsub"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	amqphandler "github.com/sealedchat/conv-gateway/internal/handler/amqp"
	"github.com/sealedchat/conv-gateway/internal/handler/httpapi"
	"github.com/sealedchat/conv-gateway/internal/handler/lp"
	"github.com/sealedchat/conv-gateway/internal/handler/sse"
	wshandler "github.com/sealedchat/conv-gateway/internal/handler/ws"
	"github.com/sealedchat/conv-gateway/internal/service"
	"github.com/sealedchat/conv-gateway/internal/store"
)

func NewApp(cfg *config.Config, v *viper.Viper) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() *viper.Viper { return v },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideVerifier,
			ProvideEnvelopeReader,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With("component", "fx")}
		}),
		fx.Invoke(func(v *viper.Viper, level *slog.LevelVar, log *slog.Logger) {
			config.WatchLevel(v, level, log)
		}),
		tracing.Module,
		store.Module,
		registry.Module,
		service.Module,
		pubsub.Module,
		amqphandler.Module,
		httpsrv.Module,
		httpapi.Module,
		wshandler.Module,
		sse.Module,
		lp.Module,
	)
}
