package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/fx"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/adapter/pubsub"
	"github.com/sealedchat/conv-gateway/internal/service"
)

// FederationHandler consumes accepted envelopes other gateways published
// and replays them through the local append pipeline.
type FederationHandler struct {
	appender service.Appender
	// gatewayID guards the loop: our own egress comes back through the
	// fanout and must be acked untouched.
	gatewayID string
	logger    *slog.Logger
}

func NewFederationHandler(cfg *config.Config, appender service.Appender, logger *slog.Logger) *FederationHandler {
	return &FederationHandler{
		appender:  appender,
		gatewayID: cfg.Broker.ID(),
		logger:    logger,
	}
}

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, logger)
}

// RegisterHandlers wires the ingress pipeline and runs the router for the
// lifetime of the app. A disabled broker leaves the router empty and
// unstarted.
func RegisterHandlers(
	lc fx.Lifecycle,
	cfg *config.Config,
	router *message.Router,
	h *FederationHandler,
	dispatcher *pubsub.Dispatcher,
	wmLogger watermill.LoggerAdapter,
) error {
	if !cfg.Broker.Enabled {
		return nil
	}

	poison, err := middleware.PoisonQueue(dispatcher.Publisher(), pubsub.TopicEnvelopePoison(cfg))
	if err != nil {
		return err
	}

	sub, err := pubsub.NewSubscriber(cfg, wmLogger)
	if err != nil {
		return err
	}

	topic := pubsub.TopicEnvelopeAccepted(cfg)
	router.AddNoPublisherHandler("ON_ENVELOPE_ACCEPTED", topic, sub, Bind(h, h.OnEnvelopeAcceptedV1)).AddMiddleware(
		TraceIDMiddleware,
		LoggingMiddleware(h.logger),
		NewRetryMiddleware().Middleware,
		poison,
		middleware.NewThrottle(100, time.Second).Middleware,
		middleware.Timeout(time.Second*30),
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					h.logger.Error("AMQP_ROUTER_STOPPED", "err", err)
				}
			}()
			select {
			case <-router.Running():
				h.logger.Info("AMQP_PIPELINE_READY", "queue", pubsub.FederationQueue(cfg), "topic", topic)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		OnStop: func(_ context.Context) error {
			return router.Close()
		},
	})
	return nil
}
