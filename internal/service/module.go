package service

import (
	"context"
	"log/slog"

	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		// Domain services
		fx.Annotate(
			NewRoomService,
			fx.As(new(RoomManager)),
		),
		fx.Annotate(
			NewSessionService,
			fx.As(new(SessionManager)),
		),
		fx.Annotate(
			NewCursorService,
			fx.As(new(Acker)),
		),
		fx.Annotate(
			NewAppendService,
			fx.As(new(Appender)),
		),
		fx.Annotate(
			NewDeliveryService,
			fx.As(new(Deliverer)),
		),
		NewSweeper,
	),

	// [DECORATION_LAYER] Intercept Appender to add cross-cutting concerns
	fx.Decorate(func(orig Appender, logger *slog.Logger) Appender {
		return &AppendMiddleware{
			Next:   orig,
			Logger: logger,
		}
	}),

	fx.Invoke(func(lc fx.Lifecycle, sweeper *Sweeper) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					sweeper.Run(ctx)
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				<-done
				return nil
			},
		})
	}),
)
