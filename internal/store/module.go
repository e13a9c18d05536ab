package store

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/sealedchat/conv-gateway/config"
)

var Module = fx.Module("store",
	fx.Provide(
		fx.Annotate(
			New,
			fx.As(new(Store)),
			fx.As(new(EnvelopeStore)),
			fx.As(new(RetentionStore)),
			fx.As(new(RoomStore)),
			fx.As(new(SessionStore)),
			fx.As(new(CursorStore)),
		),
	),
)

func New(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*SQLite, error) {
	s, err := Open(cfg.Store.Path, cfg.Store.BusyTimeout(), cfg.Store.MaxReadConns, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return s.Close() },
	})
	return s, nil
}
