package registry

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/sealedchat/conv-gateway/config"
)

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Hub using Functional Options
		func(cfg *config.Config, reader EnvelopeReader, log *slog.Logger) *Hub {
			return NewHub(reader, log.With("component", "hub"),
				WithMailboxSize(cfg.Hub.MailboxSize),
				WithQueueLen(cfg.Hub.SubscriptionQueueLen),
				WithReplayPageSize(cfg.Hub.ReplayPageSize),
				WithSlowConsumer(cfg.Hub.SlowConsumer()),
				WithIdleTimeout(cfg.Hub.CellIdleTimeout()),
				WithEvictionInterval(cfg.Hub.EvictionInterval()),
			)
		},
		func(h *Hub) Hubber { return h },
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown() // [GRACEFUL_SHUTDOWN] Stop all Actor goroutines
				return nil
			},
		})
	}),
)
