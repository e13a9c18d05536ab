package httpapi

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/service"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandlers),
	fx.Invoke(
		fx.Annotate(
			func(cfg *config.Config, r *chi.Mux, ops *chi.Mux, h *Handlers, sessions service.SessionManager, log *slog.Logger) {
				singleListener := cfg.Server.OpsListen == ""
				Mount(r, h, sessions, log, singleListener)
				if !singleListener {
					MountOps(ops, h)
				}
			},
			fx.ParamTags(``, `name:"main_mux"`, `name:"ops_mux"`),
		),
	),
)
