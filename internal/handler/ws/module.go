package ws

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
)

var Module = fx.Module("ws",
	fx.Provide(NewHandler),
	fx.Invoke(
		fx.Annotate(
			func(r *chi.Mux, h *Handler) {
				r.Handle("/v1/ws", h)
			},
			fx.ParamTags(`name:"main_mux"`),
		),
	),
)
