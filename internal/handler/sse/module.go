package sse

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"

	"github.com/sealedchat/conv-gateway/internal/handler/httpapi"
	"github.com/sealedchat/conv-gateway/internal/service"
)

var Module = fx.Module("sse",
	fx.Provide(NewHandler),
	fx.Invoke(
		fx.Annotate(
			func(r *chi.Mux, h *Handler, sessions service.SessionManager, log *slog.Logger) {
				r.With(httpapi.RequireSession(sessions, log)).Get("/v1/sse", h.ServeHTTP)
			},
			fx.ParamTags(`name:"main_mux"`),
		),
	),
)
