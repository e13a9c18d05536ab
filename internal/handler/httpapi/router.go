package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sealedchat/conv-gateway/internal/service"
)

// Mount attaches the REST surface to the main mux. Routes are registered
// flat (no /v1 subrouter) so the WS and SSE packages can claim their own
// /v1 paths on the same mux. includeOps folds /metrics and /v1/stats in
// for single-listener deployments.
func Mount(r *chi.Mux, h *Handlers, sessions service.SessionManager, log *slog.Logger, includeOps bool) {
	r.Get("/healthz", h.healthz)
	if includeOps {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		r.Get("/v1/stats", h.stats)
	}

	r.Post("/v1/session/start", h.sessionStart)
	r.Post("/v1/session/resume", h.sessionResume)

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(sessions, log))

		r.Post("/v1/session/logout", h.sessionLogout)
		r.Post("/v1/session/logout_all", h.sessionLogoutAll)
		r.Post("/v1/session/revoke", h.sessionRevoke)
		r.Get("/v1/session/list", h.sessionList)

		r.Post("/v1/rooms/create", h.roomCreate)
		r.Post("/v1/rooms/invite", h.roomInvite)
		r.Post("/v1/rooms/remove", h.roomRemove)
		r.Post("/v1/rooms/promote", h.roomPromote)
		r.Post("/v1/rooms/demote", h.roomDemote)
		r.Get("/v1/rooms/members", h.roomMembers)

		r.Post("/v1/dms/create", h.dmCreate)

		r.Post("/v1/inbox", h.inbox)
	})
}

// MountOps attaches the operator surface: Prometheus metrics, the stats
// snapshot, and a liveness probe mirroring /healthz.
func MountOps(r *chi.Mux, h *Handlers) {
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/v1/stats", h.stats)
	r.Get("/healthz", h.healthz)
}
