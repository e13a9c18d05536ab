package httpapi

import (
	"net/http"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	// Readiness == the store answers. The hub has no failure mode of its own.
	if _, err := h.store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	storeStats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model.GatewayStats{
		StartedAt: h.startedAt,
		Hub:       h.delivery.Stats(),
		Store:     storeStats,
	})
}
