package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/service"
	"github.com/sealedchat/conv-gateway/internal/store"
)

// Handlers is the REST face of the gateway: session lifecycle, room
// administration, the socketless inbox, and ops endpoints.
type Handlers struct {
	sessions  service.SessionManager
	rooms     service.RoomManager
	appender  service.Appender
	cursors   service.Acker
	delivery  service.Deliverer
	store     store.Store
	log       *slog.Logger
	startedAt time.Time
}

func NewHandlers(
	sessions service.SessionManager,
	rooms service.RoomManager,
	appender service.Appender,
	cursors service.Acker,
	delivery service.Deliverer,
	st store.Store,
	log *slog.Logger,
) *Handlers {
	return &Handlers{
		sessions:  sessions,
		rooms:     rooms,
		appender:  appender,
		cursors:   cursors,
		delivery:  delivery,
		store:     st,
		log:       log,
		startedAt: time.Now(),
	}
}

func (h *Handlers) sessionStart(w http.ResponseWriter, r *http.Request) {
	var body wire.SessionStart
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	tokens, err := h.sessions.Start(r.Context(), service.StartInput{
		AuthToken:        body.AuthToken,
		DeviceID:         body.DeviceID,
		DeviceCredential: body.DeviceCredential,
		RemoteIP:         remoteIP(r),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, readyOf(tokens))
}

func (h *Handlers) sessionResume(w http.ResponseWriter, r *http.Request) {
	var body wire.SessionResume
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	tokens, err := h.sessions.Resume(r.Context(), body.ResumeToken)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, readyOf(tokens))
}

func (h *Handlers) sessionLogout(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	if err := h.sessions.Logout(r.Context(), sess); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.delivery.UnsubscribeSession(sess.ID)
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) sessionLogoutAll(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	if err := h.sessions.LogoutAll(r.Context(), sess); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.delivery.UnsubscribeSession(sess.ID)
	writeJSON(w, http.StatusNoContent, nil)
}

type revokeRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	IncludeSelf bool   `json:"include_self,omitempty"`
}

func (h *Handlers) sessionRevoke(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	var body revokeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	var sessionID uuid.UUID
	if body.SessionID != "" {
		var err error
		if sessionID, err = uuid.Parse(body.SessionID); err != nil {
			writeError(w, h.log, model.NewError(model.CodeInvalidFrame, "session_id is not a uuid"))
			return
		}
	}
	if err := h.sessions.Revoke(r.Context(), sess, sessionID, body.DeviceID, body.IncludeSelf); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type sessionInfo struct {
	SessionID    string `json:"session_id"`
	DeviceID     string `json:"device_id"`
	Current      bool   `json:"current,omitempty"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	LastSeenAtMs int64  `json:"last_seen_at_ms"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	RevokedAtMs  int64  `json:"revoked_at_ms,omitempty"`
}

func (h *Handlers) sessionList(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	all, err := h.sessions.List(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	out := make([]sessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, sessionInfo{
			SessionID:    s.ID.String(),
			DeviceID:     s.DeviceID,
			Current:      s.ID == sess.ID,
			CreatedAtMs:  s.CreatedAtMs,
			LastSeenAtMs: s.LastSeenAtMs,
			ExpiresAtMs:  s.ExpiresAtMs,
			RevokedAtMs:  s.RevokedAtMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func readyOf(t *service.SessionTokens) wire.SessionReady {
	return wire.SessionReady{
		SessionToken: t.SessionToken,
		ResumeToken:  t.ResumeToken,
		UserID:       t.Session.UserID,
		ExpiresAtMs:  t.Session.ExpiresAtMs,
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
