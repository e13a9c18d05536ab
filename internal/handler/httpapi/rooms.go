package httpapi

import (
	"net/http"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

type roomRequest struct {
	ConvID string `json:"conv_id"`
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

type roomInfo struct {
	ConvID              string `json:"conv_id"`
	CreatedAtMs         int64  `json:"created_at_ms"`
	EarliestRetainedSeq uint64 `json:"earliest_retained_seq"`
	NextSeq             uint64 `json:"next_seq"`
}

func infoOf(room model.Room) roomInfo {
	return roomInfo{
		ConvID:              room.ConvID,
		CreatedAtMs:         room.CreatedAtMs,
		EarliestRetainedSeq: room.EarliestRetainedSeq,
		NextSeq:             room.NextSeq,
	}
}

func (h *Handlers) roomCreate(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	var body roomRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	room, err := h.rooms.Create(r.Context(), sess.UserID, body.ConvID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, infoOf(room))
}

func (h *Handlers) dmCreate(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	var body struct {
		PeerUserID string `json:"peer_user_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	room, err := h.rooms.CreateDM(r.Context(), sess.UserID, body.PeerUserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, infoOf(room))
}

func (h *Handlers) roomInvite(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	var body roomRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	role := model.RoleMember
	if body.Role != "" {
		var ok bool
		if role, ok = model.ParseRole(body.Role); !ok {
			writeError(w, h.log, model.NewError(model.CodeInvalidFrame, "unknown role").With("role", body.Role))
			return
		}
	}
	if err := h.rooms.Invite(r.Context(), sess.UserID, body.ConvID, body.UserID, role); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) roomRemove(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	var body roomRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.rooms.Remove(r.Context(), sess.UserID, body.ConvID, body.UserID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) roomPromote(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	var body roomRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	role := model.RoleAdmin
	if body.Role != "" {
		var ok bool
		if role, ok = model.ParseRole(body.Role); !ok {
			writeError(w, h.log, model.NewError(model.CodeInvalidFrame, "unknown role").With("role", body.Role))
			return
		}
	}
	if err := h.rooms.Promote(r.Context(), sess.UserID, body.ConvID, body.UserID, role); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) roomDemote(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	var body roomRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.rooms.Demote(r.Context(), sess.UserID, body.ConvID, body.UserID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type memberInfo struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *Handlers) roomMembers(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())
	convID := r.URL.Query().Get("conv_id")
	members, err := h.rooms.Members(r.Context(), sess.UserID, convID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	out := make([]memberInfo, 0, len(members))
	for _, m := range members {
		out = append(out, memberInfo{UserID: m.UserID, Role: m.Role.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conv_id": convID, "members": out})
}
