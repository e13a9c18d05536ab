// Package lp serves delivery over plain long-poll requests, the fallback
// for clients that can hold neither a WebSocket nor an SSE stream. Each
// request carries a short-lived subscription: it blocks for the first
// envelope, drains a small batch behind it, and returns.
package lp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/handler/httpapi"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/service"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 60 * time.Second
	// drainBudget bounds the batching phase after the first envelope so a
	// deep backlog cannot hold the response open.
	drainBudget = 50 * time.Millisecond
	batchMax    = 16
)

type Handler struct {
	delivery service.Deliverer
	log      *slog.Logger
}

func NewHandler(delivery service.Deliverer, log *slog.Logger) *Handler {
	return &Handler{
		delivery: delivery,
		log:      log,
	}
}

// pollResponse batches in-order events; clients resume from the last seq.
type pollResponse struct {
	Events []wire.ConvEvent `json:"events"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, ok := httpapi.SessionFrom(r.Context())
	if !ok {
		h.writeError(w, model.NewError(model.CodeUnauthorized, "missing bearer token"))
		return
	}

	convID := r.URL.Query().Get("conv_id")
	if convID == "" {
		h.writeError(w, model.NewError(model.CodeInvalidFrame, "conv_id is required"))
		return
	}
	fromSeq, err := parseFromSeq(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	wait := parseWait(r)

	sub, err := h.delivery.Subscribe(r.Context(), sess, convID, fromSeq, "lp")
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer h.delivery.Unsubscribe(sub)

	waitCtx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	env, err := sub.Next(waitCtx)
	if err != nil {
		switch {
		case r.Context().Err() != nil:
			// Client went away; nothing left to answer.
		case errors.Is(err, context.DeadlineExceeded):
			w.WriteHeader(http.StatusNoContent)
		case sub.Err() != nil:
			h.writeError(w, sub.Err())
		default:
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}

	events := []wire.ConvEvent{wire.EventOf(env)}

	// Batch whatever is immediately behind the first envelope. A terminal
	// error here keeps the gathered batch; the next poll resurfaces it.
	drainCtx, cancelDrain := context.WithTimeout(r.Context(), drainBudget)
	defer cancelDrain()
	for len(events) < batchMax {
		env, err := sub.Next(drainCtx)
		if err != nil {
			break
		}
		events = append(events, wire.EventOf(env))
	}

	metrics.FramesTotal.WithLabelValues("out").Add(float64(len(events)))
	h.writeJSON(w, http.StatusOK, pollResponse{Events: events})
}

func parseFromSeq(r *http.Request) (*uint64, error) {
	q := r.URL.Query().Get("from_seq")
	if q == "" {
		return nil, nil
	}
	from, err := strconv.ParseUint(q, 10, 64)
	if err != nil {
		return nil, model.NewError(model.CodeInvalidFrame, "from_seq must be an unsigned integer")
	}
	return &from, nil
}

func parseWait(r *http.Request) time.Duration {
	q := r.URL.Query().Get("wait_ms")
	if q == "" {
		return defaultWait
	}
	msec, err := strconv.ParseInt(q, 10, 64)
	if err != nil || msec <= 0 {
		return defaultWait
	}
	wait := time.Duration(msec) * time.Millisecond
	if wait > maxWait {
		return maxWait
	}
	return wait
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := model.CodeOf(err)
	metrics.WireErrors.WithLabelValues(string(code)).Inc()
	if model.HTTPStatus(code) >= http.StatusInternalServerError {
		h.log.Error("POLL_REQUEST_FAILED", "code", string(code), "err", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(model.HTTPStatus(code))
	_, _ = w.Write(wire.ErrorBody(err))
}
