package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/handler/httpapi"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/service"
)

// Handler streams one conversation per request as Server-Sent Events.
// Each event's id is the envelope seq, so an EventSource reconnect carries
// Last-Event-ID and the stream resumes exactly after the last delivered
// envelope. SSE is receive-only; acks travel over /v1/inbox or a parallel
// WS session.
type Handler struct {
	delivery  service.Deliverer
	log       *slog.Logger
	keepalive time.Duration
}

func NewHandler(cfg *config.Config, delivery service.Deliverer, log *slog.Logger) *Handler {
	return &Handler{
		delivery:  delivery,
		log:       log,
		keepalive: cfg.SSE.Keepalive(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, ok := httpapi.SessionFrom(r.Context())
	if !ok {
		writeJSONError(w, h.log, model.NewError(model.CodeUnauthorized, "missing bearer token"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, h.log, model.NewError(model.CodeInternal, "streaming not supported"))
		return
	}

	convID := r.URL.Query().Get("conv_id")
	if convID == "" {
		writeJSONError(w, h.log, model.NewError(model.CodeInvalidFrame, "conv_id is required"))
		return
	}
	fromSeq, err := resolveFrom(r)
	if err != nil {
		writeJSONError(w, h.log, err)
		return
	}

	sub, err := h.delivery.Subscribe(r.Context(), sess, convID, fromSeq, "sse")
	if err != nil {
		writeJSONError(w, h.log, err)
		return
	}
	defer h.delivery.Unsubscribe(sub)

	metrics.ActiveConns.WithLabelValues("sse").Inc()
	defer metrics.ActiveConns.WithLabelValues("sse").Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.stream(w, r, flusher, sub)
}

type nextResult struct {
	env *model.Envelope
	err error
}

// stream pulls in-order envelopes through a relay goroutine so the select
// can interleave delivery with keepalive comments and disconnect handling.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *registry.Subscription) {
	ctx := r.Context()

	results := make(chan nextResult)
	go func() {
		for {
			env, err := sub.Next(ctx)
			select {
			case results <- nextResult{env: env, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case res := <-results:
			if res.err != nil {
				// Terminal protocol errors become one error event before the
				// stream ends; plain closes end it silently.
				if werr := sub.Err(); werr != nil {
					writeErrorEvent(w, werr)
					flusher.Flush()
				}
				return
			}
			if err := writeEnvelopeEvent(w, res.env); err != nil {
				return
			}
			flusher.Flush()
			metrics.FramesTotal.WithLabelValues("out").Inc()

		case <-keepalive.C:
			// Send a comment line as keepalive.
			if _, err := fmt.Fprintf(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resolveFrom prefers an explicit from_seq, then the EventSource resume
// header, then nil so the durable cursor decides.
func resolveFrom(r *http.Request) (*uint64, error) {
	if q := r.URL.Query().Get("from_seq"); q != "" {
		from, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			return nil, model.NewError(model.CodeInvalidFrame, "from_seq must be an unsigned integer")
		}
		return &from, nil
	}
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		last, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return nil, model.NewError(model.CodeInvalidFrame, "Last-Event-ID must be an unsigned integer")
		}
		from := last + 1
		return &from, nil
	}
	return nil, nil
}

func writeEnvelopeEvent(w http.ResponseWriter, env *model.Envelope) error {
	data, err := json.Marshal(wire.EventOf(env))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id:%d\n", env.Seq); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event:%s\n", wire.TypeConvEvent); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data:%s\n\n", data)
	return err
}

func writeErrorEvent(w http.ResponseWriter, err error) {
	metrics.WireErrors.WithLabelValues(string(model.CodeOf(err))).Inc()
	fmt.Fprintf(w, "event:%s\n", wire.TypeError)
	fmt.Fprintf(w, "data:%s\n\n", wire.ErrorBody(err))
}

func writeJSONError(w http.ResponseWriter, log *slog.Logger, err error) {
	metrics.WireErrors.WithLabelValues(string(model.CodeOf(err))).Inc()
	code := model.CodeOf(err)
	if model.HTTPStatus(code) >= http.StatusInternalServerError {
		log.Error("SSE_REQUEST_FAILED", "code", string(code), "err", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(model.HTTPStatus(code))
	_, _ = w.Write(wire.ErrorBody(err))
}
