package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/metrics"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders any error as the `{code, message, ...details}` body
// with the taxonomy's status code. Unknown errors collapse to `internal`
// so storage details never leak to clients.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	code := model.CodeOf(err)
	status := model.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		log.Error("REQUEST_FAILED", "code", string(code), "err", err)
	}
	metrics.WireErrors.WithLabelValues(string(code)).Inc()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(wire.ErrorBody(err))
}

// decodeBody mirrors the WS strict decoder for plain HTTP bodies: unknown
// fields and trailing garbage are invalid_frame, same as on the socket.
func decodeBody[T any](r *http.Request, dst *T) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewError(model.CodeInvalidFrame, "malformed request body")
	}
	if dec.More() {
		return model.NewError(model.CodeInvalidFrame, "trailing data after request body")
	}
	return nil
}
