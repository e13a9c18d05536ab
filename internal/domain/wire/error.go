package wire

import (
	"encoding/json"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

// ErrorBody flattens an error into the wire shape: code and message first,
// structured detail fields (earliest_seq, requested_from_seq, …) alongside
// them at the top level of the body.
func ErrorBody(err error) json.RawMessage {
	e := model.AsError(err)
	out := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		out[k] = v
	}
	out["code"] = e.Code
	if e.Message != "" {
		out["message"] = e.Message
	}
	raw, mErr := json.Marshal(out)
	if mErr != nil {
		return json.RawMessage(`{"code":"internal"}`)
	}
	return raw
}
