package wire

import (
	"encoding/json"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

// Version is the only frame envelope version the gateway speaks.
const Version = 1

// Frame is the envelope every protocol message travels in, both directions:
// {"v":1,"t":"conv.send","id":"…","ts":1700000000000,"body":{…}}.
type Frame struct {
	V    int             `json:"v"`
	T    Type            `json:"t"`
	ID   string          `json:"id,omitempty"`
	TS   int64           `json:"ts"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Decode parses and validates a frame envelope. Every violation comes back
// as invalid_frame so transports can count strikes; unknown envelope fields
// are ignored.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, model.NewError(model.CodeInvalidFrame, "malformed frame")
	}
	if f.V != Version {
		return nil, model.Errorf(model.CodeInvalidFrame, "unsupported frame version %d", f.V)
	}
	if !f.T.Known() {
		return nil, model.Errorf(model.CodeInvalidFrame, "unknown frame type %q", f.T)
	}
	return &f, nil
}

// DecodeBody unmarshals a frame body after enforcing the snake_case rule:
// any top-level body key containing an upper-case ASCII letter is rejected,
// catching silent schema drift from misconfigured clients. Unknown
// snake_case fields are ignored.
func DecodeBody[T any](f *Frame) (*T, error) {
	if err := checkBodyKeys(f.T, f.Body); err != nil {
		return nil, err
	}
	var v T
	if len(f.Body) > 0 {
		if err := json.Unmarshal(f.Body, &v); err != nil {
			return nil, model.Errorf(model.CodeInvalidFrame, "invalid %s body", f.T)
		}
	}
	return &v, nil
}

func checkBodyKeys(t Type, body json.RawMessage) error {
	if len(body) == 0 {
		return nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return model.Errorf(model.CodeInvalidFrame, "%s body must be an object", t)
	}
	for k := range keys {
		for i := 0; i < len(k); i++ {
			if k[i] >= 'A' && k[i] <= 'Z' {
				return model.Errorf(model.CodeInvalidFrame, "non-snake_case body key %q", k)
			}
		}
	}
	return nil
}

// NewFrame wraps a body for sending; ts is stamped by the caller's clock.
func NewFrame(t Type, id string, tsMs int64, body any) (*Frame, error) {
	f := &Frame{V: Version, T: t, ID: id, TS: tsMs}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		f.Body = raw
	}
	return f, nil
}

func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
