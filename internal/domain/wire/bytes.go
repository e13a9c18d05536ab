package wire

import (
	"encoding/base64"
	"errors"
	"slices"
)

// Bytes is an opaque binary payload carried as standard base64 in JSON.
// An empty payload round-trips as "".
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, base64.StdEncoding.EncodedLen(len(b))+2)
	out = append(out, '"')
	n := base64.StdEncoding.EncodedLen(len(b))
	out = slices.Grow(out, n)
	base64.StdEncoding.Encode(out[len(out):][:n], b)
	out = out[:len(out)+n]
	out = append(out, '"')
	return out, nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("expected a base64 string")
	}
	raw := data[1 : len(data)-1]
	dec := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(dec, raw)
	if err != nil {
		return errors.New("malformed base64")
	}
	*b = dec[:n]
	return nil
}
