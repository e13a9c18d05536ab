package pubsub

import (
	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

// EnvelopeV1 is the broker wire form of an accepted envelope. Versioned
// independently of the client protocol: gateways of different builds share
// the bus. Env travels base64 through encoding/json's []byte handling.
type EnvelopeV1 struct {
	ConvID        string `json:"conv_id"`
	Seq           uint64 `json:"seq"`
	MsgID         string `json:"msg_id"`
	SenderUserID  string `json:"sender_user_id"`
	Env           []byte `json:"env"`
	TsMs          int64  `json:"ts_ms"`
	OriginGateway string `json:"origin_gateway"`
	ConvHome      string `json:"conv_home,omitempty"`
}

// EnvelopeV1Of stamps a locally accepted envelope for the bus. origin is
// this gateway's identity; seq is local and advisory for remote readers.
func EnvelopeV1Of(env *model.Envelope, origin string) EnvelopeV1 {
	return EnvelopeV1{
		ConvID:        env.ConvID,
		Seq:           env.Seq,
		MsgID:         env.MsgID,
		SenderUserID:  env.SenderUserID,
		Env:           env.Env,
		TsMs:          env.TsMs,
		OriginGateway: origin,
		ConvHome:      env.ConvHome,
	}
}
