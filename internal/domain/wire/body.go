package wire

import "github.com/sealedchat/conv-gateway/internal/domain/model"

// Frame bodies. All field names are snake_case on the wire; the strict
// decoder in frame.go enforces this for inbound traffic.

type SessionStart struct {
	AuthToken        string `json:"auth_token"`
	DeviceID         string `json:"device_id"`
	DeviceCredential string `json:"device_credential,omitempty"`
}

type SessionResume struct {
	ResumeToken string `json:"resume_token"`
}

type SessionReady struct {
	SessionToken string `json:"session_token"`
	ResumeToken  string `json:"resume_token"`
	UserID       string `json:"user_id"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
}

type ConvSubscribe struct {
	ConvID string `json:"conv_id"`
	// FromSeq is inclusive; when absent the session's stored cursor decides.
	FromSeq *uint64 `json:"from_seq,omitempty"`
	AutoAck bool    `json:"auto_ack,omitempty"`
}

type ConvAck struct {
	ConvID string `json:"conv_id"`
	Seq    uint64 `json:"seq"`
}

type ConvSend struct {
	ConvID string `json:"conv_id"`
	MsgID  string `json:"msg_id"`
	Env    Bytes  `json:"env"`
}

// ConvSent acknowledges a conv.send to its sender once the envelope is
// durable. Duplicate marks an idempotent replay of an earlier append.
type ConvSent struct {
	ConvID    string `json:"conv_id"`
	MsgID     string `json:"msg_id"`
	Seq       uint64 `json:"seq"`
	TS        int64  `json:"ts"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type ConvEvent struct {
	ConvID        string `json:"conv_id"`
	Seq           uint64 `json:"seq"`
	MsgID         string `json:"msg_id"`
	Env           Bytes  `json:"env"`
	TS            int64  `json:"ts"`
	OriginGateway string `json:"origin_gateway,omitempty"`
	ConvHome      string `json:"conv_home,omitempty"`
}

type ConvAcked struct {
	ConvID string `json:"conv_id"`
	Seq    uint64 `json:"seq"`
}

// EventOf projects a stored envelope onto its wire form.
func EventOf(env *model.Envelope) ConvEvent {
	return ConvEvent{
		ConvID:        env.ConvID,
		Seq:           env.Seq,
		MsgID:         env.MsgID,
		Env:           Bytes(env.Env),
		TS:            env.TsMs,
		OriginGateway: env.OriginGateway,
		ConvHome:      env.ConvHome,
	}
}
