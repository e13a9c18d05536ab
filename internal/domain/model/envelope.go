package model

// [ENVELOPE] ONE ACCEPTED CIPHERTEXT ROW OF A CONVERSATION LOG.
// The gateway never interprets Env beyond its size; rows are immutable
// after append, so the byte slice may be shared between store, hub and
// transports without copying.
type Envelope struct {
	ConvID        string
	Seq           uint64
	MsgID         string
	SenderUserID  string
	Env           []byte
	TsMs          int64
	OriginGateway string
	ConvHome      string
}

// AppendResult reports the outcome of an append. Seq and TsMs identify the
// stored row whether this call created it or matched an earlier
// (conv_id, msg_id) within retention.
type AppendResult struct {
	Seq       uint64
	TsMs      int64
	Duplicate bool
}
