package wire

// Type discriminates protocol frames. The client-originated and
// server-originated sets are disjoint apart from the heartbeat pair.
type Type string

const (
	TypeSessionStart  Type = "session.start"
	TypeSessionResume Type = "session.resume"
	TypeConvSubscribe Type = "conv.subscribe"
	TypeConvAck       Type = "conv.ack"
	TypeConvSend      Type = "conv.send"
	TypePong          Type = "pong"

	TypeSessionReady Type = "session.ready"
	TypeConvEvent    Type = "conv.event"
	TypeConvSent     Type = "conv.sent"
	TypeConvAcked    Type = "conv.acked"
	TypeError        Type = "error"
	TypePing         Type = "ping"
)

// FromClient reports whether the gateway accepts this type from a client.
func (t Type) FromClient() bool {
	switch t {
	case TypeSessionStart, TypeSessionResume, TypeConvSubscribe,
		TypeConvAck, TypeConvSend, TypePong:
		return true
	}
	return false
}

func (t Type) Known() bool {
	if t.FromClient() {
		return true
	}
	switch t {
	case TypeSessionReady, TypeConvEvent, TypeConvSent,
		TypeConvAcked, TypeError, TypePing:
		return true
	}
	return false
}
