package model

type Role int16

const (
	// [ZERO_VALUE_GUARD] WE START FROM 1 TO DISTINGUISH FROM UNINITIALIZED DATA
	RoleMember Role = iota + 1
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, bool) {
	switch s {
	case "member":
		return RoleMember, true
	case "admin":
		return RoleAdmin, true
	case "owner":
		return RoleOwner, true
	}
	return 0, false
}

// CanModerate reports whether the role may invite or remove members.
func (r Role) CanModerate() bool { return r >= RoleAdmin }

// Room tracks one conversation's append state. NextSeq is the seq the next
// accepted envelope will take; the retained replay window is
// [EarliestRetainedSeq, NextSeq).
type Room struct {
	ConvID              string
	CreatedAtMs         int64
	EarliestRetainedSeq uint64
	NextSeq             uint64
}

func (r *Room) Window() Window {
	return Window{EarliestSeq: r.EarliestRetainedSeq, NextSeq: r.NextSeq}
}

// Window is the retained half-open seq range [EarliestSeq, NextSeq).
type Window struct {
	EarliestSeq uint64
	NextSeq     uint64
}

// Admits reports whether a replay starting at from can be served. NextSeq
// itself is admissible: it is the live edge.
func (w Window) Admits(from uint64) bool {
	return from >= w.EarliestSeq && from <= w.NextSeq
}

// LatestSeq is the highest assigned seq, 0 when nothing was ever appended.
func (w Window) LatestSeq() uint64 {
	if w.NextSeq == 0 {
		return 0
	}
	return w.NextSeq - 1
}

// Member binds a user to a conversation with a role. At least one owner
// exists per live conversation.
type Member struct {
	ConvID string
	UserID string
	Role   Role
}

// DMConvID derives the canonical conversation id for a user pair; the pair
// is sorted so both sides compute the same id.
func DMConvID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}
