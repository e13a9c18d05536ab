package model

import "github.com/google/uuid"

// Session binds a user's device to a pair of bearer tokens. Only token
// hashes are ever persisted or held in memory beyond issuance; the plaintext
// tokens exist exactly once, in the response that minted them.
type Session struct {
	ID       uuid.UUID
	UserID   string
	DeviceID string
	// DeviceCredential is an opaque client-supplied attestation recorded at
	// session start; the gateway stores it verbatim and never interprets it.
	DeviceCredential  string
	SessionTokenHash  string
	ResumeTokenHash   string
	ExpiresAtMs       int64
	ResumeExpiresAtMs int64
	RevokedAtMs       int64
	CreatedAtMs       int64
	LastSeenAtMs      int64
}

func (s *Session) Revoked() bool { return s.RevokedAtMs != 0 }

// Live reports whether the session token is usable at nowMs.
func (s *Session) Live(nowMs int64) bool {
	return !s.Revoked() && nowMs < s.ExpiresAtMs
}

// Resumable reports whether the resume token is usable at nowMs.
func (s *Session) Resumable(nowMs int64) bool {
	return !s.Revoked() && nowMs < s.ResumeExpiresAtMs
}
