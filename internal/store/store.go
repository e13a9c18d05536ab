package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

// Sentinel errors. Services translate these into wire codes; nothing below
// the service layer speaks the error taxonomy.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// AppendRequest is one candidate envelope row. Seq is assigned by the store.
type AppendRequest struct {
	ConvID        string
	MsgID         string
	SenderUserID  string
	Env           []byte
	TsMs          int64
	OriginGateway string
	ConvHome      string
}

// EnvelopeStore is the durable per-conversation log.
type EnvelopeStore interface {
	// AppendEnvelope assigns the next seq and persists the row in one
	// fsync-durable transaction. A retained (conv_id, msg_id) match
	// short-circuits to the stored row with Duplicate set; nothing is
	// written in that case.
	AppendEnvelope(ctx context.Context, req AppendRequest) (model.AppendResult, error)
	// ReadRange returns up to limit rows with seq >= fromSeq in ascending
	// order plus the retained window observed in the same transaction.
	// limit <= 0 reads to the end.
	ReadRange(ctx context.Context, convID string, fromSeq uint64, limit int) ([]model.Envelope, model.Window, error)
}

// RetentionStore backs the pruning sweeper.
type RetentionStore interface {
	// Prune discards rows with seq < upToSeq and advances the retained
	// window. upToSeq is clamped to next_seq; the window never regresses.
	Prune(ctx context.Context, convID string, upToSeq uint64) (int64, error)
	// AgeBoundary resolves the first seq whose row is at or after cutoffMs,
	// or next_seq when every retained row is older.
	AgeBoundary(ctx context.Context, convID string, cutoffMs int64) (uint64, error)
	// DeleteDeadSessions removes sessions whose resume window closed, or
	// that were revoked, before cutoffMs, along with orphaned cursors.
	DeleteDeadSessions(ctx context.Context, cutoffMs int64) (int64, error)
}

type RoomStore interface {
	// CreateRoom registers a conversation with ownerUserID as its first
	// owner. Duplicate conv_id reports ErrConflict.
	CreateRoom(ctx context.Context, convID, ownerUserID string, nowMs int64) error
	GetRoom(ctx context.Context, convID string) (model.Room, error)
	Rooms(ctx context.Context) ([]model.Room, error)
	PutMember(ctx context.Context, m model.Member) error
	DeleteMember(ctx context.Context, convID, userID string) error
	GetMember(ctx context.Context, convID, userID string) (model.Member, error)
	Members(ctx context.Context, convID string) ([]model.Member, error)
	CountOwners(ctx context.Context, convID string) (int, error)
}

type SessionStore interface {
	InsertSession(ctx context.Context, s model.Session) error
	SessionByID(ctx context.Context, id uuid.UUID) (model.Session, error)
	SessionByTokenHash(ctx context.Context, hash string) (model.Session, error)
	SessionByResumeHash(ctx context.Context, hash string) (model.Session, error)
	SessionsByUser(ctx context.Context, userID string) ([]model.Session, error)
	// RotateSession swaps both token hashes and extends expiry; resume
	// tokens are single-use so rotation invalidates the old pair atomically.
	RotateSession(ctx context.Context, id uuid.UUID, sessionHash, resumeHash string, expiresAtMs, resumeExpiresAtMs, nowMs int64) error
	RevokeSession(ctx context.Context, id uuid.UUID, nowMs int64) error
	// RevokeDeviceSessions revokes every live session of userID on deviceID
	// except keep (uuid.Nil keeps none).
	RevokeDeviceSessions(ctx context.Context, userID, deviceID string, keep uuid.UUID, nowMs int64) (int64, error)
	// RevokeUserSessions revokes every live session of userID except keep
	// (uuid.Nil keeps none).
	RevokeUserSessions(ctx context.Context, userID string, keep uuid.UUID, nowMs int64) (int64, error)
	TouchSession(ctx context.Context, id uuid.UUID, nowMs int64) error
	CountLiveSessions(ctx context.Context, userID string, nowMs int64) (int, error)
}

type CursorStore interface {
	// UpsertCursor advances next_seq_to_ack, never regressing it.
	UpsertCursor(ctx context.Context, sessionID uuid.UUID, convID string, nextSeqToAck uint64) error
	GetCursor(ctx context.Context, sessionID uuid.UUID, convID string) (uint64, bool, error)
}

// Store is the full persistence surface backed by one sqlite file.
type Store interface {
	EnvelopeStore
	RetentionStore
	RoomStore
	SessionStore
	CursorStore
	Stats(ctx context.Context) (model.StoreStats, error)
	Close() error
}
