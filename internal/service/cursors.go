package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/store"
)

// Acker maintains per-(session, conversation) delivery cursors. The cursor
// is next_seq_to_ack: everything below it the client has confirmed.
type Acker interface {
	// Ack validates and records that the session consumed seq. The seq
	// must reference an assigned envelope; the cursor only moves forward.
	Ack(ctx context.Context, sess model.Session, convID string, seq uint64) error
	// AutoAck advances the cursor for a just-delivered envelope without
	// re-authorizing; delivery already did.
	AutoAck(ctx context.Context, sessionID uuid.UUID, convID string, seq uint64)
	// Resolve reads the stored cursor, ok=false when none exists yet.
	Resolve(ctx context.Context, sessionID uuid.UUID, convID string) (uint64, bool, error)
}

type CursorService struct {
	store store.CursorStore
	rooms store.RoomStore
	authz RoomManager
	log   *slog.Logger
}

func NewCursorService(st store.CursorStore, rooms store.RoomStore, authz RoomManager, log *slog.Logger) *CursorService {
	return &CursorService{store: st, rooms: rooms, authz: authz, log: log}
}

func (c *CursorService) Ack(ctx context.Context, sess model.Session, convID string, seq uint64) error {
	if _, err := c.authz.Authorize(ctx, convID, sess.UserID); err != nil {
		return err
	}
	room, err := c.rooms.GetRoom(ctx, convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewError(model.CodeConvNotFound, "unknown conversation").With("conv_id", convID)
		}
		return storeErr(c.log, "ack window", err)
	}
	// Only an assigned seq is ackable: seq 0 references nothing and
	// anything at or past next_seq has not been handed out yet.
	if seq == 0 || seq >= room.NextSeq {
		return model.NewError(model.CodeInvalidAck, "seq is outside the assigned range").
			With("conv_id", convID).
			With("seq", seq).
			With("latest_seq", room.Window().LatestSeq())
	}
	if err := c.store.UpsertCursor(ctx, sess.ID, convID, seq+1); err != nil {
		return storeErr(c.log, "ack", err)
	}
	return nil
}

func (c *CursorService) AutoAck(ctx context.Context, sessionID uuid.UUID, convID string, seq uint64) {
	if err := c.store.UpsertCursor(ctx, sessionID, convID, seq+1); err != nil {
		c.log.Warn("auto-ack failed", "session_id", sessionID, "conv_id", convID, "seq", seq, "err", err)
	}
}

func (c *CursorService) Resolve(ctx context.Context, sessionID uuid.UUID, convID string) (uint64, bool, error) {
	next, ok, err := c.store.GetCursor(ctx, sessionID, convID)
	if err != nil {
		return 0, false, storeErr(c.log, "resolve cursor", err)
	}
	return next, ok, nil
}
