package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/store"
)

// RoomManager is the authoritative membership surface. Every send,
// subscribe and ack is authorized against it.
type RoomManager interface {
	Create(ctx context.Context, creatorID, convID string) (model.Room, error)
	CreateDM(ctx context.Context, userID, peerUserID string) (model.Room, error)
	Invite(ctx context.Context, actorID, convID, userID string, role model.Role) error
	Remove(ctx context.Context, actorID, convID, userID string) error
	Promote(ctx context.Context, actorID, convID, userID string, role model.Role) error
	Demote(ctx context.Context, actorID, convID, userID string) error
	Members(ctx context.Context, actorID, convID string) ([]model.Member, error)
	// Authorize resolves the caller's role, conv_not_found when the
	// conversation does not exist and not_member when it does but the user
	// is not in it.
	Authorize(ctx context.Context, convID, userID string) (model.Role, error)
}

const maxConvIDBytes = 128

type RoomService struct {
	store store.RoomStore

	// [HOT_PATH] membership cache, conv_id\x00user_id -> role (0 = cached
	// miss). Invalidated on every mutation touching the pair.
	cache *lru.Cache[string, model.Role]
	log   *slog.Logger
}

func NewRoomService(st store.RoomStore, log *slog.Logger) *RoomService {
	cache, _ := lru.New[string, model.Role](10_000)
	return &RoomService{store: st, cache: cache, log: log}
}

func memberKey(convID, userID string) string { return convID + "\x00" + userID }

func (r *RoomService) Create(ctx context.Context, creatorID, convID string) (model.Room, error) {
	if convID == "" || len(convID) > maxConvIDBytes {
		return model.Room{}, model.NewError(model.CodeInvalidFrame, "conv_id must be 1..128 bytes")
	}
	if len(convID) >= 3 && convID[:3] == "dm:" {
		return model.Room{}, model.NewError(model.CodeInvalidFrame, "the dm: prefix is reserved")
	}
	now := time.Now().UnixMilli()
	if err := r.store.CreateRoom(ctx, convID, creatorID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Room{}, model.NewError(model.CodeConflict, "conversation already exists").
				With("conv_id", convID)
		}
		return model.Room{}, storeErr(r.log, "create room", err)
	}
	r.cache.Add(memberKey(convID, creatorID), model.RoleOwner)
	r.log.Info("room created", "conv_id", convID, "owner", creatorID)
	return model.Room{ConvID: convID, CreatedAtMs: now, EarliestRetainedSeq: 1, NextSeq: 1}, nil
}

// CreateDM materializes the canonical dm:<a>:<b> conversation with both
// users as owners. Unlike Create it is fully idempotent: the conv_id is
// derived, so racing sides converge on the same room.
func (r *RoomService) CreateDM(ctx context.Context, userID, peerUserID string) (model.Room, error) {
	if peerUserID == "" || peerUserID == userID {
		return model.Room{}, model.NewError(model.CodeInvalidFrame, "peer_user_id must name another user")
	}
	convID := model.DMConvID(userID, peerUserID)
	now := time.Now().UnixMilli()

	err := r.store.CreateRoom(ctx, convID, userID, now)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return model.Room{}, storeErr(r.log, "create dm", err)
	}
	// Both sides own the DM. Upserting both, not just the peer, converges
	// the raced-create path and repairs a half-created room.
	for _, uid := range []string{userID, peerUserID} {
		if err := r.store.PutMember(ctx, model.Member{ConvID: convID, UserID: uid, Role: model.RoleOwner}); err != nil {
			return model.Room{}, storeErr(r.log, "create dm member", err)
		}
	}
	r.cache.Add(memberKey(convID, userID), model.RoleOwner)
	r.cache.Add(memberKey(convID, peerUserID), model.RoleOwner)
	room, err := r.store.GetRoom(ctx, convID)
	if err != nil {
		return model.Room{}, storeErr(r.log, "get dm", err)
	}
	return room, nil
}

func (r *RoomService) Invite(ctx context.Context, actorID, convID, userID string, role model.Role) error {
	if userID == "" {
		return model.NewError(model.CodeInvalidFrame, "user_id is required")
	}
	if role == 0 {
		role = model.RoleMember
	}
	actor, err := r.Authorize(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !actor.CanModerate() {
		return model.NewError(model.CodeForbidden, "invite requires admin role")
	}
	if role == model.RoleOwner && actor != model.RoleOwner {
		return model.NewError(model.CodeForbidden, "granting owner requires owner role")
	}
	if _, err := r.store.GetMember(ctx, convID, userID); err == nil {
		return model.NewError(model.CodeConflict, "already a member").
			With("conv_id", convID).With("user_id", userID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return storeErr(r.log, "invite lookup", err)
	}
	if err := r.store.PutMember(ctx, model.Member{ConvID: convID, UserID: userID, Role: role}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewError(model.CodeConvNotFound, "unknown conversation").With("conv_id", convID)
		}
		return storeErr(r.log, "invite", err)
	}
	r.cache.Add(memberKey(convID, userID), role)
	r.log.Info("member invited", "conv_id", convID, "user_id", userID, "role", role.String())
	return nil
}

func (r *RoomService) Remove(ctx context.Context, actorID, convID, userID string) error {
	actor, err := r.Authorize(ctx, convID, actorID)
	if err != nil {
		return err
	}
	target, err := r.store.GetMember(ctx, convID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewError(model.CodeNotMember, "not a member").
				With("conv_id", convID).With("user_id", userID)
		}
		return storeErr(r.log, "remove lookup", err)
	}
	// Self-removal is open to every member; removing someone else takes
	// admin, and removing an owner takes owner.
	if actorID != userID {
		if !actor.CanModerate() {
			return model.NewError(model.CodeForbidden, "remove requires admin role")
		}
		if target.Role == model.RoleOwner && actor != model.RoleOwner {
			return model.NewError(model.CodeForbidden, "removing an owner requires owner role")
		}
	}
	if target.Role == model.RoleOwner {
		if err := r.requireAnotherOwner(ctx, convID); err != nil {
			return err
		}
	}
	if err := r.store.DeleteMember(ctx, convID, userID); err != nil {
		return storeErr(r.log, "remove", err)
	}
	r.cache.Remove(memberKey(convID, userID))
	r.log.Info("member removed", "conv_id", convID, "user_id", userID, "by", actorID)
	return nil
}

func (r *RoomService) Promote(ctx context.Context, actorID, convID, userID string, role model.Role) error {
	if role == 0 {
		role = model.RoleAdmin
	}
	if role == model.RoleMember {
		return model.NewError(model.CodeInvalidFrame, "promote cannot assign the member role")
	}
	actor, err := r.Authorize(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !actor.CanModerate() {
		return model.NewError(model.CodeForbidden, "promote requires admin role")
	}
	if role == model.RoleOwner && actor != model.RoleOwner {
		return model.NewError(model.CodeForbidden, "granting owner requires owner role")
	}
	target, err := r.store.GetMember(ctx, convID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewError(model.CodeNotMember, "not a member").
				With("conv_id", convID).With("user_id", userID)
		}
		return storeErr(r.log, "promote lookup", err)
	}
	if target.Role >= role {
		// Already there; promote is idempotent.
		return nil
	}
	if err := r.store.PutMember(ctx, model.Member{ConvID: convID, UserID: userID, Role: role}); err != nil {
		return storeErr(r.log, "promote", err)
	}
	r.cache.Add(memberKey(convID, userID), role)
	r.log.Info("member promoted", "conv_id", convID, "user_id", userID, "role", role.String())
	return nil
}

// Demote resets the target to plain member. Owner-only: demotion strips
// moderation power, which admins must not be able to do to each other.
func (r *RoomService) Demote(ctx context.Context, actorID, convID, userID string) error {
	actor, err := r.Authorize(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if actor != model.RoleOwner {
		return model.NewError(model.CodeForbidden, "demote requires owner role")
	}
	target, err := r.store.GetMember(ctx, convID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewError(model.CodeNotMember, "not a member").
				With("conv_id", convID).With("user_id", userID)
		}
		return storeErr(r.log, "demote lookup", err)
	}
	if target.Role == model.RoleMember {
		return nil
	}
	if target.Role == model.RoleOwner {
		if err := r.requireAnotherOwner(ctx, convID); err != nil {
			return err
		}
	}
	if err := r.store.PutMember(ctx, model.Member{ConvID: convID, UserID: userID, Role: model.RoleMember}); err != nil {
		return storeErr(r.log, "demote", err)
	}
	r.cache.Add(memberKey(convID, userID), model.RoleMember)
	r.log.Info("member demoted", "conv_id", convID, "user_id", userID)
	return nil
}

func (r *RoomService) Members(ctx context.Context, actorID, convID string) ([]model.Member, error) {
	if _, err := r.Authorize(ctx, convID, actorID); err != nil {
		return nil, err
	}
	members, err := r.store.Members(ctx, convID)
	if err != nil {
		return nil, storeErr(r.log, "list members", err)
	}
	return members, nil
}

func (r *RoomService) Authorize(ctx context.Context, convID, userID string) (model.Role, error) {
	key := memberKey(convID, userID)
	if role, ok := r.cache.Get(key); ok {
		if role == 0 {
			return 0, model.NewError(model.CodeNotMember, "not a member of this conversation").
				With("conv_id", convID)
		}
		return role, nil
	}

	m, err := r.store.GetMember(ctx, convID, userID)
	if err == nil {
		r.cache.Add(key, m.Role)
		return m.Role, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, storeErr(r.log, "authorize", err)
	}
	if _, err := r.store.GetRoom(ctx, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, model.NewError(model.CodeConvNotFound, "unknown conversation").
				With("conv_id", convID)
		}
		return 0, storeErr(r.log, "authorize", err)
	}
	// Negative entry; invalidated when the user is invited.
	r.cache.Add(key, 0)
	return 0, model.NewError(model.CodeNotMember, "not a member of this conversation").
		With("conv_id", convID)
}

func (r *RoomService) requireAnotherOwner(ctx context.Context, convID string) error {
	owners, err := r.store.CountOwners(ctx, convID)
	if err != nil {
		return storeErr(r.log, "count owners", err)
	}
	if owners <= 1 {
		return model.NewError(model.CodeConflict, "conversation must keep at least one owner").
			With("conv_id", convID)
	}
	return nil
}

// storeErr logs an unexpected persistence failure and hides it behind the
// storage_unavailable code.
func storeErr(log *slog.Logger, op string, err error) error {
	log.Error("STORE_OPERATION_FAILED", "op", op, "err", err)
	return model.NewError(model.CodeStorageUnavailable, "storage unavailable")
}
