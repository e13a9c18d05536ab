package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/auth"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/store"
)

const maxDeviceIDBytes = 128

// StartInput carries the session.start body plus transport metadata.
type StartInput struct {
	AuthToken        string
	DeviceID         string
	DeviceCredential string
	RemoteIP         string
}

// SessionTokens is the one place plaintext tokens exist; callers hand them
// to the client and drop them.
type SessionTokens struct {
	Session      model.Session
	SessionToken string
	ResumeToken  string
}

// SessionManager issues, validates, rotates and revokes sessions.
type SessionManager interface {
	Start(ctx context.Context, in StartInput) (*SessionTokens, error)
	Resume(ctx context.Context, resumeToken string) (*SessionTokens, error)
	// Validate resolves a session token on the hot path; unauthorized for
	// unknown, expired or revoked tokens.
	Validate(ctx context.Context, sessionToken string) (model.Session, error)
	Logout(ctx context.Context, sess model.Session) error
	LogoutAll(ctx context.Context, sess model.Session) error
	// Revoke closes sessions of the caller's user by session_id or by
	// device_id. includeSelf extends a device-wide revoke to the calling
	// session.
	Revoke(ctx context.Context, sess model.Session, sessionID uuid.UUID, deviceID string, includeSelf bool) error
	List(ctx context.Context, userID string) ([]model.Session, error)
	// Touch refreshes last_seen; heartbeat cadence, never per-frame.
	Touch(ctx context.Context, sessionID uuid.UUID)
}

type SessionService struct {
	store    store.SessionStore
	verifier *auth.Verifier

	// [HOT_PATH] session_token_hash -> session. Every WS frame and SSE tick
	// revalidates; this keeps sqlite off that path. Invalidated on revoke,
	// logout and rotation so revocation lands within one heartbeat.
	cache *lru.Cache[string, model.Session]

	ipStarts   *Limiters
	userStarts *Limiters

	sessionTTL  time.Duration
	resumeTTL   time.Duration
	maxSessions int
	log         *slog.Logger
}

func NewSessionService(cfg *config.Config, st store.SessionStore, verifier *auth.Verifier, log *slog.Logger) *SessionService {
	cache, _ := lru.New[string, model.Session](cfg.Auth.SessionCacheSize)
	return &SessionService{
		store:       st,
		verifier:    verifier,
		cache:       cache,
		ipStarts:    NewLimiters(10_000, cfg.Auth.StartQPSPerIP, cfg.Auth.StartBurstPerIP),
		userStarts:  NewLimiters(10_000, cfg.Auth.StartQPSPerUser, cfg.Auth.StartBurstPerUser),
		sessionTTL:  cfg.Auth.SessionTTL(),
		resumeTTL:   cfg.Auth.ResumeTTL(),
		maxSessions: cfg.Limits.MaxSessionsPerUser,
		log:         log,
	}
}

func (s *SessionService) Start(ctx context.Context, in StartInput) (*SessionTokens, error) {
	if in.RemoteIP != "" && !s.ipStarts.Allow(in.RemoteIP) {
		metrics.RateLimited.WithLabelValues("session_start_ip").Inc()
		return nil, model.NewError(model.CodeRateLimited, "too many session starts")
	}
	userID, err := s.verifier.Verify(in.AuthToken)
	if err != nil {
		metrics.SessionOps.WithLabelValues("start", "unauthorized").Inc()
		return nil, model.NewError(model.CodeUnauthorized, "invalid auth token")
	}
	if in.DeviceID == "" || len(in.DeviceID) > maxDeviceIDBytes {
		return nil, model.NewError(model.CodeInvalidFrame, "device_id must be 1..128 bytes")
	}
	if !s.userStarts.Allow(userID) {
		metrics.RateLimited.WithLabelValues("session_start_user").Inc()
		return nil, model.NewError(model.CodeRateLimited, "too many session starts")
	}
	now := time.Now().UnixMilli()
	if s.maxSessions > 0 {
		n, err := s.store.CountLiveSessions(ctx, userID, now)
		if err != nil {
			return nil, storeErr(s.log, "count sessions", err)
		}
		if n >= s.maxSessions {
			return nil, model.NewError(model.CodeRateLimited, "session limit reached").
				With("max_sessions", s.maxSessions)
		}
	}

	st, stHash, err := mintToken("st_")
	if err != nil {
		return nil, storeErr(s.log, "mint token", err)
	}
	rt, rtHash, err := mintToken("rt_")
	if err != nil {
		return nil, storeErr(s.log, "mint token", err)
	}
	sess := model.Session{
		ID:                uuid.New(),
		UserID:            userID,
		DeviceID:          in.DeviceID,
		DeviceCredential:  in.DeviceCredential,
		SessionTokenHash:  stHash,
		ResumeTokenHash:   rtHash,
		ExpiresAtMs:       now + s.sessionTTL.Milliseconds(),
		ResumeExpiresAtMs: now + s.resumeTTL.Milliseconds(),
		CreatedAtMs:       now,
		LastSeenAtMs:      now,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, storeErr(s.log, "insert session", err)
	}
	s.cache.Add(stHash, sess)
	metrics.SessionOps.WithLabelValues("start", "ok").Inc()
	s.log.Info("session started", "session_id", sess.ID, "user_id", userID, "device_id", in.DeviceID)
	return &SessionTokens{Session: sess, SessionToken: st, ResumeToken: rt}, nil
}

// Resume rotates both tokens: the presented resume token is single-use and
// a stolen-then-used one is detectable because the legitimate holder's next
// resume fails.
func (s *SessionService) Resume(ctx context.Context, resumeToken string) (*SessionTokens, error) {
	sess, err := s.store.SessionByResumeHash(ctx, hashToken(resumeToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.SessionOps.WithLabelValues("resume", "unauthorized").Inc()
			return nil, model.NewError(model.CodeUnauthorized, "unknown resume token")
		}
		return nil, storeErr(s.log, "resume lookup", err)
	}
	now := time.Now().UnixMilli()
	if !sess.Resumable(now) {
		metrics.SessionOps.WithLabelValues("resume", "unauthorized").Inc()
		return nil, model.NewError(model.CodeUnauthorized, "session is revoked or expired")
	}

	st, stHash, err := mintToken("st_")
	if err != nil {
		return nil, storeErr(s.log, "mint token", err)
	}
	rt, rtHash, err := mintToken("rt_")
	if err != nil {
		return nil, storeErr(s.log, "mint token", err)
	}
	expires := now + s.sessionTTL.Milliseconds()
	resumeExpires := now + s.resumeTTL.Milliseconds()
	if err := s.store.RotateSession(ctx, sess.ID, stHash, rtHash, expires, resumeExpires, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.NewError(model.CodeUnauthorized, "session is gone")
		}
		return nil, storeErr(s.log, "rotate session", err)
	}
	s.cache.Remove(sess.SessionTokenHash)

	sess.SessionTokenHash = stHash
	sess.ResumeTokenHash = rtHash
	sess.ExpiresAtMs = expires
	sess.ResumeExpiresAtMs = resumeExpires
	sess.LastSeenAtMs = now
	s.cache.Add(stHash, sess)
	metrics.SessionOps.WithLabelValues("resume", "ok").Inc()
	s.log.Info("session resumed", "session_id", sess.ID, "user_id", sess.UserID)
	return &SessionTokens{Session: sess, SessionToken: st, ResumeToken: rt}, nil
}

func (s *SessionService) Validate(ctx context.Context, sessionToken string) (model.Session, error) {
	hash := hashToken(sessionToken)
	now := time.Now().UnixMilli()
	if sess, ok := s.cache.Get(hash); ok {
		if sess.Live(now) {
			return sess, nil
		}
		s.cache.Remove(hash)
		return model.Session{}, model.NewError(model.CodeUnauthorized, "session is revoked or expired")
	}
	sess, err := s.store.SessionByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Session{}, model.NewError(model.CodeUnauthorized, "unknown session token")
		}
		return model.Session{}, storeErr(s.log, "validate", err)
	}
	if !sess.Live(now) {
		return model.Session{}, model.NewError(model.CodeUnauthorized, "session is revoked or expired")
	}
	s.cache.Add(hash, sess)
	return sess, nil
}

func (s *SessionService) Logout(ctx context.Context, sess model.Session) error {
	if err := s.store.RevokeSession(ctx, sess.ID, time.Now().UnixMilli()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeErr(s.log, "logout", err)
	}
	s.cache.Remove(sess.SessionTokenHash)
	metrics.SessionOps.WithLabelValues("logout", "ok").Inc()
	s.log.Info("session logged out", "session_id", sess.ID, "user_id", sess.UserID)
	return nil
}

func (s *SessionService) LogoutAll(ctx context.Context, sess model.Session) error {
	stale, err := s.store.SessionsByUser(ctx, sess.UserID)
	if err != nil {
		return storeErr(s.log, "logout_all scan", err)
	}
	n, err := s.store.RevokeUserSessions(ctx, sess.UserID, uuid.Nil, time.Now().UnixMilli())
	if err != nil {
		return storeErr(s.log, "logout_all", err)
	}
	for _, t := range stale {
		s.cache.Remove(t.SessionTokenHash)
	}
	metrics.SessionOps.WithLabelValues("logout_all", "ok").Inc()
	s.log.Info("all sessions logged out", "user_id", sess.UserID, "revoked", n)
	return nil
}

func (s *SessionService) Revoke(ctx context.Context, sess model.Session, sessionID uuid.UUID, deviceID string, includeSelf bool) error {
	switch {
	case sessionID != uuid.Nil:
		target, err := s.store.SessionByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.NewError(model.CodeInvalidFrame, "unknown session_id")
			}
			return storeErr(s.log, "revoke lookup", err)
		}
		if target.UserID != sess.UserID {
			return model.NewError(model.CodeForbidden, "session belongs to another user")
		}
		if err := s.store.RevokeSession(ctx, target.ID, time.Now().UnixMilli()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return storeErr(s.log, "revoke", err)
		}
		s.cache.Remove(target.SessionTokenHash)
	case deviceID != "":
		stale, err := s.store.SessionsByUser(ctx, sess.UserID)
		if err != nil {
			return storeErr(s.log, "revoke scan", err)
		}
		keep := sess.ID
		if includeSelf {
			keep = uuid.Nil
		}
		if _, err := s.store.RevokeDeviceSessions(ctx, sess.UserID, deviceID, keep, time.Now().UnixMilli()); err != nil {
			return storeErr(s.log, "revoke device", err)
		}
		for _, t := range stale {
			if t.DeviceID == deviceID {
				s.cache.Remove(t.SessionTokenHash)
			}
		}
	default:
		return model.NewError(model.CodeInvalidFrame, "session_id or device_id is required")
	}
	metrics.SessionOps.WithLabelValues("revoke", "ok").Inc()
	return nil
}

func (s *SessionService) List(ctx context.Context, userID string) ([]model.Session, error) {
	sessions, err := s.store.SessionsByUser(ctx, userID)
	if err != nil {
		return nil, storeErr(s.log, "list sessions", err)
	}
	return sessions, nil
}

func (s *SessionService) Touch(ctx context.Context, sessionID uuid.UUID) {
	if err := s.store.TouchSession(ctx, sessionID, time.Now().UnixMilli()); err != nil {
		s.log.Debug("touch session failed", "session_id", sessionID, "err", err)
	}
}

// mintToken returns a fresh high-entropy bearer token and its storage hash.
func mintToken(prefix string) (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("mint token: %w", err)
	}
	token = prefix + base64.RawURLEncoding.EncodeToString(raw)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
