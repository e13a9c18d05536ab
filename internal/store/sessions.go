package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

const sessionCols = `session_id, user_id, device_id, device_credential, session_token_hash,
	resume_token_hash, expires_at_ms, resume_expires_at_ms, revoked_at_ms, created_at_ms, last_seen_at_ms`

func (s *SQLite) InsertSession(ctx context.Context, sess model.Session) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.UserID, sess.DeviceID, sess.DeviceCredential,
		sess.SessionTokenHash, sess.ResumeTokenHash,
		sess.ExpiresAtMs, sess.ResumeExpiresAtMs,
		nullableMs(sess.RevokedAtMs), sess.CreatedAtMs, sess.LastSeenAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLite) SessionByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return s.sessionWhere(ctx, `session_id = ?`, id.String())
}

func (s *SQLite) SessionByTokenHash(ctx context.Context, hash string) (model.Session, error) {
	return s.sessionWhere(ctx, `session_token_hash = ?`, hash)
}

func (s *SQLite) SessionByResumeHash(ctx context.Context, hash string) (model.Session, error) {
	return s.sessionWhere(ctx, `resume_token_hash = ?`, hash)
}

func (s *SQLite) sessionWhere(ctx context.Context, cond string, arg any) (model.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE `+cond, arg,
	)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) SessionsByUser(ctx context.Context, userID string) ([]model.Session, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE user_id = ? ORDER BY created_at_ms`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) RotateSession(ctx context.Context, id uuid.UUID, sessionHash, resumeHash string, expiresAtMs, resumeExpiresAtMs, nowMs int64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET session_token_hash = ?, resume_token_hash = ?,
		 expires_at_ms = ?, resume_expires_at_ms = ?, last_seen_at_ms = ?
		 WHERE session_id = ?`,
		sessionHash, resumeHash, expiresAtMs, resumeExpiresAtMs, nowMs, id.String(),
	)
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}
	return mustAffect(res, "session")
}

func (s *SQLite) RevokeSession(ctx context.Context, id uuid.UUID, nowMs int64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET revoked_at_ms = ? WHERE session_id = ? AND revoked_at_ms IS NULL`,
		nowMs, id.String(),
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return mustAffect(res, "session")
}

func (s *SQLite) RevokeDeviceSessions(ctx context.Context, userID, deviceID string, keep uuid.UUID, nowMs int64) (int64, error) {
	keepID := ""
	if keep != uuid.Nil {
		keepID = keep.String()
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET revoked_at_ms = ?
		 WHERE user_id = ? AND device_id = ? AND session_id <> ? AND revoked_at_ms IS NULL`,
		nowMs, userID, deviceID, keepID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke device sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) RevokeUserSessions(ctx context.Context, userID string, keep uuid.UUID, nowMs int64) (int64, error) {
	keepID := ""
	if keep != uuid.Nil {
		keepID = keep.String()
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET revoked_at_ms = ?
		 WHERE user_id = ? AND session_id <> ? AND revoked_at_ms IS NULL`,
		nowMs, userID, keepID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) TouchSession(ctx context.Context, id uuid.UUID, nowMs int64) error {
	if _, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at_ms = ? WHERE session_id = ?`,
		nowMs, id.String(),
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SQLite) CountLiveSessions(ctx context.Context, userID string, nowMs int64) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions
		 WHERE user_id = ? AND revoked_at_ms IS NULL AND expires_at_ms > ?`,
		userID, nowMs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live sessions: %w", err)
	}
	return n, nil
}

func scanSession(scan func(...any) error) (model.Session, error) {
	var (
		sess    model.Session
		id      string
		revoked sql.NullInt64
	)
	if err := scan(
		&id, &sess.UserID, &sess.DeviceID, &sess.DeviceCredential,
		&sess.SessionTokenHash, &sess.ResumeTokenHash,
		&sess.ExpiresAtMs, &sess.ResumeExpiresAtMs,
		&revoked, &sess.CreatedAtMs, &sess.LastSeenAtMs,
	); err != nil {
		return model.Session{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Session{}, fmt.Errorf("session id %q: %w", id, err)
	}
	sess.ID = parsed
	if revoked.Valid {
		sess.RevokedAtMs = revoked.Int64
	}
	return sess, nil
}

func nullableMs(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func mustAffect(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
