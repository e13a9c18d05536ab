package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

func (s *SQLite) CreateRoom(ctx context.Context, convID, ownerUserID string, nowMs int64) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create room: %w", err)
	}
	defer tx.Rollback()

	// Window starts empty at [1,1): the first envelope takes seq 1.
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO rooms (conv_id, created_at_ms, earliest_retained_seq, next_seq)
		 VALUES (?, ?, 1, 1)`,
		convID, nowMs,
	); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("conversation %q: %w", convID, ErrConflict)
		}
		return fmt.Errorf("insert room: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO members (conv_id, user_id, role) VALUES (?, ?, ?)`,
		convID, ownerUserID, model.RoleOwner.String(),
	); err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) GetRoom(ctx context.Context, convID string) (model.Room, error) {
	var (
		r              model.Room
		earliest, next int64
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT conv_id, created_at_ms, earliest_retained_seq, next_seq
		 FROM rooms WHERE conv_id = ?`, convID,
	).Scan(&r.ConvID, &r.CreatedAtMs, &earliest, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, fmt.Errorf("conversation %q: %w", convID, ErrNotFound)
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("get room: %w", err)
	}
	r.EarliestRetainedSeq = uint64(earliest)
	r.NextSeq = uint64(next)
	return r, nil
}

func (s *SQLite) Rooms(ctx context.Context) ([]model.Room, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT conv_id, created_at_ms, earliest_retained_seq, next_seq
		 FROM rooms ORDER BY conv_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []model.Room
	for rows.Next() {
		var (
			r              model.Room
			earliest, next int64
		)
		if err := rows.Scan(&r.ConvID, &r.CreatedAtMs, &earliest, &next); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.EarliestRetainedSeq = uint64(earliest)
		r.NextSeq = uint64(next)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) PutMember(ctx context.Context, m model.Member) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO members (conv_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT (conv_id, user_id) DO UPDATE SET role = excluded.role`,
		m.ConvID, m.UserID, m.Role.String(),
	)
	if err != nil {
		if isConstraint(err) {
			// Foreign key: the room is gone.
			return fmt.Errorf("conversation %q: %w", m.ConvID, ErrNotFound)
		}
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteMember(ctx context.Context, convID, userID string) error {
	if _, err := s.write.ExecContext(ctx,
		`DELETE FROM members WHERE conv_id = ? AND user_id = ?`, convID, userID,
	); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

func (s *SQLite) GetMember(ctx context.Context, convID, userID string) (model.Member, error) {
	var (
		m    model.Member
		role string
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT conv_id, user_id, role FROM members WHERE conv_id = ? AND user_id = ?`,
		convID, userID,
	).Scan(&m.ConvID, &m.UserID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Member{}, fmt.Errorf("member %q of %q: %w", userID, convID, ErrNotFound)
	}
	if err != nil {
		return model.Member{}, fmt.Errorf("get member: %w", err)
	}
	m.Role, _ = model.ParseRole(role)
	return m, nil
}

func (s *SQLite) Members(ctx context.Context, convID string) ([]model.Member, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT conv_id, user_id, role FROM members WHERE conv_id = ? ORDER BY user_id`,
		convID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		var (
			m    model.Member
			role string
		)
		if err := rows.Scan(&m.ConvID, &m.UserID, &role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Role, _ = model.ParseRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) CountOwners(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM members WHERE conv_id = ? AND role = ?`,
		convID, model.RoleOwner.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count owners: %w", err)
	}
	return n, nil
}
