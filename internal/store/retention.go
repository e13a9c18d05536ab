package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *SQLite) Prune(ctx context.Context, convID string, upToSeq uint64) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	var earliest, next int64
	err = tx.QueryRowContext(ctx,
		`SELECT earliest_retained_seq, next_seq FROM rooms WHERE conv_id = ?`, convID,
	).Scan(&earliest, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("conversation %q: %w", convID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("window lookup: %w", err)
	}

	upTo := int64(upToSeq)
	if upTo > next {
		upTo = next
	}
	if upTo <= earliest {
		return 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM envelopes WHERE conv_id = ? AND seq < ?`, convID, upTo,
	)
	if err != nil {
		return 0, fmt.Errorf("delete envelopes: %w", err)
	}
	pruned, _ := res.RowsAffected()

	if _, err = tx.ExecContext(ctx,
		`UPDATE rooms SET earliest_retained_seq = ? WHERE conv_id = ?`, upTo, convID,
	); err != nil {
		return 0, fmt.Errorf("advance window: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return pruned, nil
}

func (s *SQLite) AgeBoundary(ctx context.Context, convID string, cutoffMs int64) (uint64, error) {
	var boundary sql.NullInt64
	err := s.read.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM envelopes WHERE conv_id = ? AND ts_ms >= ?`,
		convID, cutoffMs,
	).Scan(&boundary)
	if err != nil {
		return 0, fmt.Errorf("age boundary: %w", err)
	}
	if boundary.Valid {
		return uint64(boundary.Int64), nil
	}

	// Every retained row is older than the cutoff: prune to the live edge.
	var next int64
	err = s.read.QueryRowContext(ctx,
		`SELECT next_seq FROM rooms WHERE conv_id = ?`, convID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("conversation %q: %w", convID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("age boundary edge: %w", err)
	}
	return uint64(next), nil
}

func (s *SQLite) DeleteDeadSessions(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE resume_expires_at_ms < ?
		    OR (revoked_at_ms IS NOT NULL AND revoked_at_ms < ?)`,
		cutoffMs, cutoffMs,
	)
	if err != nil {
		return 0, fmt.Errorf("delete dead sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.write.ExecContext(ctx,
			`DELETE FROM cursors WHERE session_id NOT IN (SELECT session_id FROM sessions)`,
		); err != nil {
			return n, fmt.Errorf("delete orphaned cursors: %w", err)
		}
	}
	return n, nil
}
