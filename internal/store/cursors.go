package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func (s *SQLite) UpsertCursor(ctx context.Context, sessionID uuid.UUID, convID string, nextSeqToAck uint64) error {
	// MAX() keeps the cursor monotonic under concurrent acks; a stale ack
	// can never pull it backwards.
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cursors (session_id, conv_id, next_seq_to_ack) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, conv_id)
		 DO UPDATE SET next_seq_to_ack = MAX(next_seq_to_ack, excluded.next_seq_to_ack)`,
		sessionID.String(), convID, int64(nextSeqToAck),
	)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

func (s *SQLite) GetCursor(ctx context.Context, sessionID uuid.UUID, convID string) (uint64, bool, error) {
	var next int64
	err := s.read.QueryRowContext(ctx,
		`SELECT next_seq_to_ack FROM cursors WHERE session_id = ? AND conv_id = ?`,
		sessionID.String(), convID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return uint64(next), true, nil
}
