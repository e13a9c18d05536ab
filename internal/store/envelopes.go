package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

func (s *SQLite) AppendEnvelope(ctx context.Context, req AppendRequest) (model.AppendResult, error) {
	if req.Env == nil {
		// Empty envelopes are legal; nil would bind as NULL.
		req.Env = []byte{}
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return model.AppendResult{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var (
		dupSeq int64
		dupTs  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, ts_ms FROM envelopes WHERE conv_id = ? AND msg_id = ?`,
		req.ConvID, req.MsgID,
	).Scan(&dupSeq, &dupTs)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return model.AppendResult{}, fmt.Errorf("commit idempotent read: %w", err)
		}
		return model.AppendResult{Seq: uint64(dupSeq), TsMs: dupTs, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return model.AppendResult{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT next_seq FROM rooms WHERE conv_id = ?`, req.ConvID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AppendResult{}, fmt.Errorf("conversation %q: %w", req.ConvID, ErrNotFound)
	}
	if err != nil {
		return model.AppendResult{}, fmt.Errorf("room lookup: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO envelopes (conv_id, seq, msg_id, sender_user_id, env, ts_ms, origin_gateway, conv_home)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ConvID, next, req.MsgID, req.SenderUserID, req.Env, req.TsMs,
		req.OriginGateway, req.ConvHome,
	); err != nil {
		return model.AppendResult{}, fmt.Errorf("insert envelope: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE rooms SET next_seq = ? WHERE conv_id = ?`, next+1, req.ConvID,
	); err != nil {
		return model.AppendResult{}, fmt.Errorf("advance next_seq: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return model.AppendResult{}, fmt.Errorf("commit append: %w", err)
	}
	return model.AppendResult{Seq: uint64(next), TsMs: req.TsMs}, nil
}

func (s *SQLite) ReadRange(ctx context.Context, convID string, fromSeq uint64, limit int) ([]model.Envelope, model.Window, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	tx, err := s.read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, model.Window{}, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	var earliest, next int64
	err = tx.QueryRowContext(ctx,
		`SELECT earliest_retained_seq, next_seq FROM rooms WHERE conv_id = ?`, convID,
	).Scan(&earliest, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Window{}, fmt.Errorf("conversation %q: %w", convID, ErrNotFound)
	}
	if err != nil {
		return nil, model.Window{}, fmt.Errorf("window lookup: %w", err)
	}
	w := model.Window{EarliestSeq: uint64(earliest), NextSeq: uint64(next)}

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, msg_id, sender_user_id, env, ts_ms, origin_gateway, conv_home
		 FROM envelopes WHERE conv_id = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		convID, int64(fromSeq), limit,
	)
	if err != nil {
		return nil, model.Window{}, fmt.Errorf("read range: %w", err)
	}
	defer rows.Close()

	var out []model.Envelope
	for rows.Next() {
		var (
			e   model.Envelope
			seq int64
		)
		if err := rows.Scan(&seq, &e.MsgID, &e.SenderUserID, &e.Env, &e.TsMs, &e.OriginGateway, &e.ConvHome); err != nil {
			return nil, model.Window{}, fmt.Errorf("scan envelope: %w", err)
		}
		e.ConvID = convID
		e.Seq = uint64(seq)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Window{}, fmt.Errorf("iterate range: %w", err)
	}
	return out, w, tx.Commit()
}
