package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	conv_id               TEXT PRIMARY KEY,
	created_at_ms         INTEGER NOT NULL,
	earliest_retained_seq INTEGER NOT NULL,
	next_seq              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	conv_id TEXT NOT NULL REFERENCES rooms(conv_id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	PRIMARY KEY (conv_id, user_id)
);

CREATE TABLE IF NOT EXISTS envelopes (
	conv_id        TEXT NOT NULL REFERENCES rooms(conv_id) ON DELETE CASCADE,
	seq            INTEGER NOT NULL,
	msg_id         TEXT NOT NULL,
	sender_user_id TEXT NOT NULL,
	env            BLOB NOT NULL,
	ts_ms          INTEGER NOT NULL,
	origin_gateway TEXT NOT NULL DEFAULT '',
	conv_home      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (conv_id, seq),
	UNIQUE (conv_id, msg_id)
);

CREATE INDEX IF NOT EXISTS idx_envelopes_ts ON envelopes(conv_id, ts_ms);

CREATE TABLE IF NOT EXISTS sessions (
	session_id           TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	device_id            TEXT NOT NULL,
	device_credential    TEXT NOT NULL DEFAULT '',
	session_token_hash   TEXT NOT NULL UNIQUE,
	resume_token_hash    TEXT NOT NULL UNIQUE,
	expires_at_ms        INTEGER NOT NULL,
	resume_expires_at_ms INTEGER NOT NULL,
	revoked_at_ms        INTEGER,
	created_at_ms        INTEGER NOT NULL,
	last_seen_at_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS cursors (
	session_id      TEXT NOT NULL,
	conv_id         TEXT NOT NULL,
	next_seq_to_ack INTEGER NOT NULL,
	PRIMARY KEY (session_id, conv_id)
);
`

// SQLite is the production Store: one WAL database file with
// synchronous=FULL so an append is fsync-durable before it is acknowledged.
//
// Two pools share the file: a single-connection write pool whose
// transactions start IMMEDIATE (no deferred-upgrade deadlocks), and a read
// pool that WAL keeps concurrent with the writer.
type SQLite struct {
	write *sql.DB
	read  *sql.DB
	log   *slog.Logger
}

func Open(path string, busyTimeout time.Duration, maxReadConns int, log *slog.Logger) (*SQLite, error) {
	base := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d&_foreign_keys=on",
		path, busyTimeout.Milliseconds(),
	)

	write, err := sql.Open("sqlite3", base+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", base)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if maxReadConns < 1 {
		maxReadConns = 1
	}
	read.SetMaxOpenConns(maxReadConns)

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info("store opened", "path", path)
	return &SQLite{write: write, read: read, log: log}, nil
}

// Stats fans the table counts across the read pool; they complete or fail
// together.
func (s *SQLite) Stats(ctx context.Context) (model.StoreStats, error) {
	var st model.StoreStats
	g, gCtx := errgroup.WithContext(ctx)

	count := func(dst *int64, query string, args ...any) func() error {
		return func() error {
			return s.read.QueryRowContext(gCtx, query, args...).Scan(dst)
		}
	}
	g.Go(count(&st.Rooms, `SELECT COUNT(*) FROM rooms`))
	g.Go(count(&st.Envelopes, `SELECT COUNT(*) FROM envelopes`))
	g.Go(count(&st.LiveSessions,
		`SELECT COUNT(*) FROM sessions WHERE revoked_at_ms IS NULL AND expires_at_ms > ?`,
		time.Now().UnixMilli()))
	g.Go(count(&st.Cursors, `SELECT COUNT(*) FROM cursors`))

	if err := g.Wait(); err != nil {
		return model.StoreStats{}, fmt.Errorf("store stats: %w", err)
	}
	return st, nil
}

func (s *SQLite) Close() error {
	readErr := s.read.Close()
	if err := s.write.Close(); err != nil {
		return err
	}
	return readErr
}

// Retryable reports whether err is a transient sqlite condition worth a
// bounded retry: a busy or locked database, not a constraint or logic error.
func Retryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
