package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTemp(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := Open(path, 5*time.Second, 4, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func mustCreateRoom(t *testing.T, s *SQLite, convID, owner string) {
	t.Helper()
	require.NoError(t, s.CreateRoom(context.Background(), convID, owner, time.Now().UnixMilli()))
}

func appendN(t *testing.T, s *SQLite, convID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		res, err := s.AppendEnvelope(context.Background(), AppendRequest{
			ConvID:       convID,
			MsgID:        fmt.Sprintf("m-%d", i),
			SenderUserID: "alice",
			Env:          []byte{byte(i)},
			TsMs:         int64(1000 + i),
		})
		require.NoError(t, err)
		require.Equal(t, uint64(i), res.Seq)
		require.False(t, res.Duplicate)
	}
}

func TestAppend_DenseSeqs(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")

	appendN(t, s, "c1", 5)

	envs, w, err := s.ReadRange(context.Background(), "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, envs, 5)
	for i, e := range envs {
		assert.Equal(t, uint64(i+1), e.Seq, "seqs are dense from 1")
		assert.Equal(t, "c1", e.ConvID)
	}
	assert.Equal(t, model.Window{EarliestSeq: 1, NextSeq: 6}, w)
}

func TestAppend_DuplicateMsgID(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")

	first, err := s.AppendEnvelope(context.Background(), AppendRequest{
		ConvID: "c1", MsgID: "m-1", SenderUserID: "alice", Env: []byte("x"), TsMs: 111,
	})
	require.NoError(t, err)

	// Retry with a different payload and ts: the stored row wins.
	dup, err := s.AppendEnvelope(context.Background(), AppendRequest{
		ConvID: "c1", MsgID: "m-1", SenderUserID: "alice", Env: []byte("y"), TsMs: 999,
	})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Seq, dup.Seq)
	assert.Equal(t, int64(111), dup.TsMs, "original ts is echoed")

	envs, w, err := s.ReadRange(context.Background(), "c1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, envs, 1, "no second row was written")
	assert.Equal(t, []byte("x"), envs[0].Env)
	assert.Equal(t, uint64(2), w.NextSeq)
}

func TestAppend_UnknownConversation(t *testing.T) {
	s, _ := openTemp(t)

	_, err := s.AppendEnvelope(context.Background(), AppendRequest{ConvID: "ghost", MsgID: "m-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_EmptyEnvelope(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")

	res, err := s.AppendEnvelope(context.Background(), AppendRequest{
		ConvID: "c1", MsgID: "m-1", SenderUserID: "alice", TsMs: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)

	envs, _, err := s.ReadRange(context.Background(), "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.NotNil(t, envs[0].Env)
	assert.Empty(t, envs[0].Env)
}

func TestReadRange_Paging(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")
	appendN(t, s, "c1", 10)

	envs, _, err := s.ReadRange(context.Background(), "c1", 4, 3)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, uint64(4), envs[0].Seq)
	assert.Equal(t, uint64(6), envs[2].Seq)

	// Past the live edge: empty page, window still reported.
	envs, w, err := s.ReadRange(context.Background(), "c1", 11, 0)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.Equal(t, uint64(11), w.NextSeq)

	_, _, err = s.ReadRange(context.Background(), "ghost", 1, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrune_AdvancesWindow(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")
	appendN(t, s, "c1", 10)

	pruned, err := s.Prune(context.Background(), "c1", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pruned)

	envs, w, err := s.ReadRange(context.Background(), "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, envs, 5)
	assert.Equal(t, uint64(6), envs[0].Seq, "rows below the window are gone")
	assert.Equal(t, model.Window{EarliestSeq: 6, NextSeq: 11}, w)

	// Seq assignment continues from where it was, not from the window.
	res, err := s.AppendEnvelope(context.Background(), AppendRequest{
		ConvID: "c1", MsgID: "m-next", SenderUserID: "alice", TsMs: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), res.Seq)
}

func TestPrune_NeverRegresses(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")
	appendN(t, s, "c1", 5)

	_, err := s.Prune(context.Background(), "c1", 4)
	require.NoError(t, err)

	// A lower upTo is a no-op, not a rollback.
	pruned, err := s.Prune(context.Background(), "c1", 2)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	room, err := s.GetRoom(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), room.EarliestRetainedSeq)
}

func TestPrune_ClampedToLiveEdge(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")
	appendN(t, s, "c1", 3)

	// upTo beyond next_seq empties the log but the window stays coherent.
	pruned, err := s.Prune(context.Background(), "c1", 99)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	room, err := s.GetRoom(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), room.EarliestRetainedSeq)
	assert.Equal(t, uint64(4), room.NextSeq)

	_, err = s.Prune(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgeBoundary(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")
	appendN(t, s, "c1", 5) // ts 1001..1005

	// First row at or after the cutoff.
	b, err := s.AgeBoundary(context.Background(), "c1", 1003)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b)

	// Everything older: boundary is the live edge.
	b, err = s.AgeBoundary(context.Background(), "c1", 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), b)

	// Nothing older: boundary is the first retained row.
	b, err = s.AgeBoundary(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b)

	_, err = s.AgeBoundary(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCursor_Monotonic(t *testing.T) {
	s, _ := openTemp(t)
	sid := uuid.New()

	_, ok, err := s.GetCursor(context.Background(), sid, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpsertCursor(context.Background(), sid, "c1", 5))
	require.NoError(t, s.UpsertCursor(context.Background(), sid, "c1", 3), "stale ack is accepted")

	next, ok, err := s.GetCursor(context.Background(), sid, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), next, "but never regresses the cursor")

	require.NoError(t, s.UpsertCursor(context.Background(), sid, "c1", 9))
	next, _, _ = s.GetCursor(context.Background(), sid, "c1")
	assert.Equal(t, uint64(9), next)
}

func TestRooms_CreateAndConflict(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")

	err := s.CreateRoom(context.Background(), "c1", "bob", time.Now().UnixMilli())
	assert.ErrorIs(t, err, ErrConflict)

	room, err := s.GetRoom(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), room.NextSeq)
	assert.Equal(t, uint64(1), room.EarliestRetainedSeq)

	owner, err := s.GetMember(context.Background(), "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, owner.Role)

	_, err = s.GetRoom(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMembers_Lifecycle(t *testing.T) {
	s, _ := openTemp(t)
	mustCreateRoom(t, s, "c1", "alice")

	require.NoError(t, s.PutMember(context.Background(), model.Member{ConvID: "c1", UserID: "bob", Role: model.RoleMember}))

	// Upsert promotes in place.
	require.NoError(t, s.PutMember(context.Background(), model.Member{ConvID: "c1", UserID: "bob", Role: model.RoleAdmin}))
	m, err := s.GetMember(context.Background(), "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, m.Role)

	members, err := s.Members(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, members, 2)

	n, err := s.CountOwners(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteMember(context.Background(), "c1", "bob"))
	_, err = s.GetMember(context.Background(), "c1", "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	// Membership requires a live room.
	err = s.PutMember(context.Background(), model.Member{ConvID: "ghost", UserID: "bob", Role: model.RoleMember})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSession(user, device string) model.Session {
	now := time.Now().UnixMilli()
	id := uuid.New()
	return model.Session{
		ID:                id,
		UserID:            user,
		DeviceID:          device,
		SessionTokenHash:  "sess-" + id.String(),
		ResumeTokenHash:   "res-" + id.String(),
		ExpiresAtMs:       now + 3600_000,
		ResumeExpiresAtMs: now + 7200_000,
		CreatedAtMs:       now,
		LastSeenAtMs:      now,
	}
}

func TestSessions_InsertAndLookup(t *testing.T) {
	s, _ := openTemp(t)
	sess := testSession("alice", "phone")
	require.NoError(t, s.InsertSession(context.Background(), sess))

	byID, err := s.SessionByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, byID.UserID)
	assert.Zero(t, byID.RevokedAtMs)

	byTok, err := s.SessionByTokenHash(context.Background(), sess.SessionTokenHash)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byTok.ID)

	byRes, err := s.SessionByResumeHash(context.Background(), sess.ResumeTokenHash)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byRes.ID)

	_, err = s.SessionByTokenHash(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_Rotate(t *testing.T) {
	s, _ := openTemp(t)
	sess := testSession("alice", "phone")
	require.NoError(t, s.InsertSession(context.Background(), sess))

	now := time.Now().UnixMilli()
	require.NoError(t, s.RotateSession(context.Background(), sess.ID, "new-sess", "new-res", now+10, now+20, now))

	// Old hashes are dead, the new pair resolves.
	_, err := s.SessionByTokenHash(context.Background(), sess.SessionTokenHash)
	assert.ErrorIs(t, err, ErrNotFound)
	rotated, err := s.SessionByTokenHash(context.Background(), "new-sess")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, rotated.ID)
	assert.Equal(t, now+10, rotated.ExpiresAtMs)

	assert.ErrorIs(t, s.RotateSession(context.Background(), uuid.New(), "a", "b", 1, 2, 3), ErrNotFound)
}

func TestSessions_Revoke(t *testing.T) {
	s, _ := openTemp(t)
	sess := testSession("alice", "phone")
	require.NoError(t, s.InsertSession(context.Background(), sess))

	now := time.Now().UnixMilli()
	require.NoError(t, s.RevokeSession(context.Background(), sess.ID, now))

	got, err := s.SessionByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, now, got.RevokedAtMs)

	// Already revoked: nothing left to revoke.
	assert.ErrorIs(t, s.RevokeSession(context.Background(), sess.ID, now+1), ErrNotFound)
}

func TestSessions_RevokeFanout(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	phone1 := testSession("alice", "phone")
	phone2 := testSession("alice", "phone")
	tablet := testSession("alice", "tablet")
	other := testSession("bob", "phone")
	for _, sess := range []model.Session{phone1, phone2, tablet, other} {
		require.NoError(t, s.InsertSession(ctx, sess))
	}

	// Device-scoped revocation keeps the caller's session.
	n, err := s.RevokeDeviceSessions(ctx, "alice", "phone", phone1.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// User-scoped revocation sweeps every other live session.
	n, err = s.RevokeUserSessions(ctx, "alice", phone1.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the tablet was still live")

	live, err := s.CountLiveSessions(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	bobLive, err := s.CountLiveSessions(ctx, "bob", now)
	require.NoError(t, err)
	assert.Equal(t, 1, bobLive, "other users untouched")
}

func TestSessions_TouchAndList(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	sess := testSession("alice", "phone")
	require.NoError(t, s.InsertSession(ctx, sess))

	require.NoError(t, s.TouchSession(ctx, sess.ID, sess.LastSeenAtMs+500))
	got, err := s.SessionByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.LastSeenAtMs+500, got.LastSeenAtMs)

	list, err := s.SessionsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteDeadSessions(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	dead := testSession("alice", "phone")
	dead.ResumeExpiresAtMs = now - 1000
	live := testSession("alice", "tablet")
	revoked := testSession("alice", "laptop")
	for _, sess := range []model.Session{dead, live, revoked} {
		require.NoError(t, s.InsertSession(ctx, sess))
	}
	require.NoError(t, s.RevokeSession(ctx, revoked.ID, now-5000))

	// Cursors of the dead session must not outlive it.
	require.NoError(t, s.UpsertCursor(ctx, dead.ID, "c1", 4))
	require.NoError(t, s.UpsertCursor(ctx, live.ID, "c1", 7))

	n, err := s.DeleteDeadSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.SessionByID(ctx, dead.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SessionByID(ctx, live.ID)
	assert.NoError(t, err)

	_, ok, err := s.GetCursor(ctx, dead.ID, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "orphaned cursor was swept")
	_, ok, err = s.GetCursor(ctx, live.ID, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	mustCreateRoom(t, s, "c1", "alice")
	appendN(t, s, "c1", 3)
	require.NoError(t, s.InsertSession(ctx, testSession("alice", "phone")))
	require.NoError(t, s.UpsertCursor(ctx, uuid.New(), "c1", 2))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Rooms)
	assert.Equal(t, int64(3), st.Envelopes)
	assert.Equal(t, int64(1), st.LiveSessions)
	assert.Equal(t, int64(1), st.Cursors)
}

func TestReopen_StateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := Open(path, 5*time.Second, 4, testLogger())
	require.NoError(t, err)

	mustCreateRoom(t, s, "c1", "alice")
	appendN(t, s, "c1", 4)
	_, err = s.Prune(context.Background(), "c1", 3)
	require.NoError(t, err)
	sid := uuid.New()
	require.NoError(t, s.UpsertCursor(context.Background(), sid, "c1", 3))
	require.NoError(t, s.Close())

	// A fresh process sees the same log, window and cursor.
	s2, err := Open(path, 5*time.Second, 4, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	envs, w, err := s2.ReadRange(context.Background(), "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, uint64(3), envs[0].Seq)
	assert.Equal(t, model.Window{EarliestSeq: 3, NextSeq: 5}, w)

	next, ok, err := s2.GetCursor(context.Background(), sid, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), next)

	// And appends continue with dense seqs.
	res, err := s2.AppendEnvelope(context.Background(), AppendRequest{
		ConvID: "c1", MsgID: "m-after", SenderUserID: "alice", TsMs: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Seq)
}
