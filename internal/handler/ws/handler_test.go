package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/auth"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/service"
	"github.com/sealedchat/conv-gateway/internal/store"
)

const testSecret = "unit-test-secret-0123456789"

type discardDispatch struct{}

func (discardDispatch) Dispatch(*model.Envelope) {}

func u64(n uint64) *uint64 { return &n }

// fixture serves the real handler over an httptest listener and dials it
// with a real client, so frames cross an actual socket.
type fixture struct {
	cfg      *config.Config
	store    *store.SQLite
	verifier *auth.Verifier
	sessions *service.SessionService
	rooms    *service.RoomService
	appender *service.AppendService
	cursors  *service.CursorService
	srv      *httptest.Server
}

func startFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), 5*time.Second, 4, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := registry.NewHub(st, log,
		registry.WithQueueLen(cfg.Hub.SubscriptionQueueLen),
		registry.WithReplayPageSize(cfg.Hub.ReplayPageSize),
		registry.WithSlowConsumer(cfg.Hub.SlowConsumer()),
	)
	t.Cleanup(hub.Shutdown)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	rooms := service.NewRoomService(st, log)
	cursors := service.NewCursorService(st, st, rooms, log)
	sessions := service.NewSessionService(cfg, st, verifier, log)
	appender := service.NewAppendService(cfg, st, rooms, hub, discardDispatch{}, log)
	delivery := service.NewDeliveryService(cfg, hub, rooms, cursors, st, log)

	mux := chi.NewMux()
	mux.Handle("/v1/ws", NewHandler(cfg, sessions, appender, cursors, delivery, log))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{
		cfg:      cfg,
		store:    st,
		verifier: verifier,
		sessions: sessions,
		rooms:    rooms,
		appender: appender,
		cursors:  cursors,
		srv:      srv,
	}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) room(t *testing.T, convID, owner string) {
	t.Helper()
	_, err := f.rooms.Create(context.Background(), owner, convID)
	require.NoError(t, err)
}

func (f *fixture) send(t *testing.T, convID, sender, msgID string) model.AppendResult {
	t.Helper()
	res, err := f.appender.Append(context.Background(), service.AppendInput{
		ConvID:       convID,
		MsgID:        msgID,
		SenderUserID: sender,
		Env:          []byte("ciphertext"),
	})
	require.NoError(t, err)
	return res
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ wire.Type, id string, body any) {
	t.Helper()
	f, err := wire.NewFrame(typ, id, time.Now().UnixMilli(), body)
	require.NoError(t, err)
	data, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readFrame returns the next non-ping frame within the test deadline.
func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		f, err := wire.Decode(data)
		require.NoError(t, err)
		if f.T == wire.TypePing {
			continue
		}
		return f
	}
}

func readType(t *testing.T, conn *websocket.Conn, typ wire.Type) *wire.Frame {
	t.Helper()
	for i := 0; i < 16; i++ {
		f := readFrame(t, conn)
		if f.T == typ {
			return f
		}
	}
	t.Fatalf("no %s frame arrived", typ)
	return nil
}

// frameCode extracts the error code from an error frame body.
func frameCode(t *testing.T, f *wire.Frame) (string, map[string]any) {
	t.Helper()
	require.Equal(t, wire.TypeError, f.T)
	var body map[string]any
	require.NoError(t, json.Unmarshal(f.Body, &body))
	code, _ := body["code"].(string)
	return code, body
}

// handshake performs session.start as the first frame and returns the
// issued pair.
func (f *fixture) handshake(t *testing.T, conn *websocket.Conn, userID, deviceID string) wire.SessionReady {
	t.Helper()
	tok, err := f.verifier.Mint(userID, time.Hour)
	require.NoError(t, err)
	writeFrame(t, conn, wire.TypeSessionStart, "hello-1", wire.SessionStart{
		AuthToken: tok,
		DeviceID:  deviceID,
	})
	frame := readFrame(t, conn)
	require.Equal(t, wire.TypeSessionReady, frame.T)
	require.Equal(t, "hello-1", frame.ID, "ready echoes the handshake frame id")
	ready, err := wire.DecodeBody[wire.SessionReady](frame)
	require.NoError(t, err)
	return *ready
}

// assertClosed drains the socket and fails if it does not close; a read
// timeout means the server kept it open.
func assertClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Fatal("connection still open after close was expected")
		}
		return
	}
}

func TestHandshake_Start(t *testing.T) {
	f := startFixture(t, nil)
	conn := f.dial(t)

	ready := f.handshake(t, conn, "alice", "phone")
	assert.True(t, strings.HasPrefix(ready.SessionToken, "st_"))
	assert.True(t, strings.HasPrefix(ready.ResumeToken, "rt_"))
	assert.Equal(t, "alice", ready.UserID)

	sess, err := f.sessions.Validate(context.Background(), ready.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "phone", sess.DeviceID)
}

func TestHandshake_FirstFrameMustBeSession(t *testing.T) {
	f := startFixture(t, nil)
	conn := f.dial(t)

	writeFrame(t, conn, wire.TypeConvSend, "x-1", wire.ConvSend{
		ConvID: "team", MsgID: "m-1", Env: wire.Bytes("x"),
	})
	code, _ := frameCode(t, readFrame(t, conn))
	assert.Equal(t, "invalid_frame", code)
	assertClosed(t, conn)
}

func TestHandshake_BadCredentials(t *testing.T) {
	f := startFixture(t, nil)
	conn := f.dial(t)

	writeFrame(t, conn, wire.TypeSessionStart, "h-1", wire.SessionStart{
		AuthToken: "not-a-jwt",
		DeviceID:  "phone",
	})
	code, _ := frameCode(t, readFrame(t, conn))
	assert.Equal(t, "unauthorized", code)
	assertClosed(t, conn)
}

func TestHandshake_Resume(t *testing.T) {
	f := startFixture(t, nil)

	first := f.dial(t)
	ready := f.handshake(t, first, "alice", "phone")
	first.Close()

	conn := f.dial(t)
	writeFrame(t, conn, wire.TypeSessionResume, "r-1", wire.SessionResume{
		ResumeToken: ready.ResumeToken,
	})
	frame := readFrame(t, conn)
	require.Equal(t, wire.TypeSessionReady, frame.T)
	rotated, err := wire.DecodeBody[wire.SessionReady](frame)
	require.NoError(t, err)
	assert.NotEqual(t, ready.SessionToken, rotated.SessionToken)

	// The rotation killed the pre-resume session token.
	_, err = f.sessions.Validate(context.Background(), ready.SessionToken)
	assert.Equal(t, model.CodeUnauthorized, model.CodeOf(err))
	_, err = f.sessions.Validate(context.Background(), rotated.SessionToken)
	assert.NoError(t, err)
}

func TestSendSubscribeAck_FullFlow(t *testing.T) {
	f := startFixture(t, nil)
	f.room(t, "team", "alice")
	conn := f.dial(t)
	f.handshake(t, conn, "alice", "phone")

	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribe{
		ConvID: "team", FromSeq: u64(1),
	})
	writeFrame(t, conn, wire.TypeConvSend, "send-1", wire.ConvSend{
		ConvID: "team", MsgID: "m-1", Env: wire.Bytes("ciphertext"),
	})

	// The send ack and the fan-out event ride independent paths; order on
	// the socket is not fixed.
	var sent *wire.ConvSent
	var event *wire.ConvEvent
	for sent == nil || event == nil {
		frame := readFrame(t, conn)
		switch frame.T {
		case wire.TypeConvSent:
			require.Equal(t, "send-1", frame.ID)
			body, err := wire.DecodeBody[wire.ConvSent](frame)
			require.NoError(t, err)
			sent = body
		case wire.TypeConvEvent:
			body, err := wire.DecodeBody[wire.ConvEvent](frame)
			require.NoError(t, err)
			event = body
		default:
			t.Fatalf("unexpected frame %s", frame.T)
		}
	}
	assert.Equal(t, uint64(1), sent.Seq)
	assert.False(t, sent.Duplicate)
	assert.Equal(t, uint64(1), event.Seq)
	assert.Equal(t, []byte("ciphertext"), []byte(event.Env))

	// A resend of the same msg_id acks as a duplicate with the same seq.
	writeFrame(t, conn, wire.TypeConvSend, "send-2", wire.ConvSend{
		ConvID: "team", MsgID: "m-1", Env: wire.Bytes("ciphertext"),
	})
	frame := readType(t, conn, wire.TypeConvSent)
	dup, err := wire.DecodeBody[wire.ConvSent](frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dup.Seq)
	assert.True(t, dup.Duplicate)

	writeFrame(t, conn, wire.TypeConvAck, "ack-1", wire.ConvAck{ConvID: "team", Seq: 1})
	frame = readType(t, conn, wire.TypeConvAcked)
	require.Equal(t, "ack-1", frame.ID)
	acked, err := wire.DecodeBody[wire.ConvAcked](frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acked.Seq)
}

func TestSubscribe_ReplaysThenGoesLive(t *testing.T) {
	f := startFixture(t, nil)
	f.room(t, "team", "alice")
	f.send(t, "team", "alice", "m-1")
	f.send(t, "team", "alice", "m-2")

	conn := f.dial(t)
	f.handshake(t, conn, "alice", "phone")
	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribe{
		ConvID: "team", FromSeq: u64(1),
	})

	for want := uint64(1); want <= 2; want++ {
		frame := readType(t, conn, wire.TypeConvEvent)
		event, err := wire.DecodeBody[wire.ConvEvent](frame)
		require.NoError(t, err)
		assert.Equal(t, want, event.Seq)
	}

	// Catch-up has drained; a live append flows straight through.
	res := f.send(t, "team", "alice", "m-3")
	frame := readType(t, conn, wire.TypeConvEvent)
	event, err := wire.DecodeBody[wire.ConvEvent](frame)
	require.NoError(t, err)
	assert.Equal(t, res.Seq, event.Seq)
}

func TestSubscribe_NotMember(t *testing.T) {
	f := startFixture(t, nil)
	f.room(t, "team", "alice")
	f.room(t, "bobs", "bob")

	conn := f.dial(t)
	f.handshake(t, conn, "bob", "phone")

	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribe{ConvID: "team"})
	frame := readFrame(t, conn)
	require.Equal(t, "sub-1", frame.ID)
	code, _ := frameCode(t, frame)
	assert.Equal(t, "not_member", code)

	// A rejected subscribe is not a strike; the socket keeps working.
	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-2", wire.ConvSubscribe{
		ConvID: "bobs", FromSeq: u64(1),
	})
	f.send(t, "bobs", "bob", "m-1")
	event := readType(t, conn, wire.TypeConvEvent)
	body, err := wire.DecodeBody[wire.ConvEvent](event)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), body.Seq)
}

func TestSubscribe_PrunedWindow(t *testing.T) {
	f := startFixture(t, nil)
	f.room(t, "team", "alice")
	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		f.send(t, "team", "alice", id)
	}
	_, err := f.store.Prune(context.Background(), "team", 3)
	require.NoError(t, err)

	conn := f.dial(t)
	f.handshake(t, conn, "alice", "phone")

	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribe{
		ConvID: "team", FromSeq: u64(1),
	})
	frame := readFrame(t, conn)
	require.Equal(t, "sub-1", frame.ID)
	code, body := frameCode(t, frame)
	assert.Equal(t, "replay_window_exceeded", code)
	assert.EqualValues(t, 1, body["requested_from_seq"])
	assert.EqualValues(t, 3, body["earliest_seq"])
	assert.EqualValues(t, 4, body["latest_seq"])

	// Clients recover by restarting inside the window.
	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-2", wire.ConvSubscribe{
		ConvID: "team", FromSeq: u64(3),
	})
	for want := uint64(3); want <= 4; want++ {
		frame := readType(t, conn, wire.TypeConvEvent)
		event, err := wire.DecodeBody[wire.ConvEvent](frame)
		require.NoError(t, err)
		assert.Equal(t, want, event.Seq)
	}
}

func TestSubscribe_AutoAck(t *testing.T) {
	f := startFixture(t, nil)
	f.room(t, "team", "alice")
	f.send(t, "team", "alice", "m-1")
	f.send(t, "team", "alice", "m-2")

	conn := f.dial(t)
	ready := f.handshake(t, conn, "alice", "phone")
	sess, err := f.sessions.Validate(context.Background(), ready.SessionToken)
	require.NoError(t, err)

	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribe{
		ConvID: "team", FromSeq: u64(1), AutoAck: true,
	})
	for want := uint64(1); want <= 2; want++ {
		frame := readType(t, conn, wire.TypeConvEvent)
		event, err := wire.DecodeBody[wire.ConvEvent](frame)
		require.NoError(t, err)
		assert.Equal(t, want, event.Seq)
	}

	// The cursor trails delivery, not the client's explicit acks.
	require.Eventually(t, func() bool {
		next, ok, err := f.cursors.Resolve(context.Background(), sess.ID, "team")
		return err == nil && ok && next == 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInvalidFrames_StrikeBudget(t *testing.T) {
	f := startFixture(t, nil)
	conn := f.dial(t)
	f.handshake(t, conn, "alice", "phone")

	// Three strikes: garbage bytes, a server-only type, garbage again.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	code, _ := frameCode(t, readFrame(t, conn))
	assert.Equal(t, "invalid_frame", code)

	writeFrame(t, conn, wire.TypeSessionStart, "again-1", wire.SessionStart{AuthToken: "x", DeviceID: "d"})
	code, _ = frameCode(t, readFrame(t, conn))
	assert.Equal(t, "invalid_frame", code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"v":9}`)))
	code, _ = frameCode(t, readFrame(t, conn))
	assert.Equal(t, "invalid_frame", code)

	assertClosed(t, conn)
}

func TestAck_AboveLiveEdge(t *testing.T) {
	f := startFixture(t, nil)
	f.room(t, "team", "alice")
	f.send(t, "team", "alice", "m-1")

	conn := f.dial(t)
	f.handshake(t, conn, "alice", "phone")

	writeFrame(t, conn, wire.TypeConvAck, "ack-1", wire.ConvAck{ConvID: "team", Seq: 9})
	frame := readFrame(t, conn)
	require.Equal(t, "ack-1", frame.ID)
	code, body := frameCode(t, frame)
	assert.Equal(t, "invalid_ack", code)
	assert.EqualValues(t, 1, body["latest_seq"])
}

func TestRevokedSession_ClosesOnNextFrame(t *testing.T) {
	f := startFixture(t, nil)
	f.room(t, "team", "alice")
	conn := f.dial(t)
	ready := f.handshake(t, conn, "alice", "phone")

	sess, err := f.sessions.Validate(context.Background(), ready.SessionToken)
	require.NoError(t, err)
	require.NoError(t, f.sessions.Logout(context.Background(), sess))

	// The next frame re-validates the token and finds it revoked.
	writeFrame(t, conn, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribe{ConvID: "team"})
	code, _ := frameCode(t, readFrame(t, conn))
	assert.Equal(t, "unauthorized", code)
	assertClosed(t, conn)
}
