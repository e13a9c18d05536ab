package lp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/auth"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/handler/httpapi"
	"github.com/sealedchat/conv-gateway/internal/service"
	"github.com/sealedchat/conv-gateway/internal/store"
)

const testSecret = "unit-test-secret-0123456789"

type discardDispatch struct{}

func (discardDispatch) Dispatch(*model.Envelope) {}

type fixture struct {
	store    *store.SQLite
	verifier *auth.Verifier
	sessions *service.SessionService
	rooms    *service.RoomService
	appender *service.AppendService
	cursors  *service.CursorService
	srv      *httptest.Server
}

func startFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), 5*time.Second, 4, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := registry.NewHub(st, log,
		registry.WithQueueLen(cfg.Hub.SubscriptionQueueLen),
		registry.WithReplayPageSize(cfg.Hub.ReplayPageSize),
	)
	t.Cleanup(hub.Shutdown)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	rooms := service.NewRoomService(st, log)
	cursors := service.NewCursorService(st, st, rooms, log)
	sessions := service.NewSessionService(cfg, st, verifier, log)
	appender := service.NewAppendService(cfg, st, rooms, hub, discardDispatch{}, log)
	delivery := service.NewDeliveryService(cfg, hub, rooms, cursors, st, log)

	mux := chi.NewMux()
	mux.With(httpapi.RequireSession(sessions, log)).Get("/v1/poll", NewHandler(delivery, log).ServeHTTP)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{
		store:    st,
		verifier: verifier,
		sessions: sessions,
		rooms:    rooms,
		appender: appender,
		cursors:  cursors,
		srv:      srv,
	}
}

func (f *fixture) session(t *testing.T, userID string) (string, model.Session) {
	t.Helper()
	tok, err := f.verifier.Mint(userID, time.Hour)
	require.NoError(t, err)
	out, err := f.sessions.Start(context.Background(), service.StartInput{
		AuthToken: tok,
		DeviceID:  "phone",
	})
	require.NoError(t, err)
	return out.SessionToken, out.Session
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

func (f *fixture) poll(t *testing.T, token, query string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/poll"+query, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func events(t *testing.T, resp *http.Response) []wire.ConvEvent {
	t.Helper()
	defer resp.Body.Close()
	var out struct {
		Events []wire.ConvEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Events
}

func TestPoll_RequiresAuth(t *testing.T) {
	f := startFixture(t)
	resp := f.poll(t, "", "?conv_id=team")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestPoll_BatchesBacklog(t *testing.T) {
	f := startFixture(t)
	f.room(t, "team", "alice")
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		f.send(t, "team", "alice", id)
	}
	token, _ := f.session(t, "alice")

	resp := f.poll(t, token, "?conv_id=team&from_seq=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := events(t, resp)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, []byte("ciphertext"), []byte(ev.Env))
	}
}

func TestPoll_NoContentOnTimeout(t *testing.T) {
	f := startFixture(t)
	f.room(t, "team", "alice")
	token, _ := f.session(t, "alice")

	// At the live edge with nothing arriving, the wait lapses empty.
	resp := f.poll(t, token, "?conv_id=team&wait_ms=100")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestPoll_WakesOnAppend(t *testing.T) {
	f := startFixture(t)
	f.room(t, "team", "alice")
	token, _ := f.session(t, "alice")

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = f.appender.Append(context.Background(), service.AppendInput{
			ConvID:       "team",
			MsgID:        "m-live",
			SenderUserID: "alice",
			Env:          []byte("ciphertext"),
		})
	}()

	// from_seq=1 keeps the outcome independent of whether the append lands
	// before or after the subscription attaches.
	resp := f.poll(t, token, "?conv_id=team&from_seq=1&wait_ms=5000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := events(t, resp)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, "m-live", evs[0].MsgID)
}

func TestPoll_ResumesFromCursor(t *testing.T) {
	f := startFixture(t)
	f.room(t, "team", "alice")
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		f.send(t, "team", "alice", id)
	}
	token, sess := f.session(t, "alice")
	require.NoError(t, f.cursors.Ack(context.Background(), sess, "team", 1))

	// No from_seq: the durable cursor decides where the batch starts.
	resp := f.poll(t, token, "?conv_id=team")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := events(t, resp)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(3), evs[1].Seq)
}

func TestPoll_PrunedReplayRejected(t *testing.T) {
	f := startFixture(t)
	f.room(t, "team", "alice")
	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		f.send(t, "team", "alice", id)
	}
	_, err := f.store.Prune(context.Background(), "team", 3)
	require.NoError(t, err)
	token, _ := f.session(t, "alice")

	resp := f.poll(t, token, "?conv_id=team&from_seq=1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "replay_window_exceeded", body["code"])
	assert.EqualValues(t, 3, body["earliest_seq"])
}

func TestPoll_BadParams(t *testing.T) {
	f := startFixture(t)
	f.room(t, "team", "alice")
	token, _ := f.session(t, "alice")

	resp := f.poll(t, token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.poll(t, token, "?conv_id=team&from_seq=oops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
