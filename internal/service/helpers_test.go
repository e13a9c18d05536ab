package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/auth"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/store"
)

const testSecret = "unit-test-secret-0123456789"

// captureDispatcher records federation egress instead of touching a broker.
type captureDispatcher struct {
	mu   sync.Mutex
	envs []*model.Envelope
}

func (d *captureDispatcher) Dispatch(env *model.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.envs)
}

// fixture wires the service layer over a real sqlite store and a real hub,
// so tests cross the same seams production does.
type fixture struct {
	cfg      *config.Config
	store    *store.SQLite
	hub      *registry.Hub
	verifier *auth.Verifier
	rooms    *RoomService
	sessions *SessionService
	cursors  *CursorService
	appender *AppendService
	delivery *DeliveryService
	dispatch *captureDispatcher
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
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

	dispatch := &captureDispatcher{}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	rooms := NewRoomService(st, log)
	cursors := NewCursorService(st, st, rooms, log)

	return &fixture{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		verifier: verifier,
		rooms:    rooms,
		sessions: NewSessionService(cfg, st, verifier, log),
		cursors:  cursors,
		appender: NewAppendService(cfg, st, rooms, hub, dispatch, log),
		delivery: NewDeliveryService(cfg, hub, rooms, cursors, st, log),
		dispatch: dispatch,
	}
}

func (f *fixture) room(t *testing.T, convID, owner string) {
	t.Helper()
	_, err := f.rooms.Create(context.Background(), owner, convID)
	require.NoError(t, err)
}

func (f *fixture) invite(t *testing.T, actor, convID, userID string, role model.Role) {
	t.Helper()
	require.NoError(t, f.rooms.Invite(context.Background(), actor, convID, userID, role))
}

func (f *fixture) send(t *testing.T, convID, sender, msgID string) model.AppendResult {
	t.Helper()
	res, err := f.appender.Append(context.Background(), AppendInput{
		ConvID:       convID,
		MsgID:        msgID,
		SenderUserID: sender,
		Env:          []byte("ciphertext"),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) session(t *testing.T, userID, deviceID string) *SessionTokens {
	t.Helper()
	tok, err := f.verifier.Mint(userID, time.Hour)
	require.NoError(t, err)
	out, err := f.sessions.Start(context.Background(), StartInput{
		AuthToken: tok,
		DeviceID:  deviceID,
	})
	require.NoError(t, err)
	return out
}
