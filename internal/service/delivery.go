package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/store"
)

// [DELIVERY_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (WS/SSE)
type Deliverer interface {
	// Subscribe authorizes the session on convID, resolves the replay
	// start and attaches a hub subscription. A nil fromSeq falls back to
	// the stored cursor, then to the live edge.
	Subscribe(ctx context.Context, sess model.Session, convID string, fromSeq *uint64, transport string) (*registry.Subscription, error)
	Unsubscribe(sub *registry.Subscription)
	// UnsubscribeSession severs every subscription of a closing transport.
	UnsubscribeSession(sessionID uuid.UUID)
	Stats() model.HubStats
}

type DeliveryService struct {
	hub     registry.Hubber
	rooms   RoomManager
	cursors Acker
	roomst  store.RoomStore

	// [SESSION_INDEX] session -> conv -> live subscription. One
	// subscription per (session, conv): a re-subscribe replaces the old one.
	mu        sync.Mutex
	bySession map[uuid.UUID]map[string]*registry.Subscription

	maxSubs int
	log     *slog.Logger
}

func NewDeliveryService(cfg *config.Config, hub registry.Hubber, rooms RoomManager, cursors Acker, roomst store.RoomStore, log *slog.Logger) *DeliveryService {
	return &DeliveryService{
		hub:       hub,
		rooms:     rooms,
		cursors:   cursors,
		roomst:    roomst,
		bySession: make(map[uuid.UUID]map[string]*registry.Subscription),
		maxSubs:   cfg.Limits.MaxSubscriptionsPerSession,
		log:       log,
	}
}

func (s *DeliveryService) Subscribe(ctx context.Context, sess model.Session, convID string, fromSeq *uint64, transport string) (*registry.Subscription, error) {
	if _, err := s.rooms.Authorize(ctx, convID, sess.UserID); err != nil {
		return nil, err
	}
	room, err := s.roomst.GetRoom(ctx, convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.NewError(model.CodeConvNotFound, "unknown conversation").With("conv_id", convID)
		}
		return nil, storeErr(s.log, "subscribe window", err)
	}

	from, err := s.resolveFrom(ctx, sess.ID, room, fromSeq)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	convs := s.bySession[sess.ID]
	if convs == nil {
		convs = make(map[string]*registry.Subscription)
		s.bySession[sess.ID] = convs
	}
	if old, ok := convs[convID]; ok {
		// Re-subscribe replaces: the client is repositioning its cursor.
		s.hub.Unsubscribe(old.ConvID(), old.ID())
		delete(convs, convID)
	} else if s.maxSubs > 0 && len(convs) >= s.maxSubs {
		metrics.RateLimited.WithLabelValues("subscribe").Inc()
		return nil, model.NewError(model.CodeRateLimited, "subscription limit reached").
			With("max_subscriptions", s.maxSubs)
	}

	sub := s.hub.Subscribe(convID, sess.ID, transport, from)
	convs[convID] = sub
	s.log.Debug("subscribed", "conv_id", convID, "session_id", sess.ID, "from_seq", from, "transport", transport)
	return sub, nil
}

// resolveFrom picks the replay start: explicit from_seq, else the stored
// cursor, else the live edge. The result is clamped into the retained
// window; a start below it is rejected before any event flows.
func (s *DeliveryService) resolveFrom(ctx context.Context, sessionID uuid.UUID, room model.Room, fromSeq *uint64) (uint64, error) {
	w := room.Window()
	var from uint64
	switch {
	case fromSeq != nil:
		from = *fromSeq
		if from == 0 {
			// Seqs start at 1; 0 reads as "everything retained".
			from = 1
		}
	default:
		cursor, ok, err := s.cursors.Resolve(ctx, sessionID, room.ConvID)
		if err != nil {
			return 0, err
		}
		if ok {
			from = cursor
		} else {
			return w.NextSeq, nil
		}
	}
	if from > w.NextSeq {
		// Past the live edge, for instance a cursor from before a prune
		// reset. Resume live.
		return w.NextSeq, nil
	}
	if !w.Admits(from) {
		return 0, model.ReplayWindowExceeded(from, w.EarliestSeq, w.LatestSeq()).
			With("conv_id", room.ConvID)
	}
	return from, nil
}

func (s *DeliveryService) Unsubscribe(sub *registry.Subscription) {
	s.hub.Unsubscribe(sub.ConvID(), sub.ID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if convs, ok := s.bySession[sub.SessionID()]; ok {
		if cur, ok := convs[sub.ConvID()]; ok && cur.ID() == sub.ID() {
			delete(convs, sub.ConvID())
		}
		if len(convs) == 0 {
			delete(s.bySession, sub.SessionID())
		}
	}
}

func (s *DeliveryService) UnsubscribeSession(sessionID uuid.UUID) {
	s.mu.Lock()
	convs := s.bySession[sessionID]
	delete(s.bySession, sessionID)
	s.mu.Unlock()
	for _, sub := range convs {
		s.hub.Unsubscribe(sub.ConvID(), sub.ID())
	}
}

func (s *DeliveryService) Stats() model.HubStats {
	return s.hub.Stats()
}
