package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/metrics"
)

// Hubber is the fan-out surface consumed by the delivery service.
type Hubber interface {
	Publish(env *model.Envelope)
	Subscribe(convID string, sessionID uuid.UUID, transport string, fromSeq uint64) *Subscription
	Unsubscribe(convID string, subID uuid.UUID)
	Stats() model.HubStats
	Shutdown()
}

// Hub implements a [SCALABLE_REGISTRY] of conversation cells.
type Hub struct {
	// cells stores Map[string]*Cell keyed by conv_id. Optimized for
	// [READ_HEAVY] workloads: Publish and Subscribe vastly outnumber cell
	// creation.
	cells sync.Map

	reader    EnvelopeReader
	cfg       options
	log       *slog.Logger
	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

func NewHub(reader EnvelopeReader, log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		reader:    reader,
		cfg:       defaultOptions(),
		log:       log,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&h.cfg)
	}
	go h.janitor()
	return h
}

// Publish routes an accepted envelope to the conversation's cell. The
// coordinator calls this inside its per-conversation critical section, so
// each mailbox observes strictly ascending seq. A conversation nobody is
// subscribed to has no cell and nothing to do; the durable log already
// holds the row.
func (h *Hub) Publish(env *model.Envelope) {
	if val, ok := h.cells.Load(env.ConvID); ok {
		val.(*Cell).publish(env)
	}
}

// Subscribe attaches a new subscription starting at fromSeq. The window
// admission check happened upstream against the same durable state the
// catch-up reader uses, and catch-up re-verifies it on every page.
func (h *Hub) Subscribe(convID string, sessionID uuid.UUID, transport string, fromSeq uint64) *Subscription {
	sub := newSubscription(convID, sessionID, transport, fromSeq,
		h.reader, h.cfg.queueLen, h.cfg.pageSize)
	for {
		val, ok := h.cells.Load(convID)
		if !ok {
			// [LAZY_INIT] Create the cell when the first subscriber arrives.
			fresh := newCell(convID, h.cfg, h.log)
			if actual, raced := h.cells.LoadOrStore(convID, fresh); raced {
				fresh.stop()
				val = actual
			} else {
				val = fresh
			}
		}
		cell := val.(*Cell)
		if cell.attach(sub) {
			return sub
		}
		// Retired husk: replace and retry.
		h.cells.CompareAndDelete(convID, val)
	}
}

// Unsubscribe performs [GRACEFUL_RECLAMATION]: the subscription is closed,
// and an emptied cell retires with it.
func (h *Hub) Unsubscribe(convID string, subID uuid.UUID) {
	val, ok := h.cells.Load(convID)
	if !ok {
		return
	}
	cell := val.(*Cell)
	if cell.detach(subID) {
		h.cells.CompareAndDelete(convID, val)
	}
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{
		ByTransport: make(map[string]int, 2),
		Uptime:      time.Since(h.startedAt),
	}
	h.cells.Range(func(_, val any) bool {
		cell := val.(*Cell)
		if cell.size() > 0 {
			stats.Conversations++
		}
		cell.snapshot(&stats)
		return true
	})
	return stats
}

// janitor periodically reclaims retired husks and cells left idle by races
// between detach and subscribe.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.cfg.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			now := h.cfg.now()
			active := 0
			h.cells.Range(func(key, val any) bool {
				cell := val.(*Cell)
				if cell.reclaimable(h.cfg.idleTimeout, now) {
					cell.stop()
					h.cells.CompareAndDelete(key, val)
					h.log.Debug("cell evicted", "conv_id", key)
					return true
				}
				active++
				return true
			})
			metrics.ActiveCells.Set(float64(active))
		}
	}
}

// Shutdown stops the janitor and every cell; live subscriptions close
// cleanly and transports unwind through their Done channels.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.cells.Range(func(key, val any) bool {
			val.(*Cell).stop()
			h.cells.Delete(key)
			return true
		})
	})
}
