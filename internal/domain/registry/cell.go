/*
Package registry is the fan-out hub of the gateway, built on the Actor Model.

Key architectural concepts:
  - Conversation Cells: every conversation with live subscribers is
    represented by an isolated 'Cell' (Actor) that serializes delivery for
    that conversation across all of its subscriptions.
  - Decoupling & Backpressure: per-subscription bounded queues keep one slow
    consumer from blocking the append path or its neighbors; a saturated
    queue sheds to durable-log catch-up instead of dropping silently, and a
    queue saturated beyond the slow-consumer threshold terminates only that
    subscription.
  - Ordering: the append coordinator publishes inside its per-conversation
    critical section, so a cell's mailbox observes strictly ascending seq
    and every subscriber sees the identical order.
  - Concurrency Management: lock-free cell lookups via sync.Map plus
    fine-grained locking inside individual cells; no global mutex.
*/
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/metrics"
)

// Cell implements [ISOLATED_DELIVERY] for a single conversation.
type Cell struct {
	convID string

	// [MAILBOX]
	// Buffered channel decoupling the append coordinator from delivery.
	// Offers into subscription queues are non-blocking, so the loop never
	// stalls and the mailbox drains at memory speed.
	mailbox chan *model.Envelope

	// [SUBSCRIPTIONS]
	// All live subscriptions of this conversation, any transport.
	subs map[uuid.UUID]*Subscription

	mu sync.RWMutex

	// [LIFECYCLE_CONTROL]
	// Closed exactly once, under mu, when the cell retires.
	doneCh  chan struct{}
	stopped bool

	lastActivityAt time.Time

	cfg options
	log *slog.Logger
}

func newCell(convID string, cfg options, log *slog.Logger) *Cell {
	c := &Cell{
		convID:         convID,
		mailbox:        make(chan *model.Envelope, cfg.mailboxSize),
		subs:           make(map[uuid.UUID]*Subscription),
		doneCh:         make(chan struct{}),
		lastActivityAt: cfg.now(),
		cfg:            cfg,
		log:            log.With("conv_id", convID),
	}
	go c.loop()
	return c
}

// publish hands an envelope to the delivery loop. It blocks while the
// mailbox is momentarily full (the loop never blocks, so the wait is
// bounded) and reports false once the cell has retired.
func (c *Cell) publish(env *model.Envelope) bool {
	select {
	case c.mailbox <- env:
		return true
	case <-c.doneCh:
		return false
	}
}

// attach reports false when the cell retired concurrently; the hub then
// replaces the husk and retries.
func (c *Cell) attach(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.subs[sub.id] = sub
	c.lastActivityAt = c.cfg.now()
	metrics.ActiveSubscriptions.WithLabelValues(sub.transport).Inc()
	return true
}

// detach removes and closes one subscription and reports whether the cell
// emptied and retired with it. Closing here means a replaced or
// unsubscribed consumer blocked in Next unwinds promptly instead of
// waiting out its transport.
func (c *Cell) detach(subID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return false
	}
	sub.Close()
	delete(c.subs, subID)
	metrics.ActiveSubscriptions.WithLabelValues(sub.transport).Dec()
	c.lastActivityAt = c.cfg.now()
	if len(c.subs) == 0 {
		c.stopLocked()
		return true
	}
	return false
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case env := <-c.mailbox:
			c.deliver(env)
		}
	}
}

func (c *Cell) deliver(env *model.Envelope) {
	c.touch()

	c.mu.RLock()
	var victims []uuid.UUID
	for _, sub := range c.subs {
		if terminated := c.offer(sub, env); terminated {
			victims = append(victims, sub.id)
		}
	}
	c.mu.RUnlock()

	for _, id := range victims {
		c.detach(id)
	}
}

// offer pushes one envelope at a single subscription without ever blocking
// the loop. Reports true when the subscription crossed the slow-consumer
// threshold and was terminated.
func (c *Cell) offer(sub *Subscription, env *model.Envelope) bool {
	select {
	case <-sub.done:
		return true
	default:
	}

	if env.Seq < sub.nextSeq.Load() {
		// The consumer already replayed this seq from the store.
		return false
	}

	select {
	case sub.queue <- env:
		sub.stalledAtMs.Store(0)
		return false
	default:
	}

	// Queue full. The envelope is durable, so shift this subscription to
	// store catch-up rather than dropping anything on the floor.
	metrics.QueueOverflows.Inc()
	sub.lagging.Store(true)
	select {
	case sub.kick <- struct{}{}:
	default:
	}

	nowMs := c.cfg.now().UnixMilli()
	stalledAt := sub.stalledAtMs.Load()
	if stalledAt == 0 {
		sub.stalledAtMs.Store(nowMs)
		return false
	}
	if nowMs-stalledAt < c.cfg.slowConsumer.Milliseconds() {
		return false
	}

	// Saturated past the grace window: cut this subscription loose. The
	// durable cursor survives, so the client resumes after reconnect.
	metrics.SlowConsumerKills.Inc()
	c.log.Warn("slow consumer terminated",
		"session_id", sub.sessionID,
		"transport", sub.transport,
		"stalled_ms", nowMs-stalledAt,
	)
	sub.fail(model.NewError(model.CodeSlowConsumer, "delivery queue saturated").
		With("conv_id", c.convID))
	return true
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = c.cfg.now()
	c.mu.Unlock()
}

// reclaimable reports whether the janitor may collect this cell: it
// already retired, or it has no subscriptions and has been quiet past the
// timeout.
func (c *Cell) reclaimable(timeout time.Duration, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return true
	}
	return len(c.subs) == 0 && now.Sub(c.lastActivityAt) > timeout
}

func (c *Cell) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Cell) snapshot(into *model.HubStats) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subs {
		into.Subscriptions++
		into.ByTransport[sub.transport]++
		into.QueuedEnvelopes += sub.queued()
	}
}

// stop retires the cell and cleanly closes any remaining subscriptions.
func (c *Cell) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Cell) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.doneCh)
	for id, sub := range c.subs {
		sub.Close()
		metrics.ActiveSubscriptions.WithLabelValues(sub.transport).Dec()
		delete(c.subs, id)
	}
}
