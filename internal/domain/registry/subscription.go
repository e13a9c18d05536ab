package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

// ErrClosed reports a subscription torn down without a protocol error:
// client unsubscribe, transport close, or gateway shutdown.
var ErrClosed = errors.New("subscription closed")

// Subscription is one transport's ordered view of a single conversation.
//
// The consumer side is pull-based: the transport goroutine calls Next and
// owns the pace. Envelopes arrive from two sources that Next reconciles by
// seq: the live queue fed by the cell, and store catch-up pages whenever
// the subscription starts behind the live edge or its queue overflowed.
// nextSeq is the single boundary marker: everything below it has been
// emitted, everything at or above it has not.
type Subscription struct {
	id        uuid.UUID
	convID    string
	sessionID uuid.UUID
	transport string

	// [LIVE_FEED] Bounded queue the cell offers accepted envelopes into.
	queue chan *model.Envelope
	// [WAKEUP] Nudges a parked consumer after an overflow marked it lagging.
	kick chan struct{}

	nextSeq atomic.Uint64
	// lagging flags that the store, not the queue, holds the next envelope.
	lagging atomic.Bool
	// stalledAtMs is the wall time of the first unrelieved overflow; the
	// cell escalates to slow_consumer once it ages past the threshold.
	stalledAtMs atomic.Int64

	reader   EnvelopeReader
	pageSize int
	// buf is the catch-up page currently being drained; consumer-owned.
	buf []model.Envelope

	failOnce sync.Once
	done     chan struct{}
	err      *model.Error
}

func newSubscription(convID string, sessionID uuid.UUID, transport string, fromSeq uint64, reader EnvelopeReader, queueLen, pageSize int) *Subscription {
	s := &Subscription{
		id:        uuid.New(),
		convID:    convID,
		sessionID: sessionID,
		transport: transport,
		queue:     make(chan *model.Envelope, queueLen),
		kick:      make(chan struct{}, 1),
		reader:    reader,
		pageSize:  pageSize,
		done:      make(chan struct{}),
	}
	s.nextSeq.Store(fromSeq)
	// Start in catch-up: the first Next decides from the store whether any
	// history separates fromSeq from the live edge.
	s.lagging.Store(true)
	return s
}

func (s *Subscription) ID() uuid.UUID        { return s.id }
func (s *Subscription) ConvID() string       { return s.convID }
func (s *Subscription) SessionID() uuid.UUID { return s.sessionID }
func (s *Subscription) Transport() string    { return s.transport }

// Done closes when the subscription is terminated from the hub side;
// transports select on it while blocked in writes.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports the terminal protocol error, nil for a clean close. Valid
// only after Done is closed.
func (s *Subscription) Err() *model.Error { return s.err }

// Next blocks until the next in-order envelope is available and returns it.
// Envelopes come out in strictly ascending seq with no gaps and no repeats,
// regardless of how catch-up and live delivery interleave underneath.
//
// A terminal condition surfaces as an error: the caller translates it into
// its transport's close behavior and must not call Next again.
func (s *Subscription) Next(ctx context.Context) (*model.Envelope, error) {
	for {
		// Terminal beats buffered: once closed or failed, nothing more flows,
		// even if a catch-up page is still in hand.
		select {
		case <-s.done:
			return nil, s.terminalErr()
		default:
		}

		if len(s.buf) > 0 {
			env := s.buf[0]
			s.buf = s.buf[1:]
			s.nextSeq.Store(env.Seq + 1)
			return &env, nil
		}

		if s.lagging.Swap(false) {
			if err := s.fetchPage(ctx); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, s.terminalErr()
		case <-s.kick:
			continue
		case env := <-s.queue:
			next := s.nextSeq.Load()
			switch {
			case env.Seq < next:
				// Replayed from the store already; queue copy is stale.
				continue
			case env.Seq > next:
				// A gap: an offer was shed while we were behind. The
				// durable log has this envelope too, so recover from it.
				s.lagging.Store(true)
				continue
			default:
				s.nextSeq.Store(env.Seq + 1)
				return env, nil
			}
		}
	}
}

func (s *Subscription) terminalErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrClosed
}

// fail terminates the subscription with a protocol error; first caller wins.
func (s *Subscription) fail(err *model.Error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Close tears the subscription down without an error.
func (s *Subscription) Close() {
	s.failOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) queued() int { return len(s.queue) }
