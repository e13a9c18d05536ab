package registry

import (
	"context"
	"fmt"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/metrics"
)

// EnvelopeReader is the slice of the store the hub needs for catch-up reads.
type EnvelopeReader interface {
	ReadRange(ctx context.Context, convID string, fromSeq uint64, limit int) ([]model.Envelope, model.Window, error)
}

// fetchPage reads the next catch-up page into s.buf. A full page re-arms
// lagging so the following Next keeps paging; a short page means the live
// edge is near and the queue takes over, deduped by nextSeq.
//
// Overflowed queue entries are discarded up front: during catch-up every
// envelope is served from the durable log anyway, and freeing the queue
// keeps the cell from reading a draining consumer as stalled.
func (s *Subscription) fetchPage(ctx context.Context) error {
	s.drainQueue()

	from := s.nextSeq.Load()
	rows, w, err := s.reader.ReadRange(ctx, s.convID, from, s.pageSize)
	if err != nil {
		return fmt.Errorf("catch-up read %s from %d: %w", s.convID, from, err)
	}
	if from < w.EarliestSeq {
		// Pruning overtook this reader; replay can no longer be gapless.
		werr := model.ReplayWindowExceeded(from, w.EarliestSeq, w.LatestSeq()).With("conv_id", s.convID)
		s.fail(werr)
		return werr
	}
	metrics.ReplayPages.Inc()

	s.buf = rows
	if len(rows) == s.pageSize {
		s.lagging.Store(true)
	}
	return nil
}

func (s *Subscription) drainQueue() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}
