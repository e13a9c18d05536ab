package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/store"
)

// Sweeper enforces the retention policy on a timer: per-conversation
// envelope pruning by count and by age, and removal of sessions whose
// resume window closed. Replayers that fall behind a prune see
// replay_window_exceeded on their next page, never silent gaps.
type Sweeper struct {
	retention store.RetentionStore
	rooms     store.RoomStore
	cfg       config.Retention
	log       *slog.Logger
}

func NewSweeper(cfg *config.Config, st store.Store, log *slog.Logger) *Sweeper {
	return &Sweeper{
		retention: st,
		rooms:     st,
		cfg:       cfg.Retention,
		log:       log,
	}
}

// Run blocks until ctx is done, sweeping every interval.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.cfg.Enabled() {
		rooms, err := s.rooms.Rooms(ctx)
		if err != nil {
			s.log.Error("SWEEP_LIST_FAILED", "err", err)
		} else {
			for _, room := range rooms {
				s.pruneRoom(ctx, room)
			}
		}
	}

	// Sessions die when their resume window closes; dead rows and their
	// cursors only waste pages after that.
	cutoff := time.Now().UnixMilli()
	if n, err := s.retention.DeleteDeadSessions(ctx, cutoff); err != nil {
		s.log.Error("SWEEP_SESSIONS_FAILED", "err", err)
	} else if n > 0 {
		s.log.Info("dead sessions removed", "count", n)
	}
}

func (s *Sweeper) pruneRoom(ctx context.Context, room model.Room) {
	upTo := room.EarliestRetainedSeq

	if s.cfg.MaxRetained > 0 {
		retained := room.NextSeq - room.EarliestRetainedSeq
		if retained > s.cfg.MaxRetained {
			upTo = room.NextSeq - s.cfg.MaxRetained
		}
	}
	if s.cfg.RetainMs > 0 {
		cutoff := time.Now().UnixMilli() - s.cfg.RetainMs
		boundary, err := s.retention.AgeBoundary(ctx, room.ConvID, cutoff)
		if err != nil {
			s.log.Error("SWEEP_AGE_FAILED", "conv_id", room.ConvID, "err", err)
			return
		}
		if boundary > upTo {
			upTo = boundary
		}
	}
	if upTo <= room.EarliestRetainedSeq {
		return
	}

	n, err := s.retention.Prune(ctx, room.ConvID, upTo)
	if err != nil {
		s.log.Error("SWEEP_PRUNE_FAILED", "conv_id", room.ConvID, "err", err)
		return
	}
	if n > 0 {
		metrics.PrunedEnvelopes.Add(float64(n))
		s.log.Info("envelopes pruned",
			"conv_id", room.ConvID,
			"pruned", n,
			"earliest_retained_seq", upTo,
		)
	}
}
