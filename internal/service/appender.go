package service

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/store"
)

const (
	appendShards   = 256
	appendAttempts = 3
	appendBaseWait = 50 * time.Millisecond
)

// AppendInput is one candidate envelope from any ingress (WS, inbox, AMQP).
type AppendInput struct {
	ConvID       string
	MsgID        string
	SenderUserID string
	Env          []byte
	// DeviceID scopes the send quota; empty skips the quota entirely.
	DeviceID      string
	OriginGateway string
	ConvHome      string
	// Trusted marks broker ingress: membership was enforced by the home
	// gateway, so only size limits apply here.
	Trusted bool
}

// Appender serializes envelope writes per conversation.
type Appender interface {
	Append(ctx context.Context, in AppendInput) (model.AppendResult, error)
}

// Dispatcher forwards locally accepted envelopes to the federation egress.
// The broker adapter provides the real one; with the broker disabled a
// no-op stands in.
type Dispatcher interface {
	Dispatch(env *model.Envelope)
}

type idemEntry struct {
	seq uint64
	ts  int64
}

// AppendService is the ordering core: for a fixed conv_id, store write and
// hub publish happen inside one critical section, so every subscriber
// observes the exact commit order. Different conversations hash to
// independent shards and append in parallel.
type AppendService struct {
	store    store.EnvelopeStore
	rooms    RoomManager
	hub      registry.Hubber
	dispatch Dispatcher

	// [SHARDED_LOCKING] conv_id -> shard via fnv64a. Collisions only cost
	// parallelism, never correctness.
	shards [appendShards]sync.Mutex

	// [HOT_PATH] (conv_id, msg_id) -> assigned row. Replayed sends answer
	// from memory; the sqlite UNIQUE index stays authoritative.
	idem *lru.Cache[string, idemEntry]

	breaker *gobreaker.CircuitBreaker
	sends   *Limiters

	maxEnvBytes   int
	maxMsgIDBytes int
	log           *slog.Logger
}

func NewAppendService(cfg *config.Config, st store.EnvelopeStore, rooms RoomManager, hub registry.Hubber, dispatch Dispatcher, log *slog.Logger) *AppendService {
	idem, _ := lru.New[string, idemEntry](50_000)
	s := &AppendService{
		store:         st,
		rooms:         rooms,
		hub:           hub,
		dispatch:      dispatch,
		idem:          idem,
		sends:         NewLimiters(10_000, cfg.Limits.SendQPSPerDevicePerConv, cfg.Limits.SendBurstPerDevicePerConv),
		maxEnvBytes:   cfg.Limits.MaxEnvBytes,
		maxMsgIDBytes: cfg.Limits.MaxMsgIDBytes,
		log:           log,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-append",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.BreakerState.Set(v)
			log.Warn("STORE_BREAKER_STATE_CHANGED", "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Domain outcomes say nothing about storage health.
			return err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled)
		},
	})
	return s
}

func (s *AppendService) Append(ctx context.Context, in AppendInput) (model.AppendResult, error) {
	if in.MsgID == "" || len(in.MsgID) > s.maxMsgIDBytes {
		metrics.AppendsTotal.WithLabelValues("rejected").Inc()
		return model.AppendResult{}, model.Errorf(model.CodeInvalidFrame, "msg_id must be 1..%d bytes", s.maxMsgIDBytes)
	}
	if len(in.Env) > s.maxEnvBytes {
		metrics.AppendsTotal.WithLabelValues("rejected").Inc()
		return model.AppendResult{}, model.NewError(model.CodePayloadTooLarge, "env exceeds the envelope ceiling").
			With("max_env_bytes", s.maxEnvBytes)
	}
	if !in.Trusted {
		if _, err := s.rooms.Authorize(ctx, in.ConvID, in.SenderUserID); err != nil {
			metrics.AppendsTotal.WithLabelValues("rejected").Inc()
			return model.AppendResult{}, err
		}
		if in.DeviceID != "" && !s.sends.Allow(in.DeviceID+"\x00"+in.ConvID) {
			metrics.AppendsTotal.WithLabelValues("rejected").Inc()
			metrics.RateLimited.WithLabelValues("send").Inc()
			return model.AppendResult{}, model.NewError(model.CodeRateLimited, "send quota exceeded").
				With("conv_id", in.ConvID)
		}
	}

	key := in.ConvID + "\x00" + in.MsgID
	if hit, ok := s.idem.Get(key); ok {
		metrics.AppendsTotal.WithLabelValues("duplicate").Inc()
		return model.AppendResult{Seq: hit.seq, TsMs: hit.ts, Duplicate: true}, nil
	}

	shard := &s.shards[shardOf(in.ConvID)]
	shard.Lock()
	defer shard.Unlock()

	start := time.Now()
	out, err := s.breaker.Execute(func() (any, error) {
		return s.appendWithRetry(ctx, in)
	})
	metrics.AppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return model.AppendResult{}, s.appendErr(in, err)
	}

	res := out.(model.AppendResult)
	s.idem.Add(key, idemEntry{seq: res.Seq, ts: res.TsMs})
	if res.Duplicate {
		metrics.AppendsTotal.WithLabelValues("duplicate").Inc()
		return res, nil
	}

	metrics.AppendsTotal.WithLabelValues("accepted").Inc()
	metrics.EnvelopeBytes.Observe(float64(len(in.Env)))

	env := &model.Envelope{
		ConvID:        in.ConvID,
		Seq:           res.Seq,
		MsgID:         in.MsgID,
		SenderUserID:  in.SenderUserID,
		Env:           in.Env,
		TsMs:          res.TsMs,
		OriginGateway: in.OriginGateway,
		ConvHome:      in.ConvHome,
	}
	// Still inside the shard lock: the hub and the egress stream both see
	// commit order.
	s.hub.Publish(env)
	if in.OriginGateway == "" {
		s.dispatch.Dispatch(env)
	}
	return res, nil
}

// appendWithRetry absorbs transient sqlite contention. Anything still
// failing after the last attempt propagates to the circuit breaker.
func (s *AppendService) appendWithRetry(ctx context.Context, in AppendInput) (model.AppendResult, error) {
	req := store.AppendRequest{
		ConvID:        in.ConvID,
		MsgID:         in.MsgID,
		SenderUserID:  in.SenderUserID,
		Env:           in.Env,
		TsMs:          time.Now().UnixMilli(),
		OriginGateway: in.OriginGateway,
		ConvHome:      in.ConvHome,
	}
	var (
		res model.AppendResult
		err error
	)
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if attempt > 0 {
			backoff := appendBaseWait << uint(attempt-1)
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return model.AppendResult{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		res, err = s.store.AppendEnvelope(ctx, req)
		if err == nil || !store.Retryable(err) {
			return res, err
		}
		s.log.Debug("append retry", "conv_id", in.ConvID, "attempt", attempt+1, "err", err)
	}
	return model.AppendResult{}, err
}

func (s *AppendService) appendErr(in AppendInput, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.AppendsTotal.WithLabelValues("rejected").Inc()
		return model.NewError(model.CodeConvNotFound, "unknown conversation").With("conv_id", in.ConvID)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.AppendsTotal.WithLabelValues("error").Inc()
		return model.NewError(model.CodeStorageUnavailable, "append temporarily unavailable").
			With("conv_id", in.ConvID)
	case store.Retryable(err):
		metrics.AppendsTotal.WithLabelValues("error").Inc()
		return model.NewError(model.CodeStorageUnavailable, "append temporarily unavailable").
			With("conv_id", in.ConvID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		metrics.AppendsTotal.WithLabelValues("error").Inc()
		s.log.Error("APPEND_FAILED", "conv_id", in.ConvID, "err", err)
		return model.NewError(model.CodeInternal, "append failed")
	}
}

func shardOf(convID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(convID))
	return h.Sum64() % appendShards
}
