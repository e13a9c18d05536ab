package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/service"
)

// egressBufferLen bounds how far the bus may lag the append path before
// envelopes are shed from the bridge. The local log is authoritative either
// way; the bridge is best-effort replication.
const egressBufferLen = 1024

// Dispatcher streams locally accepted envelopes onto the broker. Dispatch
// is called inside the append critical section, so it never blocks: it
// offers into a bounded buffer drained by one background publisher
// goroutine. Nil when the broker is disabled.
type Dispatcher struct {
	pub    message.Publisher
	topic  string
	origin string
	log    *slog.Logger

	in   chan *model.Envelope
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

func NewDispatcher(lc fx.Lifecycle, cfg *config.Config, wmLogger watermill.LoggerAdapter, log *slog.Logger) (*Dispatcher, error) {
	if !cfg.Broker.Enabled {
		return nil, nil
	}
	pub, err := NewPublisher(cfg, wmLogger)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		pub:    pub,
		topic:  TopicEnvelopeAccepted(cfg),
		origin: cfg.Broker.ID(),
		log:    log,
		in:     make(chan *model.Envelope, egressBufferLen),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go d.run()
			log.Info("federation egress started", "topic", d.topic, "gateway_id", d.origin)
			return nil
		},
		OnStop: func(_ context.Context) error {
			d.Close()
			return nil
		},
	})
	return d, nil
}

// Dispatch offers one accepted envelope to the bridge; overflow drops.
func (d *Dispatcher) Dispatch(env *model.Envelope) {
	select {
	case <-d.stop:
	case d.in <- env:
	default:
		metrics.FederationEgress.WithLabelValues("dropped").Inc()
		d.log.Warn("FEDERATION_EGRESS_SATURATED", "conv_id", env.ConvID, "seq", env.Seq)
	}
}

// Publisher exposes the underlying publisher for pipeline plumbing such as
// the ingress poison queue.
func (d *Dispatcher) Publisher() message.Publisher { return d.pub }

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			// Best-effort flush of what was already buffered.
			for {
				select {
				case env := <-d.in:
					d.publish(env)
				default:
					return
				}
			}
		case env := <-d.in:
			d.publish(env)
		}
	}
}

func (d *Dispatcher) publish(env *model.Envelope) {
	payload, err := json.Marshal(EnvelopeV1Of(env, d.origin))
	if err != nil {
		d.log.Error("FEDERATION_MARSHAL_FAILED", "conv_id", env.ConvID, "seq", env.Seq, "err", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("origin_gateway", d.origin)
	msg.Metadata.Set("conv_id", env.ConvID)

	if err := d.pub.Publish(d.topic, msg); err != nil {
		metrics.FederationEgress.WithLabelValues("failed").Inc()
		d.log.Error("FEDERATION_PUBLISH_FAILED", "conv_id", env.ConvID, "seq", env.Seq, "err", err)
		return
	}
	metrics.FederationEgress.WithLabelValues("published").Inc()
}

func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.done
		if err := d.pub.Close(); err != nil {
			d.log.Warn("federation publisher close failed", "err", err)
		}
	})
}

// nopDispatcher satisfies the append pipeline when the broker is off.
type nopDispatcher struct{}

func (nopDispatcher) Dispatch(*model.Envelope) {}

// AsAppendDispatcher adapts the optional bridge to the append pipeline's
// egress seam.
func AsAppendDispatcher(d *Dispatcher) service.Dispatcher {
	if d == nil {
		return nopDispatcher{}
	}
	return d
}
