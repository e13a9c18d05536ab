package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics, registered on the default registry and served from the
// ops listener.
//
// Naming convention: namespace_subsystem_name
// - namespace: sealedchat
// - subsystem: append, hub, transport, session, store

var (
	// Appends by outcome: accepted | duplicate | rejected | error.
	AppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "append",
		Name:      "envelopes_total",
		Help:      "Append pipeline outcomes",
	}, []string{"result"})

	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sealedchat",
		Subsystem: "append",
		Name:      "duration_seconds",
		Help:      "Wall time of one append, idempotency check through fsync",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	EnvelopeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sealedchat",
		Subsystem: "append",
		Name:      "envelope_bytes",
		Help:      "Accepted envelope sizes",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sealedchat",
		Subsystem: "append",
		Name:      "breaker_open",
		Help:      "Storage circuit breaker state: 0 closed, 1 open, 2 half-open",
	})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sealedchat",
		Subsystem: "hub",
		Name:      "subscriptions_active",
		Help:      "Live subscriptions by transport",
	}, []string{"transport"})

	ActiveCells = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sealedchat",
		Subsystem: "hub",
		Name:      "cells_active",
		Help:      "Conversations with at least one live subscription",
	})

	QueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "hub",
		Name:      "queue_overflows_total",
		Help:      "Deliveries deferred to store catch-up because a subscription queue was full",
	})

	SlowConsumerKills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "hub",
		Name:      "slow_consumer_kills_total",
		Help:      "Subscriptions terminated after sustained backpressure",
	})

	ReplayPages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "hub",
		Name:      "replay_pages_total",
		Help:      "Catch-up pages read from the store",
	})

	ActiveConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sealedchat",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Open client connections by transport",
	}, []string{"transport"})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Protocol frames by direction",
	}, []string{"direction"})

	WireErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "transport",
		Name:      "errors_total",
		Help:      "Error frames and bodies sent to clients, by code",
	}, []string{"code"})

	SessionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "session",
		Name:      "ops_total",
		Help:      "Session lifecycle operations",
	}, []string{"op", "status"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "session",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by token buckets, by scope",
	}, []string{"scope"})

	PrunedEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "store",
		Name:      "pruned_envelopes_total",
		Help:      "Envelopes discarded by the retention sweeper",
	})

	FederationEgress = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "federation",
		Name:      "egress_total",
		Help:      "Envelopes offered to the broker bridge: published | dropped | failed",
	}, []string{"result"})

	FederationIngress = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealedchat",
		Subsystem: "federation",
		Name:      "ingress_total",
		Help:      "Broker envelopes received: appended | duplicate | looped | skipped | failed",
	}, []string{"result"})
)
