package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sealedchat/conv-gateway/config"
)

// Topology: one durable fanout exchange per topic, the library's standard
// pub/sub layout. Every gateway binds its own durable queue, so each one
// sees every accepted envelope and filters its own by origin_gateway.

// TopicEnvelopeAccepted is the bus topic carrying accepted envelopes;
// broker.exchange prefixes it.
func TopicEnvelopeAccepted(cfg *config.Config) string {
	return cfg.Broker.Exchange + ".envelope.accepted.v1"
}

// TopicEnvelopePoison receives envelopes the ingress pipeline gave up on.
func TopicEnvelopePoison(cfg *config.Config) string {
	return cfg.Broker.Exchange + ".envelope.poison.v1"
}

// FederationQueue is this gateway's durable consume queue. Stable across
// restarts so the broker holds envelopes while the gateway is down.
func FederationQueue(cfg *config.Config) string {
	return cfg.Broker.Exchange + ".federation." + cfg.Broker.ID()
}

// NewPublisher builds the egress publisher. Publisher-only configs carry
// no queue name generator.
func NewPublisher(cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wamqp.NewPublisher(wamqp.NewDurablePubSubConfig(cfg.Broker.URL, nil), logger)
}

// NewSubscriber builds the ingress subscriber bound to the gateway's
// federation queue.
func NewSubscriber(cfg *config.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	wcfg := wamqp.NewDurablePubSubConfig(
		cfg.Broker.URL,
		wamqp.GenerateQueueNameConstant(FederationQueue(cfg)),
	)
	return wamqp.NewSubscriber(wcfg, logger)
}
