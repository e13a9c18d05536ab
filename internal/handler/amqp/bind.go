package amqp

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sealedchat/conv-gateway/internal/metrics"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, payload *T) error

// Bind connects Watermill to domain logic, handling panic recovery, the
// origin loop guard, and payload decoding.
func Bind[T any](h *FederationHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [LOOP_GUARD]
		// The fanout returns our own egress; ack it untouched.
		if origin := msg.Metadata.Get("origin_gateway"); origin == h.gatewayID {
			metrics.FederationIngress.WithLabelValues("looped").Inc()
			return nil
		}

		// [DECODING]
		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: Poison Pill protection.
		}

		// [EXECUTION]
		// Domain logic execution with enriched context (TraceID).
		if err := fn(msg.Context(), payload); err != nil {
			return err // NACK: Business failure triggers Retry policy.
		}
		return nil
	}
}
