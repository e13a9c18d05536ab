package amqp

import (
	"context"
	"errors"

	"github.com/sealedchat/conv-gateway/internal/adapter/pubsub"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/service"
)

// [ON_ENVELOPE_ACCEPTED]
// Replays a remote gateway's accepted envelope through the local append
// pipeline: it gets a local seq, the durable log keeps it, and the hub
// fans it out to local subscribers. origin_gateway rides along so clients
// and the loop guard can tell remote traffic apart.
func (h *FederationHandler) OnEnvelopeAcceptedV1(ctx context.Context, raw *pubsub.EnvelopeV1) error {
	if raw.OriginGateway == h.gatewayID {
		// Metadata was stripped somewhere along the bus; payload is the
		// authoritative loop guard.
		metrics.FederationIngress.WithLabelValues("looped").Inc()
		return nil
	}

	res, err := h.appender.Append(ctx, service.AppendInput{
		ConvID:        raw.ConvID,
		MsgID:         raw.MsgID,
		SenderUserID:  raw.SenderUserID,
		Env:           raw.Env,
		OriginGateway: raw.OriginGateway,
		ConvHome:      raw.ConvHome,
		Trusted:       true,
	})
	if err != nil {
		var merr *model.Error
		if errors.As(err, &merr) {
			switch merr.Code {
			case model.CodeConvNotFound:
				// No local room: nobody here to deliver to. Terminal.
				metrics.FederationIngress.WithLabelValues("skipped").Inc()
				h.logger.Debug("remote envelope skipped", "conv_id", raw.ConvID, "origin", raw.OriginGateway)
				return nil
			case model.CodeInvalidFrame, model.CodePayloadTooLarge:
				// Malformed beyond repair; retrying cannot fix it.
				metrics.FederationIngress.WithLabelValues("failed").Inc()
				h.logger.Warn("remote envelope rejected", "conv_id", raw.ConvID, "err", err)
				return nil
			}
		}
		// storage_unavailable and friends: NACK into the retry policy.
		metrics.FederationIngress.WithLabelValues("failed").Inc()
		return err
	}

	if res.Duplicate {
		metrics.FederationIngress.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.FederationIngress.WithLabelValues("appended").Inc()
	h.logger.Debug("remote envelope appended",
		"conv_id", raw.ConvID,
		"seq", res.Seq,
		"origin", raw.OriginGateway,
	)
	return nil
}
