package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sealedchat/conv-gateway/internal/domain/registry"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
)

// pump bridges one subscription's ordered envelope stream onto the socket.
// It owns the pace: Next is not called again until the previous frame is
// queued, so hub-side backpressure reflects what the client actually
// drained.
func (c *clientConn) pump(ctx context.Context, sub *registry.Subscription, autoAck bool) {
	defer c.wg.Done()
	defer c.h.delivery.Unsubscribe(sub)

	for {
		env, err := sub.Next(ctx)
		if err != nil {
			// slow_consumer and replay_window_exceeded reach the client as a
			// single error frame; the socket itself stays usable.
			if sub.Err() != nil {
				c.sendError("", sub.Err())
			} else if !errors.Is(err, registry.ErrClosed) && ctx.Err() == nil {
				c.sendError("", err)
			}
			return
		}

		frame, ferr := wire.NewFrame(wire.TypeConvEvent, uuid.NewString(), time.Now().UnixMilli(), wire.EventOf(env))
		if ferr != nil {
			c.h.log.Error("EVENT_FRAME_FAILED", "conv_id", env.ConvID, "seq", env.Seq, "err", ferr)
			continue
		}
		if !c.conn.Send(frame) {
			return
		}
		if autoAck {
			c.h.cursors.AutoAck(ctx, c.sess.ID, env.ConvID, env.Seq)
		}
	}
}
