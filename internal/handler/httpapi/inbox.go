package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/service"
)

const maxInboxBytes = 4 << 20

// inbox is the socketless submit path: one protocol frame per request, the
// same strict decoding and semantics as the WS loop, one frame back.
func (h *Handlers) inbox(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r.Context())

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboxBytes))
	if err != nil {
		writeError(w, h.log, model.NewError(model.CodePayloadTooLarge, "request body too large"))
		return
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	metrics.FramesTotal.WithLabelValues("in").Inc()

	var reply *wire.Frame
	switch frame.T {
	case wire.TypeConvSend:
		reply, err = h.inboxSend(r, sess, frame)
	case wire.TypeConvAck:
		reply, err = h.inboxAck(r, sess, frame)
	default:
		err = model.NewError(model.CodeInvalidFrame, "inbox accepts conv.send and conv.ack frames").
			With("t", string(frame.T))
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	out, err := reply.Encode()
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	metrics.FramesTotal.WithLabelValues("out").Inc()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (h *Handlers) inboxSend(r *http.Request, sess model.Session, frame *wire.Frame) (*wire.Frame, error) {
	body, err := wire.DecodeBody[wire.ConvSend](frame)
	if err != nil {
		return nil, err
	}
	res, err := h.appender.Append(r.Context(), service.AppendInput{
		ConvID:       body.ConvID,
		MsgID:        body.MsgID,
		SenderUserID: sess.UserID,
		Env:          body.Env,
		DeviceID:     sess.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	return wire.NewFrame(wire.TypeConvSent, frame.ID, time.Now().UnixMilli(), wire.ConvSent{
		ConvID:    body.ConvID,
		MsgID:     body.MsgID,
		Seq:       res.Seq,
		TS:        res.TsMs,
		Duplicate: res.Duplicate,
	})
}

func (h *Handlers) inboxAck(r *http.Request, sess model.Session, frame *wire.Frame) (*wire.Frame, error) {
	body, err := wire.DecodeBody[wire.ConvAck](frame)
	if err != nil {
		return nil, err
	}
	if err := h.cursors.Ack(r.Context(), sess, body.ConvID, body.Seq); err != nil {
		return nil, err
	}
	return wire.NewFrame(wire.TypeConvAcked, frame.ID, time.Now().UnixMilli(), wire.ConvAcked{
		ConvID: body.ConvID,
		Seq:    body.Seq,
	})
}
