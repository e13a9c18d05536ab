package ws

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sealedchat/conv-gateway/config"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/metrics"
	"github.com/sealedchat/conv-gateway/internal/service"
)

// maxInvalidFrames is the strike budget: the connection closes on the
// third invalid_frame.
const maxInvalidFrames = 3

type Handler struct {
	sessions service.SessionManager
	appender service.Appender
	cursors  service.Acker
	delivery service.Deliverer
	log      *slog.Logger

	ping      time.Duration
	heartbeat time.Duration
	outLen    int
	readLimit int64

	upgrader websocket.Upgrader
}

func NewHandler(
	cfg *config.Config,
	sessions service.SessionManager,
	appender service.Appender,
	cursors service.Acker,
	delivery service.Deliverer,
	log *slog.Logger,
) *Handler {
	return &Handler{
		sessions:  sessions,
		appender:  appender,
		cursors:   cursors,
		delivery:  delivery,
		log:       log,
		ping:      cfg.WS.Ping(),
		heartbeat: cfg.WS.Heartbeat(),
		outLen:    cfg.WS.OutBufferLen,
		// Envelope ceiling plus base64 expansion and frame overhead; anything
		// bigger is a flood, not a message.
		readLimit: int64(cfg.Limits.MaxEnvBytes)*2 + 8192,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Ciphertext in, ciphertext out; browser origin checks add
			// nothing here. Deployments front this with their own policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", "err", err)
		return
	}
	sock.SetReadLimit(h.readLimit)

	metrics.ActiveConns.WithLabelValues("ws").Inc()
	defer metrics.ActiveConns.WithLabelValues("ws").Dec()

	conn := newConn(sock, h.outLen, h.heartbeat, h.log)
	go conn.writeLoop(h.ping)

	c := &clientConn{h: h, conn: conn, sock: sock, ip: remoteIP(r)}
	c.run(r.Context())
}

// clientConn is the per-socket state machine: handshake, then the frame
// dispatch loop, with one pump goroutine per live subscription.
type clientConn struct {
	h    *Handler
	conn *Conn
	sock *websocket.Conn
	ip   string

	sess  model.Session
	token string

	strikes int
	wg      sync.WaitGroup
}

func (c *clientConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if c.token != "" {
			c.h.delivery.UnsubscribeSession(c.sess.ID)
		}
		c.conn.Close()
		c.wg.Wait()
	}()

	if !c.handshake(ctx) {
		return
	}

	log := c.h.log.With("session_id", c.sess.ID, "user_id", c.sess.UserID)
	log.Info("ws session established", "device_id", c.sess.DeviceID)

	c.wg.Add(1)
	go c.watchdog(ctx)

	c.readLoop(ctx)
	log.Debug("ws session closed")
}

// handshake admits exactly session.start or session.resume as the first
// frame, inside one heartbeat window.
func (c *clientConn) handshake(ctx context.Context) bool {
	_ = c.sock.SetReadDeadline(time.Now().Add(c.h.heartbeat))
	_, data, err := c.sock.ReadMessage()
	if err != nil {
		return false
	}
	metrics.FramesTotal.WithLabelValues("in").Inc()

	frame, err := wire.Decode(data)
	if err != nil {
		c.sendError("", err)
		return false
	}

	var tokens *service.SessionTokens
	switch frame.T {
	case wire.TypeSessionStart:
		body, derr := wire.DecodeBody[wire.SessionStart](frame)
		if derr != nil {
			c.sendError(frame.ID, derr)
			return false
		}
		tokens, err = c.h.sessions.Start(ctx, service.StartInput{
			AuthToken:        body.AuthToken,
			DeviceID:         body.DeviceID,
			DeviceCredential: body.DeviceCredential,
			RemoteIP:         c.ip,
		})
	case wire.TypeSessionResume:
		body, derr := wire.DecodeBody[wire.SessionResume](frame)
		if derr != nil {
			c.sendError(frame.ID, derr)
			return false
		}
		tokens, err = c.h.sessions.Resume(ctx, body.ResumeToken)
	default:
		c.sendError(frame.ID, model.NewError(model.CodeInvalidFrame,
			"first frame must be session.start or session.resume"))
		return false
	}
	if err != nil {
		c.sendError(frame.ID, err)
		return false
	}

	c.sess = tokens.Session
	c.token = tokens.SessionToken

	ready, err := wire.NewFrame(wire.TypeSessionReady, frame.ID, time.Now().UnixMilli(), wire.SessionReady{
		SessionToken: tokens.SessionToken,
		ResumeToken:  tokens.ResumeToken,
		UserID:       tokens.Session.UserID,
		ExpiresAtMs:  tokens.Session.ExpiresAtMs,
	})
	if err != nil {
		return false
	}
	return c.conn.Send(ready)
}

// watchdog enforces revocation within one heartbeat even when the client
// never sends another frame, and keeps last_seen fresh.
func (c *clientConn) watchdog(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.conn.Closed():
			return
		case <-ticker.C:
			if _, err := c.h.sessions.Validate(ctx, c.token); err != nil {
				c.sendError("", err)
				c.conn.Close()
				return
			}
			c.h.sessions.Touch(ctx, c.sess.ID)
		}
	}
}

func (c *clientConn) readLoop(ctx context.Context) {
	for {
		_ = c.sock.SetReadDeadline(time.Now().Add(c.h.heartbeat))
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			// Timeout (missed heartbeat), client close, or our own teardown.
			return
		}
		metrics.FramesTotal.WithLabelValues("in").Inc()

		frame, err := wire.Decode(data)
		if err != nil {
			if c.strike("", err) {
				return
			}
			continue
		}

		// [PER_FRAME_REVALIDATION] Revocation lands mid-connection; the LRU
		// keeps this off sqlite.
		if _, err := c.h.sessions.Validate(ctx, c.token); err != nil {
			c.sendError(frame.ID, err)
			return
		}

		switch frame.T {
		case wire.TypePong:
			// Read deadline already refreshed; nothing else to do.
		case wire.TypeConvSubscribe:
			c.handleSubscribe(ctx, frame)
		case wire.TypeConvSend:
			c.handleSend(ctx, frame)
		case wire.TypeConvAck:
			c.handleAck(ctx, frame)
		default:
			err := model.Errorf(model.CodeInvalidFrame, "%s is not admitted after the handshake", frame.T)
			if c.strike(frame.ID, err) {
				return
			}
		}
	}
}

func (c *clientConn) handleSubscribe(ctx context.Context, frame *wire.Frame) {
	body, err := wire.DecodeBody[wire.ConvSubscribe](frame)
	if err != nil {
		c.strike(frame.ID, err)
		return
	}
	sub, err := c.h.delivery.Subscribe(ctx, c.sess, body.ConvID, body.FromSeq, "ws")
	if err != nil {
		c.sendError(frame.ID, err)
		return
	}
	c.wg.Add(1)
	go c.pump(ctx, sub, body.AutoAck)
}

func (c *clientConn) handleSend(ctx context.Context, frame *wire.Frame) {
	body, err := wire.DecodeBody[wire.ConvSend](frame)
	if err != nil {
		c.strike(frame.ID, err)
		return
	}
	res, err := c.h.appender.Append(ctx, service.AppendInput{
		ConvID:       body.ConvID,
		MsgID:        body.MsgID,
		SenderUserID: c.sess.UserID,
		Env:          body.Env,
		DeviceID:     c.sess.DeviceID,
	})
	if err != nil {
		c.sendError(frame.ID, err)
		return
	}
	sent, err := wire.NewFrame(wire.TypeConvSent, frame.ID, time.Now().UnixMilli(), wire.ConvSent{
		ConvID:    body.ConvID,
		MsgID:     body.MsgID,
		Seq:       res.Seq,
		TS:        res.TsMs,
		Duplicate: res.Duplicate,
	})
	if err == nil {
		c.conn.Send(sent)
	}
}

func (c *clientConn) handleAck(ctx context.Context, frame *wire.Frame) {
	body, err := wire.DecodeBody[wire.ConvAck](frame)
	if err != nil {
		c.strike(frame.ID, err)
		return
	}
	if err := c.h.cursors.Ack(ctx, c.sess, body.ConvID, body.Seq); err != nil {
		c.sendError(frame.ID, err)
		return
	}
	acked, err := wire.NewFrame(wire.TypeConvAcked, frame.ID, time.Now().UnixMilli(), wire.ConvAcked{
		ConvID: body.ConvID,
		Seq:    body.Seq,
	})
	if err == nil {
		c.conn.Send(acked)
	}
}

// strike counts an invalid_frame, replies with the error, and reports
// whether the budget is spent and the connection must close.
func (c *clientConn) strike(frameID string, err error) bool {
	c.strikes++
	c.sendError(frameID, err)
	if c.strikes >= maxInvalidFrames {
		c.h.log.Debug("ws closing after repeated invalid frames",
			"session_id", c.sess.ID, "strikes", c.strikes)
		c.conn.Close()
		return true
	}
	return false
}

func (c *clientConn) sendError(frameID string, err error) {
	metrics.WireErrors.WithLabelValues(string(model.CodeOf(err))).Inc()
	f, ferr := wire.NewFrame(wire.TypeError, frameID, time.Now().UnixMilli(), nil)
	if ferr != nil {
		return
	}
	f.Body = wire.ErrorBody(err)
	c.conn.Send(f)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
