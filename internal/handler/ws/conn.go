package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sealedchat/conv-gateway/internal/domain/wire"
	"github.com/sealedchat/conv-gateway/internal/metrics"
)

// Conn serializes all writes to one gorilla socket through a single
// goroutine; gorilla permits one concurrent writer and the read loop,
// subscription pumps and the heartbeat all want to send.
//
// Backpressure is bounded, not unbounded: Send blocks when the out buffer
// is full, and the heartbeat tears the connection down if the peer stops
// draining, which releases every blocked sender via the closed channel.
type Conn struct {
	ws  *websocket.Conn
	out chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
	log          *slog.Logger
}

func newConn(ws *websocket.Conn, outLen int, writeTimeout time.Duration, log *slog.Logger) *Conn {
	return &Conn{
		ws:           ws,
		out:          make(chan []byte, outLen),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
		log:          log,
	}
}

// Send encodes and queues one frame. False means the connection is gone
// and the caller should stop producing.
func (c *Conn) Send(f *wire.Frame) bool {
	data, err := f.Encode()
	if err != nil {
		c.log.Error("FRAME_ENCODE_FAILED", "t", string(f.T), "err", err)
		return true
	}
	select {
	case c.out <- data:
		metrics.FramesTotal.WithLabelValues("out").Inc()
		return true
	case <-c.closed:
		return false
	}
}

// writeLoop owns the socket's write side and its teardown: queued frames,
// the periodic protocol-level ping, and the final flush + close handshake
// once Close is called. Closing the socket here also unblocks a reader
// parked in ReadMessage.
func (c *Conn) writeLoop(pingEvery time.Duration) {
	defer func() { _ = c.ws.Close() }()

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			// [LAST_WORDS] Flush whatever was queued so a terminal error
			// frame reaches the client before the socket drops.
			for {
				select {
				case data := <-c.out:
					if c.write(data) != nil {
						return
					}
				default:
					deadline := time.Now().Add(c.writeTimeout)
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					return
				}
			}

		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.log.Debug("ws write failed", "err", err)
				c.Close()
				return
			}

		case <-ticker.C:
			ping, err := wire.NewFrame(wire.TypePing, "", time.Now().UnixMilli(), nil)
			if err != nil {
				continue
			}
			data, _ := ping.Encode()
			if err := c.write(data); err != nil {
				c.Close()
				return
			}
			metrics.FramesTotal.WithLabelValues("out").Inc()
		}
	}
}

func (c *Conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close is idempotent and safe from any goroutine; the write loop notices
// and finishes the socket shutdown.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Conn) Closed() <-chan struct{} { return c.closed }
