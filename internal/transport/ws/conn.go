// Package ws is the WebSocket transport adapter: a read loop and a write
// pump per connection, with a single driving goroutine in between that
// feeds the multiplexer inbound frames and async events.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"channelmux/internal/muxsocket"
	"channelmux/internal/socket"
	"channelmux/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
)

// Upgrader wraps gorilla/websocket.Upgrader with the origin check wired
// to config rather than hardcoded.
type Upgrader struct {
	Origin string // "" or "*" allows any origin
	inner  websocket.Upgrader
}

func NewUpgrader(origin string) *Upgrader {
	u := &Upgrader{Origin: origin}
	u.inner = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     u.checkOrigin,
	}
	return u
}

func (u *Upgrader) checkOrigin(r *http.Request) bool {
	if u.Origin == "" || u.Origin == "*" {
		return true
	}
	return r.Header.Get("Origin") == u.Origin
}

func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return u.inner.Upgrade(w, r, nil)
}

// Conn is one WebSocket connection's transport-facing half: the send queue
// and write pump that implement fanout.Sink, and the read loop that feeds
// the owning Multiplexer.
type Conn struct {
	ws     *websocket.Conn
	send   chan wire.Encoded
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed int32
}

func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:     ws,
		send:   make(chan wire.Encoded, 256),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// PushEncoded implements fanout.Sink and muxsocket's outbound Sink: it
// queues an already-encoded frame for the write pump. A full queue closes
// the connection rather than block the caller.
func (c *Conn) PushEncoded(enc wire.Encoded) error {
	if c.isClosed() {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- enc:
		return nil
	default:
		c.logger.Warn("ws: send buffer full, closing connection")
		c.Close()
		return websocket.ErrCloseSent
	}
}

func (c *Conn) isClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

// Close marks the connection closed and cancels its context. Safe to call
// more than once.
func (c *Conn) Close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
		_ = c.ws.Close()
	}
}

// readLoop blocks on ws.ReadMessage in a loop, forwarding decoded payload
// bytes to reads until the connection errors or closes, then closes reads.
func (c *Conn) readLoop(reads chan<- []byte) {
	defer close(reads)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("ws: read error", "error", err)
			} else {
				c.logger.Debug("ws: connection closed", "error", err)
			}
			return
		}

		select {
		case reads <- payload:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump drains send, writing each frame with its own opcode, and
// sends periodic pings to keep the connection alive.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case enc, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(opcode(enc.Opcode), enc.Bytes); err != nil {
				c.logger.Debug("ws: write error", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ws: ping error", "error", err)
				c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func opcode(o wire.Opcode) int {
	if o == wire.OpBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Serve runs one connection's full lifecycle: connect, init, the combined
// read/async-event loop, and terminate. It blocks until the connection
// closes.
func Serve(mux *muxsocket.Multiplexer, conn *Conn, params map[string]interface{}) error {
	ok, err := mux.Connect(params)
	if err != nil {
		return err
	}
	if !ok {
		conn.Close()
		return nil
	}
	if err := mux.Init(socket.TransportPID(conn)); err != nil {
		return err
	}

	go conn.writePump()

	reads := make(chan []byte, 1)
	go conn.readLoop(reads)

	defer conn.Close()

	for {
		select {
		case payload, open := <-reads:
			if !open {
				mux.Terminate()
				return nil
			}
			if err := mux.In(payload); err != nil {
				conn.logger.Error("ws: inbound dispatch failed", "error", err)
			}

		case ev := <-mux.Events():
			if err := mux.Info(ev); err != nil {
				mux.Terminate()
				return nil
			}

		case <-conn.ctx.Done():
			mux.Terminate()
			return nil
		}
	}
}
