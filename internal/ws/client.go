package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/agentwire/bridge/internal/message"
	"github.com/agentwire/bridge/internal/registry"
	"github.com/agentwire/bridge/internal/router"
)

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 32
)

var (
	ErrBufferFull = errors.New("send buffer full")
	ErrClosed     = errors.New("connection closed")
)

// Client is one peer connection. It implements registry.Conn: frames
// queue into a bounded outbound buffer drained by writePump, so a slow
// peer never blocks delivery to anyone else.
type Client struct {
	conn   *websocket.Conn
	router *router.Router
	logger *slog.Logger

	handshakeTimeout time.Duration

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	reason    string

	mu sync.Mutex
	id string // peer id, set once registration succeeds
}

func NewClient(conn *websocket.Conn, rt *router.Router, handshakeTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		conn:             conn,
		router:           rt,
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
		send:             make(chan []byte, sendBufferSize),
		done:             make(chan struct{}),
	}
}

// Send queues a frame without blocking. A full buffer is a delivery
// failure for the caller to act on.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close shuts the connection down once; the first reason wins and is
// carried in the websocket close frame.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Probe checks transport liveness with a ping control frame. Safe to
// call concurrently with writePump.
func (c *Client) Probe() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) setID(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *Client) Run(ctx context.Context) {
	defer func() {
		if id := c.ID(); id != "" {
			c.router.Unregister(id, c)
		}
		c.Close("connection closed")
	}()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("readPump panic", "panic", r)
		}
	}()

	// A handshake that doesn't complete within the window is abandoned.
	_ = c.conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ID() == "" {
				c.logger.Warn("handshake abandoned", "err", err)
			}
			return
		}

		frame, err := message.Decode(data)
		if err != nil {
			c.reply(message.EncodeError(err.Error()))
			continue
		}

		switch frame.Type {
		case message.TypeRegister:
			if !c.handleRegister(frame) {
				return
			}
		case message.TypeMessage:
			id := c.ID()
			if id == "" {
				c.reply(message.EncodeError("not registered"))
				continue
			}
			c.router.Accept(id, frame.To, frame.Payload)
		case message.TypeQuery:
			id := c.ID()
			if id == "" {
				c.reply(message.EncodeError("not registered"))
				continue
			}
			c.reply(c.router.Query(id, frame.Limit))
		}
	}
}

// handleRegister runs the registration state machine for one register
// frame. Returns false when the connection should be torn down.
func (c *Client) handleRegister(frame message.Frame) bool {
	if c.ID() != "" {
		c.reply(message.EncodeError("already registered"))
		return true
	}
	if frame.ClientID == router.OperatorID {
		c.reply(message.EncodeError("client id is reserved"))
		return true
	}

	// Router.Register sends the registered frame (with backlog) itself
	// so nothing can slip into the buffer ahead of it.
	if err := c.router.Register(frame.ClientID, c); err != nil {
		if errors.Is(err, registry.ErrCapacityExceeded) {
			c.reply(message.EncodeError("capacity exceeded"))
			c.Close(registry.ReasonCapacity)
			return false
		}
		c.logger.Warn("registration failed", "client", frame.ClientID, "err", err)
		return false
	}

	c.setID(frame.ClientID)
	_ = c.conn.SetReadDeadline(time.Time{})
	return true
}

// reply is for connection-local responses; a full buffer here only
// loses the reply, never tears down the connection.
func (c *Client) reply(frame []byte) {
	if err := c.Send(frame); err != nil {
		c.logger.Warn("reply dropped", "err", err)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				if !websocket.IsUnexpectedCloseError(err) {
					c.logger.Error("write failed", "err", err)
				}
				return
			}
		case <-c.done:
			c.drain()
			c.writeClose(websocket.CloseNormalClosure, c.reason)
			return
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "shutdown")
			return
		}
	}
}

// drain flushes frames queued before Close so a final reply (e.g. the
// capacity refusal) reaches the peer ahead of the close frame.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeClose(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
