package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/agentwire/bridge/internal/router"
)

const defaultBufSize = 64 * 1024

type Handler struct {
	baseCtx          context.Context
	router           *router.Router
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func NewHandler(baseCtx context.Context, rt *router.Router, handshakeTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	return &Handler{
		baseCtx:          baseCtx,
		router:           rt,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
	}
}

func (h *Handler) Register(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	app.Get("/ws", websocket.New(h.handleConn, websocket.Config{
		ReadBufferSize:  defaultBufSize,
		WriteBufferSize: defaultBufSize,
	}))
}

func (h *Handler) handleConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()

	client := NewClient(conn, h.router, h.handshakeTimeout, h.logger)
	client.Run(ctx)
}
