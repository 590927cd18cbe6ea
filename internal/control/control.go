// Package control is the out-of-band HTTP surface: health, peers,
// history reads and administrative sends. Writes go through the same
// router path as peer traffic, so they land in history and obey the
// offline-queue policy.
package control

import (
	"encoding/json"
	"log/slog"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/agentwire/bridge/internal/auth"
	"github.com/agentwire/bridge/internal/history"
	"github.com/agentwire/bridge/internal/queue"
	"github.com/agentwire/bridge/internal/registry"
	"github.com/agentwire/bridge/internal/router"
)

const defaultHistoryLimit = 100

type Handler struct {
	router   *router.Router
	registry *registry.Registry
	ring     *history.Ring
	queues   *queue.Manager
	guard    *auth.Guard
	logger   *slog.Logger
	started  time.Time
}

func NewHandler(rt *router.Router, reg *registry.Registry, ring *history.Ring, queues *queue.Manager, guard *auth.Guard, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		router:   rt,
		registry: reg,
		ring:     ring,
		queues:   queues,
		guard:    guard,
		logger:   logger,
		started:  time.Now(),
	}
}

func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", h.health)
	app.Get("/clients", h.clients)
	app.Get("/history", h.history)
	app.Get("/history/:id", h.envelope)
	app.Get("/stats", h.stats)

	app.Post("/broadcast", h.guard.Middleware(), h.broadcast)
	app.Post("/send", h.guard.Middleware(), h.send)
}

func (h *Handler) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"clients": h.registry.ActiveCount(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) clients(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"clients": h.registry.ListPeers()})
}

func (h *Handler) history(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit > h.ring.Capacity() {
		limit = h.ring.Capacity()
	}
	return c.JSON(fiber.Map{"history": h.ring.Recent(limit)})
}

func (h *Handler) envelope(c *fiber.Ctx) error {
	env, ok := h.ring.Lookup(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "envelope not found")
	}
	return c.JSON(env)
}

func (h *Handler) stats(c *fiber.Ctx) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return c.JSON(fiber.Map{
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"clients":     h.registry.ActiveCount(),
		"accepted":    h.router.Accepted(),
		"delivered":   h.router.Delivered(),
		"queued":      h.router.Queued(),
		"queueDepth":  h.queues.TotalDepth(),
		"historySize": h.ring.Len(),
		"goroutines":  runtime.NumGoroutine(),
		"heapAllocMB": float64(ms.HeapAlloc) / (1 << 20),
	})
}

type sendRequest struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) broadcast(c *fiber.Ctx) error {
	req, err := h.parseSend(c)
	if err != nil {
		return err
	}

	env, _ := h.router.Accept(h.operatorFrom(c, req), "", req.Payload)
	return c.JSON(fiber.Map{"status": "sent", "id": env.ID})
}

func (h *Handler) send(c *fiber.Ctx) error {
	req, err := h.parseSend(c)
	if err != nil {
		return err
	}
	if req.To == "" {
		return fiber.NewError(fiber.StatusBadRequest, "to is required")
	}

	env, delivered := h.router.Accept(h.operatorFrom(c, req), req.To, req.Payload)
	return c.JSON(fiber.Map{"status": "sent", "delivered": delivered, "id": env.ID})
}

func (h *Handler) parseSend(c *fiber.Ctx) (sendRequest, error) {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return sendRequest{}, fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return sendRequest{}, fiber.NewError(fiber.StatusBadRequest, "payload must be well-formed JSON")
	}
	return req, nil
}

// operatorFrom resolves the sender id for a control-plane write:
// explicit `from`, then the authenticated operator, then the reserved
// operator id.
func (h *Handler) operatorFrom(c *fiber.Ctx, req sendRequest) string {
	if req.From != "" {
		return req.From
	}
	if op, ok := c.Locals(auth.LocalsOperatorKey).(string); ok && op != "" {
		return op
	}
	return router.OperatorID
}
