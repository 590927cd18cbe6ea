package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	"github.com/agentwire/bridge/internal/auth"
	"github.com/agentwire/bridge/internal/config"
	"github.com/agentwire/bridge/internal/control"
	"github.com/agentwire/bridge/internal/history"
	"github.com/agentwire/bridge/internal/kafka"
	"github.com/agentwire/bridge/internal/queue"
	"github.com/agentwire/bridge/internal/registry"
	"github.com/agentwire/bridge/internal/router"
	"github.com/agentwire/bridge/internal/supervisor"
	"github.com/agentwire/bridge/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger.Info("starting bridge", "http", cfg.HTTPAddr, "history", cfg.HistoryCapacity, "maxPeers", cfg.MaxPeers)

	reg := registry.New(cfg.MaxPeers, logger)
	ring := history.New(cfg.HistoryCapacity, cfg.LookupCacheSize)
	queues := queue.NewManager(cfg.QueuePerPeer, cfg.QueueTotal, logger)
	rt := router.New(reg, ring, queues, cfg.HistorySnapshot, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Kafka.Enabled {
		mirror, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.MirrorTopic, logger)
		if err != nil {
			logger.Error("unable to create mirror producer", "err", err)
			os.Exit(1)
		}
		defer mirror.Close()
		rt.SetMirror(mirror)

		ingest, err := kafka.NewIngest(cfg.Kafka.Brokers, cfg.Kafka.IngestTopic, cfg.Kafka.Group, rt, logger)
		if err != nil {
			logger.Error("unable to create ingest consumer", "err", err)
			os.Exit(1)
		}
		defer ingest.Close()
		ingest.Start(ctx)
	}

	sup := supervisor.New(reg, queues, ring, supervisor.Options{
		BaseInterval:   cfg.SweepInterval,
		ProbeAfter:     cfg.ProbeAfter,
		Retention:      cfg.Retention,
		PruneThreshold: cfg.PruneThreshold,
		PressureLimit:  cfg.MemoryPressure,
	}, logger)
	go sup.Run(ctx)

	app := fiber.New()

	wsHandler := ws.NewHandler(ctx, rt, cfg.HandshakeTimeout, logger)
	wsHandler.Register(app)

	ctrl := control.NewHandler(rt, reg, ring, queues, auth.NewGuard(cfg.OperatorSecret), logger)
	ctrl.Register(app)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := app.Shutdown(); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		if ctx.Err() == nil {
			logger.Error("listen error", "err", err)
			os.Exit(1)
		}
	}

	logger.Info("bridge stopped")
}
