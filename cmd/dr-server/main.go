// Package main is the entry point for the deep-research supervisor service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/msagent/deepresearch/internal/common/config"
	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/events/bus"
	"github.com/msagent/deepresearch/internal/gateway/websocket"
	"github.com/msagent/deepresearch/internal/server"
	"github.com/msagent/deepresearch/internal/tracing"
	"github.com/msagent/deepresearch/internal/worker/manager"
	"github.com/msagent/deepresearch/internal/worker/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting deep-research supervisor...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when a URL is configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// Worker manager publishes all worker events onto the bus.
	sink := protocol.NewBusSink(eventBus, "worker-manager")
	mgr := manager.New(cfg.Worker.BinaryPath, cfg.Worker.RepoRoot, sink, log)
	mgr.SetStopTimeout(cfg.Worker.StopTimeoutDuration())

	// WebSocket hub relays bus events to subscribed clients.
	wsHub := websocket.NewHub(log)
	go wsHub.Run(ctx)
	busSub, err := wsHub.AttachBus(eventBus)
	if err != nil {
		log.Fatal("Failed to attach hub to event bus", zap.Error(err))
	}
	defer busSub.Unsubscribe()

	wsHandler := websocket.NewHandler(wsHub, log)
	apiServer := server.NewServer(cfg, mgr, wsHandler, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down deep-research supervisor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop workers after the API stops accepting new sessions.
	mgr.StopAll(shutdownCtx)
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Deep-research supervisor stopped")
}
