package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentview/agentview/internal/api"
	"github.com/agentview/agentview/internal/approval"
	"github.com/agentview/agentview/internal/common/config"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/hub"
	"github.com/agentview/agentview/internal/session"
	"github.com/agentview/agentview/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentview supervisor...")

	// 3. Open the durable store (runs legacy migration if needed)
	st, err := store.Open(cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	log.Info("Store opened", zap.String("dir", st.Dir()))

	// 4. Event hub and approval broker
	eventHub := hub.New(log, 0)
	broker := approval.NewBroker(log)

	// 5. Session manager with the real subprocess-backed client factory
	manager := session.NewManager(cfg.Agent, st, eventHub, broker, nil, log)

	// Sessions persisted before this boot have no live client anymore.
	if swept, err := manager.CleanupStale(); err != nil {
		log.Warn("Stale session sweep failed", zap.Error(err))
	} else if swept > 0 {
		log.Info("Swept stale sessions", zap.Int("count", swept))
	}

	// 6. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := api.NewHandler(manager, eventHub, log)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 7. Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentview supervisor...")

	// 9. Graceful shutdown: HTTP first, then clients, store, and hub
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	manager.Shutdown(shutdownCtx)

	log.Info("Agentview supervisor stopped")
}
