package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/config"
	"github.com/plasma-engine/research-engine/pkg/database"
	"github.com/plasma-engine/research-engine/pkg/handlers"
	"github.com/plasma-engine/research-engine/pkg/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

const (
	initTimeout     = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Host),
		zap.Bool("redisConfigured", cfg.Redis.Configured()),
		zap.Bool("neo4jConfigured", cfg.Neo4j.Configured()),
		zap.Int("embeddingDimension", cfg.Embedding.Dimension),
	)

	manager := database.NewManager(cfg, logger)

	initCtx, cancelInit := context.WithTimeout(context.Background(), initTimeout)
	err = manager.Init(initCtx)
	cancelInit()
	if err != nil {
		logger.Fatal("failed to initialize backends",
			zap.String("error", logging.SanitizeError(err)),
		)
	}

	mux := http.NewServeMux()
	healthHandler := handlers.NewHealthHandler(cfg, manager.Monitor(), logger)
	healthHandler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting research-engine",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("backend shutdown incomplete",
			zap.String("error", logging.SanitizeError(err)),
		)
	}
	logger.Info("research-engine stopped")
}

// buildLogger returns a development logger for local runs and a production
// logger everywhere else.
func buildLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
