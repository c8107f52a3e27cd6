package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Aidin1998/leaguecore/internal/config"
	"github.com/Aidin1998/leaguecore/internal/core"
	"github.com/Aidin1998/leaguecore/internal/server"
	"github.com/Aidin1998/leaguecore/pkg/logger"
	"github.com/Aidin1998/leaguecore/pkg/telemetry"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Load configuration
	cfg, err := config.Load(zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetry.Config{
		Tracing: cfg.OTelStdout,
		Metrics: cfg.OTelStdout,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c, err := core.New(startCtx, cfg, zapLogger)
	cancel()
	if err != nil {
		zapLogger.Fatal("Failed to start core", zap.Error(err))
	}

	statusServer := server.NewServer(zapLogger, c.Executor, c.Cache, c.Recorder.Registry())

	// Start server in a goroutine
	go func() {
		if err := statusServer.Start(cfg.StatusAddr); err != nil {
			zapLogger.Fatal("Failed to start status server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := statusServer.Shutdown(ctx); err != nil {
		zapLogger.Error("Failed to stop status server", zap.Error(err))
	}
	if err := c.Disconnect(ctx); err != nil {
		zapLogger.Error("Failed to disconnect core", zap.Error(err))
	}
	if err := shutdownTelemetry(ctx); err != nil {
		zapLogger.Error("Failed to flush telemetry", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
