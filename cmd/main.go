package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tvheadendepg/internal/api"
	"tvheadendepg/internal/clock"
	"tvheadendepg/internal/config"
	"tvheadendepg/internal/entry"
	"tvheadendepg/internal/ha"
	"tvheadendepg/internal/sensor"
	"tvheadendepg/internal/storage"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	env, err := config.LoadEnv()
	if err != nil {
		logger.Fatal("Invalid environment configuration", zap.Error(err))
	}

	entries, err := config.NewLoader(env.ConfigDir, logger).LoadEntries()
	if err != nil {
		logger.Fatal("Failed to load entries", zap.Error(err))
	}

	logger.Info("Starting TVHeadend EPG bridge",
		zap.Int("entries", len(entries)),
		zap.String("storage", env.StorageBackend),
		zap.Bool("home_assistant", env.HAEnabled()),
		zap.Bool("read_only", env.ReadOnly))

	backend, err := openBackend(env)
	if err != nil {
		logger.Fatal("Failed to open snapshot storage", zap.Error(err))
	}
	defer backend.Close()

	clk := clock.NewRealClock()
	manager := entry.NewManager(entry.Options{
		Backend: backend,
		Clock:   clk,
		Logger:  logger,
	})

	if env.HAEnabled() {
		client := ha.NewClient(env.HAURL, env.HAToken, logger)
		if err := client.Connect(); err != nil {
			logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
		}
		defer client.Disconnect()

		manager.AddPlatform(sensor.NewPublisher(client, clk, logger, env.ReadOnly))
		if env.ReadOnly {
			logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
		}
	}

	// A failed entry is reported and skipped; the others keep running.
	for _, cfg := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := manager.Setup(ctx, cfg); err != nil {
			logger.Error("Failed to set up entry",
				zap.String("title", cfg.Title),
				zap.Error(err))
		}
		cancel()
	}
	defer manager.UnloadAll()

	server := api.NewServer(manager, clk, logger, env.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Error("Failed to stop API server", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
}

func openBackend(env config.Env) (storage.Backend, error) {
	switch env.StorageBackend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return storage.OpenRedis(ctx, storage.RedisConfig{
			Addr:     env.RedisAddr,
			Password: env.RedisPassword,
			DB:       env.RedisDB,
		})
	case config.BackendMemory:
		return storage.NewMemoryBackend(), nil
	default:
		return storage.OpenBolt(env.BoltPath())
	}
}
