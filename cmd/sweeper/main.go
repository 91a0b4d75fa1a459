// Command sweeper runs the index expiry sweep as a standalone process, for
// deployments where the API server is scaled out and only one sweeper should
// run.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/RepoPilot/repopilot-mvp/engine/cache"
	"github.com/RepoPilot/repopilot-mvp/engine/semantic"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("sweeper exited with error", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vectors, err := semantic.New(envOr("QDRANT_URL", "localhost:6334"), logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectors.Close()

	redisStore := cache.NewRedisStore(envOr("REDIS_ADDR", "localhost:6379"), os.Getenv("REDIS_PASSWORD"))
	defer redisStore.Close()
	if err := redisStore.Ping(ctx); err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}

	interval := time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 300)) * time.Second
	sweeper := cache.NewSweeper(redisStore, vectors, interval, logger)

	logger.Info("sweeper starting", "interval", interval)
	sweeper.Run(ctx)
	return nil
}
