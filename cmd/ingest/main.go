// Command ingest runs a one-shot ingestion of a repository from the command
// line: extract, chunk, embed, and index, sharing the API server's
// configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/RepoPilot/repopilot-mvp/engine/cache"
	"github.com/RepoPilot/repopilot-mvp/engine/extract"
	"github.com/RepoPilot/repopilot-mvp/engine/ingest"
	"github.com/RepoPilot/repopilot-mvp/engine/semantic"
	"github.com/RepoPilot/repopilot-mvp/pkg/ollama"
	"github.com/RepoPilot/repopilot-mvp/pkg/openai"
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

	repoURL := flag.String("repo", "", "repository URL to ingest")
	embedRate := flag.Float64("embed-rate", 0, "embedding requests per second, 0 for unpaced")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *repoURL == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest -repo <url>")
		os.Exit(2)
	}

	if err := run(*repoURL, *embedRate, logger); err != nil {
		logger.Error("ingestion failed", "err", err)
		os.Exit(1)
	}
}

func run(repoURL string, embedRate float64, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vectors, err := semantic.New(envOr("QDRANT_URL", "localhost:6334"), logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectors.Close()

	redisStore := cache.NewRedisStore(envOr("REDIS_ADDR", "localhost:6379"), os.Getenv("REDIS_PASSWORD"))
	defer redisStore.Close()
	freshness := cache.New(redisStore, logger)

	var embedder ingest.Embedder
	switch envOr("PROVIDER", "openai") {
	case "ollama":
		embedder = ollama.New(
			envOr("OLLAMA_URL", "http://localhost:11434"),
			envOr("EMBED_MODEL", "nomic-embed-text"),
			envOr("CHAT_MODEL", "llama3.1:8b"),
			envInt("EMBED_DIM", 768),
		)
	default:
		client, err := openai.New(openai.Config{
			APIKey:     os.Getenv("OPENAI_API_KEY"),
			EmbedModel: os.Getenv("EMBED_MODEL"),
			Dimension:  envInt("EMBED_DIM", 3072),
		})
		if err != nil {
			return err
		}
		embedder = client
	}

	svc := ingest.New(
		extract.NewRepomix(logger),
		embedder,
		vectors,
		freshness,
		nil,
		ingest.Config{
			TTL:       time.Duration(envInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
			TempDir:   envOr("TEMP_DIR", os.TempDir()),
			EmbedRate: rate.Limit(embedRate),
		},
		nil,
		logger,
	)

	res, err := svc.Process(ctx, repoURL)
	if err != nil {
		return err
	}
	logger.Info("done", "key", res.Key, "chunks", res.Chunks, "cache_hit", res.CacheHit)
	return nil
}
