// Package main implements the RepoPilot API server. It wires the ingestion
// and query pipelines to Qdrant, Redis, the configured model provider and,
// optionally, S3 and NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
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
	"github.com/RepoPilot/repopilot-mvp/engine/rag"
	"github.com/RepoPilot/repopilot-mvp/engine/semantic"
	"github.com/RepoPilot/repopilot-mvp/pkg/metrics"
	"github.com/RepoPilot/repopilot-mvp/pkg/mid"
	"github.com/RepoPilot/repopilot-mvp/pkg/ollama"
	"github.com/RepoPilot/repopilot-mvp/pkg/openai"
	"github.com/RepoPilot/repopilot-mvp/pkg/s3store"
	"github.com/nats-io/nats.go"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	CORSOrigin string

	Provider      string // "openai" or "ollama"
	OpenAIKey     string
	OllamaURL     string
	EmbedModel    string
	ChatModel     string
	EmbedDim      int
	EmbedRate     float64
	QdrantURL     string
	RedisAddr     string
	RedisPass     string
	NATSURL       string
	S3Bucket      string
	AWSRegion     string
	CacheTTL      time.Duration
	SweepEvery    time.Duration
	TempDir       string
	PresignExpiry time.Duration
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),

		Provider:      envOr("PROVIDER", "openai"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OllamaURL:     envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:    os.Getenv("EMBED_MODEL"),
		ChatModel:     os.Getenv("CHAT_MODEL"),
		EmbedDim:      envInt("EMBED_DIM", 0),
		EmbedRate:     envFloat("EMBED_RATE", 0),
		QdrantURL:     envOr("QDRANT_URL", "localhost:6334"),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPass:     os.Getenv("REDIS_PASSWORD"),
		NATSURL:       os.Getenv("NATS_URL"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		AWSRegion:     envOr("AWS_REGION", "us-east-1"),
		CacheTTL:      time.Duration(envInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
		SweepEvery:    time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		TempDir:       envOr("TEMP_DIR", os.TempDir()),
		PresignExpiry: time.Duration(envInt("PRESIGN_EXPIRY_SECONDS", 900)) * time.Second,
	}
}

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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// provider bundles the embedding and generation sides of one model backend.
type provider interface {
	ingest.Embedder
	rag.Generator
}

func buildProvider(cfg Config) (provider, error) {
	switch cfg.Provider {
	case "ollama":
		dim := cfg.EmbedDim
		if dim == 0 {
			dim = 768 // nomic-embed-text
		}
		embedModel := cfg.EmbedModel
		if embedModel == "" {
			embedModel = "nomic-embed-text"
		}
		chatModel := cfg.ChatModel
		if chatModel == "" {
			chatModel = "llama3.1:8b"
		}
		return ollama.New(cfg.OllamaURL, embedModel, chatModel, dim), nil
	case "openai":
		dim := cfg.EmbedDim
		if dim == 0 {
			dim = 3072 // text-embedding-3-large
		}
		return openai.New(openai.Config{
			APIKey:     cfg.OpenAIKey,
			EmbedModel: cfg.EmbedModel,
			ChatModel:  cfg.ChatModel,
			Dimension:  dim,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Model provider ---
	models, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	// --- Connect to Qdrant ---
	vectors, err := semantic.New(cfg.QdrantURL, logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectors.Close()

	// --- Connect to Redis ---
	redisStore := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPass)
	defer redisStore.Close()
	if err := redisStore.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup, cache degrades to misses", "err", err)
	}
	freshness := cache.New(redisStore, logger)

	// --- Optional S3 artifact store ---
	var artifacts *s3store.Store
	if cfg.S3Bucket != "" {
		artifacts, err = s3store.New(ctx, cfg.S3Bucket, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("s3 setup: %w", err)
		}
	}

	// --- Ingestion service ---
	var artifactSink ingest.ArtifactStore
	if artifacts != nil {
		artifactSink = artifacts
	}
	ingestSvc := ingest.New(
		extract.NewRepomix(logger),
		models,
		vectors,
		freshness,
		artifactSink,
		ingest.Config{
			TTL:       cfg.CacheTTL,
			TempDir:   cfg.TempDir,
			EmbedRate: rate.Limit(cfg.EmbedRate),
		},
		reg,
		logger,
	)

	// --- Query service ---
	ragSvc := rag.New(models, vectors, models, rag.DefaultOptions(), reg, logger)

	// --- Background expiry sweep ---
	sweeper := cache.NewSweeper(redisStore, vectors, cfg.SweepEvery, logger)
	go sweeper.Run(ctx)

	// --- Optional NATS consumer ---
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		sub, err := ingestSvc.StartConsumer(nc)
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
		logger.Info("nats consumer started", "subject", ingest.IngestSubject)
	}

	// --- Build HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/process", handleProcess(ingestSvc, logger))
	mux.HandleFunc("POST /api/query", handleQuery(ragSvc, logger))
	var urls artifactURLs
	if artifacts != nil {
		urls = artifacts
	}
	mux.HandleFunc("GET /api/get-url", handleGetURL(urls, cfg.PresignExpiry, logger))
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("repopilot-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
