// Package ingest implements the ingestion pipeline: derive the project key,
// consult the freshness cache, extract the repository text, chunk it, embed
// each chunk, and populate the project's vector collection.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/RepoPilot/repopilot-mvp/engine/domain"
	"github.com/RepoPilot/repopilot-mvp/engine/extract"
	"github.com/RepoPilot/repopilot-mvp/engine/semantic"
	"github.com/RepoPilot/repopilot-mvp/pkg/fn"
	"github.com/RepoPilot/repopilot-mvp/pkg/metrics"
	"github.com/RepoPilot/repopilot-mvp/pkg/resilience"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector size this provider produces; 0 means unknown.
	Dimension() int
}

// VectorWriter abstracts the vector store's write path.
type VectorWriter interface {
	Upsert(ctx context.Context, name string, records []semantic.VectorRecord) error
}

// Freshness is the cache gate consulted before any extraction work.
type Freshness interface {
	IsFresh(ctx context.Context, key string) bool
	MarkFresh(ctx context.Context, key string, ttl time.Duration) error
}

// ArtifactStore uploads the raw extraction artifact for later retrieval.
type ArtifactStore interface {
	Upload(ctx context.Context, name string, body io.Reader) error
}

// Config holds the tunable knobs of the pipeline.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	TTL          time.Duration
	TempDir      string
	// EmbedRate paces embedding requests; zero means no pacing.
	EmbedRate  rate.Limit
	EmbedBurst int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.EmbedBurst <= 0 {
		c.EmbedBurst = 1
	}
	return c
}

// Service runs ingestions. Construct once at startup and share.
type Service struct {
	extractor extract.Extractor
	embedder  Embedder
	vectors   VectorWriter
	cache     Freshness
	artifacts ArtifactStore // optional
	limiter   *rate.Limiter
	breaker   *resilience.Breaker
	group     singleflight.Group
	cfg       Config
	logger    *slog.Logger

	mIngests  *metrics.Counter
	mHits     *metrics.Counter
	mChunks   *metrics.Counter
	mEmbeds   *metrics.Counter
	mFailures *metrics.Counter
	mDuration *metrics.Histogram
}

// New creates an ingestion Service. artifacts may be nil when no object
// store is configured; reg may be nil to disable metrics registration.
func New(extractor extract.Extractor, embedder Embedder, vectors VectorWriter, cache Freshness, artifacts ArtifactStore, cfg Config, reg *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.EmbedRate > 0 {
		limiter = rate.NewLimiter(cfg.EmbedRate, cfg.EmbedBurst)
	}

	return &Service{
		extractor: extractor,
		embedder:  embedder,
		vectors:   vectors,
		cache:     cache,
		artifacts: artifacts,
		limiter:   limiter,
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		cfg:       cfg,
		logger:    logger,

		mIngests:  reg.Counter("repopilot_ingest_total", "Completed ingestions"),
		mHits:     reg.Counter("repopilot_ingest_cache_hits_total", "Ingestions short-circuited by the cache"),
		mChunks:   reg.Counter("repopilot_ingest_chunks_total", "Chunks produced"),
		mEmbeds:   reg.Counter("repopilot_ingest_embeddings_total", "Embedding calls made"),
		mFailures: reg.Counter("repopilot_ingest_failures_total", "Failed ingestions"),
		mDuration: reg.Histogram("repopilot_ingest_duration_seconds", "Per-ingestion pipeline time", nil),
	}
}

// Process ingests a repository. A fresh cache entry short-circuits the whole
// pipeline. Concurrent calls for the same project key share one execution.
func (s *Service) Process(ctx context.Context, repoURL string) (Result, error) {
	ref, err := domain.ParseRepoURL(repoURL)
	if err != nil {
		return Result{}, err
	}
	key := ref.Key()

	if s.cache.IsFresh(ctx, key) {
		s.logger.Info("cache hit, skipping ingestion", "key", key)
		s.mHits.Inc()
		return Result{Key: key, CacheHit: true}, nil
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.run(ctx, repoURL, ref)
	})
	if err != nil {
		s.mFailures.Inc()
		return Result{}, err
	}
	if shared {
		s.logger.Info("joined in-flight ingestion", "key", key)
	}
	return v.(Result), nil
}

// run executes the full pipeline for one repository. The local artifact is
// removed unconditionally, whatever the outcome.
func (s *Service) run(ctx context.Context, repoURL string, ref domain.RepoRef) (Result, error) {
	start := time.Now()
	artifact := filepath.Join(s.cfg.TempDir, ref.ArtifactName())
	defer os.Remove(artifact)

	pipeline := fn.Then(fn.Then(fn.Then(s.extractStage(), s.chunkStage()), s.embedStage()), s.storeStage())

	res := pipeline(ctx, job{RepoURL: repoURL, Ref: ref, ArtifactPath: artifact})
	chunks, err := res.Unwrap()
	if err != nil {
		return Result{}, err
	}

	if err := s.cache.MarkFresh(ctx, ref.Key(), s.cfg.TTL); err != nil {
		s.logger.Warn("cache mark failed, index stays usable but uncached", "key", ref.Key(), "err", err)
	}
	s.uploadArtifact(ctx, ref, artifact)

	s.mIngests.Inc()
	s.mDuration.Since(start)
	s.logger.Info("ingestion complete", "key", ref.Key(), "chunks", chunks, "duration", time.Since(start))
	return Result{Key: ref.Key(), Chunks: chunks}, nil
}

func (s *Service) extractStage() fn.Stage[job, textDoc] {
	return fn.TracedStage("ingest.extract", func(ctx context.Context, j job) fn.Result[textDoc] {
		if err := s.extractor.Extract(ctx, j.RepoURL, j.ArtifactPath); err != nil {
			return fn.Err[textDoc](err)
		}
		data, err := os.ReadFile(j.ArtifactPath)
		if err != nil {
			return fn.Err[textDoc](fmt.Errorf("ingest: read %s: %w", j.ArtifactPath, domain.ErrArtifactMissing))
		}
		return fn.Ok(textDoc{job: j, Text: string(data)})
	})
}

func (s *Service) chunkStage() fn.Stage[textDoc, chunkedDoc] {
	return fn.TracedStage("ingest.chunk", func(_ context.Context, doc textDoc) fn.Result[chunkedDoc] {
		chunks := Split(doc.Text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
		if len(chunks) == 0 {
			return fn.Err[chunkedDoc](fmt.Errorf("ingest: artifact %s is empty: %w", doc.ArtifactPath, domain.ErrArtifactMissing))
		}
		s.mChunks.Add(int64(len(chunks)))
		s.logger.Info("document chunked", "key", doc.Ref.Key(), "chunks", len(chunks))
		return fn.Ok(chunkedDoc{job: doc.job, Chunks: chunks})
	})
}

// embedStage calls the provider once per chunk, in order. The batch is
// atomic: the first failure aborts the whole ingestion and nothing reaches
// the vector store.
func (s *Service) embedStage() fn.Stage[chunkedDoc, embeddedDoc] {
	return fn.TracedStage("ingest.embed", func(ctx context.Context, doc chunkedDoc) fn.Result[embeddedDoc] {
		embeddings := make([][]float32, len(doc.Chunks))
		for i, c := range doc.Chunks {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return fn.Err[embeddedDoc](&domain.EmbeddingError{ChunkIndex: i, Err: err})
				}
			}

			var vec []float32
			err := s.breaker.Call(ctx, func(ctx context.Context) error {
				v, err := s.embedder.Embed(ctx, c.Text)
				vec = v
				return err
			})
			if err != nil {
				return fn.Err[embeddedDoc](&domain.EmbeddingError{ChunkIndex: i, Err: err})
			}
			if d := s.embedder.Dimension(); d > 0 && len(vec) != d {
				return fn.Err[embeddedDoc](&domain.EmbeddingError{
					ChunkIndex: i,
					Err:        fmt.Errorf("got dimension %d, want %d", len(vec), d),
				})
			}
			embeddings[i] = vec
			s.mEmbeds.Inc()
		}
		return fn.Ok(embeddedDoc{chunkedDoc: doc, Embeddings: embeddings})
	})
}

func (s *Service) storeStage() fn.Stage[embeddedDoc, int] {
	return fn.TracedStage("ingest.store", func(ctx context.Context, doc embeddedDoc) fn.Result[int] {
		key := doc.Ref.Key()
		records := make([]semantic.VectorRecord, len(doc.Chunks))
		for i, c := range doc.Chunks {
			// Deterministic point ID from project key and chunk index, so
			// re-ingestion overwrites instead of duplicating.
			pointID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-chunk-%d", key, c.Index))).String()
			records[i] = semantic.VectorRecord{
				ID:        pointID,
				Embedding: doc.Embeddings[i],
				Payload: map[string]any{
					"text":        c.Text,
					"chunk_id":    fmt.Sprintf("chunk-%d", c.Index),
					"chunk_index": c.Index,
					"project":     key,
				},
			}
		}
		if err := s.vectors.Upsert(ctx, key, records); err != nil {
			return fn.Err[int](err)
		}
		return fn.Ok(len(records))
	})
}

// uploadArtifact pushes the raw text artifact to the object store. Best
// effort: a failed upload leaves the index usable and is only logged.
func (s *Service) uploadArtifact(ctx context.Context, ref domain.RepoRef, path string) {
	if s.artifacts == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("artifact open for upload failed", "path", path, "err", err)
		return
	}
	defer f.Close()
	if err := s.artifacts.Upload(ctx, ref.ArtifactName(), f); err != nil {
		s.logger.Warn("artifact upload failed", "name", ref.ArtifactName(), "err", err)
		return
	}
	s.logger.Info("artifact uploaded", "name", ref.ArtifactName())
}
