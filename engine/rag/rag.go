// Package rag orchestrates the retrieval-augmented query pipeline. It embeds
// a user question, retrieves the most relevant chunks from the project's
// vector collection, and streams a grounded answer from the language model.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RepoPilot/repopilot-mvp/engine/domain"
	"github.com/RepoPilot/repopilot-mvp/engine/semantic"
	"github.com/RepoPilot/repopilot-mvp/pkg/fn"
	"github.com/RepoPilot/repopilot-mvp/pkg/metrics"
)

// Embedder turns the question into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher abstracts the vector store's read path.
type Searcher interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	Search(ctx context.Context, name string, embedding []float32, topK int) ([]semantic.SearchResult, error)
}

// Generator streams model output token by token. The callback returning an
// error aborts the stream.
type Generator interface {
	Stream(ctx context.Context, systemPrompt, userPrompt string, onToken func(string) error) error
}

// Options configures the query pipeline behaviour.
type Options struct {
	TopK          int
	SystemPrompt  string
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          5,
		SystemPrompt:  defaultSystemPrompt,
		SearchTimeout: 5 * time.Second,
	}
}

const defaultSystemPrompt = `You are RepoPilot, an expert software engineer who answers questions
about a code repository. Use ONLY the provided code snippets. If the snippets
do not contain enough information to answer, say so plainly.`

const userPromptTemplate = "Based on the following code snippets, answer the question in markdown format:\n\n%s\n\n**Question:** %s"

// Service runs retrieval-augmented queries.
type Service struct {
	embedder Embedder
	search   Searcher
	gen      Generator
	opts     Options
	logger   *slog.Logger

	mQueries  *metrics.Counter
	mNoHits   *metrics.Counter
	mExpired  *metrics.Counter
	mDuration *metrics.Histogram
}

// New creates a query Service. reg may be nil to disable metrics.
func New(embedder Embedder, search Searcher, gen Generator, opts Options, reg *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 5 * time.Second
	}
	return &Service{
		embedder: embedder,
		search:   search,
		gen:      gen,
		opts:     opts,
		logger:   logger,

		mQueries:  reg.Counter("repopilot_query_total", "Queries answered"),
		mNoHits:   reg.Counter("repopilot_query_no_content_total", "Queries with no relevant chunks"),
		mExpired:  reg.Counter("repopilot_query_expired_total", "Queries against a missing index"),
		mDuration: reg.Histogram("repopilot_query_duration_seconds", "Retrieval time excluding generation", nil),
	}
}

// Source is a retrieved chunk backing the answer.
type Source struct {
	ID      string  `json:"id"`
	ChunkID string  `json:"chunk_id"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// StreamHandler receives the staged output of a query. OnSources fires once,
// before any token; OnToken fires per generated token.
type StreamHandler struct {
	OnSources func(sources []Source) error
	OnToken   func(token string) error
}

// Answer runs the query pipeline for one question against one project.
//
// A missing collection yields domain.ErrIndexNotFound; an empty or blank
// retrieval yields domain.ErrNoRelevantContent without touching the
// generator. Both fire before any stream output.
func (s *Service) Answer(ctx context.Context, projectKey, question string, h StreamHandler) error {
	start := time.Now()
	s.logger.Info("query start", "project", projectKey, "question_len", len(question))

	exists, err := s.search.CollectionExists(ctx, projectKey)
	if err != nil {
		return fmt.Errorf("rag: index lookup: %w", err)
	}
	if !exists {
		s.mExpired.Inc()
		return fmt.Errorf("rag: project %s: %w", projectKey, domain.ErrIndexNotFound)
	}

	embedding, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return fmt.Errorf("rag: embed question: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	results, err := s.search.Search(searchCtx, projectKey, embedding, s.opts.TopK)
	if err != nil {
		return fmt.Errorf("rag: semantic search: %w", err)
	}
	s.mDuration.Since(start)
	s.logger.Info("retrieval done", "project", projectKey, "results", len(results))

	snippets := buildContext(results)
	if snippets == "" {
		s.mNoHits.Inc()
		return fmt.Errorf("rag: project %s: %w", projectKey, domain.ErrNoRelevantContent)
	}

	if h.OnSources != nil {
		sources := fn.Map(results, func(r semantic.SearchResult) Source {
			return Source{
				ID:      r.ID,
				ChunkID: fmt.Sprintf("chunk-%d", r.ChunkIndex),
				Content: r.Text,
				Score:   r.Score,
			}
		})
		if err := h.OnSources(sources); err != nil {
			return fmt.Errorf("rag: emit sources: %w", err)
		}
	}

	prompt := fmt.Sprintf(userPromptTemplate, snippets, question)
	if err := s.gen.Stream(ctx, s.opts.SystemPrompt, prompt, h.OnToken); err != nil {
		return fmt.Errorf("rag: generate: %w", err)
	}

	s.mQueries.Inc()
	s.logger.Info("query complete", "project", projectKey, "duration", time.Since(start))
	return nil
}

// buildContext joins retrieved chunk texts in rank order. Blank-only
// retrievals collapse to the empty string.
func buildContext(results []semantic.SearchResult) string {
	parts := fn.FilterMap(results, func(r semantic.SearchResult) (string, bool) {
		return r.Text, strings.TrimSpace(r.Text) != ""
	})
	return strings.Join(parts, "\n\n")
}
