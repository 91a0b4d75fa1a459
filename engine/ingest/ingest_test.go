package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RepoPilot/repopilot-mvp/engine/cache"
	"github.com/RepoPilot/repopilot-mvp/engine/domain"
	"github.com/RepoPilot/repopilot-mvp/engine/semantic"
)

// fakeExtractor writes canned content to the artifact path.
type fakeExtractor struct {
	content string
	err     error
	calls   int
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, outPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outPath, []byte(f.content), 0o644)
}

// fakeEmbedder returns a fixed-dimension vector, optionally failing at a
// given call index.
type fakeEmbedder struct {
	dim    int
	failAt int // 1-based call number to fail on; 0 means never
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errors.New("provider unavailable")
	}
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type fakeVectors struct {
	upserts [][]semantic.VectorRecord
	names   []string
	err     error
}

func (f *fakeVectors) Upsert(_ context.Context, name string, records []semantic.VectorRecord) error {
	if f.err != nil {
		return f.err
	}
	f.names = append(f.names, name)
	f.upserts = append(f.upserts, records)
	return nil
}

func newTestService(t *testing.T, ex *fakeExtractor, em *fakeEmbedder, vs *fakeVectors) (*Service, *cache.Client) {
	t.Helper()
	fresh := cache.New(cache.NewMemoryStore(), nil)
	cfg := Config{
		ChunkSize:    8000,
		ChunkOverlap: 200,
		TTL:          time.Hour,
		TempDir:      t.TempDir(),
	}
	return New(ex, em, vs, fresh, nil, cfg, nil, nil), fresh
}

func TestProcess_FullPipeline(t *testing.T) {
	ex := &fakeExtractor{content: strings.Repeat("a", 50000)}
	em := &fakeEmbedder{dim: 8}
	vs := &fakeVectors{}
	svc, fresh := newTestService(t, ex, em, vs)

	res, err := svc.Process(context.Background(), "https://github.com/acme/widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Key != "acme-widgets" {
		t.Fatalf("expected key acme-widgets, got %q", res.Key)
	}
	if res.CacheHit {
		t.Fatal("first ingestion should not be a cache hit")
	}
	if res.Chunks != 7 {
		t.Fatalf("expected 7 chunks, got %d", res.Chunks)
	}
	if em.calls != 7 {
		t.Fatalf("expected 7 embedding calls, got %d", em.calls)
	}
	if len(vs.upserts) != 1 || len(vs.upserts[0]) != 7 {
		t.Fatalf("expected one upsert with 7 records, got %d upserts", len(vs.upserts))
	}
	if vs.names[0] != "acme-widgets" {
		t.Fatalf("upsert went to collection %q", vs.names[0])
	}
	if !fresh.IsFresh(context.Background(), "acme-widgets") {
		t.Fatal("project should be fresh after ingestion")
	}
}

func TestProcess_CacheHitSkipsPipeline(t *testing.T) {
	ex := &fakeExtractor{content: "hello world"}
	em := &fakeEmbedder{dim: 4}
	vs := &fakeVectors{}
	svc, fresh := newTestService(t, ex, em, vs)

	fresh.MarkFresh(context.Background(), "acme-widgets", time.Hour)

	res, err := svc.Process(context.Background(), "https://github.com/acme/widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.CacheHit {
		t.Fatal("expected a cache hit")
	}
	if ex.calls != 0 {
		t.Fatalf("extractor should not run on cache hit, ran %d times", ex.calls)
	}
	if em.calls != 0 || len(vs.upserts) != 0 {
		t.Fatal("no embedding or upsert work expected on cache hit")
	}
}

func TestProcess_InvalidURL(t *testing.T) {
	svc, _ := newTestService(t, &fakeExtractor{}, &fakeEmbedder{dim: 4}, &fakeVectors{})
	_, err := svc.Process(context.Background(), "not a url")
	if !errors.Is(err, domain.ErrInvalidRepoURL) {
		t.Fatalf("expected ErrInvalidRepoURL, got %v", err)
	}
}

func TestProcess_EmbedFailureAbortsBatch(t *testing.T) {
	// Five paragraphs, each its own chunk; the third embedding call fails.
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(strings.Repeat(fmt.Sprintf("p%d ", i), 100))
		b.WriteString("\n\n")
	}
	ex := &fakeExtractor{content: b.String()}
	em := &fakeEmbedder{dim: 4, failAt: 3}
	vs := &fakeVectors{}

	fresh := cache.New(cache.NewMemoryStore(), nil)
	cfg := Config{ChunkSize: 500, ChunkOverlap: 50, TTL: time.Hour, TempDir: t.TempDir()}
	svc := New(ex, em, vs, fresh, nil, cfg, nil, nil)

	_, err := svc.Process(context.Background(), "https://github.com/acme/widgets")
	var embErr *domain.EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}
	if embErr.ChunkIndex != 2 {
		t.Fatalf("expected failure at chunk 2, got %d", embErr.ChunkIndex)
	}
	if len(vs.upserts) != 0 {
		t.Fatal("nothing should reach the vector store after an embed failure")
	}
	if fresh.IsFresh(context.Background(), "acme-widgets") {
		t.Fatal("failed ingestion must not mark the project fresh")
	}
}

func TestProcess_ExtractionFailure(t *testing.T) {
	ex := &fakeExtractor{err: &domain.ExtractionError{
		RepoURL: "https://github.com/acme/widgets",
		Details: "npx: command not found",
		Err:     errors.New("exit status 1"),
	}}
	svc, _ := newTestService(t, ex, &fakeEmbedder{dim: 4}, &fakeVectors{})

	_, err := svc.Process(context.Background(), "https://github.com/acme/widgets")
	if !errors.Is(err, domain.ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
}

func TestProcess_ArtifactRemovedAfterRun(t *testing.T) {
	dir := t.TempDir()
	ex := &fakeExtractor{content: "some repository text"}
	fresh := cache.New(cache.NewMemoryStore(), nil)
	cfg := Config{ChunkSize: 8000, ChunkOverlap: 200, TTL: time.Hour, TempDir: dir}
	svc := New(ex, &fakeEmbedder{dim: 4}, &fakeVectors{}, fresh, nil, cfg, nil, nil)

	if _, err := svc.Process(context.Background(), "https://github.com/acme/widgets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	artifact := filepath.Join(dir, "acme-widgets-output.txt")
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("artifact should be removed after the run: %v", err)
	}
}

func TestProcess_DeterministicPointIDs(t *testing.T) {
	ex := &fakeExtractor{content: strings.Repeat("b", 20000)}
	em := &fakeEmbedder{dim: 4}
	vs := &fakeVectors{}
	fresh := cache.New(cache.NewMemoryStore(), nil)
	cfg := Config{ChunkSize: 8000, ChunkOverlap: 200, TempDir: t.TempDir(), TTL: time.Millisecond}
	svc := New(ex, em, vs, fresh, nil, cfg, nil, nil)

	if _, err := svc.Process(context.Background(), "https://github.com/acme/widgets"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let the freshness entry lapse
	if _, err := svc.Process(context.Background(), "https://github.com/acme/widgets"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(vs.upserts) != 2 {
		t.Fatalf("expected 2 upserts, got %d", len(vs.upserts))
	}
	for i := range vs.upserts[0] {
		if vs.upserts[0][i].ID != vs.upserts[1][i].ID {
			t.Fatalf("point IDs must be stable across re-ingestion, record %d differs", i)
		}
	}
}

func TestProcess_PayloadShape(t *testing.T) {
	ex := &fakeExtractor{content: "short document"}
	vs := &fakeVectors{}
	svc, _ := newTestService(t, ex, &fakeEmbedder{dim: 4}, vs)

	if _, err := svc.Process(context.Background(), "https://github.com/acme/widgets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := vs.upserts[0][0]
	if rec.Payload["text"] != "short document" {
		t.Fatalf("payload text mismatch: %v", rec.Payload["text"])
	}
	if rec.Payload["chunk_id"] != "chunk-0" {
		t.Fatalf("payload chunk_id mismatch: %v", rec.Payload["chunk_id"])
	}
	if rec.Payload["chunk_index"] != 0 {
		t.Fatalf("payload chunk_index mismatch: %v", rec.Payload["chunk_index"])
	}
	if rec.Payload["project"] != "acme-widgets" {
		t.Fatalf("payload project mismatch: %v", rec.Payload["project"])
	}
}
