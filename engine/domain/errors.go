package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the ingestion and query pipelines. Handlers map these
// to HTTP statuses; everything else is a generic 500.
var (
	ErrInvalidRepoURL          = errors.New("invalid repository url")
	ErrExtractionFailed        = errors.New("extraction failed")
	ErrArtifactMissing         = errors.New("extraction artifact missing")
	ErrEmbeddingFailed         = errors.New("embedding generation failed")
	ErrIndexProvisioningFailed = errors.New("index provisioning failed")
	ErrUpsertFailed            = errors.New("vector upsert failed")
	ErrIndexNotFound           = errors.New("vector index not found")
	ErrNoRelevantContent       = errors.New("no relevant content")
)

// ExtractionError wraps ErrExtractionFailed with the tool's diagnostic output.
type ExtractionError struct {
	RepoURL string
	Details string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v: %s", e.RepoURL, e.Err, e.Details)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtractionFailed }

// EmbeddingError reports which chunk broke the batch. The whole batch is
// discarded; nothing is upserted.
type EmbeddingError struct {
	ChunkIndex int
	Err        error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed chunk %d: %v", e.ChunkIndex, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func (e *EmbeddingError) Is(target error) bool { return target == ErrEmbeddingFailed }
