package ingest

import "github.com/RepoPilot/repopilot-mvp/engine/domain"

// Chunk is a bounded text segment ready for embedding. Chunks are immutable
// once produced and ordered by their position in the source document.
type Chunk struct {
	Text  string
	Index int
}

// job carries a request through the pipeline stages.
type job struct {
	RepoURL      string
	Ref          domain.RepoRef
	ArtifactPath string
}

// textDoc is the extracted artifact contents.
type textDoc struct {
	job
	Text string
}

// chunkedDoc is a textDoc split into embeddable chunks.
type chunkedDoc struct {
	job
	Chunks []Chunk
}

// embeddedDoc is a chunkedDoc with one vector per chunk.
type embeddedDoc struct {
	chunkedDoc
	Embeddings [][]float32
}

// Result summarizes one ingestion.
type Result struct {
	Key      string `json:"key"`
	Chunks   int    `json:"chunks"`
	CacheHit bool   `json:"cache_hit"`
}
