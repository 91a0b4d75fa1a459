package semantic

// SearchResult represents a single vector search hit.
type SearchResult struct {
	ID         string            `json:"id"`
	Score      float32           `json:"score"`
	Text       string            `json:"text"`
	ChunkIndex int               `json:"chunk_index"`
	Project    string            `json:"project"`
	Meta       map[string]string `json:"meta"`
}

// VectorRecord represents a single embedding to store in Qdrant.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any // text, chunk_id, chunk_index, project
}
