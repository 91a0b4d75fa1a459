package ingest

import "strings"

const (
	// DefaultChunkSize is the maximum chunk length in characters.
	DefaultChunkSize = 8000
	// DefaultChunkOverlap is how many trailing characters of a chunk are
	// repeated at the start of the next one.
	DefaultChunkOverlap = 200
)

// separators, highest priority first. The empty string means a hard cut at
// character boundaries.
var separators = []string{"\n\n", "\n", " ", ""}

// Split divides text into ordered chunks of at most chunkSize characters.
// The text is split at the highest-priority separator available, recursing to
// finer separators for oversized pieces, then merged back greedily. Every
// chunk after the first begins with the last chunkOverlap characters of its
// predecessor. Identical input always yields an identical chunk sequence,
// and no chunk is empty. Empty input yields no chunks.
func Split(text string, chunkSize, chunkOverlap int) []Chunk {
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 4
	}

	// Pieces are capped so that carry + piece always fits in one chunk.
	pieces := splitPieces(text, separators, chunkSize-chunkOverlap)

	var chunks []Chunk
	var buf strings.Builder
	carry := ""

	emit := func() {
		chunks = append(chunks, Chunk{Text: buf.String(), Index: len(chunks)})
		carry = tail(buf.String(), chunkOverlap)
		buf.Reset()
		buf.WriteString(carry)
	}

	for _, p := range pieces {
		if buf.Len()+len(p) > chunkSize && buf.Len() > len(carry) {
			emit()
		}
		buf.WriteString(p)
	}
	if buf.Len() > len(carry) || len(chunks) == 0 {
		chunks = append(chunks, Chunk{Text: buf.String(), Index: len(chunks)})
	}
	return chunks
}

// splitPieces recursively splits text into pieces no longer than limit,
// trying separators in priority order. Separators stay attached to the
// preceding piece so that concatenating all pieces reproduces the input.
func splitPieces(text string, seps []string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	// Find the first usable separator.
	for i, sep := range seps {
		if sep == "" {
			return hardCut(text, limit)
		}
		if !strings.Contains(text, sep) {
			continue
		}
		var out []string
		for _, part := range strings.SplitAfter(text, sep) {
			if part == "" {
				continue
			}
			if len(part) <= limit {
				out = append(out, part)
			} else {
				out = append(out, splitPieces(part, seps[i+1:], limit)...)
			}
		}
		return out
	}
	return hardCut(text, limit)
}

// hardCut slices text into limit-sized pieces at raw character boundaries.
func hardCut(text string, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	var out []string
	for len(text) > limit {
		out = append(out, text[:limit])
		text = text[limit:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
