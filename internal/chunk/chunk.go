// Package chunk turns articles into the bounded text spans that get
// embedded and indexed.
//
// The policy is a fixed-size overlapping window with breaks preferred at
// paragraph, then line, then word boundaries. Splitting is deterministic:
// the same article text always yields the same chunks, offsets and hashes,
// which is what makes re-ingestion idempotent.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Chunk is a bounded span of an article's text, the unit of embedding and
// retrieval.
type Chunk struct {
	ID          string // derived from article id + content hash
	ArticleID   int64
	Ordinal     int // position within the article, for stable ordering
	Text        string
	StartOffset int // byte offset into the article text
	EndOffset   int
	ContentHash string // sha256 of the chunk text
}

// Splitter implements the chunking policy.
//
// The zero value is not useful; use NewSplitter.
type Splitter struct {
	size      int // window size in bytes
	overlap   int // bytes carried over into the next window
	minLength int // fragments shorter than this are dropped
}

// NewSplitter creates a splitter with the given window size, overlap and
// minimum fragment length. Callers are expected to pass validated config;
// out-of-range values are clamped to something workable.
func NewSplitter(size, overlap, minLength int) *Splitter {
	if size < 1 {
		size = 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	if minLength < 0 {
		minLength = 0
	}
	return &Splitter{size: size, overlap: overlap, minLength: minLength}
}

// Split chunks an article's text. Whitespace-only input yields no chunks.
func (s *Splitter) Split(articleID int64, text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	ordinal := 0
	start := 0

	for start < len(text) {
		end := start + s.size
		if end >= len(text) {
			end = len(text)
		} else {
			end = s.breakPoint(text, start, end)
		}

		piece := text[start:end]
		trimmed := strings.TrimSpace(piece)
		if len(trimmed) >= s.minLength && trimmed != "" {
			// Offsets refer to the trimmed span so EndOffset-StartOffset
			// always equals len(Text).
			lead := strings.Index(piece, trimmed)
			chunks = append(chunks, Chunk{
				ID:          ChunkID(articleID, trimmed),
				ArticleID:   articleID,
				Ordinal:     ordinal,
				Text:        trimmed,
				StartOffset: start + lead,
				EndOffset:   start + lead + len(trimmed),
				ContentHash: Hash(trimmed),
			})
			ordinal++
		}

		if end == len(text) {
			break
		}
		next := end - s.overlap
		if next <= start {
			next = start + 1 // always make progress
		}
		start = next
	}

	return chunks
}

// breakPoint finds the best split position in text[start:limit], preferring
// a paragraph break, then a line break, then a space. The window is never
// extended, only shortened, so no chunk exceeds the configured size.
func (s *Splitter) breakPoint(text string, start, limit int) int {
	window := text[start:limit]
	// Don't shrink the window below half its size hunting for a separator;
	// a mid-word cut is better than degenerate tiny chunks.
	floor := len(window) / 2

	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(window, sep); idx >= floor {
			return start + idx + len(sep)
		}
	}
	return limit
}

// Hash returns the hex-encoded sha256 of the chunk text. Identical text
// always maps to the same hash, which the ingestor uses for deduplication.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives the index key for a chunk from its article and content.
// Re-ingesting identical text reproduces the same id, so upserts replace
// rather than duplicate.
func ChunkID(articleID int64, text string) string {
	return fmt.Sprintf("article_%d_%s", articleID, Hash(text)[:16])
}
