// Package testutil provides test doubles shared across packages.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// LexicalEmbedder is a deterministic ai.Embedder for offline tests. It
// hashes lowercase tokens into a fixed number of buckets and normalizes
// the resulting bag-of-words vector, so cosine similarity tracks lexical
// overlap: texts sharing words score higher than unrelated texts. That is
// enough to exercise retrieval ordering without a real model.
type LexicalEmbedder struct {
	Dim int // vector dimension, default 64
}

func (e *LexicalEmbedder) Name() string            { return "lexical-test-embedder" }
func (e *LexicalEmbedder) Register(_ api.Registry) {}

func (e *LexicalEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	resp := &ai.EmbedResponse{}
	for _, doc := range req.Input {
		var text strings.Builder
		for _, part := range doc.Content {
			text.WriteString(part.Text)
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{
			Embedding: e.Vector(text.String()),
		})
	}
	return resp, nil
}

// Vector maps text to its deterministic embedding directly, for tests
// that build index entries without going through a provider.
func (e *LexicalEmbedder) Vector(text string) []float32 {
	dim := e.Dim
	if dim < 1 {
		dim = 64
	}

	vec := make([]float32, dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%uint32(dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1 // degenerate input still yields a unit vector
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
