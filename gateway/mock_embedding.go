package gateway

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEmbeddingGateway produces deterministic embeddings from a text hash.
// Directly ported from the teacher's memory/embedder/mock package, with the
// interface generalized from the single-text memory.Embedder to the
// batchable EmbeddingGateway.
type MockEmbeddingGateway struct {
	dimensions int
}

// NewMockEmbeddingGateway creates a mock gateway with the given dimension
// (defaults to 384, matching all-MiniLM-L6-v2, same as the teacher).
func NewMockEmbeddingGateway(dimensions int) *MockEmbeddingGateway {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbeddingGateway{dimensions: dimensions}
}

func (m *MockEmbeddingGateway) Dimensions() int { return m.dimensions }

func (m *MockEmbeddingGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.embedOne(text)
	}
	return out, nil
}

func (m *MockEmbeddingGateway) embedOne(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := 0; i < m.dimensions; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding)
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
