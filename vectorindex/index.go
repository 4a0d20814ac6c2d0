// Package vectorindex defines the Vector Index contract (spec §6) and a
// chromem-go backed implementation, adapted from the teacher's
// memory/store/chromem package.
package vectorindex

import "context"

// Match is one nearest-neighbor hit.
type Match struct {
	NodeID string
	Score  float64
}

// Index is the Vector Index external contract (spec §6): nearest-neighbor
// search over node embeddings, single-writer/multi-reader (spec §5).
type Index interface {
	// Upsert inserts or replaces a node's embedding and metadata.
	Upsert(ctx context.Context, nodeID string, vector []float32, metadata map[string]string) error

	// UpsertBatch inserts or replaces many nodes' embeddings in one call,
	// the entry point the Batch Scheduler writes through (spec §5).
	UpsertBatch(ctx context.Context, nodeIDs []string, vectors [][]float32, metadata []map[string]string) error

	// Query returns up to topK nearest neighbors to vector, optionally
	// restricted by filter (an exact-match metadata filter).
	Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error)

	// Delete removes a node's embedding from the index.
	Delete(ctx context.Context, nodeID string) error

	// Close releases resources.
	Close() error
}
