package vectorindex

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/liminalfauna/tiermind/internal/tlog"
)

var log = tlog.New("VECTORINDEX")

// ChromemIndex wraps a single chromem-go collection as the Vector Index.
// Adapted from the teacher's memory/store/chromem.ChromemStore: same
// embedded, pure-Go vector database, but indexed by bare node id instead
// of a namespaced-by-owner Memory row, since the Graph Store (not the
// index) owns node→memory ownership here.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// New creates a chromem-backed index with a single collection named "nodes".
func New() (*ChromemIndex, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("nodes", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemIndex{db: db, collection: col}, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, nodeID string, vector []float32, metadata map[string]string) error {
	doc := chromem.Document{
		ID:        nodeID,
		Embedding: vector,
		Metadata:  metadata,
	}
	if err := c.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert node %s: %w", nodeID, err)
	}
	return nil
}

// UpsertBatch writes each (nodeID, vector) pair through the single-document
// API; chromem-go's collection is safe for concurrent AddDocument calls, so
// this is the batched entry point the Batch Scheduler flushes through
// (spec §4.3 "bulk-inserted into the Vector Index").
func (c *ChromemIndex) UpsertBatch(ctx context.Context, nodeIDs []string, vectors [][]float32, metadata []map[string]string) error {
	if len(nodeIDs) != len(vectors) {
		return fmt.Errorf("upsert batch: %d ids but %d vectors", len(nodeIDs), len(vectors))
	}
	log.Infof("upserting batch of %d node embeddings", len(nodeIDs))
	for i, id := range nodeIDs {
		var md map[string]string
		if i < len(metadata) {
			md = metadata[i]
		}
		if err := c.Upsert(ctx, id, vectors[i], md); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	var results []chromem.Result
	for n := topK; n >= 1; n-- {
		res, err := c.collection.QueryEmbedding(ctx, vector, n, filter, nil)
		if err == nil {
			results = res
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("query: %w", err)
		}
		if n == 1 {
			return nil, nil
		}
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{NodeID: r.ID, Score: float64(r.Similarity)})
	}
	return matches, nil
}

func (c *ChromemIndex) Delete(ctx context.Context, nodeID string) error {
	if err := c.collection.Delete(ctx, nil, nil, nodeID); err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	return nil
}

func (c *ChromemIndex) Close() error {
	return nil
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return contains(s, "nResults must be") || contains(s, "number of documents")
}

func contains(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
