// Package batch implements the Batch Scheduler: coalesced writes for graph
// and vector-index mutations (spec §2, §4.3). Node creations are queued for
// batched embedding generation; edges and memory objects are funneled
// through the same scheduler so that all graph mutation ordering is
// serialized behind one lock, matching the Graph Store's
// single-writer/multi-reader rule (spec §5).
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/graphstore"
	"github.com/liminalfauna/tiermind/internal/tlog"
	"github.com/liminalfauna/tiermind/vectorindex"
)

var log = tlog.New("BATCH")

type pendingEmbedding struct {
	nodeID  string
	content string
}

// Scheduler owns the pending-embeddings queue and serializes every graph/
// vector mutation behind a single lock. A flush is triggered when (a) the
// queue reaches the configured batch size, (b) FlushForSearch is called
// ahead of a retrieval, or (c) Shutdown runs (spec §4.3).
type Scheduler struct {
	mu sync.Mutex

	store    graphstore.Store
	index    vectorindex.Index
	embedder gateway.EmbeddingGateway
	cfg      config.LongTermConfig

	pending []pendingEmbedding
}

// New creates a Scheduler bound to the given store, vector index, and
// embedding gateway.
func New(store graphstore.Store, index vectorindex.Index, embedder gateway.EmbeddingGateway, cfg config.LongTermConfig) *Scheduler {
	return &Scheduler{
		store:    store,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
	}
}

// QueueNode upserts a node with no embedding yet and enqueues
// (node_id, content) for batched embedding generation. A flush fires
// automatically once the queue reaches cfg.EmbedBatchSize.
func (s *Scheduler) QueueNode(ctx context.Context, node graphstore.Node) error {
	s.mu.Lock()
	if err := s.store.UpsertNode(ctx, node); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("upsert node: %w", err)
	}
	s.pending = append(s.pending, pendingEmbedding{nodeID: node.ID, content: node.Content})
	shouldFlush := len(s.pending) >= s.cfg.EmbedBatchSize
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush(ctx)
	}
	return nil
}

// WriteEdge upserts an edge through the scheduler's lock.
func (s *Scheduler) WriteEdge(ctx context.Context, edge graphstore.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.UpsertEdge(ctx, edge); err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

// WriteMemory upserts a memory object through the scheduler's lock.
func (s *Scheduler) WriteMemory(ctx context.Context, mem graphstore.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.UpsertMemory(ctx, mem); err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// FlushForSearch drains the pending-embeddings queue ahead of a retrieval,
// so a just-created node is searchable immediately (spec §4.3 trigger b).
func (s *Scheduler) FlushForSearch(ctx context.Context) error {
	return s.Flush(ctx)
}

// Flush embeds every queued (node_id, content) pair in one batched call,
// writes the resulting vectors back onto the node, and bulk-inserts them
// into the Vector Index. Failure leaves the queue intact for a later retry.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.content
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		s.requeue(batch)
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		s.requeue(batch)
		return fmt.Errorf("embed batch: expected %d vectors, got %d", len(batch), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	var vecs [][]float32
	var metas []map[string]string
	for i, p := range batch {
		node, err := s.store.GetNode(ctx, p.nodeID)
		if err != nil {
			log.Warnf("flush: node %s vanished before write-back: %v", p.nodeID, err)
			continue
		}
		node.Embedding = vectors[i]
		if err := s.store.UpsertNode(ctx, node); err != nil {
			log.Warnf("flush: write-back embedding for %s: %v", p.nodeID, err)
			continue
		}
		ids = append(ids, p.nodeID)
		vecs = append(vecs, vectors[i])
		metas = append(metas, map[string]string{"type": string(node.Type)})
	}

	if len(ids) == 0 {
		return nil
	}
	if err := s.index.UpsertBatch(ctx, ids, vecs, metas); err != nil {
		return fmt.Errorf("upsert vector batch: %w", err)
	}
	log.Infof("flushed %d embeddings", len(batch))
	return nil
}

// requeue restores a failed batch to the front of the pending queue so a
// later Flush retries it.
func (s *Scheduler) requeue(batch []pendingEmbedding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(batch, s.pending...)
}

// PendingCount reports the current queue depth.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown flushes any pending embeddings best-effort and returns the first
// error encountered, matching the cooperative-cancellation shutdown path
// (spec §5 "flush pending writes").
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.Flush(ctx)
}
