package graphstore

import "context"

// Store is the Graph Store external contract (spec §6): typed nodes/edges,
// deterministic adjacency order, memory↔node maps. Single-writer/
// multi-reader; adjacency updates are serialized by the implementation
// (spec §5).
type Store interface {
	UpsertNode(ctx context.Context, node Node) error
	GetNode(ctx context.Context, id string) (Node, error)
	DeleteNode(ctx context.Context, id string) error

	UpsertEdge(ctx context.Context, edge Edge) error
	// GetOutgoingEdges returns edges sourced at id in a deterministic order
	// (insertion order), required by Path Expansion's reproducible
	// branch-selection.
	GetOutgoingEdges(ctx context.Context, id string) ([]Edge, error)
	GetIncomingEdges(ctx context.Context, id string) ([]Edge, error)
	DeleteEdge(ctx context.Context, id string) error

	UpsertMemory(ctx context.Context, mem Memory) error
	GetMemory(ctx context.Context, id string) (Memory, error)
	// GetMemoriesByNode returns the ids of memories referencing node id,
	// i.e. the node→memories inverted index (spec §3 invariant).
	GetMemoriesByNode(ctx context.Context, nodeID string) ([]string, error)
	DeleteMemory(ctx context.Context, id string) error

	// AllMemories returns every memory currently stored, used by decay and
	// consolidation sweeps.
	AllMemories(ctx context.Context) ([]Memory, error)

	Close() error
}
