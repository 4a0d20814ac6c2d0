package graphstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/liminalfauna/tiermind/core"
)

// MemStore is an in-memory Store implementation with adjacency lists and
// the node→memories inverted index. New; the shape is grounded on
// liliang-cn-sqvect/pkg/graph/graph.go's table-per-concern split (nodes,
// edges, a direction-filtered edge query), translated here to maps guarded
// by a single RWMutex (spec §5: "Graph Store: single-writer/multi-reader;
// adjacency updates are serialized").
type MemStore struct {
	mu sync.RWMutex

	nodes   map[string]Node
	edges   map[string]Edge
	memories map[string]Memory

	// outgoing/incoming preserve insertion order per node, matching the
	// "deterministic order" requirement on GetOutgoingEdges (spec §6).
	outgoing map[string][]string // nodeID -> edge IDs sourced there
	incoming map[string][]string // nodeID -> edge IDs targeting there

	nodeToMemories map[string]map[string]struct{} // nodeID -> set of memory IDs
}

// NewMemStore creates an empty in-memory graph store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:          make(map[string]Node),
		edges:          make(map[string]Edge),
		memories:       make(map[string]Memory),
		outgoing:       make(map[string][]string),
		incoming:       make(map[string][]string),
		nodeToMemories: make(map[string]map[string]struct{}),
	}
}

func (s *MemStore) UpsertNode(ctx context.Context, node Node) error {
	if node.ID == "" {
		return fmt.Errorf("%w: node missing id", core.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	return nil
}

func (s *MemStore) GetNode(ctx context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: node %s", core.ErrNotFound, id)
	}
	return n, nil
}

func (s *MemStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("%w: node %s", core.ErrNotFound, id)
	}
	delete(s.nodes, id)
	for _, edgeID := range append([]string(nil), s.outgoing[id]...) {
		s.removeEdgeLocked(edgeID)
	}
	for _, edgeID := range append([]string(nil), s.incoming[id]...) {
		s.removeEdgeLocked(edgeID)
	}
	delete(s.outgoing, id)
	delete(s.incoming, id)
	delete(s.nodeToMemories, id)
	return nil
}

func (s *MemStore) UpsertEdge(ctx context.Context, edge Edge) error {
	if edge.ID == "" || edge.SourceID == "" || edge.TargetID == "" {
		return fmt.Errorf("%w: edge missing id or endpoints", core.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.edges[edge.ID]; !exists {
		s.outgoing[edge.SourceID] = append(s.outgoing[edge.SourceID], edge.ID)
		s.incoming[edge.TargetID] = append(s.incoming[edge.TargetID], edge.ID)
	}
	s.edges[edge.ID] = edge
	return nil
}

func (s *MemStore) GetOutgoingEdges(ctx context.Context, id string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.outgoing[id]
	out := make([]Edge, 0, len(ids))
	for _, eid := range ids {
		if e, ok := s.edges[eid]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemStore) GetIncomingEdges(ctx context.Context, id string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.incoming[id]
	out := make([]Edge, 0, len(ids))
	for _, eid := range ids {
		if e, ok := s.edges[eid]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemStore) DeleteEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[id]; !ok {
		return fmt.Errorf("%w: edge %s", core.ErrNotFound, id)
	}
	s.removeEdgeLocked(id)
	return nil
}

// removeEdgeLocked removes an edge's id from the adjacency lists and the
// edge map. Caller must hold s.mu.
func (s *MemStore) removeEdgeLocked(id string) {
	e, ok := s.edges[id]
	if !ok {
		return
	}
	delete(s.edges, id)
	s.outgoing[e.SourceID] = removeString(s.outgoing[e.SourceID], id)
	s.incoming[e.TargetID] = removeString(s.incoming[e.TargetID], id)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func (s *MemStore) UpsertMemory(ctx context.Context, mem Memory) error {
	if mem.ID == "" {
		return fmt.Errorf("%w: memory missing id", core.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.memories[mem.ID]; exists {
		for _, nodeID := range old.NodeIDs {
			if set, ok := s.nodeToMemories[nodeID]; ok {
				delete(set, mem.ID)
			}
		}
	}
	s.memories[mem.ID] = mem
	for _, nodeID := range mem.NodeIDs {
		set, ok := s.nodeToMemories[nodeID]
		if !ok {
			set = make(map[string]struct{})
			s.nodeToMemories[nodeID] = set
		}
		set[mem.ID] = struct{}{}
	}
	return nil
}

func (s *MemStore) GetMemory(ctx context.Context, id string) (Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return Memory{}, fmt.Errorf("%w: memory %s", core.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemStore) GetMemoriesByNode(ctx context.Context, nodeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.nodeToMemories[nodeID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemStore) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("%w: memory %s", core.ErrNotFound, id)
	}
	delete(s.memories, id)
	for _, nodeID := range mem.NodeIDs {
		if set, ok := s.nodeToMemories[nodeID]; ok {
			delete(set, id)
		}
	}
	return nil
}

func (s *MemStore) AllMemories(ctx context.Context) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Memory, 0, len(s.memories))
	for _, m := range s.memories {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }

// Snapshot returns a point-in-time copy of all nodes, edges, and memories,
// in the slice form that SaveSnapshot (persistence.go) takes.
func (s *MemStore) Snapshot() ([]Node, []Edge, []Memory) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e)
	}
	mems := make([]Memory, 0, len(s.memories))
	for _, m := range s.memories {
		mems = append(mems, m.Clone())
	}
	return nodes, edges, mems
}

// Restore replaces the store's contents with a previously captured
// snapshot, rebuilding adjacency and the inverted index from scratch.
func (s *MemStore) Restore(nodes []Node, edges []Edge, mems []Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]Node, len(nodes))
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	s.edges = make(map[string]Edge, len(edges))
	s.outgoing = make(map[string][]string)
	s.incoming = make(map[string][]string)
	for _, e := range edges {
		s.edges[e.ID] = e
		s.outgoing[e.SourceID] = append(s.outgoing[e.SourceID], e.ID)
		s.incoming[e.TargetID] = append(s.incoming[e.TargetID], e.ID)
	}
	s.memories = make(map[string]Memory, len(mems))
	s.nodeToMemories = make(map[string]map[string]struct{})
	for _, m := range mems {
		s.memories[m.ID] = m
		for _, nodeID := range m.NodeIDs {
			set, ok := s.nodeToMemories[nodeID]
			if !ok {
				set = make(map[string]struct{})
				s.nodeToMemories[nodeID] = set
			}
			set[m.ID] = struct{}{}
		}
	}
}
