// Package graphstore implements the Long-Term knowledge graph: typed
// Node/Edge/Memory records (spec §3), the Store contract (spec §6), and two
// implementations — an in-memory store with adjacency indices, and a
// sqlite-backed store grounded on liliang-cn-sqvect's graph schema.
package graphstore

import "time"

// NodeType enumerates the typed-node vocabulary (spec §3).
type NodeType string

const (
	NodePerson    NodeType = "person"
	NodeEntity    NodeType = "entity"
	NodeEvent     NodeType = "event"
	NodeTopic     NodeType = "topic"
	NodeAttribute NodeType = "attribute"
	NodeValue     NodeType = "value"
	NodeTime      NodeType = "time"
	NodeLocation  NodeType = "location"
	NodeOther     NodeType = "other"
)

// EdgeType enumerates the typed-edge vocabulary (spec §3).
type EdgeType string

const (
	EdgeReference    EdgeType = "reference"
	EdgeAttribute    EdgeType = "attribute"
	EdgeHasProperty  EdgeType = "has_property"
	EdgeRelation     EdgeType = "relation"
	EdgeTemporal     EdgeType = "temporal"
	EdgeCoreRelation EdgeType = "core_relation"
	EdgeDefault      EdgeType = "default"
)

// Node is a typed graph node (spec §3). Embedding is nil until lazily
// generated; the Vector Index carries one entry per node once it is set.
type Node struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Type      NodeType          `json:"type"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Edge is a typed, directed edge between two nodes (spec §3).
type Edge struct {
	ID           string            `json:"id"`
	SourceID     string            `json:"source_id"`
	TargetID     string            `json:"target_id"`
	Type         EdgeType          `json:"edge_type"`
	RelationText string            `json:"relation_text"`
	Importance   float64           `json:"importance"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Memory groups a set of nodes and edges into one retrievable unit
// (spec §3). Invariants: every NodeID exists in the Graph Store; every
// EdgeID's endpoints are in NodeIDs; the node→memories inverted index is
// kept consistent with NodeIDs by the Store implementation.
type Memory struct {
	ID             string    `json:"id"`
	NodeIDs        []string  `json:"node_ids"`
	EdgeIDs        []string  `json:"edge_ids"`
	MemoryType     string    `json:"memory_type"`
	Importance     float64   `json:"importance"`
	Activation     float64   `json:"activation"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	DecayFactor    float64   `json:"decay_factor"`
	PrivacyLabel   string    `json:"privacy_label,omitempty"`
}

// Clone returns a deep-enough copy of m for callers that mutate a result
// without risking a data race with the store's internal copy.
func (m Memory) Clone() Memory {
	out := m
	out.NodeIDs = append([]string(nil), m.NodeIDs...)
	out.EdgeIDs = append([]string(nil), m.EdgeIDs...)
	return out
}
