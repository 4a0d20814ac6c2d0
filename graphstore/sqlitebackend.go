package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liminalfauna/tiermind/core"
)

// SQLiteStore is an alternate, durable Store implementation. Its schema and
// query shape are grounded directly on liliang-cn-sqvect/pkg/graph/graph.go
// (graph_nodes / graph_edges tables, ON CONFLICT upsert, direction-filtered
// edge queries), extended here with a graph_memories table and a
// memory_nodes join table for the node→memories inverted index that
// sqvect's graph package doesn't need (it has no memory-grouping concept).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a sqlite database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, like the teacher's single-writer rule (spec §5)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		content TEXT,
		node_type TEXT,
		embedding BLOB,
		metadata TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS graph_edges (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		edge_type TEXT,
		relation_text TEXT,
		importance REAL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (source_id) REFERENCES graph_nodes(id) ON DELETE CASCADE,
		FOREIGN KEY (target_id) REFERENCES graph_nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_source ON graph_edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON graph_edges(target_id);
	CREATE INDEX IF NOT EXISTS idx_edges_type ON graph_edges(edge_type);

	CREATE TABLE IF NOT EXISTS graph_memories (
		id TEXT PRIMARY KEY,
		memory_type TEXT,
		importance REAL DEFAULT 0,
		activation REAL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		access_count INTEGER DEFAULT 0,
		decay_factor REAL DEFAULT 1,
		privacy_label TEXT,
		node_ids TEXT,
		edge_ids TEXT
	);

	CREATE TABLE IF NOT EXISTS memory_nodes (
		memory_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		PRIMARY KEY (memory_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_memory_nodes_node ON memory_nodes(node_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, node Node) error {
	if node.ID == "" {
		return fmt.Errorf("%w: node missing id", core.ErrValidation)
	}
	metaJSON, err := json.Marshal(node.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	embBytes := encodeVector(node.Embedding)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, content, node_type, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			node_type = excluded.node_type,
			embedding = excluded.embedding,
			metadata = excluded.metadata
	`, node.ID, node.Content, string(node.Type), embBytes, string(metaJSON), node.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, node_type, embedding, metadata, created_at
		FROM graph_nodes WHERE id = ?`, id)

	var n Node
	var nodeType string
	var embBytes []byte
	var metaJSON sql.NullString
	var createdAt string
	if err := row.Scan(&n.ID, &n.Content, &nodeType, &embBytes, &metaJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Node{}, fmt.Errorf("%w: node %s", core.ErrNotFound, id)
		}
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	n.Type = NodeType(nodeType)
	n.Embedding = decodeVector(embBytes)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return n, nil
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: node %s", core.ErrNotFound, id)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE source_id = ? OR target_id = ?`, id, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memory_nodes WHERE node_id = ?`, id)
	return nil
}

func (s *SQLiteStore) UpsertEdge(ctx context.Context, edge Edge) error {
	if edge.ID == "" || edge.SourceID == "" || edge.TargetID == "" {
		return fmt.Errorf("%w: edge missing id or endpoints", core.ErrValidation)
	}
	metaJSON, err := json.Marshal(edge.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (id, source_id, target_id, edge_type, relation_text, importance, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			edge_type = excluded.edge_type,
			relation_text = excluded.relation_text,
			importance = excluded.importance,
			metadata = excluded.metadata
	`, edge.ID, edge.SourceID, edge.TargetID, string(edge.Type), edge.RelationText, edge.Importance, string(metaJSON), edge.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOutgoingEdges(ctx context.Context, id string) ([]Edge, error) {
	return s.queryEdges(ctx, `SELECT id, source_id, target_id, edge_type, relation_text, importance, metadata, created_at
		FROM graph_edges WHERE source_id = ? ORDER BY rowid`, id)
}

func (s *SQLiteStore) GetIncomingEdges(ctx context.Context, id string) ([]Edge, error) {
	return s.queryEdges(ctx, `SELECT id, source_id, target_id, edge_type, relation_text, importance, metadata, created_at
		FROM graph_edges WHERE target_id = ? ORDER BY rowid`, id)
}

func (s *SQLiteStore) queryEdges(ctx context.Context, query string, arg string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var edgeType, createdAt string
		var metaJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &edgeType, &e.RelationText, &e.Importance, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Type = EdgeType(edgeType)
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteEdge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: edge %s", core.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) UpsertMemory(ctx context.Context, mem Memory) error {
	if mem.ID == "" {
		return fmt.Errorf("%w: memory missing id", core.ErrValidation)
	}
	nodeJSON, _ := json.Marshal(mem.NodeIDs)
	edgeJSON, _ := json.Marshal(mem.EdgeIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO graph_memories (id, memory_type, importance, activation, created_at, last_accessed_at, access_count, decay_factor, privacy_label, node_ids, edge_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			memory_type = excluded.memory_type,
			importance = excluded.importance,
			activation = excluded.activation,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			decay_factor = excluded.decay_factor,
			privacy_label = excluded.privacy_label,
			node_ids = excluded.node_ids,
			edge_ids = excluded.edge_ids
	`, mem.ID, mem.MemoryType, mem.Importance, mem.Activation,
		mem.CreatedAt.Format(time.RFC3339), mem.LastAccessedAt.Format(time.RFC3339),
		mem.AccessCount, mem.DecayFactor, mem.PrivacyLabel, string(nodeJSON), string(edgeJSON))
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_nodes WHERE memory_id = ?`, mem.ID); err != nil {
		return fmt.Errorf("clear memory_nodes: %w", err)
	}
	for _, nodeID := range mem.NodeIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_nodes (memory_id, node_id) VALUES (?, ?)`, mem.ID, nodeID); err != nil {
			return fmt.Errorf("insert memory_nodes: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, memory_type, importance, activation, created_at, last_accessed_at, access_count, decay_factor, privacy_label, node_ids, edge_ids
		FROM graph_memories WHERE id = ?`, id)
	return scanMemory(row)
}

func scanMemory(row *sql.Row) (Memory, error) {
	var m Memory
	var createdAt, lastAccessed string
	var privacy sql.NullString
	var nodeJSON, edgeJSON string
	if err := row.Scan(&m.ID, &m.MemoryType, &m.Importance, &m.Activation, &createdAt, &lastAccessed, &m.AccessCount, &m.DecayFactor, &privacy, &nodeJSON, &edgeJSON); err != nil {
		if err == sql.ErrNoRows {
			return Memory{}, fmt.Errorf("%w: memory", core.ErrNotFound)
		}
		return Memory{}, fmt.Errorf("scan memory: %w", err)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.LastAccessedAt, _ = time.Parse(time.RFC3339, lastAccessed)
	m.PrivacyLabel = privacy.String
	_ = json.Unmarshal([]byte(nodeJSON), &m.NodeIDs)
	_ = json.Unmarshal([]byte(edgeJSON), &m.EdgeIDs)
	return m, nil
}

func (s *SQLiteStore) GetMemoriesByNode(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id FROM memory_nodes WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query memory_nodes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", core.ErrNotFound, id)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memory_nodes WHERE memory_id = ?`, id)
	return nil
}

func (s *SQLiteStore) AllMemories(ctx context.Context) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_type, importance, activation, created_at, last_accessed_at, access_count, decay_factor, privacy_label, node_ids, edge_ids
		FROM graph_memories`)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var createdAt, lastAccessed string
		var privacy sql.NullString
		var nodeJSON, edgeJSON string
		if err := rows.Scan(&m.ID, &m.MemoryType, &m.Importance, &m.Activation, &createdAt, &lastAccessed, &m.AccessCount, &m.DecayFactor, &privacy, &nodeJSON, &edgeJSON); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		m.LastAccessedAt, _ = time.Parse(time.RFC3339, lastAccessed)
		m.PrivacyLabel = privacy.String
		_ = json.Unmarshal([]byte(nodeJSON), &m.NodeIDs)
		_ = json.Unmarshal([]byte(edgeJSON), &m.EdgeIDs)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeVector/decodeVector use a minimal little-endian float32 BLOB
// encoding, the same approach liliang-cn-sqvect's internal/encoding
// package takes for storing vectors in a SQLite BLOB column.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
