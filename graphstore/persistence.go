package graphstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liminalfauna/tiermind/internal/tlog"
)

var persistLog = tlog.New("GRAPHSTORE")

// Graph store persistence is opaque to the spec (spec §6): callers only see
// the Store interface, never a file format. We take "opaque" at face value
// and use the protobuf wire format — structpb.Struct, which
// google.golang.org/protobuf ships pre-generated — as the binary envelope,
// rather than a human-readable JSON file. Contents are still JSON-shaped
// underneath (Node/Edge/Memory round-trip through encoding/json into a
// structpb-compatible map) since nothing in this spec needs a hand-rolled
// wire schema; the point of reaching for protobuf here is the opaque,
// binary envelope (no version field is written), not a bespoke message layout.
type snapshotEnvelope struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Memories []Memory `json:"memories"`
}

// SaveSnapshot writes nodes/edges/memories to path as a protobuf-encoded
// opaque blob, atomically (tmp file + rename, per spec §6's persistence
// format note for short-term snapshots, applied here too).
func SaveSnapshot(path string, nodes []Node, edges []Edge, memories []Memory) error {
	env := snapshotEnvelope{Nodes: nodes, Edges: edges, Memories: memories}

	asJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal snapshot envelope: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return fmt.Errorf("unmarshal into generic map: %w", err)
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return fmt.Errorf("build protobuf struct: %w", err)
	}
	blob, err := proto.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write tmp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename tmp snapshot: %w", err)
	}
	persistLog.Infof("saved snapshot: %d nodes, %d edges, %d memories", len(nodes), len(edges), len(memories))
	return nil
}

// LoadSnapshot reads a snapshot previously written by SaveSnapshot. A
// missing file is not an error — callers get an empty snapshot, matching
// the "best-effort" persistence model in spec §4.1/§7.
func LoadSnapshot(path string) (nodes []Node, edges []Edge, memories []Memory, err error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("read snapshot: %w", err)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(blob, &st); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal protobuf: %w", err)
	}
	generic := st.AsMap()
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal generic map: %w", err)
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(asJSON, &env); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal snapshot envelope: %w", err)
	}
	return env.Nodes, env.Edges, env.Memories, nil
}
