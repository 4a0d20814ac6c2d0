package shortterm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/liminalfauna/tiermind/internal/tlog"
)

var snapshotLog = tlog.New("SHORTTERM")

// snapshotRecord mirrors ShortTermMemory without the Embedding field
// (spec §6: "a JSON file per chat containing an array of ShortTermMemory
// objects without embeddings"). We persist one aggregate file across all
// chats, matching the single `short_term_memory.json` path in the
// documented layout, with each record carrying its own chat_id.
type snapshotRecord struct {
	ID             string            `json:"id"`
	ChatID         string            `json:"chat_id"`
	Subject        string            `json:"subject"`
	MemoryType     string            `json:"memory_type"`
	Topic          string            `json:"topic"`
	Object         string            `json:"object,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Importance     float64           `json:"importance"`
	CreatedAt      string            `json:"created_at"`
	SourceBlockIDs []string          `json:"source_block_ids"`
}

func toRecord(m ShortTermMemory) snapshotRecord {
	return snapshotRecord{
		ID:             m.ID,
		ChatID:         m.ChatID,
		Subject:        m.Subject,
		MemoryType:     string(m.MemoryType),
		Topic:          m.Topic,
		Object:         m.Object,
		Attributes:     m.Attributes,
		Importance:     m.Importance,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
		SourceBlockIDs: m.SourceBlockIDs,
	}
}

func fromRecord(r snapshotRecord) ShortTermMemory {
	createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
	return ShortTermMemory{
		ID:             r.ID,
		ChatID:         r.ChatID,
		Subject:        r.Subject,
		MemoryType:     MemoryType(r.MemoryType),
		Topic:          r.Topic,
		Object:         r.Object,
		Attributes:     r.Attributes,
		Importance:     r.Importance,
		CreatedAt:      createdAt,
		SourceBlockIDs: r.SourceBlockIDs,
	}
}

// saveSnapshot writes memories to path as a JSON array, atomically (tmp
// file + rename), per spec §6's short-term persistence format.
func saveSnapshot(path string, memories []ShortTermMemory) error {
	records := make([]snapshotRecord, len(memories))
	for i, m := range memories {
		records[i] = toRecord(m)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal short-term snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir short-term data dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp short-term snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename tmp short-term snapshot: %w", err)
	}
	snapshotLog.Infof("saved short-term snapshot: %d memories", len(memories))
	return nil
}

// loadSnapshot reads a snapshot previously written by saveSnapshot. A
// missing file is not an error — callers start with an empty set.
func loadSnapshot(path string) ([]ShortTermMemory, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read short-term snapshot: %w", err)
	}
	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal short-term snapshot: %w", err)
	}
	out := make([]ShortTermMemory, len(records))
	for i, r := range records {
		out[i] = fromRecord(r)
	}
	return out, nil
}
