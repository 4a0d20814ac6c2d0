package perceptual

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/internal/tlog"
)

var log = tlog.New("PERCEPTUAL")

// Manager is the Perceptual Manager (spec §4.1). Its shape — an injected
// embedding gateway plus a constructor-populated config — is grounded on
// the teacher's memory.SimpleManager (memory/manager.go), generalized from
// a single flat memory list to per-chat ordered blocks.
type Manager struct {
	mu sync.RWMutex

	cfg      config.PerceptualConfig
	embedder gateway.EmbeddingGateway
	clock    core.Clock

	// blocks holds every open or untransferred block per chat, oldest
	// first.
	blocks map[string][]*Block

	persistPath string
	persistFile *os.File
	persistMu   sync.Mutex

	// embedWG tracks in-flight background embedding goroutines spawned by
	// AddMessage, so tests can deterministically wait for them.
	embedWG sync.WaitGroup
}

// New creates a Perceptual Manager. persistPath is the append-only JSONL
// file (spec §6 "perceptual_blocks.jsonl") shared across chats, each
// record carrying its own chat_id.
func New(cfg config.PerceptualConfig, embedder gateway.EmbeddingGateway, clock core.Clock, persistPath string) (*Manager, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	m := &Manager{
		cfg:         cfg,
		embedder:    embedder,
		clock:       clock,
		blocks:      make(map[string][]*Block),
		persistPath: persistPath,
	}
	if persistPath != "" {
		if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir perceptual data dir: %w", err)
		}
		if err := m.loadPersisted(); err != nil {
			return nil, fmt.Errorf("load perceptual blocks: %w", err)
		}
		f, err := os.OpenFile(persistPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open perceptual append file: %w", err)
		}
		m.persistFile = f
	}
	return m, nil
}

type blockRecord struct {
	ID              string         `json:"id"`
	ChatID          string         `json:"chat_id"`
	Messages        []core.Message `json:"messages"`
	CreatedAt       string         `json:"created_at"`
	ActivationCount int            `json:"activation_count"`
	NeedsTransfer   bool           `json:"needs_transfer"`
}

// loadPersisted replays the JSONL log, reconstructing in-memory blocks.
// A crash may lose the unflushed tail record, per spec §4.1 failure
// semantics ("a crash may lose the tail block but never mutate
// already-promoted blocks") — we tolerate a truncated final line.
func (m *Manager) loadPersisted() error {
	f, err := os.Open(m.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	removed := make(map[string]bool)
	byID := make(map[string]*blockRecord)
	order := make(map[string][]string) // chatID -> block IDs in file order

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env struct {
			Tombstone string `json:"tombstone,omitempty"`
			blockRecord
		}
		if err := json.Unmarshal(line, &env); err != nil {
			log.Warnf("skipping malformed perceptual record (likely a crash-truncated tail): %v", err)
			continue
		}
		if env.Tombstone != "" {
			removed[env.Tombstone] = true
			continue
		}
		rec := env.blockRecord
		if _, ok := byID[rec.ID]; !ok {
			order[rec.ChatID] = append(order[rec.ChatID], rec.ID)
		}
		recCopy := rec
		byID[rec.ID] = &recCopy
	}

	for chatID, ids := range order {
		for _, id := range ids {
			if removed[id] {
				continue
			}
			rec := byID[id]
			createdAt, _ := parseTime(rec.CreatedAt)
			m.blocks[chatID] = append(m.blocks[chatID], &Block{
				ID:              rec.ID,
				ChatID:          rec.ChatID,
				Messages:        rec.Messages,
				CreatedAt:       createdAt,
				ActivationCount: rec.ActivationCount,
				NeedsTransfer:   rec.NeedsTransfer,
			})
		}
	}
	return scanner.Err()
}

// AddMessage appends msg to chatID's current block, opening a new block
// when none exists or the previous one is full (spec §4.1 add_message).
// Never blocks on LLM/embedding work.
func (m *Manager) AddMessage(ctx context.Context, chatID string, msg core.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chatBlocks := m.blocks[chatID]
	var current *Block
	if n := len(chatBlocks); n > 0 {
		last := chatBlocks[n-1]
		if !last.Full(m.cfg.BlockSize) && !last.NeedsTransfer {
			current = last
		}
	}
	if current == nil {
		current = &Block{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			CreatedAt: m.clock.Now(),
		}
		m.blocks[chatID] = append(m.blocks[chatID], current)
	}
	current.Messages = append(current.Messages, msg)
	current.MessageEmbeddings = append(current.MessageEmbeddings, nil)

	if err := m.appendRecord(current); err != nil {
		return err
	}

	if m.embedder != nil {
		blockID, idx, text := current.ID, len(current.Messages)-1, msg.Text
		m.embedWG.Add(1)
		go m.embedMessageAsync(chatID, blockID, idx, text)
	}

	return nil
}

// embedMessageAsync computes msg's embedding off the critical path of
// AddMessage (spec §4.1 write path: "Never blocks on LLM/embedding") and
// writes it back into the block's MessageEmbeddings slot so later recalls
// score against real cosine similarity instead of only the lexical
// fallback. A no-op if the block was promoted/removed before the embed
// call returns.
func (m *Manager) embedMessageAsync(chatID, blockID string, idx int, text string) {
	defer m.embedWG.Done()
	vecs, err := m.embedder.EmbedBatch(context.Background(), []string{text})
	if err != nil || len(vecs) != 1 {
		if err != nil {
			log.Warnf("background embed for block %s message %d: %v", blockID, idx, err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks[chatID] {
		if b.ID != blockID {
			continue
		}
		if idx >= len(b.MessageEmbeddings) {
			return
		}
		b.MessageEmbeddings[idx] = vecs[0]
		if err := m.appendRecord(b); err != nil {
			log.Warnf("persist embedding update for block %s: %v", b.ID, err)
		}
		return
	}
}

// RecallBlocks scores every open block for chatID against queryText,
// returning those above recallThreshold ordered by descending score. A
// side effect increments ActivationCount on every scoring block and sets
// NeedsTransfer once ActivationCount reaches the configured threshold
// (spec §4.1 recall_blocks).
func (m *Manager) RecallBlocks(ctx context.Context, chatID, queryText string, topK int, recallThreshold float64) ([]*Block, error) {
	var queryEmbedding []float32
	if m.embedder != nil {
		if vecs, err := m.embedder.EmbedBatch(ctx, []string{queryText}); err == nil && len(vecs) == 1 {
			queryEmbedding = vecs[0]
		} else if err != nil {
			log.Warnf("recall embedding failed, falling back to lexical scoring: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		block *Block
		score float64
	}
	var hits []scored
	for _, b := range m.blocks[chatID] {
		score := activationScore(b, queryText, queryEmbedding)
		if score >= recallThreshold {
			b.ActivationCount++
			if b.ActivationCount >= m.cfg.ActivationThreshold {
				b.NeedsTransfer = true
			}
			if err := m.appendRecord(b); err != nil {
				log.Warnf("persist activation update for block %s: %v", b.ID, err)
			}
			hits = append(hits, scored{block: b, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]*Block, len(hits))
	for i, h := range hits {
		out[i] = h.block
	}
	return out, nil
}

// OldestFullUnpromoted returns, for chatID, the oldest full block that has
// not yet been marked for transfer — the second promotion condition in
// spec §3's Block invariant ("it is full and is the oldest untransferred").
func (m *Manager) OldestFullUnpromoted(chatID string) *Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.blocks[chatID] {
		if b.NeedsTransfer {
			continue
		}
		if b.Full(m.cfg.BlockSize) {
			return b
		}
	}
	return nil
}

// PendingTransferBlocks returns every block across all chats currently
// flagged NeedsTransfer.
func (m *Manager) PendingTransferBlocks() []*Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Block
	for _, chatBlocks := range m.blocks {
		for _, b := range chatBlocks {
			if b.NeedsTransfer {
				out = append(out, b)
			}
		}
	}
	return out
}

// RemoveBlock removes a successfully promoted block (spec §4.1
// remove_block). Blocks are destroyed on successful transfer only.
func (m *Manager) RemoveBlock(chatID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chatBlocks := m.blocks[chatID]
	for i, b := range chatBlocks {
		if b.ID == id {
			m.blocks[chatID] = append(chatBlocks[:i], chatBlocks[i+1:]...)
			return m.appendTombstone(id)
		}
	}
	return fmt.Errorf("%w: block %s", core.ErrNotFound, id)
}

// appendRecord and appendTombstone write to the append-only JSONL log.
// Persistence is best-effort (spec §4.1): a write failure is returned to
// the caller but never mutates in-memory state, which stays the source of
// truth until the next successful flush.
func (m *Manager) appendRecord(b *Block) error {
	if m.persistFile == nil {
		return nil
	}
	rec := blockRecord{
		ID:              b.ID,
		ChatID:          b.ChatID,
		Messages:        b.Messages,
		CreatedAt:       b.CreatedAt.Format(timeLayout),
		ActivationCount: b.ActivationCount,
		NeedsTransfer:   b.NeedsTransfer,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal block record: %w", err)
	}
	return m.writeLine(line)
}

func (m *Manager) appendTombstone(id string) error {
	if m.persistFile == nil {
		return nil
	}
	line, err := json.Marshal(struct {
		Tombstone string `json:"tombstone"`
	}{Tombstone: id})
	if err != nil {
		return err
	}
	return m.writeLine(line)
}

func (m *Manager) writeLine(line []byte) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	line = append(line, '\n')
	if _, err := m.persistFile.Write(line); err != nil {
		return fmt.Errorf("append perceptual record: %w", err)
	}
	return m.persistFile.Sync()
}

// Close waits for in-flight background embedding goroutines, then releases
// the append-only file handle.
func (m *Manager) Close() error {
	m.embedWG.Wait()
	if m.persistFile != nil {
		return m.persistFile.Close()
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
