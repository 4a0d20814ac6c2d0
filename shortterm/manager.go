package shortterm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/internal/tlog"
	"github.com/liminalfauna/tiermind/perceptual"
)

var log = tlog.New("SHORTTERM")

const decisionSchemaHint = `{"op":"create_new|merge|update|discard","target_id":"<existing memory id, for merge/update>","memory_fields":{"subject":"...","memory_type":"fact|opinion|relation|event|other","topic":"...","object":"...","attributes":{},"importance":0.0},"reasoning":"..."}`

// chatState holds one chat's ShortTermMemory rows plus the lazily-built
// similarity matrix cache (spec §4.2). Mutations are serialized by mu,
// honoring the per-chat lock ordering guarantee in spec §5.
type chatState struct {
	mu              sync.Mutex
	memories        []ShortTermMemory
	pendingTransfer bool
}

// Manager is the Short-Term Manager (spec §4.2). Its orchestration shape
// (Config-driven, injected LLM + embedding gateways) is grounded on the
// teacher's memory.SimpleManager (memory/manager.go).
type Manager struct {
	llm      gateway.LLMGateway
	embedder gateway.EmbeddingGateway
	cfg      config.ShortTermConfig
	clock    core.Clock

	chatsMu sync.Mutex
	chats   map[string]*chatState

	snapshotPath string
}

// New creates a Short-Term Manager. snapshotPath, if non-empty, is the
// aggregate JSON snapshot file (spec §6 "short_term_memory.json") written
// atomically on every mutation.
func New(llm gateway.LLMGateway, embedder gateway.EmbeddingGateway, cfg config.ShortTermConfig, clock core.Clock, snapshotPath string) (*Manager, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	m := &Manager{
		llm:          llm,
		embedder:     embedder,
		cfg:          cfg,
		clock:        clock,
		chats:        make(map[string]*chatState),
		snapshotPath: snapshotPath,
	}
	if snapshotPath != "" {
		loaded, err := loadSnapshot(snapshotPath)
		if err != nil {
			return nil, fmt.Errorf("load short-term snapshot: %w", err)
		}
		for _, mem := range loaded {
			cs := m.chatState(mem.ChatID)
			cs.memories = append(cs.memories, mem)
		}
	}
	return m, nil
}

func (m *Manager) chatState(chatID string) *chatState {
	m.chatsMu.Lock()
	defer m.chatsMu.Unlock()
	cs, ok := m.chats[chatID]
	if !ok {
		cs = &chatState{}
		m.chats[chatID] = cs
	}
	return cs
}

// AddFromBlock runs one LLM call with the block's text and a summary of
// existing Short-Term memories for the same chat, applies the resulting
// decision, and returns the mutated memory (nil on DISCARD). On
// unrecoverable parse failure the call is retried once with a simplified
// prompt; if that also fails to parse, the decision defaults to a safe
// CREATE_NEW op rather than erroring the block back to Perceptual
// (spec.md:267 "Parse failure of LLM output... default to safe op").
func (m *Manager) AddFromBlock(ctx context.Context, block *perceptual.Block) (*ShortTermMemory, error) {
	cs := m.chatState(block.ChatID)
	cs.mu.Lock()

	prompt := m.buildDecisionPrompt(block, cs.memories)
	decision, ok := m.runDecision(ctx, prompt)
	if !ok {
		simplified := m.buildSimplifiedPrompt(block)
		decision, ok = m.runDecision(ctx, simplified)
		if !ok {
			log.Warnf("short-term decision unparsable for block %s after retry; defaulting to create_new", block.ID)
			decision = safeDefault()
		}
	}

	mem, err := m.applyDecision(cs, decision, block)
	if err != nil {
		cs.mu.Unlock()
		return nil, err
	}
	m.enforcePressureRelief(cs)
	cs.mu.Unlock()

	if err := m.persist(); err != nil {
		log.Warnf("persist short-term snapshot: %v", err)
	}
	return mem, nil
}

func (m *Manager) runDecision(ctx context.Context, prompt string) (Decision, bool) {
	resp, err := m.llm.Complete(ctx, prompt, decisionSchemaHint)
	if err != nil {
		log.Warnf("llm decision call failed: %v", err)
		return Decision{}, false
	}
	return ParseDecision(resp)
}

func (m *Manager) buildDecisionPrompt(block *perceptual.Block, existing []ShortTermMemory) string {
	var b strings.Builder
	b.WriteString("Decide how to fold the following conversation block into short-term structured memory.\n\n")
	b.WriteString("Block:\n")
	b.WriteString(block.Text())
	b.WriteString("\n\nExisting memories for this chat:\n")
	if len(existing) == 0 {
		b.WriteString("(none)\n")
	}
	for _, mem := range existing {
		fmt.Fprintf(&b, "- id=%s subject=%q topic=%q importance=%.2f\n", mem.ID, mem.Subject, mem.Topic, mem.Importance)
	}
	b.WriteString("\nRespond with one JSON object: ")
	b.WriteString(decisionSchemaHint)
	return b.String()
}

func (m *Manager) buildSimplifiedPrompt(block *perceptual.Block) string {
	return "Summarize this text as one short-term memory JSON object with fields " +
		"subject, memory_type, topic, importance. Text: " + block.Text() +
		"\nRespond with only the JSON object, no prose, no code fences."
}

func (m *Manager) applyDecision(cs *chatState, d Decision, block *perceptual.Block) (*ShortTermMemory, error) {
	switch d.Op {
	case OpDiscard:
		return nil, nil

	case OpCreateNew:
		mem := ShortTermMemory{
			ID:             uuid.NewString(),
			ChatID:         block.ChatID,
			SourceBlockIDs: []string{block.ID},
			CreatedAt:      m.clock.Now(),
		}
		applyFields(&mem, d.MemoryFields)
		cs.memories = append(cs.memories, mem)
		out := cs.memories[len(cs.memories)-1].Clone()
		return &out, nil

	case OpMerge:
		idx := findMemory(cs.memories, d.TargetID)
		if idx < 0 {
			return m.applyDecision(cs, Decision{Op: OpCreateNew, MemoryFields: d.MemoryFields, Reasoning: d.Reasoning}, block)
		}
		applyFields(&cs.memories[idx], d.MemoryFields)
		cs.memories[idx].SourceBlockIDs = append(cs.memories[idx].SourceBlockIDs, block.ID)
		cs.memories[idx].Embedding = nil // invalidate cached embedding
		out := cs.memories[idx].Clone()
		return &out, nil

	case OpUpdate:
		idx := findMemory(cs.memories, d.TargetID)
		if idx < 0 {
			return m.applyDecision(cs, Decision{Op: OpCreateNew, MemoryFields: d.MemoryFields, Reasoning: d.Reasoning}, block)
		}
		applyFields(&cs.memories[idx], d.MemoryFields)
		cs.memories[idx].Embedding = nil
		out := cs.memories[idx].Clone()
		return &out, nil

	default:
		return nil, fmt.Errorf("%w: unexpected decision op %q", core.ErrValidation, d.Op)
	}
}

func applyFields(mem *ShortTermMemory, f *MemoryFields) {
	if f == nil {
		return
	}
	mem.Subject = f.Subject
	mem.MemoryType = MemoryType(f.MemoryType)
	mem.Topic = f.Topic
	mem.Object = f.Object
	mem.Attributes = f.Attributes
	mem.Importance = f.Importance
}

func findMemory(memories []ShortTermMemory, id string) int {
	for i, m := range memories {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// SearchMemories returns up to topK memories for chatID ranked by cosine
// similarity against query, lazily re-embedding any memory whose cached
// embedding was invalidated by a mutation (spec §4.2 similarity cache).
func (m *Manager) SearchMemories(ctx context.Context, chatID, query string, topK int) ([]ShortTermMemory, error) {
	cs := m.chatState(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := m.rebatchMissing(ctx, cs); err != nil {
		log.Warnf("rebatch embeddings failed, falling back to lexical scoring: %v", err)
	}

	var queryEmbedding []float32
	if m.embedder != nil {
		if vecs, err := m.embedder.EmbedBatch(ctx, []string{query}); err == nil && len(vecs) == 1 {
			queryEmbedding = vecs[0]
		}
	}

	type scored struct {
		mem   ShortTermMemory
		score float64
	}
	scoredList := make([]scored, 0, len(cs.memories))
	for _, mem := range cs.memories {
		var score float64
		if len(queryEmbedding) > 0 && len(mem.Embedding) > 0 {
			score = cosineSimilarity(queryEmbedding, mem.Embedding)
		} else {
			score = core.JaccardSimilarity(query, mem.Text())
		}
		scoredList = append(scoredList, scored{mem: mem.Clone(), score: score})
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })
	if topK > 0 && len(scoredList) > topK {
		scoredList = scoredList[:topK]
	}
	out := make([]ShortTermMemory, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.mem
	}
	return out, nil
}

// rebatchMissing embeds every memory lacking a cached embedding in one
// batched call, per spec §4.2 ("on next search it lazily re-batches
// missing rows").
func (m *Manager) rebatchMissing(ctx context.Context, cs *chatState) error {
	if m.embedder == nil {
		return nil
	}
	var idxs []int
	var texts []string
	for i, mem := range cs.memories {
		if len(mem.Embedding) == 0 {
			idxs = append(idxs, i)
			texts = append(texts, mem.Text())
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	for i, idx := range idxs {
		if i < len(vecs) {
			cs.memories[idx].Embedding = vecs[i]
		}
	}
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// AtCapacity reports whether chatID's memory set has reached short_term_max
// with no transfer batch currently pending (spec §4.2 overflow trigger).
func (m *Manager) AtCapacity(chatID string) bool {
	cs := m.chatState(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.memories) >= m.cfg.Max && !cs.pendingTransfer
}

// Occupancy returns chatID's fill ratio len(memories)/short_term_max, used
// by the coordinator's auto-transfer loop to pick a poll interval
// (spec §4.5 "Auto-transfer loop").
func (m *Manager) Occupancy(chatID string) float64 {
	if m.cfg.Max <= 0 {
		return 0
	}
	cs := m.chatState(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return float64(len(cs.memories)) / float64(m.cfg.Max)
}

// GetMemoriesForTransfer returns the promotion candidates for chatID
// (spec §4.2). Under transfer_all the entire set is proposed; under
// selective_cleanup only memories at or above transfer_threshold are
// proposed, so low-importance rows never leave Short-Term via transfer.
func (m *Manager) GetMemoriesForTransfer(chatID string) []ShortTermMemory {
	cs := m.chatState(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.pendingTransfer = true
	var out []ShortTermMemory
	for _, mem := range cs.memories {
		if m.cfg.OverflowStrategy == config.OverflowSelectiveCleanup && mem.Importance < m.cfg.TransferThreshold {
			continue
		}
		out = append(out, mem.Clone())
	}
	return out
}

// ClearTransferred removes successfully transferred memories, then applies
// the configured overflow cleanup to whatever remains (spec §4.2).
func (m *Manager) ClearTransferred(chatID string, transferredIDs []string) error {
	cs := m.chatState(chatID)
	cs.mu.Lock()

	transferred := make(map[string]bool, len(transferredIDs))
	for _, id := range transferredIDs {
		transferred[id] = true
	}

	remaining := cs.memories[:0]
	for _, mem := range cs.memories {
		if transferred[mem.ID] {
			continue
		}
		remaining = append(remaining, mem)
	}
	cs.memories = append([]ShortTermMemory(nil), remaining...)
	cs.pendingTransfer = false

	// Cleanup of leftovers that were proposed (transfer_all) or never
	// proposed (selective_cleanup) for transfer: drop the low-importance
	// ones now that the batch attempt is over (spec §4.2 overflow policy).
	kept := cs.memories[:0]
	for _, mem := range cs.memories {
		if mem.Importance < m.cfg.TransferThreshold {
			continue
		}
		kept = append(kept, mem)
	}
	cs.memories = append([]ShortTermMemory(nil), kept...)

	m.enforcePressureRelief(cs)
	cs.mu.Unlock()
	return m.persist()
}

// enforcePressureRelief deletes the lowest (importance, created_at) rows
// down to floor(max*keep_ratio) when over capacity and force cleanup is
// enabled (spec §4.2).
func (m *Manager) enforcePressureRelief(cs *chatState) {
	if !m.cfg.EnableForceCleanup {
		return
	}
	if len(cs.memories) <= m.cfg.Max {
		return
	}
	keep := int(math.Floor(float64(m.cfg.Max) * m.cfg.CleanupKeepRatio))
	toDelete := len(cs.memories) - keep
	if toDelete <= 0 {
		return
	}

	sorted := append([]ShortTermMemory(nil), cs.memories...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Importance != sorted[j].Importance {
			return sorted[i].Importance < sorted[j].Importance
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	toRemove := make(map[string]bool, toDelete)
	for i := 0; i < toDelete && i < len(sorted); i++ {
		toRemove[sorted[i].ID] = true
	}
	kept := cs.memories[:0]
	for _, mem := range cs.memories {
		if toRemove[mem.ID] {
			continue
		}
		kept = append(kept, mem)
	}
	cs.memories = append([]ShortTermMemory(nil), kept...)
}

// allMemories snapshots every chat's memory set, used by persist().
func (m *Manager) allMemories() []ShortTermMemory {
	m.chatsMu.Lock()
	chatIDs := make([]string, 0, len(m.chats))
	states := make([]*chatState, 0, len(m.chats))
	for id, cs := range m.chats {
		chatIDs = append(chatIDs, id)
		states = append(states, cs)
	}
	m.chatsMu.Unlock()

	var out []ShortTermMemory
	for _, cs := range states {
		cs.mu.Lock()
		for _, mem := range cs.memories {
			out = append(out, mem.Clone())
		}
		cs.mu.Unlock()
	}
	return out
}

func (m *Manager) persist() error {
	if m.snapshotPath == "" {
		return nil
	}
	return saveSnapshot(m.snapshotPath, m.allMemories())
}
