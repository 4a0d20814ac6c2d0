package longterm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/liminalfauna/tiermind/batch"
	"github.com/liminalfauna/tiermind/cache"
	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/graphstore"
	"github.com/liminalfauna/tiermind/internal/tlog"
	"github.com/liminalfauna/tiermind/pathexpand"
	"github.com/liminalfauna/tiermind/shortterm"
	"github.com/liminalfauna/tiermind/vectorindex"
)

var log = tlog.New("LONGTERM")

const transferConcurrency = 4

// TransferResult is the outcome of transfer_from_short_term (spec §4.3):
// per-memory failures never abort the whole batch.
type TransferResult struct {
	TransferredIDs []string
	FailedIDs      []string
}

// Manager is the Long-Term Manager (spec §4.3): transfer-from-short-term,
// search via Path Expansion, decay, and consolidation over the Graph
// Store and Vector Index. Its injected-collaborator shape is grounded on
// the teacher's memory.SimpleManager constructor pattern, generalized to
// five collaborators instead of one store/embedder pair.
type Manager struct {
	store     graphstore.Store
	index     vectorindex.Index
	llm       gateway.LLMGateway
	embedder  gateway.EmbeddingGateway
	scheduler *batch.Scheduler
	expander  *pathexpand.Engine
	cache     *cache.Cache
	clock     core.Clock

	cfg        config.LongTermConfig
	searchCfg  config.SearchConfig
	decayCache [decayCacheSize + 1]float64

	mu sync.Mutex // serializes transfer/consolidate passes
}

// New creates a Long-Term Manager.
func New(store graphstore.Store, index vectorindex.Index, llm gateway.LLMGateway, embedder gateway.EmbeddingGateway, scheduler *batch.Scheduler, expander *pathexpand.Engine, c *cache.Cache, clock core.Clock, cfg config.LongTermConfig, searchCfg config.SearchConfig) *Manager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Manager{
		store:      store,
		index:      index,
		llm:        llm,
		embedder:   embedder,
		scheduler:  scheduler,
		expander:   expander,
		cache:      c,
		clock:      clock,
		cfg:        cfg,
		searchCfg:  searchCfg,
		decayCache: buildDecayCache(cfg.DecayFactor),
	}
}

// TransferFromShortTerm applies one LLM-authored graph-edit program per
// short-term memory in the batch, with bounded concurrency and
// return_exceptions semantics: one failure does not abort the batch
// (spec §4.3 "Transfer algorithm", "Failure semantics").
func (m *Manager) TransferFromShortTerm(ctx context.Context, batchMemories []shortterm.ShortTermMemory) (TransferResult, error) {
	if len(batchMemories) == 0 {
		return TransferResult{}, nil
	}

	type outcome struct {
		id  string
		err error
	}
	results := make(chan outcome, len(batchMemories))
	sem := make(chan struct{}, transferConcurrency)
	var wg sync.WaitGroup

	for _, stm := range batchMemories {
		wg.Add(1)
		sem <- struct{}{}
		go func(stm shortterm.ShortTermMemory) {
			defer wg.Done()
			defer func() { <-sem }()
			err := m.transferOne(ctx, stm)
			results <- outcome{id: stm.ID, err: err}
		}(stm)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var res TransferResult
	for o := range results {
		if o.err != nil {
			log.Warnf("transfer failed for short-term memory %s: %v", o.id, o.err)
			res.FailedIDs = append(res.FailedIDs, o.id)
			continue
		}
		res.TransferredIDs = append(res.TransferredIDs, o.id)
	}
	return res, nil
}

// transferOne executes the per-memory transfer algorithm (spec §4.3
// steps 1-6) for a single short-term memory.
func (m *Manager) transferOne(ctx context.Context, stm shortterm.ShortTermMemory) error {
	similar, err := m.fetchSimilar(ctx, stm)
	if err != nil {
		log.Warnf("fetch similar long-term memories for %s: %v", stm.ID, err)
	}

	prompt := m.buildTransferPrompt(stm, similar)
	resp, err := m.llm.Complete(ctx, prompt, transferSchemaHint)
	if err != nil {
		return fmt.Errorf("%w: llm transfer call: %v", core.ErrTransient, err)
	}

	ops, ok := ParseProgram(resp)
	if !ok {
		log.Warnf("unparsable transfer program for %s; defaulting to no-op program", stm.ID)
		ops = []Operation{}
	}

	return m.executeProgram(ctx, ops)
}

func (m *Manager) fetchSimilar(ctx context.Context, stm shortterm.ShortTermMemory) ([]graphstore.Memory, error) {
	if m.embedder == nil || m.index == nil {
		return nil, nil
	}
	vec, err := gateway.Embed(ctx, m.embedder, stm.Text())
	if err != nil {
		return nil, err
	}
	matches, err := m.index.Query(ctx, vec, m.searchCfg.TopK, nil)
	if err != nil {
		return nil, err
	}
	var out []graphstore.Memory
	for _, match := range matches {
		memIDs, err := m.store.GetMemoriesByNode(ctx, match.NodeID)
		if err != nil {
			continue
		}
		for _, mid := range memIDs {
			mem, err := m.store.GetMemory(ctx, mid)
			if err == nil {
				out = append(out, mem)
			}
		}
	}
	return out, nil
}

const transferSchemaHint = `{"operations":[{"op":"create_node|create_edge|update_memory|merge_memories|create_memory","temp_id":"<optional>","args":{}}]}`

func (m *Manager) buildTransferPrompt(stm shortterm.ShortTermMemory, similar []graphstore.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Integrate this short-term memory into the long-term knowledge graph.\n\nShort-term memory: subject=%q topic=%q object=%q importance=%.2f\n\n", stm.Subject, stm.Topic, stm.Object, stm.Importance)
	b.WriteString("Similar existing long-term memories:\n")
	if len(similar) == 0 {
		b.WriteString("(none)\n")
	}
	for _, s := range similar {
		fmt.Fprintf(&b, "- id=%s importance=%.2f\n", s.ID, s.Importance)
	}
	b.WriteString("\nRespond with a JSON array or {\"operations\": [...]} of graph-edit operations: ")
	b.WriteString(transferSchemaHint)
	return b.String()
}

// executeProgram resolves temp_id references and executes each operation
// through the batch scheduler, applying the tie-break rules in spec §4.3
// step 6.
func (m *Manager) executeProgram(ctx context.Context, ops []Operation) error {
	tempIDMap := make(map[string]string)
	seenNodeIDs := make(map[string]bool) // duplicate node ids within one memory collapse

	for _, op := range ops {
		args := resolveArgs(op.Args, tempIDMap)

		switch op.Op {
		case OpCreateNode:
			nodeID := argString(args, "id")
			if nodeID == "" {
				nodeID = uuid.NewString()
			}
			if seenNodeIDs[nodeID] {
				if op.TempID != "" {
					tempIDMap[op.TempID] = nodeID
				}
				continue
			}
			seenNodeIDs[nodeID] = true

			node := graphstore.Node{
				ID:        nodeID,
				Content:   argString(args, "content"),
				Type:      graphstore.NodeType(argString(args, "type")),
				Metadata:  argStringMap(args, "metadata"),
				CreatedAt: m.clock.Now(),
			}
			if err := m.scheduler.QueueNode(ctx, node); err != nil {
				log.Warnf("create_node %s: %v", nodeID, err)
				continue
			}
			if op.TempID != "" {
				tempIDMap[op.TempID] = nodeID
			}

		case OpCreateEdge:
			sourceID := argString(args, "source_id")
			targetID := argString(args, "target_id")
			if !m.nodeExists(ctx, sourceID) || !m.nodeExists(ctx, targetID) {
				log.Warnf("create_edge dropped: unknown endpoint %s -> %s", sourceID, targetID)
				continue
			}
			edge := graphstore.Edge{
				ID:           uuid.NewString(),
				SourceID:     sourceID,
				TargetID:     targetID,
				Type:         graphstore.EdgeType(argString(args, "edge_type")),
				RelationText: argString(args, "relation_text"),
				Importance:   argFloat(args, "importance", 0.5),
				Metadata:     argStringMap(args, "metadata"),
				CreatedAt:    m.clock.Now(),
			}
			if err := m.scheduler.WriteEdge(ctx, edge); err != nil {
				log.Warnf("create_edge: %v", err)
			}

		case OpCreateMemory:
			mem := graphstore.Memory{
				ID:             uuid.NewString(),
				NodeIDs:        argStringSlice(args, "node_ids"),
				EdgeIDs:        argStringSlice(args, "edge_ids"),
				MemoryType:     argString(args, "memory_type"),
				Importance:     argFloat(args, "importance", 0.5),
				Activation:     1.0,
				CreatedAt:      m.clock.Now(),
				LastAccessedAt: m.clock.Now(),
				DecayFactor:    m.cfg.DecayFactor,
				PrivacyLabel:   argString(args, "privacy_label"),
			}
			if err := m.scheduler.WriteMemory(ctx, mem); err != nil {
				log.Warnf("create_memory: %v", err)
			}

		case OpUpdateMemory:
			memID := argString(args, "memory_id")
			mem, err := m.store.GetMemory(ctx, memID)
			if err != nil {
				log.Warnf("update_memory: unknown memory %s", memID)
				continue
			}
			if v := argFloat(args, "importance", -1); v >= 0 {
				mem.Importance = v
			}
			mem.LastAccessedAt = m.clock.Now()
			mem.AccessCount++
			if err := m.scheduler.WriteMemory(ctx, mem); err != nil {
				log.Warnf("update_memory %s: %v", memID, err)
			}

		case OpMergeMemories:
			if err := m.mergeMemories(ctx, argStringSlice(args, "ids")); err != nil {
				log.Warnf("merge_memories: %v", err)
			}

		default:
			log.Warnf("unknown graph-edit op %q, skipping", op.Op)
		}
	}
	return nil
}

func (m *Manager) nodeExists(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	_, err := m.store.GetNode(ctx, id)
	return err == nil
}

// mergeMemories concatenates node and edge lists, sums access_count, and
// keeps the maximum importance across all listed memories (spec §4.3
// step 5). If any target is missing, it degrades to an update on the
// extant subset (spec §4.3 step 6).
func (m *Manager) mergeMemories(ctx context.Context, ids []string) error {
	var found []graphstore.Memory
	for _, id := range ids {
		mem, err := m.store.GetMemory(ctx, id)
		if err != nil {
			log.Warnf("merge_memories: missing target %s, degrading to update on extant subset", id)
			continue
		}
		found = append(found, mem)
	}
	if len(found) == 0 {
		return fmt.Errorf("%w: no extant memories to merge", core.ErrValidation)
	}
	if len(found) == 1 {
		return m.scheduler.WriteMemory(ctx, found[0])
	}

	merged := found[0]
	nodeSet := make(map[string]bool)
	edgeSet := make(map[string]bool)
	for _, n := range merged.NodeIDs {
		nodeSet[n] = true
	}
	for _, e := range merged.EdgeIDs {
		edgeSet[e] = true
	}
	for _, other := range found[1:] {
		for _, n := range other.NodeIDs {
			if !nodeSet[n] {
				nodeSet[n] = true
				merged.NodeIDs = append(merged.NodeIDs, n)
			}
		}
		for _, e := range other.EdgeIDs {
			if !edgeSet[e] {
				edgeSet[e] = true
				merged.EdgeIDs = append(merged.EdgeIDs, e)
			}
		}
		merged.AccessCount += other.AccessCount
		if other.Importance > merged.Importance {
			merged.Importance = other.Importance
		}
	}

	if err := m.scheduler.WriteMemory(ctx, merged); err != nil {
		return err
	}
	for _, other := range found[1:] {
		if other.ID == merged.ID {
			continue
		}
		if err := m.store.DeleteMemory(ctx, other.ID); err != nil {
			log.Warnf("merge_memories: delete superseded %s: %v", other.ID, err)
		}
	}
	return nil
}

// SearchMemories runs vector top-K over node embeddings, maps hits to
// candidate memories via the node→memories index, then scores them
// through the Path Expansion Engine (spec §4.3 "Search").
func (m *Manager) SearchMemories(ctx context.Context, queryText string, topK int, preferredTypes map[string]bool) ([]pathexpand.ScoredMemory, error) {
	if m.scheduler != nil {
		if err := m.scheduler.FlushForSearch(ctx); err != nil {
			log.Warnf("flush before search: %v", err)
		}
	}

	var queryEmbedding []float32
	if m.embedder != nil {
		vec, err := gateway.Embed(ctx, m.embedder, queryText)
		if err != nil {
			log.Warnf("query embedding failed: %v", err)
		} else {
			queryEmbedding = vec
		}
	}

	var seeds []pathexpand.Seed
	if len(queryEmbedding) > 0 && m.index != nil {
		cacheKey := ""
		if m.cache != nil {
			cacheKey = cache.Digest("search", queryText)
			if cached, ok := m.cache.GetQueryResult(cacheKey); ok {
				if cachedSeeds, ok := cached.([]pathexpand.Seed); ok {
					seeds = cachedSeeds
				}
			}
		}
		if seeds == nil {
			matches, err := m.index.Query(ctx, queryEmbedding, m.searchCfg.TopK, nil)
			if err != nil {
				return nil, fmt.Errorf("vector query: %w", err)
			}
			for _, match := range matches {
				seeds = append(seeds, pathexpand.Seed{NodeID: match.NodeID, Score: match.Score})
			}
			if m.cache != nil {
				m.cache.SetQueryResult(cacheKey, seeds, 1)
			}
		}
	}

	if len(seeds) == 0 {
		return nil, nil
	}

	results, err := m.expander.Expand(ctx, m.store, seeds, queryEmbedding, preferredTypes, topK, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("path expansion: %w", err)
	}

	for _, r := range results {
		mem, err := m.store.GetMemory(ctx, r.MemoryID)
		if err != nil {
			continue
		}
		mem.LastAccessedAt = m.clock.Now()
		mem.AccessCount++
		if err := m.scheduler.WriteMemory(ctx, mem); err != nil {
			log.Warnf("search access-count write-back for %s: %v", r.MemoryID, err)
		}
	}
	return results, nil
}

// FlushPending flushes any batched-but-unwritten embeddings to the vector
// index, used by the coordinator on shutdown (spec §4.5 "Cancellation").
func (m *Manager) FlushPending(ctx context.Context) error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.FlushForSearch(ctx)
}

// Consolidate performs background cleanup: merging near-duplicate nodes
// (cosine similarity above duplicateThreshold) into a single surviving
// node per duplicate cluster, rewiring every edge and memory reference onto
// the survivor and deleting the duplicate (spec §4.3 "consolidate()"). The
// node→memories index is kept consistent because UpsertMemory/DeleteNode
// maintain it on every write.
func (m *Manager) Consolidate(ctx context.Context, duplicateThreshold float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	memories, err := m.store.AllMemories(ctx)
	if err != nil {
		return 0, err
	}

	byNode := make(map[string][]graphstore.Node)
	seen := make(map[string]bool)
	for _, mem := range memories {
		for _, nodeID := range mem.NodeIDs {
			if seen[nodeID] {
				continue
			}
			seen[nodeID] = true
			node, err := m.store.GetNode(ctx, nodeID)
			if err != nil {
				continue
			}
			byNode[string(node.Type)] = append(byNode[string(node.Type)], node)
		}
	}

	merged := 0
	for _, nodes := range byNode {
		survivors := make([]graphstore.Node, 0, len(nodes))
		for _, n := range nodes {
			dupOf := -1
			for i, s := range survivors {
				if len(n.Embedding) == 0 || len(s.Embedding) == 0 {
					continue
				}
				if pathexpand.CosineSimilarityExported(n.Embedding, s.Embedding) >= duplicateThreshold {
					dupOf = i
					break
				}
			}
			if dupOf == -1 {
				survivors = append(survivors, n)
				continue
			}
			if err := m.mergeDuplicateNode(ctx, survivors[dupOf].ID, n.ID); err != nil {
				log.Warnf("consolidate: merge node %s into %s: %v", n.ID, survivors[dupOf].ID, err)
				continue
			}
			merged++
		}
	}
	return merged, nil
}

// mergeDuplicateNode rewires every edge and memory reference from
// duplicateID onto survivorID, then deletes duplicateID.
func (m *Manager) mergeDuplicateNode(ctx context.Context, survivorID, duplicateID string) error {
	edgeRemap := make(map[string]string)

	outgoing, err := m.store.GetOutgoingEdges(ctx, duplicateID)
	if err != nil {
		return err
	}
	for _, e := range outgoing {
		newID, err := m.rewireEdge(ctx, e, survivorID, e.TargetID)
		if err != nil {
			return err
		}
		edgeRemap[e.ID] = newID
	}

	incoming, err := m.store.GetIncomingEdges(ctx, duplicateID)
	if err != nil {
		return err
	}
	for _, e := range incoming {
		newID, err := m.rewireEdge(ctx, e, e.SourceID, survivorID)
		if err != nil {
			return err
		}
		edgeRemap[e.ID] = newID
	}

	memIDs, err := m.store.GetMemoriesByNode(ctx, duplicateID)
	if err != nil {
		return err
	}
	for _, memID := range memIDs {
		mem, err := m.store.GetMemory(ctx, memID)
		if err != nil {
			continue
		}
		mem = mem.Clone()
		mem.NodeIDs = replaceNodeID(mem.NodeIDs, duplicateID, survivorID)
		mem.EdgeIDs = remapEdgeIDs(mem.EdgeIDs, edgeRemap)
		if err := m.store.UpsertMemory(ctx, mem); err != nil {
			return err
		}
	}

	return m.store.DeleteNode(ctx, duplicateID)
}

// rewireEdge replaces e, whose endpoint was the duplicate node, with a new
// edge pointing at newSource/newTarget, returning the new edge's id (or ""
// if the edge was dropped as a self-loop on the survivor). The edge's id
// can't simply be reused because the store's adjacency lists are keyed by
// the edge's original endpoints.
func (m *Manager) rewireEdge(ctx context.Context, e graphstore.Edge, newSource, newTarget string) (string, error) {
	if err := m.store.DeleteEdge(ctx, e.ID); err != nil {
		return "", err
	}
	if newSource == newTarget {
		return "", nil
	}
	e.ID = uuid.NewString()
	e.SourceID = newSource
	e.TargetID = newTarget
	if err := m.store.UpsertEdge(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// replaceNodeID substitutes from with to in ids, deduping the result (the
// survivor node may already be present).
func replaceNodeID(ids []string, from, to string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == from {
			id = to
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// remapEdgeIDs rewrites a memory's EdgeIDs list using the old→new ids
// recorded by rewireEdge, dropping ids that were removed as self-loops.
func remapEdgeIDs(ids []string, remap map[string]string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if newID, rewired := remap[id]; rewired {
			if newID == "" {
				continue
			}
			id = newID
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
