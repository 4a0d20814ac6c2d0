// Package coordinator implements the Unified Coordinator (spec §4.5): the
// per-chat state machine orchestrating writes into Perceptual, reads across
// all three tiers with a judge-gated long-term fallback, and the
// background transfer loop between Short-Term and Long-Term.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/internal/tlog"
	"github.com/liminalfauna/tiermind/judge"
	"github.com/liminalfauna/tiermind/longterm"
	"github.com/liminalfauna/tiermind/perceptual"
	"github.com/liminalfauna/tiermind/shortterm"
)

var log = tlog.New("COORDINATOR")

// State is one per-chat state in the coordinator's state machine
// (spec §4.5 "State machine per chat").
type State string

const (
	StateIdle            State = "idle"
	StateAccumulating    State = "accumulating"
	StateShortTermIngest State = "short_term_ingest"
	StateTransferPending State = "transfer_pending"
)

const longTermSearchConcurrency = 4

// LongTermHit is one deduped, weight-summed long-term search result
// (spec §4.5 step 6: "merge results, dedupe by memory id, and weight-sum
// final scores").
type LongTermHit struct {
	MemoryID string
	Score    float64
}

// SearchResult is the merged output of the read path (spec §4.5
// "Read path").
type SearchResult struct {
	Blocks       []*perceptual.Block
	ShortTerm    []shortterm.ShortTermMemory
	LongTerm     []LongTermHit
	UsedLongTerm bool
	JudgeVerdict *judge.Verdict
}

type weightedQuery struct {
	text   string
	weight float64
}

// Coordinator wires the three tier managers and the judge behind a single
// chat-scoped API, grounded on the teacher's top-level memory.Manager
// facade (memory/manager.go) generalized from one tier to three.
type Coordinator struct {
	perceptual *perceptual.Manager
	shortTerm  *shortterm.Manager
	longTerm   *longterm.Manager
	judge      *judge.Judge

	searchCfg config.SearchConfig
	ltCfg     config.LongTermConfig
	clock     core.Clock

	mu      sync.Mutex
	states  map[string]State
	chatIDs map[string]bool

	transferMu   sync.Mutex
	transferring map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Unified Coordinator over the given tier managers.
func New(p *perceptual.Manager, st *shortterm.Manager, lt *longterm.Manager, j *judge.Judge, searchCfg config.SearchConfig, ltCfg config.LongTermConfig, clock core.Clock) *Coordinator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Coordinator{
		perceptual:   p,
		shortTerm:    st,
		longTerm:     lt,
		judge:        j,
		searchCfg:    searchCfg,
		ltCfg:        ltCfg,
		clock:        clock,
		states:       make(map[string]State),
		chatIDs:      make(map[string]bool),
		transferring: make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

func (c *Coordinator) setState(chatID string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[chatID] = s
	c.chatIDs[chatID] = true
}

// State returns chatID's current coordinator state (IDLE if never seen).
func (c *Coordinator) State(chatID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[chatID]; ok {
		return s
	}
	return StateIdle
}

// AddMessage is the write path (spec §4.5 "add_message(msg)"): append to
// Perceptual and never block on LLM/embedding work. Promotion of any block
// that is now full and the oldest untransferred is scheduled asynchronously.
func (c *Coordinator) AddMessage(ctx context.Context, chatID string, msg core.Message) error {
	if err := c.perceptual.AddMessage(ctx, chatID, msg); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	c.setState(chatID, StateAccumulating)

	if block := c.perceptual.OldestFullUnpromoted(chatID); block != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.promoteBlock(context.Background(), block)
		}()
	}
	return nil
}

// promoteBlock ingests one Perceptual block into Short-Term and removes it
// from Perceptual on success (spec §3 Block invariant).
func (c *Coordinator) promoteBlock(ctx context.Context, block *perceptual.Block) {
	c.setState(block.ChatID, StateShortTermIngest)
	if _, err := c.shortTerm.AddFromBlock(ctx, block); err != nil {
		log.Warnf("promote block %s for chat %s: %v", block.ID, block.ChatID, err)
		c.setState(block.ChatID, StateAccumulating)
		return
	}
	if err := c.perceptual.RemoveBlock(block.ChatID, block.ID); err != nil {
		log.Warnf("remove promoted block %s: %v", block.ID, err)
	}
	c.setState(block.ChatID, StateAccumulating)
}

// SearchMemories is the read path (spec §4.5 "search_memories"): parallel
// Perceptual+ShortTerm recall, an optional judge gate, and a weighted
// long-term fallback over the original query plus any LLM-proposed
// supplemental queries.
func (c *Coordinator) SearchMemories(ctx context.Context, chatID, query string, useJudge bool, recentHistory []string) (SearchResult, error) {
	var blocks []*perceptual.Block
	var shortMems []shortterm.ShortTermMemory
	var blocksErr, shortErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		blocks, blocksErr = c.perceptual.RecallBlocks(ctx, chatID, query, c.searchCfg.TopK, c.searchCfg.SimilarityThreshold)
	}()
	go func() {
		defer wg.Done()
		shortMems, shortErr = c.shortTerm.SearchMemories(ctx, chatID, query, c.searchCfg.TopK)
	}()
	wg.Wait()
	if blocksErr != nil {
		log.Warnf("perceptual recall failed for chat %s: %v", chatID, blocksErr)
	}
	if shortErr != nil {
		log.Warnf("short-term search failed for chat %s: %v", chatID, shortErr)
	}

	for _, b := range blocks {
		if b.NeedsTransfer {
			c.wg.Add(1)
			go func(b *perceptual.Block) {
				defer c.wg.Done()
				c.promoteBlock(context.Background(), b)
			}(b)
		}
	}

	result := SearchResult{Blocks: blocks, ShortTerm: shortMems}

	var supplemental []string
	if useJudge {
		items := compactItems(blocks, shortMems)
		verdict, err := c.judge.Evaluate(ctx, query, items, recentHistory)
		result.JudgeVerdict = &verdict
		if err != nil {
			// Step 7: on judge error, default to executing the long-term
			// search to reduce miss risk — fall through below.
			log.Warnf("judge evaluation failed for chat %s, falling back to long-term search: %v", chatID, err)
		} else if verdict.Confidence >= c.searchCfg.JudgeConfidenceThreshold {
			return result, nil
		} else {
			supplemental = verdict.SupplementalQueries
		}
	}

	weighted := buildWeightedQueries(query, supplemental, c.searchCfg.QueryDecay, c.searchCfg.MinQueryWeight)
	hits, err := c.searchLongTermWeighted(ctx, weighted, c.searchCfg.TopK)
	if err != nil {
		return result, fmt.Errorf("long-term search: %w", err)
	}
	result.LongTerm = hits
	result.UsedLongTerm = true
	return result, nil
}

func compactItems(blocks []*perceptual.Block, mems []shortterm.ShortTermMemory) []string {
	out := make([]string, 0, len(blocks)+len(mems))
	for _, b := range blocks {
		out = append(out, b.Text())
	}
	for _, m := range mems {
		out = append(out, m.Text())
	}
	return out
}

// buildWeightedQueries strips, dedupes, and assigns linearly-decreasing
// weights to the primary query plus any supplemental queries (spec §4.5
// step 5: "max(0.3, 1.0 − i·decay)").
func buildWeightedQueries(primary string, supplemental []string, decay, minWeight float64) []weightedQuery {
	seen := make(map[string]bool)
	var queries []string
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			return
		}
		seen[q] = true
		queries = append(queries, q)
	}
	add(primary)
	for _, q := range supplemental {
		add(q)
	}

	out := make([]weightedQuery, len(queries))
	for i, q := range queries {
		w := 1.0 - float64(i)*decay
		if w < minWeight {
			w = minWeight
		}
		out[i] = weightedQuery{text: q, weight: w}
	}
	return out
}

// searchLongTermWeighted calls LongTerm.SearchMemories once per weighted
// query with bounded concurrency, then merges results by summing
// weight*final_score per memory id (spec §4.5 step 6).
func (c *Coordinator) searchLongTermWeighted(ctx context.Context, queries []weightedQuery, topK int) ([]LongTermHit, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	type partial struct {
		scores map[string]float64
		err    error
	}
	results := make([]partial, len(queries))
	sem := make(chan struct{}, longTermSearchConcurrency)
	var wg sync.WaitGroup

	for i, q := range queries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, q weightedQuery) {
			defer wg.Done()
			defer func() { <-sem }()
			hits, err := c.longTerm.SearchMemories(ctx, q.text, topK, nil)
			if err != nil {
				results[i] = partial{err: err}
				return
			}
			scores := make(map[string]float64, len(hits))
			for _, h := range hits {
				scores[h.MemoryID] = q.weight * h.FinalScore
			}
			results[i] = partial{scores: scores}
		}(i, q)
	}
	wg.Wait()

	merged := make(map[string]float64)
	for _, r := range results {
		if r.err != nil {
			log.Warnf("long-term query failed: %v", r.err)
			continue
		}
		for id, score := range r.scores {
			merged[id] += score
		}
	}

	out := make([]LongTermHit, 0, len(merged))
	for id, score := range merged {
		out = append(out, LongTermHit{MemoryID: id, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Start launches the background auto-transfer loop (spec §4.5
// "Auto-transfer loop").
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.autoTransferLoop(ctx)
}

func (c *Coordinator) autoTransferLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		interval := c.nextPollInterval()
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}
		c.pollChats(ctx)
	}
}

// nextPollInterval picks a sleep duration from the highest occupancy among
// known chats (spec §4.5 "Sleep interval from table").
func (c *Coordinator) nextPollInterval() time.Duration {
	maxOcc := 0.0
	for _, id := range c.knownChatIDs() {
		if occ := c.shortTerm.Occupancy(id); occ > maxOcc {
			maxOcc = occ
		}
	}
	return sleepInterval(maxOcc, c.ltCfg.AutoTransferInterval)
}

func sleepInterval(occ float64, base time.Duration) time.Duration {
	switch {
	case occ >= 0.8:
		return time.Duration(float64(2*time.Second) * 0.1)
	case occ >= 0.5:
		return time.Duration(float64(5*time.Second) * 0.2)
	case occ >= 0.3:
		return time.Duration(float64(10*time.Second) * 0.4)
	case occ >= 0.1:
		return time.Duration(float64(15*time.Second) * 0.6)
	default:
		return base
	}
}

func (c *Coordinator) knownChatIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.chatIDs))
	for id := range c.chatIDs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) pollChats(ctx context.Context) {
	for _, chatID := range c.knownChatIDs() {
		if c.shortTerm.Occupancy(chatID) < 1.0 {
			continue
		}
		if !c.claimTransfer(chatID) {
			continue
		}
		c.wg.Add(1)
		go func(chatID string) {
			defer c.wg.Done()
			c.runTransfer(ctx, chatID)
		}(chatID)
	}
}

func (c *Coordinator) claimTransfer(chatID string) bool {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	if c.transferring[chatID] {
		return false
	}
	c.transferring[chatID] = true
	return true
}

func (c *Coordinator) releaseTransfer(chatID string) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	c.transferring[chatID] = false
}

// runTransfer executes one overflow-triggered transfer batch: stage the
// candidates, hand them to Long-Term, and clear the ones that landed
// (spec §4.5 "When occupancy ≥ 1.0 ... TRANSFER_PENDING ...").
func (c *Coordinator) runTransfer(ctx context.Context, chatID string) {
	defer c.releaseTransfer(chatID)

	c.setState(chatID, StateTransferPending)
	batch := c.shortTerm.GetMemoriesForTransfer(chatID)
	if len(batch) == 0 {
		c.setState(chatID, StateIdle)
		return
	}

	result, err := c.longTerm.TransferFromShortTerm(ctx, batch)
	if err != nil {
		log.Warnf("transfer_from_short_term for chat %s: %v", chatID, err)
	}
	if err := c.shortTerm.ClearTransferred(chatID, result.TransferredIDs); err != nil {
		log.Warnf("clear_transferred for chat %s: %v", chatID, err)
	}
	c.setState(chatID, StateIdle)
}

// ManualTransfer immediately runs the transfer pipeline for chatID
// regardless of occupancy (spec §2: "background transfer loops, and
// manual transfer"). Returns an error if a transfer is already in flight.
func (c *Coordinator) ManualTransfer(ctx context.Context, chatID string) error {
	if !c.claimTransfer(chatID) {
		return fmt.Errorf("transfer already in progress for chat %s", chatID)
	}
	c.runTransfer(ctx, chatID)
	return nil
}

// Shutdown stops the auto-transfer loop and flushes pending embeddings
// before returning (spec §4.5 "Cancellation"). Short-term state is already
// persisted synchronously after every mutation, so no extra flush is
// needed for that tier.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	close(c.stopCh)
	c.wg.Wait()
	if c.longTerm != nil {
		return c.longTerm.FlushPending(ctx)
	}
	return nil
}
