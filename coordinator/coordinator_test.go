package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/liminalfauna/tiermind/batch"
	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/graphstore"
	"github.com/liminalfauna/tiermind/judge"
	"github.com/liminalfauna/tiermind/longterm"
	"github.com/liminalfauna/tiermind/pathexpand"
	"github.com/liminalfauna/tiermind/perceptual"
	"github.com/liminalfauna/tiermind/shortterm"
	"github.com/liminalfauna/tiermind/vectorindex"
)

type fakeLLM struct {
	responses []string
	calls     int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt, schemaHint string) (string, error) {
	if f.calls >= len(f.responses) {
		return "", fmt.Errorf("no more scripted responses")
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

type fixture struct {
	coord       *Coordinator
	perceptual  *perceptual.Manager
	shortTerm   *shortterm.Manager
	longTerm    *longterm.Manager
	store       graphstore.Store
	shortTermLLM *fakeLLM
	longTermLLM  *fakeLLM
	judgeLLM     *fakeLLM
}

func newFixture(t *testing.T, searchCfg config.SearchConfig, stCfg config.ShortTermConfig) *fixture {
	t.Helper()
	dir := t.TempDir()

	pCfg := config.PerceptualConfig{MaxBlocks: 50, BlockSize: 1, ActivationThreshold: 999, RecallThreshold: 0.1}
	embedder := gateway.NewMockEmbeddingGateway(8)
	pMgr, err := perceptual.New(pCfg, embedder, core.SystemClock{}, filepath.Join(dir, "blocks.jsonl"))
	if err != nil {
		t.Fatalf("new perceptual manager: %v", err)
	}

	stLLM := &fakeLLM{}
	stMgr, err := shortterm.New(stLLM, embedder, stCfg, core.SystemClock{}, filepath.Join(dir, "short_term.json"))
	if err != nil {
		t.Fatalf("new short-term manager: %v", err)
	}

	store := graphstore.NewMemStore()
	index, err := vectorindex.New()
	if err != nil {
		t.Fatalf("new vector index: %v", err)
	}
	ltCfg := config.LongTermConfig{BatchSize: 10, DecayFactor: 0.95, EmbedBatchSize: 4, AutoTransferInterval: 200 * time.Millisecond}
	sched := batch.New(store, index, embedder, ltCfg)
	expander := pathexpand.New(config.PathExpansionConfig{
		MaxHops: 2, DampingFactor: 0.85, MaxBranchesPerNode: 10,
		MergeStrategy: config.MergeWeightedGeometric, PruningThreshold: 0,
		EdgeTypeWeights: map[string]float64{"default": 0.5},
		FinalScoring:    config.FinalScoringWeights{Path: 0.6, Importance: 0.25, Recency: 0.15},
	})
	ltLLM := &fakeLLM{}
	ltMgr := longterm.New(store, index, ltLLM, embedder, sched, expander, nil, core.SystemClock{}, ltCfg, searchCfg)

	jLLM := &fakeLLM{}
	j := judge.New(jLLM)

	coord := New(pMgr, stMgr, ltMgr, j, searchCfg, ltCfg, core.SystemClock{})

	return &fixture{
		coord: coord, perceptual: pMgr, shortTerm: stMgr, longTerm: ltMgr, store: store,
		shortTermLLM: stLLM, longTermLLM: ltLLM, judgeLLM: jLLM,
	}
}

func testSearchCfg() config.SearchConfig {
	return config.SearchConfig{TopK: 5, SimilarityThreshold: 0.1, JudgeConfidenceThreshold: 0.7, QueryDecay: 0.1, MinQueryWeight: 0.3}
}

func testShortTermCfg() config.ShortTermConfig {
	return config.ShortTermConfig{Max: 5, TransferThreshold: 0.3, OverflowStrategy: config.OverflowTransferAll, EnableForceCleanup: true, CleanupKeepRatio: 0.9}
}

func TestAddMessagePromotesFullBlockToShortTerm(t *testing.T) {
	fx := newFixture(t, testSearchCfg(), testShortTermCfg())
	fx.shortTermLLM.responses = []string{
		`{"op":"create_new","memory_fields":{"subject":"alice","memory_type":"fact","topic":"coffee","object":"espresso","importance":0.8}}`,
	}

	ctx := context.Background()
	msg := core.Message{ID: "m1", ChatID: "chat1", SenderID: "alice", Timestamp: time.Now(), Text: "alice loves espresso"}
	if err := fx.coord.AddMessage(ctx, "chat1", msg); err != nil {
		t.Fatalf("add message: %v", err)
	}
	fx.coord.wg.Wait()

	if b := fx.perceptual.OldestFullUnpromoted("chat1"); b != nil {
		t.Fatalf("expected block to be promoted and removed, still found %+v", b)
	}
	mems, err := fx.shortTerm.SearchMemories(ctx, "chat1", "alice espresso", 5)
	if err != nil {
		t.Fatalf("search short-term: %v", err)
	}
	if len(mems) != 1 {
		t.Fatalf("expected 1 promoted short-term memory, got %d", len(mems))
	}
}

func TestSearchMemoriesJudgeSufficientSkipsLongTerm(t *testing.T) {
	fx := newFixture(t, testSearchCfg(), testShortTermCfg())
	fx.judgeLLM.responses = []string{`{"sufficient": true, "confidence": 0.95, "supplemental_queries": []}`}

	ctx := context.Background()
	result, err := fx.coord.SearchMemories(ctx, "chat1", "what does alice like", true, nil)
	if err != nil {
		t.Fatalf("search memories: %v", err)
	}
	if result.UsedLongTerm {
		t.Fatalf("expected long-term search to be skipped on sufficient judge verdict")
	}
	if result.JudgeVerdict == nil || !result.JudgeVerdict.Sufficient {
		t.Fatalf("expected sufficient judge verdict to be recorded")
	}
}

func TestSearchMemoriesJudgeInsufficientFallsBackToLongTerm(t *testing.T) {
	fx := newFixture(t, testSearchCfg(), testShortTermCfg())
	fx.judgeLLM.responses = []string{`{"sufficient": false, "confidence": 0.2, "supplemental_queries": ["alice's job"]}`}

	ctx := context.Background()
	result, err := fx.coord.SearchMemories(ctx, "chat1", "what does alice like", true, nil)
	if err != nil {
		t.Fatalf("search memories: %v", err)
	}
	if !result.UsedLongTerm {
		t.Fatalf("expected long-term fallback on insufficient judge verdict")
	}
}

func TestSearchMemoriesWithoutJudgeAlwaysUsesLongTerm(t *testing.T) {
	fx := newFixture(t, testSearchCfg(), testShortTermCfg())

	ctx := context.Background()
	result, err := fx.coord.SearchMemories(ctx, "chat1", "what does alice like", false, nil)
	if err != nil {
		t.Fatalf("search memories: %v", err)
	}
	if !result.UsedLongTerm {
		t.Fatalf("expected long-term search to run when use_judge=false")
	}
}

func TestManualTransferMovesShortTermMemoryIntoLongTerm(t *testing.T) {
	fx := newFixture(t, testSearchCfg(), testShortTermCfg())
	fx.shortTermLLM.responses = []string{
		`{"op":"create_new","memory_fields":{"subject":"alice","memory_type":"fact","topic":"coffee","object":"espresso","importance":0.8}}`,
	}
	fx.longTermLLM.responses = []string{
		`{"operations":[{"op":"create_node","temp_id":"t1","args":{"id":"n-alice","content":"alice","type":"person"}},{"op":"create_memory","args":{"node_ids":["n-alice"],"memory_type":"fact","importance":0.8}}]}`,
	}

	ctx := context.Background()
	msg := core.Message{ID: "m1", ChatID: "chat1", SenderID: "alice", Timestamp: time.Now(), Text: "alice loves espresso"}
	if err := fx.coord.AddMessage(ctx, "chat1", msg); err != nil {
		t.Fatalf("add message: %v", err)
	}
	fx.coord.wg.Wait()

	if err := fx.coord.ManualTransfer(ctx, "chat1"); err != nil {
		t.Fatalf("manual transfer: %v", err)
	}

	remaining, err := fx.shortTerm.SearchMemories(ctx, "chat1", "alice", 5)
	if err != nil {
		t.Fatalf("search short-term: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected short-term memories to be cleared after transfer, got %d", len(remaining))
	}

	memories, err := fx.store.AllMemories(ctx)
	if err != nil {
		t.Fatalf("all memories: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 long-term memory created by transfer, got %d", len(memories))
	}
}

func TestSleepIntervalTable(t *testing.T) {
	base := 180 * time.Second
	cases := []struct {
		occ  float64
		want time.Duration
	}{
		{0.9, 200 * time.Millisecond},
		{0.6, 1 * time.Second},
		{0.4, 4 * time.Second},
		{0.15, 9 * time.Second},
		{0.0, base},
	}
	for _, c := range cases {
		got := sleepInterval(c.occ, base)
		if got != c.want {
			t.Fatalf("sleepInterval(%f) = %v, want %v", c.occ, got, c.want)
		}
	}
}
