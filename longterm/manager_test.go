package longterm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/liminalfauna/tiermind/batch"
	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/graphstore"
	"github.com/liminalfauna/tiermind/pathexpand"
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

func newTestManager(t *testing.T, llm gateway.LLMGateway) (*Manager, graphstore.Store) {
	t.Helper()
	store := graphstore.NewMemStore()
	index, err := vectorindex.New()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	embedder := gateway.NewMockEmbeddingGateway(8)
	ltCfg := config.LongTermConfig{BatchSize: 10, DecayFactor: 0.9, EmbedBatchSize: 4}
	sched := batch.New(store, index, embedder, ltCfg)
	expander := pathexpand.New(config.PathExpansionConfig{
		MaxHops: 2, DampingFactor: 0.85, MaxBranchesPerNode: 10,
		MergeStrategy: config.MergeWeightedGeometric, PruningThreshold: 0,
		EdgeTypeWeights: map[string]float64{"default": 0.5},
		FinalScoring:    config.FinalScoringWeights{Path: 0.6, Importance: 0.25, Recency: 0.15},
	})
	searchCfg := config.SearchConfig{TopK: 5}
	mgr := New(store, index, llm, embedder, sched, expander, nil, core.SystemClock{}, ltCfg, searchCfg)
	return mgr, store
}

func TestTransferFromShortTermCreatesNodeAndMemory(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"operations":[{"op":"create_node","temp_id":"t1","args":{"id":"n1","content":"alice","type":"person"}},{"op":"create_memory","args":{"node_ids":["n1"],"memory_type":"fact","importance":0.7}}]}`,
	}}
	mgr, store := newTestManager(t, llm)

	batchMems := []shortterm.ShortTermMemory{
		{ID: "stm1", ChatID: "chat1", Subject: "alice", MemoryType: shortterm.MemoryFact, Topic: "coffee", Object: "espresso", Importance: 0.7, CreatedAt: time.Now()},
	}

	result, err := mgr.TransferFromShortTerm(context.Background(), batchMems)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(result.TransferredIDs) != 1 || len(result.FailedIDs) != 0 {
		t.Fatalf("unexpected transfer result: %+v", result)
	}

	memories, err := store.AllMemories(context.Background())
	if err != nil {
		t.Fatalf("all memories: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory created, got %d", len(memories))
	}
}

func TestTransferFromShortTermUnparsableProgramDefaultsToNoOp(t *testing.T) {
	llm := &fakeLLM{responses: []string{`not parseable json at all`}}
	mgr, store := newTestManager(t, llm)

	result, err := mgr.TransferFromShortTerm(context.Background(), []shortterm.ShortTermMemory{
		{ID: "stm-bad", ChatID: "chat1", Subject: "x", Importance: 0.5, CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(result.TransferredIDs) != 1 || len(result.FailedIDs) != 0 {
		t.Fatalf("expected an unparsable transfer program to default to a no-op transfer, got %+v", result)
	}

	memories, err := store.AllMemories(context.Background())
	if err != nil {
		t.Fatalf("all memories: %v", err)
	}
	if len(memories) != 0 {
		t.Fatalf("expected the no-op program to create nothing, got %d memories", len(memories))
	}
}

func TestTransferFromShortTermIsolatesPerMemoryFailure(t *testing.T) {
	// Only one scripted LLM response for a batch of two: whichever memory's
	// transfer calls Complete second hits "no more scripted responses",
	// isolating that genuine LLM-call failure from the other's success.
	llm := &fakeLLM{responses: []string{
		`{"operations":[{"op":"create_node","args":{"id":"n2","content":"bob","type":"person"}},{"op":"create_memory","args":{"node_ids":["n2"],"memory_type":"fact","importance":0.5}}]}`,
	}}
	mgr, _ := newTestManager(t, llm)

	result, err := mgr.TransferFromShortTerm(context.Background(), []shortterm.ShortTermMemory{
		{ID: "stm-a", ChatID: "chat1", Subject: "a", Importance: 0.5, CreatedAt: time.Now()},
		{ID: "stm-b", ChatID: "chat1", Subject: "b", Importance: 0.5, CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(result.TransferredIDs) != 1 || len(result.FailedIDs) != 1 {
		t.Fatalf("expected exactly one success and one isolated failure, got %+v", result)
	}
}

func TestExecuteProgramDropsCreateEdgeWithUnknownEndpoint(t *testing.T) {
	mgr, store := newTestManager(t, &fakeLLM{})
	ctx := context.Background()

	ops := []Operation{
		{Op: OpCreateEdge, Args: map[string]interface{}{"source_id": "missing-a", "target_id": "missing-b", "edge_type": "relation"}},
	}
	if err := mgr.executeProgram(ctx, ops); err != nil {
		t.Fatalf("execute program: %v", err)
	}

	// No node exists for either endpoint, so no edge should have been
	// written; GetOutgoingEdges on a never-created node returns empty.
	edges, err := store.GetOutgoingEdges(ctx, "missing-a")
	if err != nil {
		t.Fatalf("get outgoing edges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected no edges to be created for unknown endpoints, got %d", len(edges))
	}
}

func TestMergeMemoriesDegradesOnMissingTarget(t *testing.T) {
	mgr, store := newTestManager(t, &fakeLLM{})
	ctx := context.Background()

	mem := graphstore.Memory{ID: "m1", NodeIDs: []string{}, Importance: 0.4, CreatedAt: time.Now(), LastAccessedAt: time.Now()}
	if err := store.UpsertMemory(ctx, mem); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}

	if err := mgr.mergeMemories(ctx, []string{"m1", "does-not-exist"}); err != nil {
		t.Fatalf("merge memories should degrade to update on extant subset: %v", err)
	}

	got, err := store.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if got.ID != "m1" {
		t.Fatalf("expected m1 to survive the degraded merge")
	}
}

func TestApplyDecayReducesActivationOverElapsedDays(t *testing.T) {
	mgr, store := newTestManager(t, &fakeLLM{})
	ctx := context.Background()

	now := time.Now()
	mem := graphstore.Memory{
		ID: "m1", Importance: 0.5, Activation: 1.0,
		CreatedAt: now.Add(-10 * 24 * time.Hour), LastAccessedAt: now.Add(-10 * 24 * time.Hour),
	}
	if err := store.UpsertMemory(ctx, mem); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}

	if err := mgr.ApplyDecay(ctx, now); err != nil {
		t.Fatalf("apply decay: %v", err)
	}

	got, err := store.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	want := 1.0 * pow(0.9, 10)
	if diff := got.Activation - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected activation %.6f, got %.6f", want, got.Activation)
	}
}

func TestConsolidateMergesDuplicateNodesAndRewiresReferences(t *testing.T) {
	mgr, store := newTestManager(t, &fakeLLM{})
	ctx := context.Background()

	emb := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	nodeA := graphstore.Node{ID: "node-a", Content: "alice", Type: graphstore.NodePerson, Embedding: emb, CreatedAt: time.Now()}
	nodeB := graphstore.Node{ID: "node-b", Content: "alice duplicate", Type: graphstore.NodePerson, Embedding: emb, CreatedAt: time.Now()}
	other := graphstore.Node{ID: "node-other", Content: "coffee", Type: graphstore.NodeEntity, CreatedAt: time.Now()}
	for _, n := range []graphstore.Node{nodeA, nodeB, other} {
		if err := store.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert node %s: %v", n.ID, err)
		}
	}

	edge := graphstore.Edge{ID: "edge-b-other", SourceID: "node-b", TargetID: "node-other", Type: graphstore.EdgeRelation, CreatedAt: time.Now()}
	if err := store.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	memA := graphstore.Memory{ID: "mem-a", NodeIDs: []string{"node-a"}, Importance: 0.5, CreatedAt: time.Now(), LastAccessedAt: time.Now()}
	memB := graphstore.Memory{ID: "mem-b", NodeIDs: []string{"node-b"}, EdgeIDs: []string{"edge-b-other"}, Importance: 0.5, CreatedAt: time.Now(), LastAccessedAt: time.Now()}
	if err := store.UpsertMemory(ctx, memA); err != nil {
		t.Fatalf("upsert mem-a: %v", err)
	}
	if err := store.UpsertMemory(ctx, memB); err != nil {
		t.Fatalf("upsert mem-b: %v", err)
	}

	merged, err := mgr.Consolidate(ctx, 0.99)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if merged != 1 {
		t.Fatalf("expected 1 merge, got %d", merged)
	}

	_, errA := store.GetNode(ctx, "node-a")
	_, errB := store.GetNode(ctx, "node-b")
	if (errA == nil) == (errB == nil) {
		t.Fatalf("expected exactly one of node-a/node-b to survive, errA=%v errB=%v", errA, errB)
	}
	survivorID := "node-a"
	if errA != nil {
		survivorID = "node-b"
	}

	gotMemB, err := store.GetMemory(ctx, "mem-b")
	if err != nil {
		t.Fatalf("get mem-b: %v", err)
	}
	if len(gotMemB.NodeIDs) != 1 || gotMemB.NodeIDs[0] != survivorID {
		t.Fatalf("expected mem-b's node reference rewired onto the survivor, got %+v", gotMemB.NodeIDs)
	}
	if len(gotMemB.EdgeIDs) != 1 {
		t.Fatalf("expected mem-b to still reference exactly one rewired edge, got %+v", gotMemB.EdgeIDs)
	}

	outgoing, err := store.GetOutgoingEdges(ctx, survivorID)
	if err != nil {
		t.Fatalf("get outgoing edges: %v", err)
	}
	if len(outgoing) != 1 || outgoing[0].TargetID != "node-other" {
		t.Fatalf("expected the rewired edge to originate from the survivor, got %+v", outgoing)
	}
}

func TestApplyDecayTwiceWithSameTimeIsNoOp(t *testing.T) {
	mgr, store := newTestManager(t, &fakeLLM{})
	ctx := context.Background()

	now := time.Now()
	mem := graphstore.Memory{
		ID: "m1", Importance: 0.5, Activation: 1.0,
		CreatedAt: now.Add(-10 * 24 * time.Hour), LastAccessedAt: now.Add(-10 * 24 * time.Hour),
	}
	if err := store.UpsertMemory(ctx, mem); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}

	if err := mgr.ApplyDecay(ctx, now); err != nil {
		t.Fatalf("first apply decay: %v", err)
	}
	afterFirst, err := store.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}

	if err := mgr.ApplyDecay(ctx, now); err != nil {
		t.Fatalf("second apply decay: %v", err)
	}
	afterSecond, err := store.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}

	if afterSecond.Activation != afterFirst.Activation {
		t.Fatalf("second apply_decay with the same t changed activation: %.6f -> %.6f", afterFirst.Activation, afterSecond.Activation)
	}
}

func TestApplyDecayNoOpWhenAccessedNow(t *testing.T) {
	mgr, store := newTestManager(t, &fakeLLM{})
	ctx := context.Background()

	now := time.Now()
	mem := graphstore.Memory{ID: "m1", Importance: 0.5, Activation: 1.0, CreatedAt: now, LastAccessedAt: now}
	if err := store.UpsertMemory(ctx, mem); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}
	if err := mgr.ApplyDecay(ctx, now); err != nil {
		t.Fatalf("apply decay: %v", err)
	}
	got, err := store.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if got.Activation != 1.0 {
		t.Fatalf("expected no decay at zero elapsed days, got %f", got.Activation)
	}
}

func TestForgetDeletesBelowBothThresholds(t *testing.T) {
	mgr, store := newTestManager(t, &fakeLLM{})
	ctx := context.Background()

	low := graphstore.Memory{ID: "low", Importance: 0.1, Activation: 0.05, CreatedAt: time.Now(), LastAccessedAt: time.Now()}
	protected := graphstore.Memory{ID: "protected", Importance: 0.9, Activation: 0.05, CreatedAt: time.Now(), LastAccessedAt: time.Now()}
	if err := store.UpsertMemory(ctx, low); err != nil {
		t.Fatalf("upsert low: %v", err)
	}
	if err := store.UpsertMemory(ctx, protected); err != nil {
		t.Fatalf("upsert protected: %v", err)
	}

	deleted, err := mgr.Forget(ctx, 0.1, 0.8)
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly 1 deletion, got %d", deleted)
	}
	if _, err := store.GetMemory(ctx, "low"); err == nil {
		t.Fatalf("expected low-activation, low-importance memory to be forgotten")
	}
	if _, err := store.GetMemory(ctx, "protected"); err != nil {
		t.Fatalf("expected importance-protected memory to survive: %v", err)
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
