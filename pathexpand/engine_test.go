package pathexpand

import (
	"context"
	"testing"
	"time"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/graphstore"
)

func buildChainStore(t *testing.T) graphstore.Store {
	t.Helper()
	store := graphstore.NewMemStore()
	ctx := context.Background()
	now := time.Now()

	nodes := []graphstore.Node{
		{ID: "n1", Content: "alice", Type: graphstore.NodePerson, Embedding: []float32{1, 0, 0}, CreatedAt: now},
		{ID: "n2", Content: "coffee", Type: graphstore.NodeEntity, Embedding: []float32{0.9, 0.1, 0}, CreatedAt: now},
		{ID: "n3", Content: "espresso", Type: graphstore.NodeEntity, Embedding: []float32{0.8, 0.2, 0}, CreatedAt: now},
	}
	for _, n := range nodes {
		if err := store.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert node: %v", err)
		}
	}

	edges := []graphstore.Edge{
		{ID: "e1", SourceID: "n1", TargetID: "n2", Type: graphstore.EdgeRelation, Importance: 0.9, CreatedAt: now},
		{ID: "e2", SourceID: "n2", TargetID: "n3", Type: graphstore.EdgeAttribute, Importance: 0.8, CreatedAt: now},
	}
	for _, e := range edges {
		if err := store.UpsertEdge(ctx, e); err != nil {
			t.Fatalf("upsert edge: %v", err)
		}
	}

	mem := graphstore.Memory{
		ID:             "mem1",
		NodeIDs:        []string{"n1", "n2", "n3"},
		EdgeIDs:        []string{"e1", "e2"},
		Importance:     0.7,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := store.UpsertMemory(ctx, mem); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}
	return store
}

func testConfig() config.PathExpansionConfig {
	return config.PathExpansionConfig{
		MaxHops:            2,
		DampingFactor:      0.85,
		MaxBranchesPerNode: 10,
		MergeStrategy:      config.MergeWeightedGeometric,
		PruningThreshold:   0.0,
		EdgeTypeWeights: map[string]float64{
			"relation":  1.0,
			"attribute": 0.8,
			"default":   0.5,
		},
		FinalScoring:        config.FinalScoringWeights{Path: 0.6, Importance: 0.25, Recency: 0.15},
		EarlyStopGrowthRate: -1, // never early-stop in this test
	}
}

func TestExpandFindsMemoryViaTwoHops(t *testing.T) {
	store := buildChainStore(t)
	engine := New(testConfig())

	seeds := []Seed{{NodeID: "n1", Score: 1.0}}
	results, err := engine.Expand(context.Background(), store, seeds, []float32{1, 0, 0}, nil, 10, time.Now())
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(results) != 1 || results[0].MemoryID != "mem1" {
		t.Fatalf("expected mem1 to be found, got %+v", results)
	}
	if results[0].FinalScore <= 0 {
		t.Fatalf("expected positive final score, got %f", results[0].FinalScore)
	}
}

func TestExpandRespectsMaxHops(t *testing.T) {
	store := graphstore.NewMemStore()
	ctx := context.Background()
	now := time.Now()

	// A longer chain: n1 -> n2 -> n3 -> n4, memory only on n4.
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		if err := store.UpsertNode(ctx, graphstore.Node{ID: id, Type: graphstore.NodeEntity, CreatedAt: now}); err != nil {
			t.Fatalf("upsert node: %v", err)
		}
	}
	edges := [][2]string{{"n1", "n2"}, {"n2", "n3"}, {"n3", "n4"}}
	for i, pair := range edges {
		e := graphstore.Edge{ID: "e" + string(rune('0'+i)), SourceID: pair[0], TargetID: pair[1], Type: graphstore.EdgeDefault, Importance: 0.9, CreatedAt: now}
		if err := store.UpsertEdge(ctx, e); err != nil {
			t.Fatalf("upsert edge: %v", err)
		}
	}
	mem := graphstore.Memory{ID: "deep", NodeIDs: []string{"n4"}, CreatedAt: now, LastAccessedAt: now, Importance: 0.5}
	if err := store.UpsertMemory(ctx, mem); err != nil {
		t.Fatalf("upsert memory: %v", err)
	}

	cfg := testConfig()
	cfg.MaxHops = 2 // n4 is 3 hops from n1, out of reach
	engine := New(cfg)

	results, err := engine.Expand(ctx, store, []Seed{{NodeID: "n1", Score: 1.0}}, nil, nil, 10, now)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	for _, r := range results {
		if r.MemoryID == "deep" {
			t.Fatalf("expected memory beyond max_hops to be unreachable")
		}
	}
}
