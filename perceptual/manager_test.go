package perceptual

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/gateway"
)

func newTestManager(t *testing.T, cfg config.PerceptualConfig) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(cfg, nil, core.NewFixedClock(time.Unix(0, 0)), filepath.Join(dir, "perceptual_blocks.jsonl"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func msg(id, chatID, text string) core.Message {
	return core.Message{ID: id, ChatID: chatID, Text: text, Timestamp: time.Now()}
}

// S1 — Promotion (spec §8): block_size=2, activation_threshold=2. Feed
// m1,m2 (chat A) then m3. Expect one block B1=[m1,m2] retained, B2=[m3]
// open. Two recalls scoring above threshold on B1 set NeedsTransfer.
func TestPromotionScenarioS1(t *testing.T) {
	cfg := config.PerceptualConfig{BlockSize: 2, ActivationThreshold: 2, RecallThreshold: 0.1}
	m := newTestManager(t, cfg)
	ctx := context.Background()

	if err := m.AddMessage(ctx, "A", msg("m1", "A", "hello world")); err != nil {
		t.Fatalf("add m1: %v", err)
	}
	if err := m.AddMessage(ctx, "A", msg("m2", "A", "second message")); err != nil {
		t.Fatalf("add m2: %v", err)
	}
	if err := m.AddMessage(ctx, "A", msg("m3", "A", "third message")); err != nil {
		t.Fatalf("add m3: %v", err)
	}

	blocks := m.blocks["A"]
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if len(blocks[0].Messages) != 2 || len(blocks[1].Messages) != 1 {
		t.Fatalf("unexpected block shapes: %d, %d", len(blocks[0].Messages), len(blocks[1].Messages))
	}

	if _, err := m.RecallBlocks(ctx, "A", "hello world", 10, cfg.RecallThreshold); err != nil {
		t.Fatalf("recall 1: %v", err)
	}
	if blocks[0].NeedsTransfer {
		t.Fatalf("expected NeedsTransfer still false after first recall")
	}
	if blocks[0].ActivationCount != 1 {
		t.Fatalf("expected activation_count 1, got %d", blocks[0].ActivationCount)
	}

	if _, err := m.RecallBlocks(ctx, "A", "hello world", 10, cfg.RecallThreshold); err != nil {
		t.Fatalf("recall 2: %v", err)
	}
	if !blocks[0].NeedsTransfer {
		t.Fatalf("expected NeedsTransfer true after second recall reaching threshold")
	}

	if err := m.RemoveBlock("A", blocks[0].ID); err != nil {
		t.Fatalf("remove block: %v", err)
	}
	if len(m.blocks["A"]) != 1 {
		t.Fatalf("expected 1 block remaining after removal, got %d", len(m.blocks["A"]))
	}
}

func TestRecallBelowThresholdDoesNotIncrementActivation(t *testing.T) {
	cfg := config.PerceptualConfig{BlockSize: 5, ActivationThreshold: 3, RecallThreshold: 0.9}
	m := newTestManager(t, cfg)
	ctx := context.Background()

	if err := m.AddMessage(ctx, "A", msg("m1", "A", "completely unrelated topic")); err != nil {
		t.Fatalf("add: %v", err)
	}
	hits, err := m.RecallBlocks(ctx, "A", "nothing in common here", 10, cfg.RecallThreshold)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits below threshold, got %d", len(hits))
	}
	if m.blocks["A"][0].ActivationCount != 0 {
		t.Fatalf("expected activation_count unchanged, got %d", m.blocks["A"][0].ActivationCount)
	}
}

func TestRemoveBlockUnknownIDReturnsNotFound(t *testing.T) {
	m := newTestManager(t, config.PerceptualConfig{BlockSize: 5, ActivationThreshold: 3, RecallThreshold: 0.5})
	if err := m.RemoveBlock("A", "nonexistent"); err == nil {
		t.Fatalf("expected error removing unknown block")
	}
}

func TestPersistenceReloadsBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perceptual_blocks.jsonl")
	cfg := config.PerceptualConfig{BlockSize: 3, ActivationThreshold: 2, RecallThreshold: 0.5}
	ctx := context.Background()

	m1, err := New(cfg, nil, core.NewFixedClock(time.Unix(0, 0)), path)
	if err != nil {
		t.Fatalf("new manager 1: %v", err)
	}
	if err := m1.AddMessage(ctx, "A", msg("m1", "A", "persisted message")); err != nil {
		t.Fatalf("add: %v", err)
	}
	m1.Close()

	m2, err := New(cfg, nil, core.NewFixedClock(time.Unix(0, 0)), path)
	if err != nil {
		t.Fatalf("new manager 2: %v", err)
	}
	defer m2.Close()
	if len(m2.blocks["A"]) != 1 {
		t.Fatalf("expected reloaded manager to have 1 block, got %d", len(m2.blocks["A"]))
	}
	if m2.blocks["A"][0].Messages[0].ID != "m1" {
		t.Fatalf("expected reloaded message m1, got %q", m2.blocks["A"][0].Messages[0].ID)
	}
}

func TestAddMessageEmbedsAsynchronouslyForCosineRecall(t *testing.T) {
	cfg := config.PerceptualConfig{BlockSize: 5, ActivationThreshold: 999, RecallThreshold: 0.5}
	embedder := gateway.NewMockEmbeddingGateway(16)
	dir := t.TempDir()
	m, err := New(cfg, embedder, core.NewFixedClock(time.Unix(0, 0)), filepath.Join(dir, "blocks.jsonl"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.AddMessage(ctx, "chat1", msg("m1", "chat1", "alice loves espresso")); err != nil {
		t.Fatalf("add message: %v", err)
	}
	m.embedWG.Wait()

	m.mu.RLock()
	got := m.blocks["chat1"][0].MessageEmbeddings[0]
	m.mu.RUnlock()
	if got == nil {
		t.Fatalf("expected the background embed to populate MessageEmbeddings[0]")
	}

	blocks, err := m.RecallBlocks(ctx, "chat1", "alice loves espresso", 5, 0.5)
	if err != nil {
		t.Fatalf("recall blocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected the identical-text query to recall via cosine similarity, got %d blocks", len(blocks))
	}
}
