package shortterm

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/core"
	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/perceptual"
)

// fakeLLM returns a queue of scripted responses, one per call, grounded on
// the teacher's manager_test.go MockEmbedder pattern (hand-written fakes,
// no mocking framework).
type fakeLLM struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt, schemaHint string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.responses) {
		return "", fmt.Errorf("no more scripted responses")
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func newBlock(chatID, blockID string, texts ...string) *perceptual.Block {
	b := &perceptual.Block{ID: blockID, ChatID: chatID, CreatedAt: time.Now()}
	for i, t := range texts {
		b.Messages = append(b.Messages, core.Message{ID: fmt.Sprintf("m%d", i), ChatID: chatID, Text: t})
	}
	return b
}

func TestAddFromBlockCreateNew(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"op":"create_new","memory_fields":{"subject":"Alice","memory_type":"fact","topic":"likes coffee","importance":0.8}}`,
	}}
	dir := t.TempDir()
	m, err := New(llm, gateway.NewMockEmbeddingGateway(8), config.ShortTermConfig{Max: 30, TransferThreshold: 0.6}, nil, filepath.Join(dir, "short_term_memory.json"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	block := newBlock("chatA", "b1", "Alice likes coffee")
	mem, err := m.AddFromBlock(context.Background(), block)
	if err != nil {
		t.Fatalf("add from block: %v", err)
	}
	if mem == nil || mem.Subject != "Alice" {
		t.Fatalf("unexpected memory: %+v", mem)
	}
}

func TestAddFromBlockRetriesOnParseFailure(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"complete garbage, not json",
		`{"op":"create_new","memory_fields":{"subject":"Bob","memory_type":"fact","topic":"owns a car","importance":0.5}}`,
	}}
	dir := t.TempDir()
	m, err := New(llm, gateway.NewMockEmbeddingGateway(8), config.ShortTermConfig{Max: 30, TransferThreshold: 0.6}, nil, filepath.Join(dir, "short_term_memory.json"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	block := newBlock("chatA", "b1", "Bob owns a car")
	mem, err := m.AddFromBlock(context.Background(), block)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if mem.Subject != "Bob" {
		t.Fatalf("unexpected memory: %+v", mem)
	}
	if llm.calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls total), got %d", llm.calls)
	}
}

func TestAddFromBlockPersistentParseFailureDefaultsToCreateNew(t *testing.T) {
	llm := &fakeLLM{responses: []string{"garbage", "still garbage"}}
	dir := t.TempDir()
	m, err := New(llm, nil, config.ShortTermConfig{Max: 30, TransferThreshold: 0.6}, nil, filepath.Join(dir, "short_term_memory.json"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	block := newBlock("chatA", "b1", "anything")
	mem, err := m.AddFromBlock(context.Background(), block)
	if err != nil {
		t.Fatalf("expected persistent parse failure to default to create_new, not error: %v", err)
	}
	if mem == nil {
		t.Fatalf("expected a safe-default memory, got nil")
	}
}

func TestGetMemoriesForTransferSelectiveCleanup(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"op":"create_new","memory_fields":{"subject":"High","memory_type":"fact","topic":"t","importance":0.9}}`,
		`{"op":"create_new","memory_fields":{"subject":"Low","memory_type":"fact","topic":"t","importance":0.1}}`,
	}}
	dir := t.TempDir()
	cfg := config.ShortTermConfig{Max: 30, TransferThreshold: 0.6, OverflowStrategy: config.OverflowSelectiveCleanup}
	m, err := New(llm, nil, cfg, nil, filepath.Join(dir, "short_term_memory.json"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := m.AddFromBlock(context.Background(), newBlock("A", "b1", "x")); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if _, err := m.AddFromBlock(context.Background(), newBlock("A", "b2", "y")); err != nil {
		t.Fatalf("add 2: %v", err)
	}

	candidates := m.GetMemoriesForTransfer("A")
	if len(candidates) != 1 || candidates[0].Subject != "High" {
		t.Fatalf("expected only the high-importance memory proposed, got %+v", candidates)
	}
}

func TestClearTransferredRemovesAndCleansUp(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"op":"create_new","memory_fields":{"subject":"Keep","memory_type":"fact","topic":"t","importance":0.9}}`,
		`{"op":"create_new","memory_fields":{"subject":"DropLow","memory_type":"fact","topic":"t","importance":0.1}}`,
	}}
	dir := t.TempDir()
	cfg := config.ShortTermConfig{Max: 30, TransferThreshold: 0.6, OverflowStrategy: config.OverflowTransferAll}
	m, err := New(llm, nil, cfg, nil, filepath.Join(dir, "short_term_memory.json"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	mem1, _ := m.AddFromBlock(context.Background(), newBlock("A", "b1", "x"))
	if _, err := m.AddFromBlock(context.Background(), newBlock("A", "b2", "y")); err != nil {
		t.Fatalf("add 2: %v", err)
	}

	if err := m.ClearTransferred("A", []string{mem1.ID}); err != nil {
		t.Fatalf("clear transferred: %v", err)
	}

	remaining, err := m.SearchMemories(context.Background(), "A", "anything", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the low-importance leftover to be cleaned up, got %+v", remaining)
	}
}

func TestSearchMemoriesLexicalFallback(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"op":"create_new","memory_fields":{"subject":"coffee","memory_type":"fact","topic":"Alice likes coffee","importance":0.5}}`,
	}}
	dir := t.TempDir()
	m, err := New(llm, nil, config.ShortTermConfig{Max: 30, TransferThreshold: 0.6}, nil, filepath.Join(dir, "short_term_memory.json"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.AddFromBlock(context.Background(), newBlock("A", "b1", "Alice likes coffee")); err != nil {
		t.Fatalf("add: %v", err)
	}

	results, err := m.SearchMemories(context.Background(), "A", "Alice likes coffee", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 lexical match, got %d", len(results))
	}
}
