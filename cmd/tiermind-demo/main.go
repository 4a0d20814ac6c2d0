// Command tiermind-demo wires the full three-tier memory engine end to end
// and runs a small interactive loop: lines typed on stdin are appended as
// chat messages, and a leading "?" queries memory instead of appending.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/liminalfauna/tiermind/batch"
	"github.com/liminalfauna/tiermind/cache"
	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/coordinator"
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

func main() {
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	if anthropicKey == "" {
		log.Fatal("ANTHROPIC_API_KEY environment variable is required")
	}

	chatID := os.Getenv("TIERMIND_CHAT_ID")
	if chatID == "" {
		chatID = "demo-chat"
	}

	cfg := config.Default()
	if dataDir := os.Getenv("TIERMIND_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	llm := gateway.NewAnthropicGateway(anthropicKey, "", 0, gateway.RetryConfig{
		Timeout:     cfg.Gateway.LLMTimeout,
		MaxRetry:    cfg.Gateway.LLMMaxRetry,
		BaseBackoff: 500 * time.Millisecond,
	})

	// The ONNX embedder requires the onnx build tag and a downloaded model;
	// the mock gateway keeps this demo runnable out of the box.
	embedder := gateway.NewMockEmbeddingGateway(384)

	clock := core.SystemClock{}

	perceptualMgr, err := perceptual.New(cfg.Perceptual, embedder, clock, cfg.DataDir+"/perceptual_blocks.jsonl")
	if err != nil {
		log.Fatalf("start perceptual manager: %v", err)
	}
	defer perceptualMgr.Close()

	shortTermMgr, err := shortterm.New(llm, embedder, cfg.ShortTerm, clock, cfg.DataDir+"/short_term_memory.json")
	if err != nil {
		log.Fatalf("start short-term manager: %v", err)
	}

	store, err := graphstore.NewSQLiteStore(cfg.DataDir + "/graph.db")
	if err != nil {
		log.Fatalf("open graph store: %v", err)
	}
	defer store.Close()

	index, err := vectorindex.New()
	if err != nil {
		log.Fatalf("start vector index: %v", err)
	}

	scheduler := batch.New(store, index, embedder, cfg.LongTerm)
	expander := pathexpand.New(cfg.PathExpansion)

	memCache, err := cache.New(cache.DefaultConfig())
	if err != nil {
		log.Fatalf("start cache: %v", err)
	}

	longTermMgr := longterm.New(store, index, llm, embedder, scheduler, expander, memCache, clock, cfg.LongTerm, cfg.Search)

	planner := judge.New(llm)

	coord := coordinator.New(perceptualMgr, shortTermMgr, longTermMgr, planner, cfg.Search, cfg.LongTerm, clock)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	coord.Start(ctx)

	fmt.Println("tiermind memory demo — type a message to remember it, or '? <query>' to search.")
	fmt.Println("Ctrl+C to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			goto shutdown
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "?") {
			query := strings.TrimSpace(strings.TrimPrefix(line, "?"))
			result, err := coord.SearchMemories(ctx, chatID, query, true, nil)
			if err != nil {
				fmt.Printf("search error: %v\n", err)
				continue
			}
			printResult(result)
			continue
		}

		msg := core.Message{
			ID:        fmt.Sprintf("%s-%d", chatID, time.Now().UnixNano()),
			ChatID:    chatID,
			SenderID:  "user",
			Timestamp: time.Now(),
			Text:      line,
		}
		if err := coord.AddMessage(ctx, chatID, msg); err != nil {
			fmt.Printf("add message error: %v\n", err)
		}
	}

shutdown:
	fmt.Println("\nshutting down, flushing pending writes...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func printResult(result coordinator.SearchResult) {
	fmt.Printf("perceptual blocks: %d, short-term memories: %d\n", len(result.Blocks), len(result.ShortTerm))
	for _, m := range result.ShortTerm {
		fmt.Printf("  [short-term] %s %s %s (importance=%.2f)\n", m.Subject, m.Topic, m.Object, m.Importance)
	}
	if result.UsedLongTerm {
		fmt.Printf("long-term hits: %d\n", len(result.LongTerm))
		for _, h := range result.LongTerm {
			fmt.Printf("  [long-term] memory=%s score=%.3f\n", h.MemoryID, h.Score)
		}
	}
}
