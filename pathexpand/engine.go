// Package pathexpand implements the Path Expansion Engine (spec §4.4):
// multi-hop propagation from an initial vector-search seed set, scored
// with a damping factor and dynamic branch budgets, merged and pruned per
// hop, then aggregated into per-memory final scores.
package pathexpand

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/liminalfauna/tiermind/config"
	"github.com/liminalfauna/tiermind/graphstore"
	"github.com/liminalfauna/tiermind/internal/tlog"
)

var log = tlog.New("PATHEXPAND")

// Seed is one entry of the initial set S (spec §4.4 "Inputs"), typically
// the Vector Index's top-K nodes for a query.
type Seed struct {
	NodeID string
	Score  float64
}

// ScoredMemory is one ranked result of Expand.
type ScoredMemory struct {
	MemoryID   string
	FinalScore float64
	PathScore  float64
	Importance float64
	Recency    float64
}

// path is the internal propagation state (spec §4.4 "State").
type path struct {
	nodes    []string
	edges    []string
	score    float64
	depth    int
	terminal string
}

// Engine runs path expansion over a Graph Store using a fixed
// configuration (spec §4.4 "Configuration").
type Engine struct {
	cfg config.PathExpansionConfig
}

// New creates a Path Expansion Engine bound to cfg. The merge-strategy
// bonus constants (weighted_geometric=1.2, max_bonus=1.3) are fixed by
// spec §9 and are not read from cfg.
func New(cfg config.PathExpansionConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Expand runs multi-hop propagation from seeds, aggregates reachable
// memories, and returns the topK by descending final score (spec §4.4).
func (e *Engine) Expand(ctx context.Context, store graphstore.Store, seeds []Seed, queryEmbedding []float32, preferredTypes map[string]bool, topK int, now time.Time) ([]ScoredMemory, error) {
	active := make([]*path, 0, len(seeds))
	bestScoreToNode := make(map[string]float64, len(seeds))
	for _, s := range seeds {
		p := &path{nodes: []string{s.NodeID}, score: s.Score, depth: 0, terminal: s.NodeID}
		active = append(active, p)
		if s.Score > bestScoreToNode[s.NodeID] {
			bestScoreToNode[s.NodeID] = s.Score
		}
	}

	prevCount := len(active)
	for d := 1; d <= e.cfg.MaxHops; d++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		next, err := e.propagateHop(ctx, store, active, queryEmbedding, preferredTypes, bestScoreToNode, d)
		if err != nil {
			return nil, err
		}
		next = e.pruneHop(next)

		if prevCount > 0 {
			growth := float64(len(next)-prevCount) / float64(prevCount)
			if growth < e.cfg.EarlyStopGrowthRate {
				active = next
				break
			}
		}
		active = next
		prevCount = len(active)
		if len(active) == 0 {
			break
		}
	}

	return e.aggregateAndScore(ctx, store, active, topK, now)
}

func (e *Engine) propagateHop(ctx context.Context, store graphstore.Store, active []*path, queryEmbedding []float32, preferredTypes map[string]bool, bestScoreToNode map[string]float64, depth int) ([]*path, error) {
	var next []*path
	for _, p := range active {
		edges, err := store.GetOutgoingEdges(ctx, p.terminal)
		if err != nil {
			log.Warnf("outgoing edges for %s: %v", p.terminal, err)
			continue
		}

		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Importance*e.typeWeight(edges[i].Type) > edges[j].Importance*e.typeWeight(edges[j].Type)
		})

		// A path with no admissible outgoing edge is a leaf: it is carried
		// forward unchanged so its memories still reach aggregation.
		budget := int(math.Max(1, math.Floor(float64(e.cfg.MaxBranchesPerNode)*(0.5+0.5*p.score))))
		taken := 0
		for _, edge := range edges {
			if taken >= budget {
				break
			}
			if contains(p.nodes, edge.TargetID) {
				continue
			}
			taken++

			newScore := e.scoreEdge(ctx, store, p, edge, queryEmbedding, preferredTypes, depth)

			np := &path{
				nodes:    append(append([]string(nil), p.nodes...), edge.TargetID),
				edges:    append(append([]string(nil), p.edges...), edge.ID),
				score:    newScore,
				depth:    depth,
				terminal: edge.TargetID,
			}

			if existing, ok := bestScoreToNode[edge.TargetID]; ok && math.Abs(newScore-existing) < 0.1 {
				merged := e.mergeScore(newScore, existing)
				np.score = merged
			}
			if np.score > bestScoreToNode[edge.TargetID] {
				bestScoreToNode[edge.TargetID] = np.score
			}
			next = append(next, np)
		}
		if taken == 0 {
			next = append(next, p)
		}
	}
	return next, nil
}

func (e *Engine) scoreEdge(ctx context.Context, store graphstore.Store, p *path, edge graphstore.Edge, queryEmbedding []float32, preferredTypes map[string]bool, depth int) float64 {
	wEdge := edge.Importance * e.typeWeight(edge.Type)

	sNode := 0.3
	if node, err := store.GetNode(ctx, edge.TargetID); err == nil {
		if len(node.Embedding) > 0 && len(queryEmbedding) > 0 {
			sNode = clamp01(cosineSimilarity(queryEmbedding, node.Embedding))
		}
		if preferredTypes != nil && preferredTypes[string(node.Type)] {
			sNode *= 1.2
		}
	}

	delta := math.Pow(e.cfg.DampingFactor, float64(depth))
	return p.score*wEdge*delta + sNode*(1-delta)
}

func (e *Engine) mergeScore(newScore, existing float64) float64 {
	switch e.cfg.MergeStrategy {
	case config.MergeMaxBonus:
		return math.Max(newScore, existing) * 1.3
	default: // weighted_geometric
		return math.Sqrt(newScore*existing) * 1.2
	}
}

func (e *Engine) pruneHop(paths []*path) []*path {
	if len(paths) == 0 {
		return paths
	}
	maxScore := paths[0].score
	for _, p := range paths {
		if p.score > maxScore {
			maxScore = p.score
		}
	}
	threshold := e.cfg.PruningThreshold * maxScore
	out := paths[:0]
	for _, p := range paths {
		if p.score >= threshold {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) typeWeight(t graphstore.EdgeType) float64 {
	if w, ok := e.cfg.EdgeTypeWeights[string(t)]; ok {
		return w
	}
	return e.cfg.EdgeTypeWeights["default"]
}

// aggregateAndScore groups leaf paths by the memories whose node_ids
// intersect the path, computes each memory's rank-weighted path score,
// recency, and final convex-combination score (spec §4.4 "Memory
// aggregation" / "Final score").
func (e *Engine) aggregateAndScore(ctx context.Context, store graphstore.Store, leaves []*path, topK int, now time.Time) ([]ScoredMemory, error) {
	memoryPaths := make(map[string][]*path)
	for _, p := range leaves {
		seen := make(map[string]bool)
		for _, nodeID := range p.nodes {
			memIDs, err := store.GetMemoriesByNode(ctx, nodeID)
			if err != nil {
				continue
			}
			for _, mid := range memIDs {
				if seen[mid] {
					continue
				}
				seen[mid] = true
				memoryPaths[mid] = append(memoryPaths[mid], p)
			}
		}
	}

	out := make([]ScoredMemory, 0, len(memoryPaths))
	for memID, paths := range memoryPaths {
		mem, err := store.GetMemory(ctx, memID)
		if err != nil {
			continue
		}

		sort.SliceStable(paths, func(i, j int) bool { return paths[i].score > paths[j].score })
		var weightedSum, weightTotal float64
		for i, p := range paths {
			rank := float64(i + 1)
			weightedSum += p.score / rank
			weightTotal += 1 / rank
		}
		pathScore := 0.0
		if weightTotal > 0 {
			pathScore = weightedSum / weightTotal
		}

		ageCreated := now.Sub(mem.CreatedAt).Hours() / 24
		ageAccessed := now.Sub(mem.LastAccessedAt).Hours() / 24
		recency := 0.4*math.Exp(-ageCreated/30) + 0.6*math.Exp(-ageAccessed/7)

		fs := e.cfg.FinalScoring
		final := fs.Path*pathScore + fs.Importance*mem.Importance + fs.Recency*recency

		out = append(out, ScoredMemory{
			MemoryID:   memID,
			FinalScore: final,
			PathScore:  pathScore,
			Importance: mem.Importance,
			Recency:    recency,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CosineSimilarityExported exposes the engine's cosine similarity for
// callers outside the package that need node-embedding comparisons (e.g.
// long-term node consolidation).
func CosineSimilarityExported(a, b []float32) float64 {
	return cosineSimilarity(a, b)
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
