// Package config holds the full recognized configuration surface of the
// memory engine (spec §6). It is a plain struct with a Default()
// constructor, generalized from the teacher's memory.Config /
// memory.DefaultConfig pattern (memory/manager.go) into one struct per
// concern instead of a single flat Config, since the teacher's single tier
// has grown into five here.
package config

import "time"

// OverflowStrategy selects Short-Term's overflow behavior (spec §4.2).
type OverflowStrategy string

const (
	OverflowTransferAll       OverflowStrategy = "transfer_all"
	OverflowSelectiveCleanup  OverflowStrategy = "selective_cleanup"
)

// MergeStrategy selects how Path Expansion merges converging paths
// (spec §4.4). The bonus constants are fixed by spec §9 and must not be
// reinterpreted: weighted_geometric=1.2, max_bonus=1.3.
type MergeStrategy string

const (
	MergeWeightedGeometric MergeStrategy = "weighted_geometric"
	MergeMaxBonus          MergeStrategy = "max_bonus"
)

// PerceptualConfig configures Tier 1 (spec §4.1, §6).
type PerceptualConfig struct {
	MaxBlocks          int
	BlockSize          int
	ActivationThreshold int
	RecallThreshold    float64
}

// ShortTermConfig configures Tier 2 (spec §4.2, §6).
type ShortTermConfig struct {
	Max                 int
	TransferThreshold    float64
	OverflowStrategy     OverflowStrategy
	EnableForceCleanup   bool
	CleanupKeepRatio     float64
}

// LongTermConfig configures Tier 3 (spec §4.3, §6).
type LongTermConfig struct {
	BatchSize            int
	DecayFactor          float64
	AutoTransferInterval time.Duration
	EmbedBatchSize       int
}

// SearchConfig configures retrieval defaults shared by the coordinator and
// Long-Term search (spec §6).
type SearchConfig struct {
	TopK                  int
	SimilarityThreshold    float64
	JudgeConfidenceThreshold float64
	QueryDecay            float64 // decay applied to manual_multi_queries weights
	MinQueryWeight        float64
}

// FinalScoringWeights is the convex combination used by Path Expansion's
// final memory scoring (spec §4.4).
type FinalScoringWeights struct {
	Path       float64
	Importance float64
	Recency    float64
}

// PathExpansionConfig configures the Path Expansion Engine (spec §4.4, §6).
type PathExpansionConfig struct {
	MaxHops            int
	DampingFactor       float64
	MaxBranchesPerNode int
	MergeStrategy       MergeStrategy
	PruningThreshold    float64
	EdgeTypeWeights     map[string]float64
	FinalScoring        FinalScoringWeights
	EarlyStopGrowthRate float64 // hop-over-hop growth below this stops expansion
}

// GatewayConfig configures retry/timeout behavior for the external LLM and
// Embedding gateways (spec §5, §6).
type GatewayConfig struct {
	LLMTimeout       time.Duration
	LLMMaxRetry      int
	EmbedTimeout     time.Duration
	EmbedMaxRetry    int
	LLMMaxInflight   int
	EmbedMaxInflight int
	InterestMatchTimeout time.Duration
}

// Config is the full recognized configuration surface of the memory engine.
type Config struct {
	Perceptual   PerceptualConfig
	ShortTerm    ShortTermConfig
	LongTerm     LongTermConfig
	Search       SearchConfig
	PathExpansion PathExpansionConfig
	Gateway      GatewayConfig
	DataDir      string
}

// Default returns the documented defaults from spec §6.
func Default() *Config {
	return &Config{
		Perceptual: PerceptualConfig{
			MaxBlocks:           50,
			BlockSize:           5,
			ActivationThreshold: 3,
			RecallThreshold:     0.55,
		},
		ShortTerm: ShortTermConfig{
			Max:                30,
			TransferThreshold:  0.6,
			OverflowStrategy:   OverflowTransferAll,
			EnableForceCleanup: true,
			CleanupKeepRatio:   0.9,
		},
		LongTerm: LongTermConfig{
			BatchSize:            10,
			DecayFactor:          0.95,
			AutoTransferInterval: 180 * time.Second,
			EmbedBatchSize:       16,
		},
		Search: SearchConfig{
			TopK:                     10,
			SimilarityThreshold:      0.6,
			JudgeConfidenceThreshold: 0.7,
			QueryDecay:               0.1,
			MinQueryWeight:           0.3,
		},
		PathExpansion: PathExpansionConfig{
			MaxHops:            2,
			DampingFactor:      0.85,
			MaxBranchesPerNode: 10,
			MergeStrategy:      MergeWeightedGeometric,
			PruningThreshold:   0.15,
			EdgeTypeWeights: map[string]float64{
				"reference":     0.6,
				"attribute":     0.8,
				"has_property":  0.8,
				"relation":      1.0,
				"temporal":      0.7,
				"core_relation": 1.2,
				"default":       0.5,
			},
			FinalScoring: FinalScoringWeights{
				Path:       0.6,
				Importance: 0.25,
				Recency:    0.15,
			},
			EarlyStopGrowthRate: 0.10,
		},
		Gateway: GatewayConfig{
			LLMTimeout:           60 * time.Second,
			LLMMaxRetry:          3,
			EmbedTimeout:         15 * time.Second,
			EmbedMaxRetry:        3,
			LLMMaxInflight:       4,
			EmbedMaxInflight:     8,
			InterestMatchTimeout: 1500 * time.Millisecond,
		},
		DataDir: "data/memory_graph",
	}
}
