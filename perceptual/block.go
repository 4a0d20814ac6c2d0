// Package perceptual implements the Perceptual Manager, Tier 1 of the
// memory engine (spec §4.1): an append-only buffer of recent message
// blocks with activation-based promotion to Short-Term.
package perceptual

import (
	"math"
	"time"

	"github.com/liminalfauna/tiermind/core"
)

// Block is an ordered, capped sequence of messages belonging to one chat
// (spec §3). A block is promoted to Short-Term once ActivationCount reaches
// the configured threshold, or once it is full and is the chat's oldest
// untransferred block.
type Block struct {
	ID              string         `json:"id"`
	ChatID          string         `json:"chat_id"`
	Messages        []core.Message `json:"messages"`
	CreatedAt       time.Time      `json:"created_at"`
	ActivationCount int            `json:"activation_count"`
	Embedding       []float32      `json:"embedding,omitempty"`
	NeedsTransfer   bool           `json:"needs_transfer"`

	// MessageEmbeddings holds one embedding per entry in Messages, lazily
	// populated by the manager. The spec's activation algorithm scores
	// against individual message embeddings; the block-level Embedding is
	// not populated or read by the manager. This field is an implementation
	// detail, not persisted.
	MessageEmbeddings [][]float32 `json:"-"`
}

// Full reports whether the block has reached the configured block size.
func (b *Block) Full(blockSize int) bool {
	return len(b.Messages) >= blockSize
}

// Text concatenates the block's message texts, used as the LLM prompt
// input when Short-Term ingests a promoted block (spec §4.2).
func (b *Block) Text() string {
	out := ""
	for i, m := range b.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Text
	}
	return out
}

// activationScore computes a block's activation against a query, per
// spec §4.1: max(cosine(query_embedding, msg_embedding_i)) across the
// block's messages, falling back to Jaccard lexical similarity when no
// embedding is available for either side.
func activationScore(b *Block, queryText string, queryEmbedding []float32) float64 {
	best := 0.0
	for i, msg := range b.Messages {
		var score float64
		var msgEmbedding []float32
		if i < len(b.MessageEmbeddings) {
			msgEmbedding = b.MessageEmbeddings[i]
		}
		if len(queryEmbedding) > 0 && len(msgEmbedding) > 0 {
			score = cosineSimilarity(queryEmbedding, msgEmbedding)
		} else {
			score = core.JaccardSimilarity(queryText, msg.Text)
		}
		if score > best {
			best = score
		}
	}
	return best
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
