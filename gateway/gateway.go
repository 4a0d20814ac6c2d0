// Package gateway defines the two external collaborator contracts the
// memory engine depends on — LLMGateway and EmbeddingGateway (spec §6) —
// plus retrying wrappers and concrete implementations. EmbeddingGateway
// takes texts in batches and LLMGateway takes one prompt per call; both are
// suspendable on every call (spec §5), and classify failures as transient
// or permanent per spec §6/§7.
package gateway

import "context"

// LLMGateway produces free-text completions from a prompt. Output is not
// guaranteed to be valid JSON even when a schema hint is supplied; callers
// run it through jsonrepair.
type LLMGateway interface {
	// Complete runs one text completion. schemaHint is an optional
	// free-text description of the expected JSON shape, appended to the
	// prompt as guidance only — it is not enforced.
	Complete(ctx context.Context, prompt string, schemaHint string) (string, error)
}

// EmbeddingGateway converts text to fixed-dimension vectors, batchable.
type EmbeddingGateway interface {
	// EmbedBatch embeds a slice of texts in one call, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector width this gateway produces.
	Dimensions() int
}

// Embed is a convenience wrapper around EmbedBatch for a single text.
func Embed(ctx context.Context, g EmbeddingGateway, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	return vecs[0], nil
}
