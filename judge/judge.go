// Package judge implements the Query Planner / Judge (spec §4.6): the LLM
// step that decides whether Perceptual + Short-Term recall already answers
// a query, or whether the Unified Coordinator should fall back to a
// Long-Term search with supplemental queries.
package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/liminalfauna/tiermind/gateway"
	"github.com/liminalfauna/tiermind/jsonrepair"
)

// Verdict is the judge's decision about whether recalled context already
// answers the query (spec §4.6).
type Verdict struct {
	Sufficient          bool
	Confidence          float64
	SupplementalQueries []string
}

type rawVerdict struct {
	Sufficient          bool     `json:"sufficient"`
	Confidence          float64  `json:"confidence"`
	SupplementalQueries []string `json:"supplemental_queries"`
}

// safeDefault is returned whenever the LLM response cannot be parsed
// (spec §4.6: "On parse failure: {sufficient=false, confidence=0.0,
// supplemental_queries=[]}"). Defaulting to insufficient biases the
// coordinator toward the long-term fallback, which is the safer miss
// mode (spec §4.5 step 7 makes the same call on judge error).
func safeDefault() Verdict {
	return Verdict{Sufficient: false, Confidence: 0.0, SupplementalQueries: nil}
}

const schemaHint = `{"sufficient": bool, "confidence": float (0-1), "supplemental_queries": [string]}`

// Judge asks an LLMGateway whether the recalled items already answer the
// query.
type Judge struct {
	llm gateway.LLMGateway
}

// New creates a Judge bound to an LLM gateway.
func New(llm gateway.LLMGateway) *Judge {
	return &Judge{llm: llm}
}

// Evaluate builds the judge prompt from the query, the compacted recalled
// items, and recent chat history, then parses the LLM's verdict. A
// gateway error or an unparsable response both return the safe default,
// leaving fallback-to-long-term to the caller (spec §4.5 step 7).
func (j *Judge) Evaluate(ctx context.Context, query string, recalledItems []string, recentHistory []string) (Verdict, error) {
	prompt := buildPrompt(query, recalledItems, recentHistory)
	resp, err := j.llm.Complete(ctx, prompt, schemaHint)
	if err != nil {
		return safeDefault(), fmt.Errorf("judge llm call: %w", err)
	}

	var raw rawVerdict
	if !jsonrepair.Parse(resp, &raw) {
		return safeDefault(), nil
	}

	return Verdict{
		Sufficient:          raw.Sufficient,
		Confidence:          clamp01(raw.Confidence),
		SupplementalQueries: dedupeNonEmpty(raw.SupplementalQueries),
	}, nil
}

func buildPrompt(query string, recalledItems []string, recentHistory []string) string {
	var b strings.Builder
	b.WriteString("Decide whether the retrieved context is sufficient to answer the query.\n\n")
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	b.WriteString("Retrieved context:\n")
	if len(recalledItems) == 0 {
		b.WriteString("(none)\n")
	}
	for _, item := range recalledItems {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	b.WriteString("\nRecent chat history:\n")
	for _, h := range recentHistory {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	b.WriteString("\nRespond with JSON: ")
	b.WriteString(schemaHint)
	return b.String()
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

func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
