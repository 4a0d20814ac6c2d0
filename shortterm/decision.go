package shortterm

import (
	"github.com/liminalfauna/tiermind/jsonrepair"
)

// DecisionOp enumerates the Short-Term ingestion decision ops (spec §4.2).
type DecisionOp string

const (
	OpCreateNew DecisionOp = "create_new"
	OpMerge     DecisionOp = "merge"
	OpUpdate    DecisionOp = "update"
	OpDiscard   DecisionOp = "discard"
)

// MemoryFields carries the LLM-authored fields for a CREATE_NEW/MERGE/
// UPDATE decision.
type MemoryFields struct {
	Subject    string            `json:"subject"`
	MemoryType string            `json:"memory_type"`
	Topic      string            `json:"topic"`
	Object     string            `json:"object,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Importance float64           `json:"importance"`
}

// Decision is the parsed LLM response to add_from_block (spec §4.2).
type Decision struct {
	Op           DecisionOp    `json:"op"`
	TargetID     string        `json:"target_id,omitempty"`
	MemoryFields *MemoryFields `json:"memory_fields,omitempty"`
	Reasoning    string        `json:"reasoning,omitempty"`
}

// rawDecision mirrors the wire shape before op normalization, so a
// loosely-typed "op" field (any casing/hyphenation) can be read first and
// normalized afterward.
type rawDecision struct {
	Op           string        `json:"op"`
	TargetID     string        `json:"target_id"`
	MemoryFields *MemoryFields `json:"memory_fields"`
	Reasoning    string        `json:"reasoning"`
}

// ParseDecision runs the tolerant decision-parsing pipeline (spec §4.2
// steps 1-6): strip fences, strict parse, repair pass, normalize op,
// default to CREATE_NEW on an unrecognized op, and fall back MERGE/UPDATE
// to CREATE_NEW when target_id is missing (the new row starts with no
// cached embedding — see Manager.applyDecision).
func ParseDecision(raw string) (Decision, bool) {
	var rd rawDecision
	if !jsonrepair.Parse(raw, &rd) {
		return safeDefault(), false
	}

	op := DecisionOp(jsonrepair.NormalizeOp(rd.Op))
	switch op {
	case OpCreateNew, OpMerge, OpUpdate, OpDiscard:
	default:
		op = OpCreateNew
	}

	d := Decision{
		Op:           op,
		TargetID:     rd.TargetID,
		MemoryFields: rd.MemoryFields,
		Reasoning:    rd.Reasoning,
	}

	if (d.Op == OpMerge || d.Op == OpUpdate) && d.TargetID == "" {
		d.Op = OpCreateNew
	}
	return d, true
}

// safeDefault is the CREATE_NEW decision substituted when parsing fails
// unrecoverably (spec §7 "Parse failure of LLM output").
func safeDefault() Decision {
	return Decision{Op: OpCreateNew, Reasoning: "unparsable LLM response; defaulted to create_new"}
}
