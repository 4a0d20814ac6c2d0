// Package longterm implements the Long-Term Manager, Tier 3 of the memory
// engine (spec §4.3): transfer-from-short-term via LLM-authored graph-edit
// programs, decay, consolidation, and path-scored search.
package longterm

import (
	"encoding/json"
	"fmt"

	"github.com/liminalfauna/tiermind/jsonrepair"
)

// OpKind enumerates the graph-edit program vocabulary (spec §4.3 step 2).
type OpKind string

const (
	OpCreateNode    OpKind = "create_node"
	OpCreateEdge    OpKind = "create_edge"
	OpUpdateMemory  OpKind = "update_memory"
	OpMergeMemories OpKind = "merge_memories"
	OpCreateMemory  OpKind = "create_memory"
)

// Operation is one graph-edit instruction in an LLM-authored transfer
// program (spec §4.3).
type Operation struct {
	Op     OpKind                 `json:"op"`
	Args   map[string]interface{} `json:"args"`
	TempID string                 `json:"temp_id,omitempty"`
}

type rawOperation struct {
	Op     string                 `json:"op"`
	Args   map[string]interface{} `json:"args"`
	TempID string                 `json:"temp_id,omitempty"`
}

// ParseProgram parses an LLM transfer response into an ordered list of
// operations (spec §4.3 step 3). The response may be a bare array of
// operations, a single operation object, or an object with an
// "operations" key — all three shapes are tried, each through the same
// tolerant strip-fences/strict-parse/repair pipeline jsonrepair.Parse
// already applies to §4.2 decisions.
func ParseProgram(raw string) ([]Operation, bool) {
	var arr []rawOperation
	if jsonrepair.Parse(raw, &arr) && len(arr) > 0 {
		return toOperations(arr), true
	}

	var wrapper struct {
		Operations []rawOperation `json:"operations"`
	}
	if jsonrepair.Parse(raw, &wrapper) && len(wrapper.Operations) > 0 {
		return toOperations(wrapper.Operations), true
	}

	var single rawOperation
	if jsonrepair.Parse(raw, &single) && single.Op != "" {
		return toOperations([]rawOperation{single}), true
	}

	return nil, false
}

func toOperations(raws []rawOperation) []Operation {
	out := make([]Operation, len(raws))
	for i, r := range raws {
		out[i] = Operation{
			Op:     OpKind(jsonrepair.NormalizeOp(r.Op)),
			Args:   r.Args,
			TempID: r.TempID,
		}
	}
	return out
}

// resolveArgs returns a copy of one op's args with every string value
// (including strings inside arrays) found in tempIDMap replaced by its
// resolved real id (spec §4.3 step 4: "a value is resolved by a single map
// lookup; non-string or empty map short-circuits"). It only reads
// tempIDMap; the caller adds entries as create_node ops are assigned real
// ids during execution.
func resolveArgs(args map[string]interface{}, tempIDMap map[string]string) map[string]interface{} {
	if len(tempIDMap) == 0 || args == nil {
		return args
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = resolveValue(v, tempIDMap)
	}
	return out
}

func resolveValue(v interface{}, tempIDMap map[string]string) interface{} {
	switch val := v.(type) {
	case string:
		if real, ok := tempIDMap[val]; ok {
			return real
		}
		return val
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, tempIDMap)
		}
		return out
	default:
		return v
	}
}

// argString reads a string field from an operation's args, tolerating a
// missing key.
func argString(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func argFloat(args map[string]interface{}, key string, def float64) float64 {
	if args == nil {
		return def
	}
	v, ok := args[key]
	if !ok {
		return def
	}
	switch f := v.(type) {
	case float64:
		return f
	case json.Number:
		n, err := f.Float64()
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func argStringSlice(args map[string]interface{}, key string) []string {
	if args == nil {
		return nil
	}
	v, ok := args[key]
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argStringMap(args map[string]interface{}, key string) map[string]string {
	if args == nil {
		return nil
	}
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		if s, ok := raw.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", raw)
		}
	}
	return out
}
