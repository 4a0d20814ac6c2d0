// Package jsonrepair implements the tolerant JSON parsing pipeline required
// by the Short-Term decision parser and the Long-Term graph-edit program
// parser (spec §4.2 "Decision parsing", §4.3 step 3, §7 "Parse failure of
// LLM output").
//
// LLM completions are free text that may:
//   - be wrapped in Markdown code fences, with or without a language tag
//   - contain trailing commas or // and /* */ comments
//   - be a single JSON object where an array was expected, or vice versa
//   - be outright unparsable garbage surrounding a valid JSON payload
//
// Parse runs a four-step pipeline: strip fences, try strict parse, fall
// back to balanced-bracket extraction + comment/trailing-comma cleanup,
// then strict parse again. It never panics; callers get ok=false and apply
// their own safe default (spec §7).
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Parse attempts to extract a valid JSON value from raw LLM output and
// unmarshal it into v. Returns ok=false if no valid JSON could be
// recovered; v is left untouched in that case.
func Parse(raw string, v interface{}) (ok bool) {
	candidate := normalizeOpFields(StripFences(raw))

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return true
	}

	repaired := normalizeOpFields(repairPass(candidate))
	if repaired == "" {
		return false
	}
	if err := json.Unmarshal([]byte(repaired), v); err == nil {
		return true
	}
	return false
}

// normalizeOpFields rewrites every "op" string field — at the top level and
// within a top-level "operations" array — to its normalized form (spec
// §4.2 step 4), so callers get already-normalized op values straight out of
// Parse regardless of how the LLM capitalized or hyphenated them.
func normalizeOpFields(raw string) string {
	if raw == "" || !gjson.Valid(raw) {
		return raw
	}
	result := raw
	if op := gjson.Get(result, "op"); op.Type == gjson.String {
		if normalized := NormalizeOp(op.String()); normalized != op.String() {
			if updated, err := sjson.Set(result, "op", normalized); err == nil {
				result = updated
			}
		}
	}
	if ops := gjson.Get(result, "operations"); ops.IsArray() {
		ops.ForEach(func(idx, item gjson.Result) bool {
			opVal := item.Get("op")
			if opVal.Type != gjson.String {
				return true
			}
			normalized := NormalizeOp(opVal.String())
			if normalized == opVal.String() {
				return true
			}
			path := fmt.Sprintf("operations.%d.op", idx.Int())
			if updated, err := sjson.Set(result, path, normalized); err == nil {
				result = updated
			}
			return true
		})
	}
	return result
}

// StripFences removes Markdown code-fence markers (```json ... ``` or
// ``` ... ```) with any or no language tag, and trims surrounding
// whitespace. If no fence is present the input is returned trimmed.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag up to the first newline.
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		lang := strings.TrimSpace(s[:nl])
		if lang != "" && !strings.ContainsAny(lang, "{}[]\"") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// repairPass extracts the outermost balanced {...} or [...] span from s,
// then strips // and /* */ comments and trailing commas before the closing
// bracket/brace, producing a best-effort valid JSON string. Returns "" if
// no balanced span was found.
func repairPass(s string) string {
	span := extractBalancedSpan(s)
	if span == "" {
		return ""
	}
	cleaned := stripComments(span)
	cleaned = stripTrailingCommas(cleaned)
	if !gjson.Valid(cleaned) {
		return ""
	}
	return cleaned
}

// extractBalancedSpan returns the substring from the first '{' or '[' to
// its matching closing bracket, tracking string literals so brackets
// inside quoted text don't confuse the scan.
func extractBalancedSpan(s string) string {
	start := -1
	var openCh, closeCh byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			start, openCh, closeCh = i, '{', '}'
		case '[':
			start, openCh, closeCh = i, '[', ']'
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripComments removes // line comments and /* */ block comments that
// occur outside of string literals.
func stripComments(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '*' {
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // land on '/'
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// stripTrailingCommas removes commas that appear immediately before a
// closing ] or } (ignoring whitespace), which strict JSON rejects but LLMs
// frequently emit.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == ',' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == ']' || runes[j] == '}') {
				continue // drop the comma
			}
		}
		b.WriteRune(c)
	}
	return b.String()
}

// NormalizeOp lowercases and replaces '-' with '_', matching spec §4.2
// step 4's op normalization rule.
func NormalizeOp(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	return strings.ReplaceAll(op, "-", "_")
}
