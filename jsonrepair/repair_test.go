package jsonrepair_test

import (
	"testing"

	"github.com/liminalfauna/tiermind/jsonrepair"
)

func TestParse_StrictObject(t *testing.T) {
	var v map[string]interface{}
	ok := jsonrepair.Parse(`{"op":"create_new","subject":"alice"}`, &v)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if v["subject"] != "alice" {
		t.Errorf("subject = %v, want alice", v["subject"])
	}
}

func TestParse_CodeFenced(t *testing.T) {
	raw := "```json\n{\"op\": \"CREATE_NEW\", \"subject\": \"alice\"}\n```"
	var v map[string]interface{}
	if !jsonrepair.Parse(raw, &v) {
		t.Fatalf("expected ok=true for fenced input")
	}
	if v["op"] != "create_new" {
		t.Errorf("op = %v, want normalized create_new", v["op"])
	}
}

func TestParse_TrailingCommasAndComments(t *testing.T) {
	raw := `{
		// a comment
		"op": "merge",
		"target_id": "abc123", /* inline */
	}`
	var v map[string]interface{}
	if !jsonrepair.Parse(raw, &v) {
		t.Fatalf("expected ok=true for repaired input")
	}
	if v["target_id"] != "abc123" {
		t.Errorf("target_id = %v", v["target_id"])
	}
}

func TestParse_SurroundingPreamble(t *testing.T) {
	raw := "Sure! Here's the decision:\n" + `{"op":"discard","reasoning":"low value"}` + "\nLet me know if that helps."
	var v map[string]interface{}
	if !jsonrepair.Parse(raw, &v) {
		t.Fatalf("expected ok=true")
	}
	if v["op"] != "discard" {
		t.Errorf("op = %v", v["op"])
	}
}

func TestParse_Unrecoverable(t *testing.T) {
	var v map[string]interface{}
	if jsonrepair.Parse("not json at all, sorry", &v) {
		t.Fatalf("expected ok=false")
	}
}

func TestParse_EmptyObject(t *testing.T) {
	var v map[string]interface{}
	if !jsonrepair.Parse("{}", &v) {
		t.Fatalf("expected ok=true for empty object")
	}
	if len(v) != 0 {
		t.Errorf("expected empty map, got %v", v)
	}
}

func TestParse_ArrayOfOps(t *testing.T) {
	raw := `[{"op":"create_node","temp_id":"t1"},{"op":"create_node","temp_id":"t2"},]`
	var v []map[string]interface{}
	if !jsonrepair.Parse(raw, &v) {
		t.Fatalf("expected ok=true")
	}
	if len(v) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(v))
	}
}

func TestParse_NormalizesOpsWithinOperationsArray(t *testing.T) {
	raw := `{"operations":[{"op":"Create-Node","temp_id":"t1"},{"op":"CREATE_EDGE"}]}`
	var v struct {
		Operations []map[string]interface{} `json:"operations"`
	}
	if !jsonrepair.Parse(raw, &v) {
		t.Fatalf("expected ok=true")
	}
	if v.Operations[0]["op"] != "create_node" || v.Operations[1]["op"] != "create_edge" {
		t.Errorf("operations not normalized: %+v", v.Operations)
	}
}

func TestNormalizeOp(t *testing.T) {
	cases := map[string]string{
		"CREATE-NEW": "create_new",
		"  Merge  ":  "merge",
		"update":     "update",
	}
	for in, want := range cases {
		if got := jsonrepair.NormalizeOp(in); got != want {
			t.Errorf("NormalizeOp(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripFences_NoFence(t *testing.T) {
	in := `{"a":1}`
	if got := jsonrepair.StripFences(in); got != in {
		t.Errorf("StripFences(%q) = %q", in, got)
	}
}
