package canonhash

import (
	"strings"
	"testing"
)

func TestSumObjectDeterministicForSameState(t *testing.T) {
	a := map[string]any{
		"b": 2,
		"a": map[string]any{"y": 2, "x": 1},
	}
	b := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": 2,
	}

	ha, _, err := SumObject(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hb, _, err := SumObject(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected same hash, got %s vs %s", ha, hb)
	}
}

func TestSumObjectChangesWhenStateChanges(t *testing.T) {
	a := map[string]any{"a": 1}
	b := map[string]any{"a": 2}
	ha, _, _ := SumObject(a)
	hb, _, _ := SumObject(b)
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
}

func TestCanonicalizeSortsStructFields(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha int64  `json:"alpha"`
		Inner struct {
			Y string `json:"y"`
			X string `json:"x"`
		} `json:"inner"`
	}
	var p payload
	p.Zeta = "<z>"
	p.Alpha = 9007199254740993
	p.Inner.Y = "y"
	p.Inner.X = "x"

	got, err := Canonicalize(p)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"alpha":9007199254740993,"inner":{"x":"x","y":"y"},"zeta":"<z>"}`
	if string(got) != want {
		t.Fatalf("canonical form = %s, want %s", got, want)
	}
}

func TestSumBytesPrefix(t *testing.T) {
	h := SumString("hello")
	if !strings.HasPrefix(h, Prefix) {
		t.Fatalf("expected %q prefix, got %s", Prefix, h)
	}
	if len(HexDigest(h)) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(HexDigest(h)))
	}
}
