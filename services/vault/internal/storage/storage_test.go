package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConflictErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("update: %w", &ConflictError{Entity: "envelope", ID: "env_1", Expected: 3})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatal("expected version conflict match")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("did not expect not found match")
	}
}

func TestRandomTokenIsPrefixedAndUnique(t *testing.T) {
	a, b := RandomToken("sgt_"), RandomToken("sgt_")
	if !strings.HasPrefix(a, "sgt_") || len(a) != len("sgt_")+64 {
		t.Fatalf("unexpected token shape %q", a)
	}
	if a == b {
		t.Fatal("expected distinct tokens")
	}
	if HashToken(a) == a || len(HashToken(a)) != 64 {
		t.Fatal("expected hex sha256 digest")
	}
}
