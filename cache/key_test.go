package cache

import (
	"errors"
	"testing"

	"metabridge/codec"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey("calc", []any{1, "two"}, map[string]any{"precision": 4, "mode": "fast"})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey("calc", []any{1, "two"}, map[string]any{"mode": "fast", "precision": 4})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	// Kwargs order must not matter
	if k1.ID != k2.ID {
		t.Error("equal kwargs in different insertion order produced different keys")
	}
	if k1.Hash != k2.Hash {
		t.Error("hash fingerprints differ for equal keys")
	}
}

func TestDeriveKeyDistinguishes(t *testing.T) {
	base, _ := DeriveKey("calc", []any{1}, nil)

	otherService, _ := DeriveKey("other", []any{1}, nil)
	if base.ID == otherService.ID {
		t.Error("different services produced the same key")
	}

	otherArgs, _ := DeriveKey("calc", []any{2}, nil)
	if base.ID == otherArgs.ID {
		t.Error("different ctor args produced the same key")
	}

	withKwargs, _ := DeriveKey("calc", []any{1}, map[string]any{"x": true})
	if base.ID == withKwargs.ID {
		t.Error("adding ctor kwargs did not change the key")
	}
}

func TestDeriveKeyNestedMaps(t *testing.T) {
	// Canonicalization must recurse into nested maps
	k1, err := DeriveKey("svc", nil, map[string]any{
		"nested": map[string]any{"b": 2, "a": 1},
	})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey("svc", nil, map[string]any{
		"nested": map[string]any{"a": 1, "b": 2},
	})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if k1.ID != k2.ID {
		t.Error("nested map order leaked into the key")
	}
}

func TestDeriveKeyUnrepresentableArg(t *testing.T) {
	_, err := DeriveKey("svc", []any{make(chan int)}, nil)
	if !errors.Is(err, codec.ErrSerialization) {
		t.Fatalf("expected ErrSerialization for channel arg, got %v", err)
	}
}
