package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("ds")
	if !strings.HasPrefix(id, "ds_") {
		t.Fatalf("expected ds_ prefix, got %q", id)
	}
	if len(id) != len("ds_")+32 {
		t.Fatalf("unexpected id length %d", len(id))
	}
	if NewID("ds") == id {
		t.Fatal("expected unique ids")
	}
}

func TestNewIDWithoutPrefix(t *testing.T) {
	if id := NewID(""); strings.Contains(id, "_") || len(id) != 32 {
		t.Fatalf("unexpected id %q", id)
	}
}
