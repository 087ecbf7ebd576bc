package id

import "testing"

func TestNew(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	if a == b {
		t.Fatalf("expected distinct identifiers, got %q twice", a)
	}
}
