package marketstate

import "testing"

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []State{A, B, C, D} {
		parsed, ok := Parse(s.String())
		if !ok || parsed != s {
			t.Fatalf("round trip failed for %v: got %v ok=%v", s, parsed, ok)
		}
	}
}

func TestParseUnknown(t *testing.T) {
	if _, ok := Parse("X"); ok {
		t.Fatal("expected unknown string to be absent")
	}
	if _, ok := Parse(""); ok {
		t.Fatal("expected empty string to be absent")
	}
}

func TestNewMapDropsInvalid(t *testing.T) {
	m := NewMap(map[string]State{"15m": D, "30m": State(99)})
	if _, ok := m.Get("30m"); ok {
		t.Fatal("invalid state should not survive NewMap")
	}
	if got, ok := m.Get("15m"); !ok || got != D {
		t.Fatalf("expected 15m=D, got %v ok=%v", got, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("expected len 1, got %d", m.Len())
	}
}

func TestUnique(t *testing.T) {
	m := NewMap(map[string]State{"15m": D, "30m": D, "1h": A})
	if len(m.Unique()) != 2 {
		t.Fatalf("expected 2 unique states, got %d", len(m.Unique()))
	}
}
