package natudp

import "testing"

func TestGetOrBindCreatesOnce(t *testing.T) {
	table := New[string](nil)

	b1, idx1, created1 := table.GetOrBind(1000, func(idx int) string { return "a" })
	if !created1 {
		t.Fatalf("first GetOrBind() created = false, want true")
	}
	b2, idx2, created2 := table.GetOrBind(1000, func(idx int) string { return "b" })
	if created2 {
		t.Errorf("second GetOrBind() for the same client port created = true, want false")
	}
	if idx1 != idx2 || b1.Value != b2.Value {
		t.Errorf("GetOrBind() returned a different binding on lookup: %v/%d vs %v/%d", b1, idx1, b2, idx2)
	}
}

func TestLookupMiss(t *testing.T) {
	table := New[string](nil)
	if _, ok := table.Lookup(9999); ok {
		t.Errorf("Lookup() on unbound port ok = true, want false")
	}
}

func TestEvictionOnCapacityPressure(t *testing.T) {
	var evicted []uint16
	table := New[int](func(idx int, b Binding[int]) {
		evicted = append(evicted, b.ClientPort)
	})

	for i := 0; i < PortCount; i++ {
		table.GetOrBind(uint16(i), func(idx int) int { return idx })
	}
	if table.Len() != PortCount {
		t.Fatalf("Len() = %d, want %d", table.Len(), PortCount)
	}

	// Touch client port 0 so it's the most-recently-used, then fill one
	// more distinct client port — this must evict some OTHER entry, not 0.
	table.Lookup(0)
	table.GetOrBind(uint16(PortCount), func(idx int) int { return idx })

	if len(evicted) != 1 {
		t.Fatalf("expected exactly one eviction, got %d: %v", len(evicted), evicted)
	}
	if evicted[0] == 0 {
		t.Errorf("evicted the just-touched client port 0, want a less recently used one")
	}
	if table.Len() != PortCount {
		t.Errorf("Len() = %d after eviction+insert, want %d", table.Len(), PortCount)
	}
}

func TestEvictedLocalPortIndexIsReused(t *testing.T) {
	table := New[int](nil)
	seen := map[int]bool{}
	for i := 0; i < PortCount; i++ {
		_, idx, _ := table.GetOrBind(uint16(i), func(idx int) int { return idx })
		seen[idx] = true
	}
	if len(seen) != PortCount {
		t.Fatalf("expected %d distinct local port indices, got %d", PortCount, len(seen))
	}

	_, idx, created := table.GetOrBind(uint16(PortCount), func(idx int) int { return idx })
	if !created {
		t.Fatalf("GetOrBind() for a fresh client port created = false, want true")
	}
	if idx < 0 || idx >= PortCount {
		t.Errorf("reused local port index %d out of range [0, %d)", idx, PortCount)
	}
}
