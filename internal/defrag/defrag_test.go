package defrag

import (
	"net/netip"
	"testing"
	"time"
)

func testKey() Key {
	return Key{
		Src:      netip.MustParseAddr("10.0.0.1"),
		Dst:      netip.MustParseAddr("10.0.0.2"),
		Protocol: 17,
		ID:       42,
	}
}

func TestInOrderFragmentsReassemble(t *testing.T) {
	d := New(time.Minute, 0)
	now := time.Now()
	key := testKey()

	if _, done := d.Add(key, 0, true, []byte("01234567"), now); done {
		t.Fatalf("Add() reported done after first fragment")
	}
	out, done := d.Add(key, 1, false, []byte("89"), now)
	if !done {
		t.Fatalf("Add() did not report done after final fragment")
	}
	if string(out) != "0123456789" {
		t.Errorf("reassembled = %q, want %q", out, "0123456789")
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d after completion, want 0", d.Len())
	}
}

func TestOutOfOrderFragments(t *testing.T) {
	d := New(time.Minute, 0)
	now := time.Now()
	key := testKey()

	if _, done := d.Add(key, 1, false, []byte("89"), now); done {
		t.Fatalf("Add() reported done with a gap at the start")
	}
	out, done := d.Add(key, 0, true, []byte("01234567"), now)
	if !done {
		t.Fatalf("Add() did not report done once the gap closed")
	}
	if string(out) != "0123456789" {
		t.Errorf("reassembled = %q, want %q", out, "0123456789")
	}
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	d := New(time.Minute, 0)
	now := time.Now()
	key := testKey()

	d.Add(key, 0, true, []byte("01234567"), now)
	d.Add(key, 0, true, []byte("01234567"), now)
	out, done := d.Add(key, 1, false, []byte("89"), now)
	if !done || string(out) != "0123456789" {
		t.Errorf("reassembled = %q, done=%v, want %q, true", out, done, "0123456789")
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
}

func TestReassemblyTimeout(t *testing.T) {
	d := New(time.Second, 0)
	t0 := time.Now()
	key := testKey()

	d.Add(key, 0, true, []byte("01234567"), t0)

	t1 := t0.Add(2 * time.Second)
	_, done := d.Add(key, 1, false, []byte("89"), t1)
	if done {
		t.Errorf("Add() reported done after the partial assembly expired, want false")
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d after timeout restart, want 1 (fresh entry)", d.Len())
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	d := New(time.Minute, 8)
	now := time.Now()

	first := testKey()
	second := testKey()
	second.ID = 43

	d.Add(first, 0, true, []byte("01234567"), now)
	if d.Len() != 1 {
		t.Fatalf("Len() = %d after first fragment, want 1", d.Len())
	}

	// Adding a second, unrelated reassembly should evict the first once the
	// memory cap would otherwise be exceeded.
	d.Add(second, 0, true, []byte("abcdefgh"), now)
	if d.Len() != 1 {
		t.Fatalf("Len() = %d after eviction, want 1", d.Len())
	}

	// The evicted entry starts fresh: completing what would have finished
	// the original reassembly must not succeed.
	_, done := d.Add(first, 1, false, []byte("89"), now)
	if done {
		t.Errorf("Add() completed a reassembly that should have been evicted")
	}
}

func TestNonEightByteAlignedLastFragment(t *testing.T) {
	d := New(time.Minute, 0)
	now := time.Now()
	key := testKey()

	d.Add(key, 0, true, []byte("0123456789"), now)
	out, done := d.Add(key, 1, false, []byte("ab"), now)
	if !done {
		t.Fatalf("Add() did not report done")
	}
	if string(out) != "0123456789ab" {
		t.Errorf("reassembled = %q, want %q", out, "0123456789ab")
	}
}
